// Package retry provides capped exponential backoff for fallible calls.
package retry

import (
	"context"
	"errors"
	"time"
)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Backoff doubles the delay on each attempt up to Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Default matches the delays used for upstream reconnects.
var Default = Backoff{Base: time.Second, Max: 60 * time.Second}

// Delay returns Base * 2^attempt capped at Max. A negative attempt yields Base.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		return b.Base
	}
	// 2^30 seconds is far past any sensible cap.
	if attempt > 30 {
		return b.Max
	}
	d := b.Base * time.Duration(1<<attempt)
	if b.Max > 0 && (d > b.Max || d <= 0) {
		return b.Max
	}
	return d
}

// Do runs fn up to attempts times, sleeping between failures. It returns the
// last error, or ctx.Err() if the context ends while waiting.
func Do(ctx context.Context, attempts int, b Backoff, fn func(ctx context.Context, attempt int) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx, i); err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if i == attempts-1 {
			break
		}
		if werr := Sleep(ctx, b.Delay(i)); werr != nil {
			return werr
		}
	}
	return err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
