package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrSigningFailed = errors.New("signing failed")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrLockHeld      = errors.New("lock already held")

	// Validation errors returned by open and close. None of them mutate state.
	ErrInvalidOrder       = errors.New("invalid order parameters")
	ErrUnknownInstrument  = errors.New("unknown instrument")
	ErrLeverageOutOfRange = errors.New("leverage out of range")
	ErrOpenInterestCap    = errors.New("open interest cap exceeded")
	ErrTooManyPositions   = errors.New("too many positions on instrument")
	ErrUnknownVenue       = errors.New("unknown venue")
	ErrDuplicateOrder     = errors.New("duplicate client order id")

	ErrStalePrice       = errors.New("stale price")
	ErrNoFundingRate    = errors.New("no funding rate")
	ErrVenueUnavailable = errors.New("venue unavailable")
	ErrEngineStopped    = errors.New("engine stopped")
)

// OrderError attaches the request identity to a validation failure. The
// wrapped sentinel stays reachable through errors.Is.
type OrderError struct {
	Op         string
	Owner      string
	Instrument string
	Err        error
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("%s %s/%s: %v", e.Op, e.Owner, e.Instrument, e.Err)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is a caller-correctable rejection.
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrInvalidOrder,
		ErrUnknownInstrument,
		ErrLeverageOutOfRange,
		ErrOpenInterestCap,
		ErrTooManyPositions,
		ErrUnknownVenue,
		ErrDuplicateOrder,
		ErrStalePrice,
		ErrNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
