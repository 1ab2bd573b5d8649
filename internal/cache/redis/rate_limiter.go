package redis

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/perpengine/internal/domain"
)

// windowScript keeps one sorted-set member per admitted request, scored by
// its time in microseconds. It returns {1, 0} when the request is admitted,
// otherwise {0, wait} where wait is the microseconds until the oldest member
// leaves the window.
//
// KEYS[1] bucket; ARGV now, window, limit, member.
var windowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
if redis.call('ZCARD', KEYS[1]) < limit then
    redis.call('ZADD', KEYS[1], now, ARGV[4])
    redis.call('PEXPIRE', KEYS[1], math.ceil(window / 1000))
    return {1, 0}
end
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
return {0, tonumber(oldest[2]) + window - now}
`)

// Wait never sleeps less than minWait or more than maxWait between attempts.
const (
	minWait = 10 * time.Millisecond
	maxWait = time.Second
)

// RateLimiter is a sliding-window limiter shared by every engine using the
// same Redis and key prefix.
type RateLimiter struct {
	c   *Client
	seq atomic.Uint64
}

func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{c: c}
}

// Allow admits and counts one request for key when fewer than limit were
// admitted in the trailing window.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	ok, _, err := rl.try(ctx, key, limit, window)
	return ok, err
}

// Wait blocks until a request for key is admitted or ctx ends. Between
// attempts it sleeps until the oldest request in the window expires.
func (rl *RateLimiter) Wait(ctx context.Context, key string, limit int, window time.Duration) error {
	for {
		ok, wait, err := rl.try(ctx, key, limit, window)
		if err != nil || ok {
			return err
		}
		t := time.NewTimer(min(max(wait, minWait), maxWait))
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("redis: rate limit wait %s: %w", key, ctx.Err())
		case <-t.C:
		}
	}
}

func (rl *RateLimiter) try(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	now := time.Now().UnixMicro()
	// Requests in the same microsecond still need distinct members.
	member := strconv.FormatInt(now, 36) + "." + strconv.FormatUint(rl.seq.Add(1), 36)

	res, err := windowScript.Run(ctx, rl.c.Underlying(),
		[]string{rl.c.Key("ratelimit", key)},
		now, window.Microseconds(), limit, member,
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("redis: rate limit %s: %w", key, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("redis: rate limit %s: script returned %d values", key, len(res))
	}
	return res[0] == 1, time.Duration(res[1]) * time.Microsecond, nil
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
