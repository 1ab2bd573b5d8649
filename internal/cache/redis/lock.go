package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/perpengine/internal/domain"
)

// ownerScript acts on KEYS[1] only while it still holds the caller's token
// ARGV[1]. With ARGV[2] set it extends the TTL to that many milliseconds,
// otherwise it deletes the key. It returns 0 when the token did not match.
var ownerScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
    return 0
end
if ARGV[2] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return redis.call('DEL', KEYS[1])
`)

const releaseTimeout = 5 * time.Second

// LockManager hands out TTL leases on Redis keys. Each lease is identified
// by a random token so only its holder can refresh or release it.
type LockManager struct {
	c *Client

	mu   sync.Mutex
	held map[string]string // lock name -> token
}

func NewLockManager(c *Client) *LockManager {
	return &LockManager{c: c, held: make(map[string]string)}
}

// Acquire takes the named lock for ttl, or fails with domain.ErrLockHeld.
// The returned release function is idempotent and does not depend on ctx.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	ok, err := lm.c.Underlying().SetNX(ctx, lm.c.Key("lock", key), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}
	lm.remember(key, token)

	var once sync.Once
	return func() { once.Do(func() { lm.release(key, token) }) }, nil
}

// Refresh extends a lease this manager holds. It returns domain.ErrLockHeld
// once the lease has expired and someone else took the key.
func (lm *LockManager) Refresh(ctx context.Context, key string, ttl time.Duration) error {
	token, ok := lm.token(key)
	if !ok {
		return fmt.Errorf("redis: refresh lock %s: %w", key, domain.ErrNotFound)
	}
	n, err := ownerScript.Run(ctx, lm.c.Underlying(), []string{lm.c.Key("lock", key)}, token, ttl.Milliseconds()).Int64()
	switch {
	case err != nil:
		return fmt.Errorf("redis: refresh lock %s: %w", key, err)
	case n == 0:
		return fmt.Errorf("redis: refresh lock %s: %w", key, domain.ErrLockHeld)
	}
	return nil
}

func (lm *LockManager) release(key, token string) {
	lm.mu.Lock()
	if lm.held[key] == token {
		delete(lm.held, key)
	}
	lm.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	_ = ownerScript.Run(ctx, lm.c.Underlying(), []string{lm.c.Key("lock", key)}, token).Err()
}

func (lm *LockManager) remember(key, token string) {
	lm.mu.Lock()
	lm.held[key] = token
	lm.mu.Unlock()
}

func (lm *LockManager) token(key string) (string, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	t, ok := lm.held[key]
	return t, ok
}

var _ domain.LockManager = (*LockManager)(nil)
