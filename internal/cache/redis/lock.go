package redis

import (
	"context"
	_ "embed"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/marketkeeper/internal/domain"
)

// unlockLua deletes a lock key only if its value matches the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

//go:embed scripts/lock_extend.lua
var lockExtendLua string

// LockManager implements domain.LockManager using SET NX with a TTL and
// token-checked release and extension.
type LockManager struct {
	rdb      *redis.Client
	unlockSc *redis.Script
	extendSc *redis.Script

	mu     sync.Mutex
	tokens map[string]string
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:      c.rdb,
		unlockSc: redis.NewScript(unlockLua),
		extendSc: redis.NewScript(lockExtendLua),
		tokens:   make(map[string]string),
	}
}

func lockKey(key string) string {
	return "lock:" + key
}

// Acquire obtains the lock or returns domain.ErrLockHeld. The returned
// unlock func is safe to call more than once.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	lk := lockKey(key)

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, wrapErr(fmt.Sprintf("acquire lock %s", key), err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}
	lm.mu.Lock()
	lm.tokens[key] = token
	lm.mu.Unlock()

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			lm.mu.Lock()
			delete(lm.tokens, key)
			lm.mu.Unlock()

			// The caller's context may already be cancelled at shutdown.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = lm.unlockSc.Run(unlockCtx, lm.rdb, []string{lk}, token).Err()
		})
	}
	return unlock, nil
}

// Extend pushes out the TTL of a lock this manager holds. It returns
// domain.ErrLockHeld if the lock expired and someone else took it.
func (lm *LockManager) Extend(ctx context.Context, key string, ttl time.Duration) error {
	lm.mu.Lock()
	token, ok := lm.tokens[key]
	lm.mu.Unlock()
	if !ok {
		return fmt.Errorf("redis: extend lock %s: not held", key)
	}
	n, err := lm.extendSc.Run(ctx, lm.rdb, []string{lockKey(key)}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return wrapErr(fmt.Sprintf("extend lock %s", key), err)
	}
	if n == 0 {
		return domain.ErrLockHeld
	}
	return nil
}

// Compile-time interface check.
var _ domain.LockManager = (*LockManager)(nil)
