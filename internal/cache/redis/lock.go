package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/racewatch/internal/domain"
)

// unlockLua deletes the lock only if it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// LockManager implements domain.LockManager with SET NX PX and a
// token-checked Lua unlock.
type LockManager struct {
	client *Client
	unlock *redis.Script
}

// NewLockManager creates a LockManager.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{client: c, unlock: redis.NewScript(unlockLua)}
}

// Acquire takes the lock for key or returns domain.ErrLockHeld. The returned
// release func is idempotent and uses its own context so it still runs
// during shutdown.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := lm.client.key("lock", key)

	ok, err := lm.client.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = lm.unlock.Run(releaseCtx, lm.client.rdb, []string{lk}, token).Err()
		})
	}
	return release, nil
}

var _ domain.LockManager = (*LockManager)(nil)
