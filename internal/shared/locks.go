package shared

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RunLockKey builds the redis key guarding a billing job run.
func RunLockKey(jobType, runKey string) string {
	return fmt.Sprintf("billing:run:%s:%s:lock", jobType, runKey)
}

// SyncLockKey builds the redis key guarding a sync attempt for an entity.
func SyncLockKey(entityType, entityID string) string {
	return fmt.Sprintf("billing:sync:%s:%s:lock", entityType, entityID)
}

// releaseScript deletes the lock only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RunLocker provides exclusive locks for billing critical sections so that
// concurrent schedulers never execute the same logical job twice.
type RunLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRunLocker constructs a locker with the given lease duration.
func NewRunLocker(client *redis.Client, ttl time.Duration) *RunLocker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RunLocker{client: client, ttl: ttl}
}

// Acquire takes the lock, returning a release function. The caller must
// invoke the release function once the critical section completes; an
// expired lease releases itself.
func (l *RunLocker) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	if l == nil || l.client == nil {
		return nil, fmt.Errorf("shared: run locker not configured")
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("shared: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}
	release := func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}
	return release, nil
}
