// Package runlock enforces "at most one concurrent clustering run" across
// every scheduler instance with a redis advisory lock. The duplicate
// resolver reads and mutates the active-cluster set; two concurrent runs
// would race on merge decisions and mint duplicate clusters for one
// incident.
package runlock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired means another run currently holds the lock.
var ErrNotAcquired = errors.New("clustering run lock held elsewhere")

const lockKey = "clusterd:run:lock"

// releaseScript deletes the lock only when the stored token is ours, so an
// expired-and-reacquired lock is never released by the previous holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker acquires the run-level advisory lock.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
}

func New(client *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Locker{client: client, ttl: ttl}
}

// Acquire takes the lock for the duration of a run. The returned release
// function is safe to call once; the TTL bounds the damage of a crashed
// holder.
func (l *Locker) Acquire(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{lockKey}, token).Err()
	}
	return release, nil
}
