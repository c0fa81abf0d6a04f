package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// Lease is an optional cross-process guard taken after the in-process
// coordinator admits a cycle.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

var releaseLeaseScript = goredis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
  return redis.call('del', KEYS[1])
else
  return 0
end
`)

// RedisLease holds a SET NX key for the length of a cycle. The TTL bounds
// how long a crashed holder can block others.
type RedisLease struct {
	client goredis.UniversalClient
	key    string
	owner  string
	ttl    time.Duration
}

func NewRedisLease(client goredis.UniversalClient, name string, ttl time.Duration) *RedisLease {
	return &RedisLease{
		client: client,
		key:    fmt.Sprintf("linkedin-dispatch:lease:%s", name),
		owner:  uuid.NewString(),
		ttl:    ttl,
	}
}

func (l *RedisLease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	return ok, nil
}

// Release deletes the key only while this process still owns it.
func (l *RedisLease) Release(ctx context.Context) error {
	if err := releaseLeaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}
