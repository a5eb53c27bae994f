package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/teranos/jobkit/errors"
)

// Locker guards a single fire of a schedule across processes.
type Locker interface {
	// Acquire reports whether this process owns the fire identified by
	// scheduleID and due.
	Acquire(ctx context.Context, scheduleID string, due time.Time) (bool, error)
}

// localLocker is used when no redis is configured. The conditional
// next_run_at update in the store already serializes fires within one
// database.
type localLocker struct{}

func (localLocker) Acquire(context.Context, string, time.Time) (bool, error) { return true, nil }

// DefaultLockTTL outlives any realistic tick, so a slow peer still sees the key.
const DefaultLockTTL = 10 * time.Minute

// RedisLocker takes a SETNX key per schedule fire.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	owner  string
}

// NewRedisLocker connects to redisURL (redis://host:port/db).
func NewRedisLocker(redisURL, owner string) (*RedisLocker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.WithHint(errors.Wrap(err, "invalid scheduler.redis_url"),
			"expected redis://[user:password@]host:port[/db]")
	}
	return &RedisLocker{client: redis.NewClient(opts), ttl: DefaultLockTTL, owner: owner}, nil
}

func lockKey(scheduleID string, due time.Time) string {
	return fmt.Sprintf("jobkit:schedule_lock:%s:%d", scheduleID, due.UTC().Unix())
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, scheduleID string, due time.Time) (bool, error) {
	ok, err := l.client.SetNX(ctx, lockKey(scheduleID, due), l.owner, l.ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "schedule lock setnx")
	}
	return ok, nil
}

// Ping checks that redis is reachable.
func (l *RedisLocker) Ping(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return errors.Wrap(errors.Mark(err, errors.ErrServiceUnavailable), "redis unreachable")
	}
	return nil
}

// Close releases the redis connection pool.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
