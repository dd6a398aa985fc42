package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	appErrors "github.com/modulus-app/studyplan-api/pkg/errors"
)

// EditLocker serializes preview mutations per run so concurrent edits cannot
// interleave their read-modify-write cycles.
type EditLocker interface {
	Acquire(ctx context.Context, runID string) (release func(), err error)
}

// RedisEditLock implements EditLocker with a per-run SET NX key.
type RedisEditLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisEditLock constructs a RedisEditLock.
func NewRedisEditLock(client *redis.Client, ttl time.Duration) *RedisEditLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisEditLock{client: client, ttl: ttl}
}

// Acquire takes the run's edit lock or fails fast with ErrEditLocked. The
// release func only deletes the key when it still holds our lock value, so a
// slow holder cannot free a successor's lock after TTL expiry.
func (l *RedisEditLock) Acquire(ctx context.Context, runID string) (func(), error) {
	key := "plan:edit:" + runID
	value := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, value, l.ttl).Result()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to acquire edit lock")
	}
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrEditLocked, "")
	}

	release := func() {
		const script = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`
		_ = l.client.Eval(context.Background(), script, []string{key}, value).Err()
	}
	return release, nil
}

// NoopEditLock is used in tests and single-process deployments without Redis.
type NoopEditLock struct{}

// Acquire always succeeds.
func (NoopEditLock) Acquire(ctx context.Context, runID string) (func(), error) {
	return func() {}, nil
}
