package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const leaseKeyPrefix = "ridebook:lease:"

// ReleaseFunc gives a lease back.
type ReleaseFunc func(ctx context.Context) error

// Lease grants exclusive, time-bounded ownership of a named job.
type Lease interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (ReleaseFunc, bool, error)
}

// LocalLease serializes jobs inside one process.
type LocalLease struct {
	mutex   sync.Mutex
	held    map[string]localHold
	nowFn   func() time.Time
	tokenFn func() string
}

type localHold struct {
	token     string
	expiresAt time.Time
}

// NewLocalLease returns an empty LocalLease.
func NewLocalLease() *LocalLease {
	return &LocalLease{held: map[string]localHold{}, nowFn: time.Now, tokenFn: uuid.NewString}
}

// Acquire hands out the lease when it is free or expired. The returned release only frees the
// hold it created, so a run that outlived its ttl cannot free a later holder.
func (lease *LocalLease) Acquire(ctx context.Context, name string, ttl time.Duration) (ReleaseFunc, bool, error) {
	lease.mutex.Lock()
	defer lease.mutex.Unlock()
	now := lease.nowFn()
	if hold, ok := lease.held[name]; ok && now.Before(hold.expiresAt) {
		return nil, false, nil
	}
	token := lease.tokenFn()
	lease.held[name] = localHold{token: token, expiresAt: now.Add(ttl)}
	return func(context.Context) error {
		lease.mutex.Lock()
		defer lease.mutex.Unlock()
		if hold, ok := lease.held[name]; ok && hold.token == token {
			delete(lease.held, name)
		}
		return nil
	}, true, nil
}

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease coordinates jobs across replicas with SET NX PX keys.
type RedisLease struct {
	client  redis.Cmdable
	tokenFn func() string
}

// NewRedisLease returns a lease backed by client.
func NewRedisLease(client redis.Cmdable) *RedisLease {
	return &RedisLease{client: client, tokenFn: uuid.NewString}
}

// DialRedis parses a redis:// URL and returns a connected client.
func DialRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	options, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (lease *RedisLease) Acquire(ctx context.Context, name string, ttl time.Duration) (ReleaseFunc, bool, error) {
	key := leaseKeyPrefix + name
	token := lease.tokenFn()
	acquired, err := lease.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !acquired {
		return nil, false, nil
	}
	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, lease.client, []string{key}, token).Err(); err != nil && err != redis.Nil {
			return fmt.Errorf("release lease %s: %w", name, err)
		}
		return nil
	}, true, nil
}
