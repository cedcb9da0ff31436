// Package lock provides the leases that keep the scheduler running on one
// replica at a time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired reports that another holder owns the lock.
var ErrNotAcquired = errors.New("lock is held elsewhere")

// Lease is a held lock.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker hands out leases that expire after ttl unless released.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// releaseScript deletes the key only while it still holds our token, so a
// lease that outlived its ttl cannot drop a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisClient interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// ConnectRedis opens a client and checks that the server answers.
func ConnectRedis(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return rdb, nil
}

// Redis implements Locker with SET NX PX and a token-checked release.
type Redis struct {
	client redisClient
	prefix string
}

// NewRedis constructs a Redis locker. Keys are namespaced with prefix.
func NewRedis(client redisClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// TryAcquire sets the key when it is free.
func (r *Redis) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if r == nil || r.client == nil {
		return nil, errors.New("redis locker is not initialized")
	}

	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &redisLease{client: r.client, key: r.prefix + key, token: token}, nil
}

type redisLease struct {
	client redisClient
	key    string
	token  string
}

func (l *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}

// Local implements Locker inside one process.
type Local struct {
	mu    sync.Mutex
	held  map[string]localHold
	nowFn func() time.Time
}

type localHold struct {
	token   string
	expires time.Time
}

// NewLocal constructs an in-process locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]localHold), nowFn: time.Now}
}

// TryAcquire takes the key when it is free or its previous lease expired.
func (l *Local) TryAcquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	if h, ok := l.held[key]; ok && now.Before(h.expires) {
		return nil, ErrNotAcquired
	}
	token := uuid.NewString()
	l.held[key] = localHold{token: token, expires: now.Add(ttl)}
	return &localLease{owner: l, key: key, token: token}, nil
}

type localLease struct {
	owner *Local
	key   string
	token string
}

func (l *localLease) Release(context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()

	if h, ok := l.owner.held[l.key]; ok && h.token == l.token {
		delete(l.owner.held, l.key)
	}
	return nil
}
