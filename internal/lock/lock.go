// Package lock implements a lease based leader election on Redis. A lease expires after its TTL, so a
// crashed owner is replaced without intervention; the owner keeps it by acquiring again before expiry.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrNotLeader = errors.New("lock: not the leader")

var (
	acquireScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
if v == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
end
return 0
`)

	releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)
)

type Config struct {
	Redis  redis.UniversalClient
	Prefix string
	Name   string
	TTL    time.Duration
}

type Lock struct {
	redis redis.UniversalClient
	key   string
	token string
	ttl   time.Duration
}

func New(c Config) *Lock {
	ttl := c.TTL
	if ttl <= 0 {
		ttl = 5 * time.Second
	}

	return &Lock{
		redis: c.Redis,
		key:   fmt.Sprintf("{%s}:lock:%s", c.Prefix, c.Name),
		token: uuid.NewString(),
		ttl:   ttl,
	}
}

// Acquire takes the lease, or extends it when already held by this instance.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	n, err := acquireScript.Run(ctx, l.redis, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("lock: acquire %s: %w", l.key, err)
	}

	return n == 1, nil
}

// Release gives the lease up if this instance holds it.
func (l *Lock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.redis, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("lock: release %s: %w", l.key, err)
	}

	return nil
}

// IsLeader satisfies gocron.Elector.
func (l *Lock) IsLeader(ctx context.Context) error {
	ok, err := l.Acquire(ctx)
	if err != nil {
		return err
	}

	if !ok {
		return ErrNotLeader
	}

	return nil
}
