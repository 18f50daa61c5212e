package leases

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrTaken is returned when a handle is already leased by another owner.
var ErrTaken = errors.New("handle already taken")

// Store hands out short-lived, exclusive leases on handles so that several relay instances
// sharing a store never park two listeners on the same handle.
type Store interface {
	Acquire(ctx context.Context, handle, owner string, ttl time.Duration) error
	Release(ctx context.Context, handle, owner string) error
}

var _ Store = (*RedisStore)(nil)

// RedisStore keeps leases as expiring Redis keys.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// releaseScript deletes the lease only if it is still held by the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewRedisStore builds a lease store scoped under the provided prefix (e.g., "signaller").
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "signaller"
	}
	return &RedisStore{rdb: rdb, prefix: p}
}

func (s *RedisStore) leaseKey(handle string) string {
	return fmt.Sprintf("%s:handles:%s", s.prefix, handle)
}

// Acquire leases handle to owner for ttl, failing with ErrTaken if someone else holds it.
// Re-acquiring a lease the owner already holds refreshes its ttl.
func (s *RedisStore) Acquire(ctx context.Context, handle, owner string, ttl time.Duration) error {
	key := s.leaseKey(handle)
	ok, err := s.rdb.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire lease %s: %w", handle, err)
	}
	if ok {
		return nil
	}

	current, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between the two calls; try once more.
		ok, err = s.rdb.SetNX(ctx, key, owner, ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire lease %s: %w", handle, err)
		}
		if ok {
			return nil
		}
		return ErrTaken
	}
	if err != nil {
		return fmt.Errorf("acquire lease %s: %w", handle, err)
	}
	if current != owner {
		return ErrTaken
	}
	return s.rdb.PExpire(ctx, key, ttl).Err()
}

// Release drops the lease if owner still holds it. Releasing a lease that expired or
// belongs to someone else is not an error.
func (s *RedisStore) Release(ctx context.Context, handle, owner string) error {
	if err := releaseScript.Run(ctx, s.rdb, []string{s.leaseKey(handle)}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lease %s: %w", handle, err)
	}
	return nil
}
