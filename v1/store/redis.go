package store

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

const defaultRedisOpTimeout = 5 * time.Second

var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

var compareAndExpireScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)

// Redis implements Store on top of a go-redis client. The client's
// connection pool is shared by every caller; each operation borrows a
// connection for exactly one round trip.
type Redis struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// RedisOption configures a Redis store.
type RedisOption func(*redisOptions)

type redisOptions struct {
	timeout time.Duration
}

// WithTimeout sets the per-operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisOptions) {
		o.timeout = d
	}
}

// NewRedis returns a Redis store using the provided client.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	o := redisOptions{timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &Redis{client: client, timeout: o.timeout}
}

// Get implements Store.Get.
func (s *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	data, err := s.client.Get(cctx, key).Bytes()
	if stdErrors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, s.fail(ctx, err)
	}
	return data, true, nil
}

// Set implements Store.Set.
func (s *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Set(cctx, key, value, ttl).Err(); err != nil {
		return s.fail(ctx, err)
	}
	return nil
}

// SetNX implements Store.SetNX using SET key value PX ttl NX.
func (s *Redis) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ValidateTTL(ttl); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ok, err := s.client.SetNX(cctx, key, value, ttl).Result()
	if err != nil {
		return false, s.fail(ctx, err)
	}
	return ok, nil
}

// Replace implements Store.Replace using SET key value PX ttl XX.
func (s *Redis) Replace(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ValidateTTL(ttl); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ok, err := s.client.SetXX(cctx, key, value, ttl).Result()
	if err != nil {
		return false, s.fail(ctx, err)
	}
	return ok, nil
}

// Del implements Store.Del.
func (s *Redis) Del(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Del(cctx, key).Err(); err != nil {
		return s.fail(ctx, err)
	}
	return nil
}

// CompareAndDelete implements Store.CompareAndDelete with a Lua script.
func (s *Redis) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := compareAndDeleteScript.Run(cctx, s.client, []string{key}, expected).Int64()
	if stdErrors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, s.fail(ctx, err)
	}
	return n == 1, nil
}

// CompareAndExpire implements Store.CompareAndExpire with a Lua script.
func (s *Redis) CompareAndExpire(ctx context.Context, key string, expected []byte, ttl time.Duration) (bool, error) {
	if err := ValidateTTL(ttl); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := compareAndExpireScript.Run(cctx, s.client, []string{key}, expected, ttl.Milliseconds()).Int64()
	if stdErrors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, s.fail(ctx, err)
	}
	return n == 1, nil
}

// Ping checks connectivity to Redis.
func (s *Redis) Ping(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Ping(cctx).Err(); err != nil {
		return s.fail(ctx, err)
	}
	return nil
}

// fail reports the caller's own cancellation or deadline as is and maps
// everything else with mapError.
func (s *Redis) fail(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return mapError(err)
}

// mapError folds transport failures into ErrStoreUnavailable. Caller
// cancellation is returned unchanged.
func mapError(err error) error {
	switch {
	case stdErrors.Is(err, context.Canceled):
		return err
	case stdErrors.Is(err, context.DeadlineExceeded):
		return latcherrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return latcherrors.ErrConnectionClosed
	default:
		return fmt.Errorf("%w: %v", latcherrors.ErrStoreUnavailable, err)
	}
}
