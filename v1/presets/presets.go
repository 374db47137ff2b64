package presets

import (
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/notify"
	"github.com/mirkobrombin/go-latch/v1/session"
	"github.com/mirkobrombin/go-latch/v1/store"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	// SessionTTL overrides session.DefaultTTL when positive.
	SessionTTL time.Duration
	// Metrics, when set, is shared by the session and lock managers.
	Metrics *metrics.Metrics
	// Tracing enables OpenTelemetry spans on both managers.
	Tracing bool
}

// Stack is a session manager and a lock manager sharing one store.
type Stack[P any] struct {
	Sessions *session.Manager[P]
	Locks    *lock.Manager
	Store    store.Store

	closers []func() error
}

// Close releases the connections opened by the preset. Locks still held
// are not released; they expire on their own.
func (s *Stack[P]) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewRedis creates a Stack backed by Redis. The store is wrapped in a
// circuit breaker and lock releases are announced over Redis Pub/Sub so
// AcquireWait callers wake up early.
func NewRedis[P any](opts RedisOptions) (*Stack[P], error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})

	s := store.NewBreaker(store.NewRedis(client), 5, 10*time.Second)
	bus := notify.NewRedisBus(client)

	sessOpts := []session.Option{session.WithMetrics(opts.Metrics)}
	lockOpts := []lock.Option{lock.WithBus(bus), lock.WithMetrics(opts.Metrics)}
	if opts.SessionTTL > 0 {
		sessOpts = append(sessOpts, session.WithTTL(opts.SessionTTL))
	}
	if opts.Tracing {
		sessOpts = append(sessOpts, session.WithTracing())
		lockOpts = append(lockOpts, lock.WithTracing())
	}
	sessions, err := session.New[P](s, sessOpts...)
	if err != nil {
		_ = bus.Close()
		_ = client.Close()
		return nil, err
	}
	return &Stack[P]{
		Sessions: sessions,
		Locks:    lock.New(s, lockOpts...),
		Store:    s,
		closers:  []func() error{client.Close, bus.Close},
	}, nil
}

// NewInMemoryStandalone creates a Stack that runs entirely in-memory with
// no external dependencies. Useful for local development and tests.
func NewInMemoryStandalone[P any]() *Stack[P] {
	s := store.NewInMemory()
	sessions, err := session.New[P](s)
	if err != nil {
		// default options are always valid
		panic(err)
	}
	return &Stack[P]{
		Sessions: sessions,
		Locks:    lock.New(s, lock.WithBus(notify.NewInMemoryBus())),
		Store:    s,
		closers:  []func() error{func() error { s.Close(); return nil }},
	}
}
