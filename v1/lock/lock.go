package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/notify"
	"github.com/mirkobrombin/go-latch/v1/store"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-latch/v1/lock")

const (
	// DefaultPrefix namespaces lock keys in the store.
	DefaultPrefix = "lock"
	// DefaultPollInterval is how often AcquireWait retries without a
	// release notification.
	DefaultPollInterval = 100 * time.Millisecond
	// cleanupReleaseTimeout bounds the background release of a discarded handle.
	cleanupReleaseTimeout = 5 * time.Second
)

// ErrEmptyKey is returned when acquiring an empty key.
var ErrEmptyKey = errors.New("lock: key cannot be empty")

// AlreadyHeldError is returned by Acquire when the key is held by another
// owner. It matches errors.ErrAlreadyHeld.
type AlreadyHeldError = latcherrors.AlreadyHeldError

// Option configures a Manager.
type Option func(*Manager)

// WithPrefix sets the key namespace. Defaults to DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(m *Manager) {
		m.prefix = prefix
	}
}

// WithBus publishes a notification on every successful release and lets
// AcquireWait wake up on them.
func WithBus(bus notify.Bus) Option {
	return func(m *Manager) {
		m.bus = bus
	}
}

// WithPollInterval sets the AcquireWait retry interval.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithMetrics records lock activity on mx.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mx
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithTracing enables OpenTelemetry spans for acquire and release.
func WithTracing() Option {
	return func(m *Manager) {
		m.traceEnabled = true
	}
}

// Manager hands out locks stored in a store.Store. It keeps no record of
// the locks it issued; all coordination happens in the store.
type Manager struct {
	store        store.Store
	bus          notify.Bus
	prefix       string
	pollInterval time.Duration
	metrics      *metrics.Metrics
	logger       *slog.Logger
	traceEnabled bool
}

// New returns a Manager using s.
func New(s store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:        s,
		prefix:       DefaultPrefix,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

func (m *Manager) storeKey(key string) string {
	return m.prefix + ":" + key
}

func (m *Manager) releaseTopic(key string) string {
	return m.prefix + ".released." + key
}

func (m *Manager) startSpan(ctx context.Context, name, key string) (context.Context, func(*error)) {
	if !m.traceEnabled {
		return ctx, func(*error) {}
	}
	ctx, span := tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("latch.lock.key", key)))
	return ctx, func(errp *error) {
		if errp != nil && *errp != nil {
			if errors.Is(*errp, latcherrors.ErrAlreadyHeld) {
				span.SetAttributes(attribute.Bool("latch.lock.held", true))
			} else {
				span.RecordError(*errp)
				span.SetStatus(codes.Error, (*errp).Error())
			}
		}
		span.End()
	}
}

// Acquire makes one attempt to take key for ttl. On success the returned
// Lock must be released by the caller. If the key is held it returns an
// *AlreadyHeldError without waiting. When autoRenew is set, a background
// goroutine extends the TTL every ttl/2 until Release.
//
// ttl must be a positive whole number of milliseconds; anything else fails
// with ErrInvalidDuration before the store is contacted.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration, autoRenew bool) (l *Lock, err error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	if err := store.ValidateTTL(ttl); err != nil {
		return nil, err
	}
	ctx, end := m.startSpan(ctx, "Lock.Acquire", key)
	defer end(&err)

	token, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("lock: generate owner token: %w", err)
	}
	ok, err := m.store.SetNX(ctx, m.storeKey(key), []byte(token), ttl)
	if err != nil {
		m.metrics.LockAcquired("error")
		return nil, err
	}
	if !ok {
		m.metrics.LockAcquired("held")
		m.logger.Debug("latch: lock already held", "key", key)
		return nil, &AlreadyHeldError{Key: key}
	}
	m.metrics.LockAcquired("acquired")

	st := &lockState{
		m:         m,
		key:       key,
		storeKey:  m.storeKey(key),
		token:     []byte(token),
		ttl:       ttl,
		autoRenew: autoRenew,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	if autoRenew {
		st.renewing.Store(true)
		go st.renewLoop()
	} else {
		close(st.done)
	}
	l = &Lock{state: st}
	l.cleanup = runtime.AddCleanup(l, releaseDiscarded, st)
	return l, nil
}

// AcquireWait retries Acquire until it succeeds, fails with something other
// than AlreadyHeld, or ctx is done. Retries happen every poll interval and
// immediately after a release notification when a bus is configured.
func (m *Manager) AcquireWait(ctx context.Context, key string, ttl time.Duration, autoRenew bool) (*Lock, error) {
	var notifications <-chan struct{}
	if m.bus != nil {
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		ch, err := m.bus.Subscribe(subCtx, m.releaseTopic(key))
		if err != nil {
			m.logger.Debug("latch: release notifications unavailable, polling only", "key", key, "error", err)
		} else {
			notifications = ch
		}
	}

	timer := time.NewTimer(m.pollInterval)
	defer timer.Stop()
	for {
		l, err := m.Acquire(ctx, key, ttl, autoRenew)
		if err == nil || !errors.Is(err, latcherrors.ErrAlreadyHeld) {
			return l, err
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(m.pollInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		case _, ok := <-notifications:
			if !ok {
				notifications = nil
			}
		}
	}
}

// WithLock acquires key, runs fn and releases the lock. It returns
// ErrAlreadyHeld (as *AlreadyHeldError) without running fn when the key is
// taken. A release failure is joined with fn's error. The release runs even
// if ctx has been canceled by then.
func (m *Manager) WithLock(ctx context.Context, key string, ttl time.Duration, autoRenew bool, fn func(context.Context) error) (err error) {
	if fn == nil {
		return errors.New("lock: fn is nil")
	}
	l, err := m.Acquire(ctx, key, ttl, autoRenew)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := l.Release(context.WithoutCancel(ctx)); relErr != nil {
			err = errors.Join(err, relErr)
		}
	}()
	return fn(ctx)
}
