package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

// ErrCircuitOpen is returned while the breaker rejects calls. It wraps
// errors.ErrStoreUnavailable so callers treat it as a retryable failure.
var ErrCircuitOpen = fmt.Errorf("%w: circuit breaker is open", latcherrors.ErrStoreUnavailable)

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// Breaker decorates a Store with circuit breaker logic. After threshold
// consecutive unavailable errors it fails fast for timeout, then lets a
// single probe through.
//
// Only errors wrapping ErrStoreUnavailable count as failures. A missing key
// or a failed compare is a normal answer from a healthy store.
type Breaker struct {
	inner     Store
	mu        sync.Mutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewBreaker returns a Breaker wrapping inner.
func NewBreaker(inner Store, threshold int, timeout time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &Breaker{
		inner:     inner,
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
}

// IsHealthy returns true unless the circuit is open and still cooling down.
func (b *Breaker) IsHealthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateOpen {
		return time.Since(b.lastFail) > b.timeout
	}
	return true
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(b.lastFail) > b.timeout {
			b.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		// one probe at a time
		return false
	}
	return false
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// the caller gave up; the store's health is unknown
		if b.state == stateHalfOpen {
			b.state = stateOpen
		}
	case errors.Is(err, latcherrors.ErrStoreUnavailable):
		b.lastFail = time.Now()
		b.failures++
		if b.state == stateHalfOpen || b.failures >= b.threshold {
			b.state = stateOpen
		}
	default:
		b.state = stateClosed
		b.failures = 0
	}
}

// Get implements Store.Get.
func (b *Breaker) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if !b.allow() {
		return nil, false, ErrCircuitOpen
	}
	v, ok, err := b.inner.Get(ctx, key)
	b.record(err)
	return v, ok, err
}

// Set implements Store.Set.
func (b *Breaker) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	if !b.allow() {
		return ErrCircuitOpen
	}
	err := b.inner.Set(ctx, key, value, ttl)
	b.record(err)
	return err
}

// SetNX implements Store.SetNX.
func (b *Breaker) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ValidateTTL(ttl); err != nil {
		return false, err
	}
	if !b.allow() {
		return false, ErrCircuitOpen
	}
	ok, err := b.inner.SetNX(ctx, key, value, ttl)
	b.record(err)
	return ok, err
}

// Replace implements Store.Replace.
func (b *Breaker) Replace(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ValidateTTL(ttl); err != nil {
		return false, err
	}
	if !b.allow() {
		return false, ErrCircuitOpen
	}
	ok, err := b.inner.Replace(ctx, key, value, ttl)
	b.record(err)
	return ok, err
}

// Del implements Store.Del.
func (b *Breaker) Del(ctx context.Context, key string) error {
	if !b.allow() {
		return ErrCircuitOpen
	}
	err := b.inner.Del(ctx, key)
	b.record(err)
	return err
}

// CompareAndDelete implements Store.CompareAndDelete.
func (b *Breaker) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	if !b.allow() {
		return false, ErrCircuitOpen
	}
	ok, err := b.inner.CompareAndDelete(ctx, key, expected)
	b.record(err)
	return ok, err
}

// CompareAndExpire implements Store.CompareAndExpire.
func (b *Breaker) CompareAndExpire(ctx context.Context, key string, expected []byte, ttl time.Duration) (bool, error) {
	if err := ValidateTTL(ttl); err != nil {
		return false, err
	}
	if !b.allow() {
		return false, ErrCircuitOpen
	}
	ok, err := b.inner.CompareAndExpire(ctx, key, expected, ttl)
	b.record(err)
	return ok, err
}
