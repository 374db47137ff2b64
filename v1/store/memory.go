package store

import (
	"bytes"
	"context"
	"sync"
	"time"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

// defaultSweepInterval is the default period for removing expired entries.
const defaultSweepInterval = time.Minute

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.After(now)
}

// InMemory implements Store inside the current process. Atomicity is
// provided by a single mutex, so it only coordinates goroutines that share
// the same instance.
type InMemory struct {
	mu            sync.Mutex
	items         map[string]entry
	sweepInterval time.Duration
	closed        bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// InMemoryOption configures an InMemory store.
type InMemoryOption func(*InMemory)

// WithSweepInterval sets the interval at which expired entries are removed.
// A zero or negative duration disables the background sweeper; expired
// entries are still never returned.
func WithSweepInterval(d time.Duration) InMemoryOption {
	return func(s *InMemory) {
		s.sweepInterval = d
	}
}

// NewInMemory returns a new in-memory store.
func NewInMemory(opts ...InMemoryOption) *InMemory {
	ctx, cancel := context.WithCancel(context.Background())
	s := &InMemory{
		items:         make(map[string]entry),
		sweepInterval: defaultSweepInterval,
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sweepInterval > 0 {
		s.wg.Add(1)
		go s.sweeper()
	}
	return s
}

// lookup returns the live entry at key, dropping it if expired.
// s.mu must be held.
func (s *InMemory) lookup(key string, now time.Time) (entry, bool) {
	e, ok := s.items[key]
	if !ok {
		return entry{}, false
	}
	if e.expired(now) {
		delete(s.items, key)
		return entry{}, false
	}
	return e, true
}

func (s *InMemory) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed {
		return latcherrors.ErrConnectionClosed
	}
	return nil
}

// Get implements Store.Get.
func (s *InMemory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, false, err
	}
	e, ok := s.lookup(key, time.Now())
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(e.value), true, nil
}

// Set implements Store.Set.
func (s *InMemory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	s.items[key] = entry{value: bytes.Clone(value), expiresAt: time.Now().Add(ttl)}
	return nil
}

// SetNX implements Store.SetNX.
func (s *InMemory) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ValidateTTL(ttl); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return false, err
	}
	now := time.Now()
	if _, ok := s.lookup(key, now); ok {
		return false, nil
	}
	s.items[key] = entry{value: bytes.Clone(value), expiresAt: now.Add(ttl)}
	return true, nil
}

// Replace implements Store.Replace.
func (s *InMemory) Replace(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ValidateTTL(ttl); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return false, err
	}
	now := time.Now()
	if _, ok := s.lookup(key, now); !ok {
		return false, nil
	}
	s.items[key] = entry{value: bytes.Clone(value), expiresAt: now.Add(ttl)}
	return true, nil
}

// Del implements Store.Del.
func (s *InMemory) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	delete(s.items, key)
	return nil
}

// CompareAndDelete implements Store.CompareAndDelete.
func (s *InMemory) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return false, err
	}
	e, ok := s.lookup(key, time.Now())
	if !ok || !bytes.Equal(e.value, expected) {
		return false, nil
	}
	delete(s.items, key)
	return true, nil
}

// CompareAndExpire implements Store.CompareAndExpire.
func (s *InMemory) CompareAndExpire(ctx context.Context, key string, expected []byte, ttl time.Duration) (bool, error) {
	if err := ValidateTTL(ttl); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return false, err
	}
	now := time.Now()
	e, ok := s.lookup(key, now)
	if !ok || !bytes.Equal(e.value, expected) {
		return false, nil
	}
	e.expiresAt = now.Add(ttl)
	s.items[key] = e
	return true, nil
}

// Len returns the number of live entries.
func (s *InMemory) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	n := 0
	for _, e := range s.items {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// Close stops the sweeper. Subsequent operations fail with
// errors.ErrConnectionClosed.
func (s *InMemory) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *InMemory) sweeper() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.removeExpired()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *InMemory) removeExpired() {
	now := time.Now()
	s.mu.Lock()
	for k, e := range s.items {
		if e.expired(now) {
			delete(s.items, k)
		}
	}
	s.mu.Unlock()
}
