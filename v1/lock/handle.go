package lock

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

const (
	pathExplicit = "explicit"
	pathCleanup  = "cleanup"
)

// Lock is a held lock. Its methods are safe for concurrent use.
//
// A Lock moves from held to released exactly once. Release on a released
// Lock is a no-op.
type Lock struct {
	state   *lockState
	cleanup runtime.Cleanup
}

// lockState is everything the renewal goroutine and the cleanup need. It
// must never point back at the Lock, or the Lock could not be collected.
type lockState struct {
	m         *Manager
	key       string
	storeKey  string
	token     []byte
	ttl       time.Duration
	autoRenew bool

	// renewing is the fast-path flag checked before every renewal.
	renewing atomic.Bool
	released atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	// done is closed when no renewal can start anymore.
	done chan struct{}
}

// Key returns the caller-chosen key.
func (l *Lock) Key() string { return l.state.key }

// Token returns the owner token stored at the key while the lock is held.
func (l *Lock) Token() string { return string(l.state.token) }

// TTL returns the lock lifetime requested at acquisition.
func (l *Lock) TTL() time.Duration { return l.state.ttl }

// AutoRenew reports whether the lock is renewed in the background.
func (l *Lock) AutoRenew() bool { return l.state.autoRenew }

// Released reports whether Release has completed successfully.
func (l *Lock) Released() bool { return l.state.released.Load() }

// Renewing reports whether the background renewal is still running. It
// turns false after Release, or when a renewal finds the key owned by
// someone else.
func (l *Lock) Renewing() bool { return l.state.renewing.Load() }

// Verify reports whether the key still holds this lock's owner token. The
// answer can be stale as soon as it is returned; use it as a check before
// a side effect that assumes exclusivity, not as a guarantee.
func (l *Lock) Verify(ctx context.Context) (bool, error) {
	if l.state.released.Load() {
		return false, nil
	}
	v, ok, err := l.state.m.store.Get(ctx, l.state.storeKey)
	if err != nil {
		return false, err
	}
	return ok && bytes.Equal(v, l.state.token), nil
}

// Release stops renewal and deletes the key if it still holds this lock's
// owner token. If the lock already expired and was taken by someone else,
// nothing is deleted and Release returns nil.
//
// A store failure is returned and the Lock stays unreleased so the call may
// be retried; renewal is stopped regardless and the key expires on its own
// after at most one TTL.
func (l *Lock) Release(ctx context.Context) (err error) {
	st := l.state
	if !st.released.CompareAndSwap(false, true) {
		return nil
	}
	st.stopRenewal()

	ctx, end := st.m.startSpan(ctx, "Lock.Release", st.key)
	defer end(&err)

	if err := st.release(ctx, pathExplicit); err != nil {
		st.released.Store(false)
		// l must outlive the store call, or its cleanup could fire while
		// released is still true and never run again.
		runtime.KeepAlive(l)
		return err
	}
	l.cleanup.Stop()
	return nil
}

// stopRenewal clears the flag and wakes the renewal goroutine. A renewal
// already in flight is allowed to finish.
func (st *lockState) stopRenewal() {
	st.renewing.Store(false)
	st.stopOnce.Do(func() { close(st.stop) })
}

func (st *lockState) release(ctx context.Context, path string) error {
	m := st.m
	owned, err := m.store.CompareAndDelete(ctx, st.storeKey, st.token)
	if err != nil {
		m.metrics.LockReleased(path, "error")
		return fmt.Errorf("lock: release %q: %w", st.key, err)
	}
	if !owned {
		m.metrics.LockReleased(path, "lost")
		m.logger.Info("latch: lock was no longer owned at release", "key", st.key)
		return nil
	}
	m.metrics.LockReleased(path, "owned")
	if m.bus != nil {
		if err := m.bus.Publish(ctx, m.releaseTopic(st.key)); err != nil {
			m.logger.Debug("latch: release notification failed", "key", st.key, "error", err)
		}
	}
	return nil
}

func (st *lockState) renewLoop() {
	defer close(st.done)
	interval := st.ttl / 2
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-st.stop:
			return
		case <-timer.C:
		}
		if !st.renewing.Load() {
			return
		}
		next, ok := st.renewOnce(interval)
		if !ok {
			st.renewing.Store(false)
			return
		}
		timer.Reset(next)
	}
}

// renewOnce extends the TTL if the key is still ours and returns the delay
// until the next attempt. A store error is logged and retried after half
// the usual interval, so one failure still leaves a retry before expiry.
// ok is false once ownership is known to be lost.
func (st *lockState) renewOnce(interval time.Duration) (next time.Duration, ok bool) {
	m := st.m
	ctx, cancel := context.WithTimeout(context.Background(), interval/2)
	defer cancel()
	owned, err := m.store.CompareAndExpire(ctx, st.storeKey, st.token, st.ttl)
	switch {
	case err != nil:
		m.metrics.LockRenewed("error")
		m.logger.Warn("latch: lock renewal failed, retrying", "key", st.key, "error", err)
		return interval / 2, true
	case !owned:
		m.metrics.LockRenewed("lost")
		m.logger.Info("latch: lock lost before renewal", "key", st.key)
		return 0, false
	default:
		m.metrics.LockRenewed("renewed")
		return interval, true
	}
}

// releaseDiscarded runs when a Lock is garbage collected without a
// successful Release. Cleanups share one goroutine, so the store call is
// moved off it.
func releaseDiscarded(st *lockState) {
	if !st.released.CompareAndSwap(false, true) {
		return
	}
	st.stopRenewal()
	st.m.logger.Warn("latch: lock handle discarded without Release", "key", st.key)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupReleaseTimeout)
		defer cancel()
		if err := st.release(ctx, pathCleanup); err != nil {
			st.m.logger.Warn("latch: background release failed", "key", st.key, "error", err)
		}
	}()
}
