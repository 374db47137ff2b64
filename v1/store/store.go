package store

import (
	"context"
	"fmt"
	"time"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

// Store is the minimal set of operations required from the backing
// key-value store. Values are opaque byte slices.
//
// Transport failures are reported as errors wrapping
// errors.ErrStoreUnavailable. A missing key is not an error.
type Store interface {
	// Get returns the value at key. The boolean is false when the key is absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set unconditionally stores value at key with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value at key with the given TTL only if key is absent.
	// It reports whether the value was stored.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Replace stores value at key with the given TTL only if key is present.
	// It reports whether the value was stored.
	Replace(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Del removes key. Removing an absent key is not an error.
	Del(ctx context.Context, key string) error
	// CompareAndDelete deletes key only if its current value equals expected.
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)
	// CompareAndExpire resets the TTL of key only if its current value equals expected.
	CompareAndExpire(ctx context.Context, key string, expected []byte, ttl time.Duration) (bool, error)
}

// ValidateTTL rejects durations the store cannot represent: non-positive
// values and values that are not a whole number of milliseconds.
func ValidateTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("%w: ttl must be positive, got %s", latcherrors.ErrInvalidDuration, ttl)
	}
	if ttl%time.Millisecond != 0 {
		return fmt.Errorf("%w: ttl %s is not a whole number of milliseconds", latcherrors.ErrInvalidDuration, ttl)
	}
	return nil
}
