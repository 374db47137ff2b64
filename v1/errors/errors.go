// Package errors defines the error conditions shared by the store, session
// and lock packages. Callers compare against them with errors.Is.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable reports a failure talking to the backing store.
	// It is retryable and never means "not logged in" or "lock held".
	ErrStoreUnavailable = errors.New("latch: store unavailable")
	// ErrTimeout is a store round trip that hit its deadline.
	ErrTimeout = fmt.Errorf("%w: timeout", ErrStoreUnavailable)
	// ErrConnectionClosed is returned once the store client has been closed.
	ErrConnectionClosed = fmt.Errorf("%w: connection closed", ErrStoreUnavailable)

	// ErrUnauthenticated is returned for a token that is absent, expired or
	// was never issued. The three cases are deliberately indistinguishable.
	ErrUnauthenticated = errors.New("latch: not logged in")

	// ErrAlreadyHeld is matched by every *AlreadyHeldError.
	ErrAlreadyHeld = errors.New("latch: lock already held")

	// ErrInvalidDuration rejects TTLs the store cannot represent.
	ErrInvalidDuration = errors.New("latch: invalid duration")
)

// AlreadyHeldError is returned by lock acquisition when another owner holds
// the key. It is an expected condition.
type AlreadyHeldError struct {
	Key string
}

func (e *AlreadyHeldError) Error() string {
	return fmt.Sprintf("latch: lock %q already held", e.Key)
}

// Is makes errors.Is(err, ErrAlreadyHeld) succeed.
func (e *AlreadyHeldError) Is(target error) bool {
	return target == ErrAlreadyHeld
}

// IsRetryable reports whether err is an infrastructure failure worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
