// Package store defines the key-value contract that sessions and locks are
// built on, together with a Redis implementation, an in-memory implementation
// for tests and single-process deployments, and a circuit breaker decorator.
//
// Every conditional mutation (CompareAndDelete, CompareAndExpire, SetNX) is a
// single atomic operation from the store's point of view. Implementations
// never emulate them with a client-side read followed by a write.
package store
