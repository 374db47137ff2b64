// Package lock provides a distributed mutual-exclusion primitive on top of
// a store.Store.
//
// Acquire performs a single atomic "set if absent" of key to a fresh owner
// token with a TTL. It never waits: a held key yields an *AlreadyHeldError
// immediately, and callers that want to wait use AcquireWait or poll.
//
// Release, and renewal when auto-renew is requested, only act if the stored
// value still equals the handle's owner token, and both run as one atomic
// operation in the store. A handle whose lock expired and was taken by
// someone else can therefore never delete or extend the new holder's lock.
//
// Callers should always release explicitly, typically with defer. A handle
// that becomes unreachable without being released triggers a best-effort
// release in the background; that only shortens the time a forgotten lock
// stays held and must not be relied upon.
package lock
