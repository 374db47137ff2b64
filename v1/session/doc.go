// Package session issues and validates opaque session tokens backed by a
// store.Store. Each token maps to a serialized principal with a sliding TTL.
//
// The store is the only owner of session state. Nothing is cached in
// process, so every Resolve is one round trip and every server instance
// sees revocations immediately. Deleting the entry is revocation.
//
// Absent, expired and never-issued tokens all yield errors.ErrUnauthenticated.
// Store failures yield errors wrapping errors.ErrStoreUnavailable and must not
// be treated as a logout.
package session
