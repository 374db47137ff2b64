package session

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	redis "github.com/redis/go-redis/v9"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/store"
)

type user struct {
	ID       uint64 `json:"user_id"`
	Username string `json:"username"`
}

func (u user) SessionID() string { return strconv.FormatUint(u.ID, 10) }

func newRedisManager(t *testing.T, opts ...Option) (*Manager[user], *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	m, err := New[user](store.NewRedis(client, store.WithTimeout(time.Second)), opts...)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m, mr
}

func TestCreateThenResolve(t *testing.T) {
	m, mr := newRedisManager(t)
	ctx := context.Background()
	alice := user{ID: 7, Username: "alice"}

	token, err := m.CreateSession(ctx, alice)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(token, "7.") {
		t.Fatalf("token should embed the principal id: %q", token)
	}
	if ttl := mr.TTL(DefaultPrefix + ":" + token); ttl != DefaultTTL {
		t.Fatalf("expected ttl %v, got %v", DefaultTTL, ttl)
	}
	got, err := m.Resolve(ctx, token)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != alice {
		t.Fatalf("expected %+v, got %+v", alice, got)
	}
}

func TestRefreshSlidesExpiry(t *testing.T) {
	m, mr := newRedisManager(t, WithTTL(200*time.Millisecond))
	ctx := context.Background()
	bob := user{ID: 1, Username: "bob"}

	refreshed, _ := m.CreateSession(ctx, bob)
	idle, _ := m.CreateSession(ctx, bob)

	mr.FastForward(150 * time.Millisecond)
	if err := m.Refresh(ctx, refreshed, bob); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	mr.FastForward(150 * time.Millisecond)

	if _, err := m.Resolve(ctx, refreshed); err != nil {
		t.Fatalf("refreshed session should survive: %v", err)
	}
	if _, err := m.Resolve(ctx, idle); !errors.Is(err, latcherrors.ErrUnauthenticated) {
		t.Fatalf("idle session should expire, got %v", err)
	}
}

func TestRefreshWallClock(t *testing.T) {
	s := store.NewInMemory()
	defer s.Close()
	m, err := New[user](s, WithTTL(200*time.Millisecond))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	u := user{ID: 2, Username: "carol"}
	token, _ := m.CreateSession(ctx, u)

	time.Sleep(150 * time.Millisecond)
	if err := m.Refresh(ctx, token, u); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if _, err := m.Resolve(ctx, token); err != nil {
		t.Fatalf("session should still resolve at 300ms: %v", err)
	}
}

func TestRefreshDoesNotResurrect(t *testing.T) {
	m, mr := newRedisManager(t)
	ctx := context.Background()
	u := user{ID: 3, Username: "dave"}
	token, _ := m.CreateSession(ctx, u)

	if err := m.Revoke(ctx, token); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := m.Refresh(ctx, token, u); !errors.Is(err, latcherrors.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if mr.Exists(DefaultPrefix + ":" + token) {
		t.Fatal("refresh recreated a revoked session")
	}
}

func TestRefreshUpdatesPrincipal(t *testing.T) {
	m, _ := newRedisManager(t)
	ctx := context.Background()
	token, _ := m.CreateSession(ctx, user{ID: 4, Username: "erin"})

	renamed := user{ID: 4, Username: "erin.b"}
	if err := m.Refresh(ctx, token, renamed); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	got, err := m.Resolve(ctx, token)
	if err != nil || got != renamed {
		t.Fatalf("expected %+v, got %+v err %v", renamed, got, err)
	}
}

func TestTouch(t *testing.T) {
	m, mr := newRedisManager(t, WithTTL(time.Second))
	ctx := context.Background()
	u := user{ID: 5, Username: "frank"}
	token, _ := m.CreateSession(ctx, u)

	mr.FastForward(900 * time.Millisecond)
	got, err := m.Touch(ctx, token)
	if err != nil || got != u {
		t.Fatalf("touch: %+v err %v", got, err)
	}
	if ttl := mr.TTL(DefaultPrefix + ":" + token); ttl != time.Second {
		t.Fatalf("touch should reset ttl, got %v", ttl)
	}
	_ = m.Revoke(ctx, token)
	if _, err := m.Touch(ctx, token); !errors.Is(err, latcherrors.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	m, _ := newRedisManager(t)
	ctx := context.Background()
	token, _ := m.CreateSession(ctx, user{ID: 6})

	for i := 0; i < 2; i++ {
		if err := m.Revoke(ctx, token); err != nil {
			t.Fatalf("revoke %d: %v", i, err)
		}
	}
	if _, err := m.Resolve(ctx, token); !errors.Is(err, latcherrors.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if err := m.Revoke(ctx, ""); err != nil {
		t.Fatalf("revoke of empty token: %v", err)
	}
}

func TestUnknownAndExpiredAreIndistinguishable(t *testing.T) {
	m, mr := newRedisManager(t, WithTTL(100*time.Millisecond))
	ctx := context.Background()
	token, _ := m.CreateSession(ctx, user{ID: 8})
	mr.FastForward(200 * time.Millisecond)

	_, expiredErr := m.Resolve(ctx, token)
	_, unknownErr := m.Resolve(ctx, "8.0.deadbeef")
	_, malformedErr := m.Resolve(ctx, "lock:orders")
	for _, err := range []error{expiredErr, unknownErr, malformedErr} {
		if err != latcherrors.ErrUnauthenticated {
			t.Fatalf("expected the bare ErrUnauthenticated, got %v", err)
		}
	}
}

func TestStoreFailureIsNotLogout(t *testing.T) {
	m, mr := newRedisManager(t)
	ctx := context.Background()
	token, _ := m.CreateSession(ctx, user{ID: 9})
	mr.Close()

	_, err := m.Resolve(ctx, token)
	if !errors.Is(err, latcherrors.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if errors.Is(err, latcherrors.ErrUnauthenticated) {
		t.Fatal("store failure reported as unauthenticated")
	}
	if _, err := m.CreateSession(ctx, user{ID: 9}); !latcherrors.IsRetryable(err) {
		t.Fatalf("create: expected retryable error, got %v", err)
	}
}

func TestCorruptSession(t *testing.T) {
	m, mr := newRedisManager(t)
	ctx := context.Background()
	_ = mr.Set(DefaultPrefix+":1.x.y", "not json")

	_, err := m.Resolve(ctx, "1.x.y")
	if !errors.Is(err, ErrCorrupt) || !errors.Is(err, latcherrors.ErrUnauthenticated) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestEmptyValueIsUnauthenticated(t *testing.T) {
	m, mr := newRedisManager(t)
	_ = mr.Set(DefaultPrefix+":empty", "")
	if _, err := m.Resolve(context.Background(), "empty"); err != latcherrors.ErrUnauthenticated {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestTokensAreUnique(t *testing.T) {
	s := store.NewInMemory()
	defer s.Close()
	m, _ := New[user](s)
	ctx := context.Background()

	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		token, err := m.CreateSession(ctx, user{ID: 42})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, dup := seen[token]; dup {
			t.Fatalf("duplicate token %q", token)
		}
		seen[token] = struct{}{}
	}
}

func TestAnonymousPrincipal(t *testing.T) {
	s := store.NewInMemory()
	defer s.Close()
	m, _ := New[map[string]any](s, WithPrefix("sess"))
	ctx := context.Background()

	token, err := m.CreateSession(ctx, map[string]any{"role": "guest"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(token, anonymousID+".") {
		t.Fatalf("unexpected token %q", token)
	}
	got, err := m.Resolve(ctx, token)
	if err != nil || got["role"] != "guest" {
		t.Fatalf("resolve: %v err %v", got, err)
	}
}

func TestGobCodec(t *testing.T) {
	m, _ := newRedisManager(t, WithCodec(GobCodec{}))
	ctx := context.Background()
	u := user{ID: 10, Username: "gob"}
	token, _ := m.CreateSession(ctx, u)
	got, err := m.Resolve(ctx, token)
	if err != nil || got != u {
		t.Fatalf("resolve: %+v err %v", got, err)
	}
}

func TestInvalidTTLRejected(t *testing.T) {
	s := store.NewInMemory()
	defer s.Close()
	for _, ttl := range []time.Duration{-time.Second, time.Microsecond} {
		if _, err := New[user](s, WithTTL(ttl)); !errors.Is(err, latcherrors.ErrInvalidDuration) {
			t.Fatalf("ttl %v: expected ErrInvalidDuration, got %v", ttl, err)
		}
	}
}

func TestSanitizeID(t *testing.T) {
	if got := sanitizeID("a:b.c d"); got != "a_b_c_d" {
		t.Fatalf("unexpected id %q", got)
	}
	if got := sanitizeID(""); got != anonymousID {
		t.Fatalf("unexpected id %q", got)
	}
}

func TestSessionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	mx := metrics.RegisterMetrics(reg)
	m, _ := newRedisManager(t, WithMetrics(mx), WithTracing())
	ctx := context.Background()

	token, _ := m.CreateSession(ctx, user{ID: 11})
	_, _ = m.Resolve(ctx, token)
	_, _ = m.Resolve(ctx, "missing")
	_ = m.Revoke(ctx, token)

	if v := testutil.ToFloat64(mx.SessionsCreated); v != 1 {
		t.Fatalf("created: %v", v)
	}
	if v := testutil.ToFloat64(mx.SessionsResolved.WithLabelValues("ok")); v != 1 {
		t.Fatalf("resolved ok: %v", v)
	}
	if v := testutil.ToFloat64(mx.SessionsResolved.WithLabelValues("unauthenticated")); v != 1 {
		t.Fatalf("resolved unauthenticated: %v", v)
	}
	if v := testutil.ToFloat64(mx.SessionsRevoked); v != 1 {
		t.Fatalf("revoked: %v", v)
	}
}

type longIDUser struct {
	Name string `json:"name"`
}

func (u longIDUser) SessionID() string { return strings.Repeat("u", 492) }

func TestLongPrincipalIDStillResolves(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	m, err := New[longIDUser](store.NewRedis(client))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	ctx := context.Background()

	token, err := m.CreateSession(ctx, longIDUser{Name: "long"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(token) > maxTokenLen {
		t.Fatalf("issued token of %d bytes exceeds %d", len(token), maxTokenLen)
	}
	if !strings.HasPrefix(token, strings.Repeat("u", maxTokenIDLen)+".") {
		t.Fatalf("token should start with the truncated id: %q", token)
	}
	got, err := m.Resolve(ctx, token)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Name != "long" {
		t.Fatalf("unexpected principal %+v", got)
	}
	if err := m.Revoke(ctx, token); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if keys := mr.Keys(); len(keys) != 0 {
		t.Fatalf("revoke left keys behind: %v", keys)
	}
}
