package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/store"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-latch/v1/session")

const (
	// DefaultPrefix namespaces session keys in the store.
	DefaultPrefix = "session"
	// DefaultTTL is the sliding session lifetime.
	DefaultTTL = time.Hour

	anonymousID = "anon"

	// maxTokenLen bounds accepted tokens; maxTokenIDLen bounds the principal
	// id part of issued ones, leaving room for the timestamp and UUID.
	maxTokenLen   = 512
	maxTokenIDLen = 128
)

// ErrCorrupt is returned when a stored principal cannot be decoded. It wraps
// ErrUnauthenticated so callers handle it as "not logged in".
var ErrCorrupt = fmt.Errorf("%w: corrupt session", latcherrors.ErrUnauthenticated)

// Identifier is implemented by principals that want their identifier
// embedded in issued tokens. Other principals get "anon".
type Identifier interface {
	SessionID() string
}

// Option configures a Manager.
type Option func(*options)

type options struct {
	prefix       string
	ttl          time.Duration
	codec        Codec
	metrics      *metrics.Metrics
	logger       *slog.Logger
	traceEnabled bool
}

// WithPrefix sets the key namespace. Defaults to DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithTTL sets the sliding session lifetime. Defaults to DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.ttl = ttl
	}
}

// WithCodec sets the principal codec. Defaults to JSONCodec.
func WithCodec(c Codec) Option {
	return func(o *options) {
		o.codec = c
	}
}

// WithMetrics records session activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithTracing enables OpenTelemetry spans for every operation.
func WithTracing() Option {
	return func(o *options) {
		o.traceEnabled = true
	}
}

// Manager issues, resolves, refreshes and revokes sessions whose principal
// type is P. It is safe for concurrent use.
type Manager[P any] struct {
	store   store.Store
	opts    options
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New returns a Manager backed by s. It fails with ErrInvalidDuration if the
// configured TTL cannot be stored.
func New[P any](s store.Store, opts ...Option) (*Manager[P], error) {
	o := options{
		prefix: DefaultPrefix,
		ttl:    DefaultTTL,
		codec:  JSONCodec{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if err := store.ValidateTTL(o.ttl); err != nil {
		return nil, err
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.codec == nil {
		o.codec = JSONCodec{}
	}
	return &Manager[P]{store: s, opts: o, metrics: o.metrics, logger: o.logger}, nil
}

// TTL returns the sliding session lifetime.
func (m *Manager[P]) TTL() time.Duration {
	return m.opts.ttl
}

func (m *Manager[P]) key(token string) string {
	return m.opts.prefix + ":" + token
}

// newToken builds "<id>.<unix nanos, base 36>.<uuid>". The UUID keeps tokens
// unique when the same principal logs in repeatedly within one clock tick.
// The id is cut to maxTokenIDLen so every issued token passes validToken.
func newToken(id string) string {
	id = sanitizeID(id)
	if len(id) > maxTokenIDLen {
		id = id[:maxTokenIDLen]
	}
	return id + "." + strconv.FormatInt(time.Now().UnixNano(), 36) + "." + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func sanitizeID(id string) string {
	if id == "" {
		return anonymousID
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}

func principalID(p any) string {
	if ident, ok := p.(Identifier); ok {
		return ident.SessionID()
	}
	return anonymousID
}

// validToken rejects tokens that cannot have been issued, without touching
// the store.
func validToken(token string) bool {
	if token == "" || len(token) > maxTokenLen {
		return false
	}
	return !strings.ContainsAny(token, " \t\r\n:")
}

func (m *Manager[P]) startSpan(ctx context.Context, name string) (context.Context, func(*error)) {
	if !m.opts.traceEnabled {
		return ctx, func(*error) {}
	}
	ctx, span := tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
	return ctx, func(errp *error) {
		if errp != nil && *errp != nil && !errors.Is(*errp, latcherrors.ErrUnauthenticated) {
			span.RecordError(*errp)
			span.SetStatus(codes.Error, (*errp).Error())
		}
		span.End()
	}
}

// CreateSession stores principal under a new token with the configured TTL
// and returns the token.
func (m *Manager[P]) CreateSession(ctx context.Context, principal P) (token string, err error) {
	ctx, end := m.startSpan(ctx, "Session.Create")
	defer end(&err)

	data, err := m.opts.codec.Marshal(principal)
	if err != nil {
		return "", fmt.Errorf("session: encode principal: %w", err)
	}
	token = newToken(principalID(principal))
	if err := m.store.Set(ctx, m.key(token), data, m.opts.ttl); err != nil {
		return "", err
	}
	m.metrics.SessionCreated()
	return token, nil
}

// Resolve returns the principal stored under token. Absent, expired and
// never-issued tokens all fail with ErrUnauthenticated.
func (m *Manager[P]) Resolve(ctx context.Context, token string) (principal P, err error) {
	ctx, end := m.startSpan(ctx, "Session.Resolve")
	defer end(&err)

	principal, _, err = m.load(ctx, token)
	m.recordResolve(err)
	return principal, err
}

func (m *Manager[P]) load(ctx context.Context, token string) (P, []byte, error) {
	var zero P
	if !validToken(token) {
		return zero, nil, latcherrors.ErrUnauthenticated
	}
	data, ok, err := m.store.Get(ctx, m.key(token))
	if err != nil {
		return zero, nil, err
	}
	if !ok || len(data) == 0 {
		return zero, nil, latcherrors.ErrUnauthenticated
	}
	var p P
	if err := m.opts.codec.Unmarshal(data, &p); err != nil {
		m.logger.Warn("latch: stored session cannot be decoded", "prefix", m.opts.prefix, "error", err)
		return zero, nil, ErrCorrupt
	}
	return p, data, nil
}

func (m *Manager[P]) recordResolve(err error) {
	switch {
	case err == nil:
		m.metrics.SessionResolved("ok")
	case errors.Is(err, latcherrors.ErrUnauthenticated):
		m.metrics.SessionResolved("unauthenticated")
	default:
		m.metrics.SessionResolved("error")
	}
}

// Refresh rewrites token with principal and a fresh TTL window. Unlike a
// plain re-write, it only replaces an existing entry: a token that has
// already expired or been revoked is not recreated, and Refresh then fails
// with ErrUnauthenticated.
func (m *Manager[P]) Refresh(ctx context.Context, token string, principal P) (err error) {
	ctx, end := m.startSpan(ctx, "Session.Refresh")
	defer end(&err)

	if !validToken(token) {
		return latcherrors.ErrUnauthenticated
	}
	data, err := m.opts.codec.Marshal(principal)
	if err != nil {
		return fmt.Errorf("session: encode principal: %w", err)
	}
	ok, err := m.store.Replace(ctx, m.key(token), data, m.opts.ttl)
	if err != nil {
		return err
	}
	if !ok {
		return latcherrors.ErrUnauthenticated
	}
	m.metrics.SessionRefreshed()
	return nil
}

// Touch resolves token and slides its expiry in one call, which is what an
// authenticated request does. The TTL reset only applies if the stored
// value is unchanged, so a concurrent Revoke is never undone.
func (m *Manager[P]) Touch(ctx context.Context, token string) (principal P, err error) {
	ctx, end := m.startSpan(ctx, "Session.Touch")
	defer end(&err)

	var zero P
	// A concurrent Refresh may change the stored value between the read and
	// the compare; retry once before concluding the session is gone.
	for attempt := 0; attempt < 2; attempt++ {
		var raw []byte
		principal, raw, err = m.load(ctx, token)
		if attempt == 0 {
			m.recordResolve(err)
		}
		if err != nil {
			return zero, err
		}
		ok, err := m.store.CompareAndExpire(ctx, m.key(token), raw, m.opts.ttl)
		if err != nil {
			return zero, err
		}
		if ok {
			m.metrics.SessionRefreshed()
			return principal, nil
		}
	}
	return zero, latcherrors.ErrUnauthenticated
}

// Revoke deletes the session. Revoking an unknown token is not an error.
func (m *Manager[P]) Revoke(ctx context.Context, token string) (err error) {
	ctx, end := m.startSpan(ctx, "Session.Revoke")
	defer end(&err)

	if !validToken(token) {
		return nil
	}
	if err := m.store.Del(ctx, m.key(token)); err != nil {
		return err
	}
	m.metrics.SessionRevoked()
	return nil
}
