package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the collectors updated by the session and lock managers.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// SessionsCreated counts issued session tokens.
	SessionsCreated prometheus.Counter
	// SessionsResolved counts Resolve calls by outcome
	// ("ok", "unauthenticated", "error").
	SessionsResolved *prometheus.CounterVec
	// SessionsRefreshed counts sliding-expiry refreshes.
	SessionsRefreshed prometheus.Counter
	// SessionsRevoked counts Revoke calls.
	SessionsRevoked prometheus.Counter

	// LockAcquisitions counts Acquire calls by outcome
	// ("acquired", "held", "error").
	LockAcquisitions *prometheus.CounterVec
	// LockReleases counts releases by path ("explicit", "cleanup") and
	// whether the owner still held the key ("owned", "lost", "error").
	LockReleases *prometheus.CounterVec
	// LockRenewals counts renewal attempts by outcome ("renewed", "lost", "error").
	LockRenewals *prometheus.CounterVec
	// LocksHeld reports handles acquired by this process and not yet released.
	LocksHeld prometheus.Gauge
}

// New creates the collectors without registering them.
func New() *Metrics {
	return &Metrics{
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "latch_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "latch_sessions_resolved_total",
			Help: "Total number of session lookups by outcome",
		}, []string{"outcome"}),
		SessionsRefreshed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "latch_sessions_refreshed_total",
			Help: "Total number of session TTL refreshes",
		}),
		SessionsRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "latch_sessions_revoked_total",
			Help: "Total number of session revocations",
		}),
		LockAcquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "latch_lock_acquisitions_total",
			Help: "Total number of lock acquisition attempts by outcome",
		}, []string{"outcome"}),
		LockReleases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "latch_lock_releases_total",
			Help: "Total number of lock releases by path and outcome",
		}, []string{"path", "outcome"}),
		LockRenewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "latch_lock_renewals_total",
			Help: "Total number of lock renewal attempts by outcome",
		}, []string{"outcome"}),
		LocksHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "latch_locks_held",
			Help: "Current number of locks held by this process",
		}),
	}
}

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Register registers every collector on reg. It panics on duplicate
// registration, like prometheus.MustRegister.
func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.SessionsCreated,
		m.SessionsResolved,
		m.SessionsRefreshed,
		m.SessionsRevoked,
		m.LockAcquisitions,
		m.LockReleases,
		m.LockRenewals,
		m.LocksHeld,
	)
}

// RegisterMetrics creates the collectors and registers them on reg.
func RegisterMetrics(reg prometheus.Registerer) *Metrics {
	m := New()
	m.Register(reg)
	return m
}

// SessionCreated counts a created session.
func (m *Metrics) SessionCreated() {
	if m != nil {
		m.SessionsCreated.Inc()
	}
}

// SessionResolved counts a Resolve by outcome ("ok", "unauthenticated", "error").
func (m *Metrics) SessionResolved(outcome string) {
	if m != nil {
		m.SessionsResolved.WithLabelValues(outcome).Inc()
	}
}

// SessionRefreshed counts a successful Refresh or Touch.
func (m *Metrics) SessionRefreshed() {
	if m != nil {
		m.SessionsRefreshed.Inc()
	}
}

// SessionRevoked counts a Revoke.
func (m *Metrics) SessionRevoked() {
	if m != nil {
		m.SessionsRevoked.Inc()
	}
}

// LockAcquired counts an Acquire attempt by outcome and tracks held locks.
func (m *Metrics) LockAcquired(outcome string) {
	if m == nil {
		return
	}
	m.LockAcquisitions.WithLabelValues(outcome).Inc()
	if outcome == "acquired" {
		m.LocksHeld.Inc()
	}
}

// LockReleased counts a release by path ("explicit", "cleanup") and outcome.
func (m *Metrics) LockReleased(path, outcome string) {
	if m == nil {
		return
	}
	m.LockReleases.WithLabelValues(path, outcome).Inc()
	if outcome != "error" {
		m.LocksHeld.Dec()
	}
}

// LockRenewed counts a renewal attempt by outcome.
func (m *Metrics) LockRenewed(outcome string) {
	if m != nil {
		m.LockRenewals.WithLabelValues(outcome).Inc()
	}
}
