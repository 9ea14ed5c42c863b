// Package metrics exposes Prometheus counters for the bootstrap protocol.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tendant/simple-bootstrap/pkg/auth"
	"github.com/tendant/simple-bootstrap/pkg/domain"
)

const namespace = "bootstrap"

// Recorder owns a registry and the protocol counters. It is also an event sink:
// every security event is counted as it is emitted.
type Recorder struct {
	registry *prometheus.Registry

	securityEvents       *prometheus.CounterVec
	tokensIssued         prometheus.Counter
	pairingVerifications *prometheus.CounterVec
	sessionsCreated      *prometheus.CounterVec
	sessionExchanges     *prometheus.CounterVec
	sessionRejections    *prometheus.CounterVec
	sweepDeleted         *prometheus.CounterVec
	rateLimited          *prometheus.CounterVec
}

// New creates a recorder with its own registry, including Go runtime and process collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		securityEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_events_total",
			Help:      "Security events emitted, by kind and severity.",
		}, []string{"kind", "severity"}),
		tokensIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Initial tokens issued to hosts.",
		}),
		pairingVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_verifications_total",
			Help:      "Pairing code verification attempts, by result.",
		}, []string{"result"}),
		sessionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Initial token to session exchanges, by result.",
		}, []string{"result"}),
		sessionExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_exchanges_total",
			Help:      "Session extensions, by result.",
		}, []string{"result"}),
		sessionRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_rejections_total",
			Help:      "Requests rejected by session validation, by reason.",
		}, []string{"reason"}),
		sweepDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_deleted_total",
			Help:      "Records deleted by the expiry sweep, by kind.",
		}, []string{"kind"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests refused by a rate limiter, by limiter.",
		}, []string{"limiter"}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.securityEvents,
		r.tokensIssued,
		r.pairingVerifications,
		r.sessionsCreated,
		r.sessionExchanges,
		r.sessionRejections,
		r.sweepDeleted,
		r.rateLimited,
	)
	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// RateLimited counts a request refused by the named limiter.
func (r *Recorder) RateLimited(limiter string) {
	r.rateLimited.WithLabelValues(limiter).Inc()
}

// Emit counts a security event.
func (r *Recorder) Emit(_ context.Context, event *domain.SecurityEvent) {
	r.securityEvents.WithLabelValues(string(event.Kind), string(event.Severity)).Inc()

	switch event.Kind {
	case domain.EventTokenIssued:
		r.tokensIssued.Inc()
	case domain.EventPairingVerified:
		r.pairingVerifications.WithLabelValues("success").Inc()
	case domain.EventPairingFailed:
		r.pairingVerifications.WithLabelValues("failure").Inc()
	case domain.EventSessionCreated:
		r.sessionsCreated.WithLabelValues("success").Inc()
	case domain.EventSessionRejected:
		r.sessionsCreated.WithLabelValues("rejected").Inc()
	case domain.EventSessionExchanged:
		r.sessionExchanges.WithLabelValues("success").Inc()
	}
}

// ExchangeRejected counts a refused session extension.
func (r *Recorder) ExchangeRejected() {
	r.sessionExchanges.WithLabelValues("rejected").Inc()
}

// SessionRejected counts a request refused by session validation.
func (r *Recorder) SessionRejected(reason string) {
	r.sessionRejections.WithLabelValues(reason).Inc()
}

// ObserveSweep counts what one sweep deleted. It matches auth.Sweeper.OnSweep.
func (r *Recorder) ObserveSweep(result auth.SweepResult) {
	r.sweepDeleted.WithLabelValues("session").Add(float64(result.Sessions))
	r.sweepDeleted.WithLabelValues("initial_token").Add(float64(result.Tokens))
	r.sweepDeleted.WithLabelValues("fingerprint_binding").Add(float64(result.Bindings))
}
