package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the bridge.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal prometheus.Counter
	errorsTotal   prometheus.Counter

	sessionsAcquiredTotal *prometheus.CounterVec
	sessionsRenewedTotal  prometheus.Counter
	renewalFailuresTotal  prometheus.Counter
	consumerRestartsTotal prometheus.Counter
	tickFailuresTotal     prometheus.Counter
	eventsObservedTotal   prometheus.Counter

	consumerUp prometheus.Gauge
	sessionTTL prometheus.Gauge
}

// New creates and registers Prometheus metrics for the bridge.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_http_requests_total",
		Help: "Total number of HTTP requests received by the observability server",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_http_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	sessionsAcquiredTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_sessions_acquired_total",
		Help: "Total number of stream sessions acquired, by transport",
	}, []string{"transport"})
	sessionsRenewedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_sessions_renewed_total",
		Help: "Total number of successful stream session renewals",
	})
	renewalFailuresTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_renewal_failures_total",
		Help: "Total number of failed stream session renewals",
	})
	consumerRestartsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_consumer_restarts_total",
		Help: "Total number of consumer process starts and restarts",
	})
	tickFailuresTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_tick_failures_total",
		Help: "Total number of supervisor ticks that failed to refresh the session",
	})
	eventsObservedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_events_observed_total",
		Help: "Total number of device events observed by the poller",
	})
	consumerUp := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_consumer_up",
		Help: "Whether the consumer process is currently alive (1) or not (0)",
	})
	sessionTTL := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_session_ttl_seconds",
		Help: "Seconds until the current stream session expires, as of the last tick",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		sessionsAcquiredTotal,
		sessionsRenewedTotal,
		renewalFailuresTotal,
		consumerRestartsTotal,
		tickFailuresTotal,
		eventsObservedTotal,
		consumerUp,
		sessionTTL,
	)

	return &Metrics{
		registry:              registry,
		requestsTotal:         requestsTotal,
		errorsTotal:           errorsTotal,
		sessionsAcquiredTotal: sessionsAcquiredTotal,
		sessionsRenewedTotal:  sessionsRenewedTotal,
		renewalFailuresTotal:  renewalFailuresTotal,
		consumerRestartsTotal: consumerRestartsTotal,
		tickFailuresTotal:     tickFailuresTotal,
		eventsObservedTotal:   eventsObservedTotal,
		consumerUp:            consumerUp,
		sessionTTL:            sessionTTL,
	}
}

// IncRequests increments the observability request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the observability error counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncSessionsAcquired increments the acquisition counter for a transport.
func (m *Metrics) IncSessionsAcquired(transport string) {
	m.sessionsAcquiredTotal.WithLabelValues(transport).Inc()
}

// IncSessionsRenewed increments the successful renewal counter.
func (m *Metrics) IncSessionsRenewed() {
	m.sessionsRenewedTotal.Inc()
}

// IncRenewalFailures increments the failed renewal counter.
func (m *Metrics) IncRenewalFailures() {
	m.renewalFailuresTotal.Inc()
}

// IncConsumerRestarts increments the consumer start/restart counter.
func (m *Metrics) IncConsumerRestarts() {
	m.consumerRestartsTotal.Inc()
}

// IncTickFailures increments the failed supervisor tick counter.
func (m *Metrics) IncTickFailures() {
	m.tickFailuresTotal.Inc()
}

// IncEventsObserved increments the observed device event counter.
func (m *Metrics) IncEventsObserved() {
	m.eventsObservedTotal.Inc()
}

// SetConsumerUp records consumer liveness as observed by the last tick.
func (m *Metrics) SetConsumerUp(up bool) {
	if up {
		m.consumerUp.Set(1)
	} else {
		m.consumerUp.Set(0)
	}
}

// SetSessionTTL records seconds until the current session expires.
func (m *Metrics) SetSessionTTL(seconds float64) {
	m.sessionTTL.Set(seconds)
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges, if non-nil, is called before each scrape to refresh gauge
// values that are not maintained inline.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
