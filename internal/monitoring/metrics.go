// Package monitoring exports the pipeline's Prometheus metrics.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	// Discovery metrics
	PoolsDiscovered *prometheus.CounterVec
	PoolsDropped    *prometheus.CounterVec

	// Queue metrics
	QueueDepth       prometheus.Gauge
	AnalysisDuration *prometheus.HistogramVec

	// Enrichment metrics
	ProviderErrors *prometheus.CounterVec
	RiskScore      prometheus.Histogram

	// Outbound HTTP metrics
	HTTPRequestDuration *prometheus.HistogramVec
	BreakerState        *prometheus.GaugeVec

	// Alert metrics
	AlertsDispatched *prometheus.CounterVec
	AlertsSuppressed *prometheus.CounterVec
	SinkFailures     *prometheus.CounterVec

	// Outcome metrics
	TrackedTokens prometheus.Gauge
	Outcomes      *prometheus.CounterVec

	// Wallet metrics
	WalletActivity *prometheus.CounterVec

	// Stream metrics
	StreamClients prometheus.Gauge
}

// NewMetrics creates and registers all pipeline metrics on the default
// registry.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PoolsDiscovered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mintwatch_pools_discovered_total",
				Help: "Pool events accepted from each source",
			},
			[]string{"source"},
		),

		PoolsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mintwatch_pools_dropped_total",
				Help: "Pool events dropped before analysis",
			},
			[]string{"source", "reason"}, // reason: duplicate, cooldown, queue_full, invalid
		),

		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mintwatch_queue_depth",
				Help: "Pools currently waiting for analysis",
			},
		),

		AnalysisDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mintwatch_analysis_duration_seconds",
				Help:    "Duration of one enrich-and-classify pass",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
			},
			[]string{"source", "result"}, // result: ok, error
		),

		ProviderErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mintwatch_provider_errors_total",
				Help: "Upstream failures during enrichment",
			},
			[]string{"provider"}, // provider: rpc, dexscreener, rugcheck
		),

		RiskScore: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mintwatch_risk_score",
				Help:    "Distribution of final risk scores",
				Buckets: prometheus.LinearBuckets(10, 10, 9),
			},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mintwatch_http_request_duration_seconds",
				Help:    "Duration of outbound provider requests",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"client", "outcome"}, // outcome: ok, error
		),

		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mintwatch_breaker_state",
				Help: "Circuit breaker state per client: 0 closed, 1 half-open, 2 open",
			},
			[]string{"client"},
		),

		AlertsDispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mintwatch_alerts_dispatched_total",
				Help: "Alerts that passed filtering and were fanned out",
			},
			[]string{"category", "priority"},
		),

		AlertsSuppressed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mintwatch_alerts_suppressed_total",
				Help: "Alerts rejected by per-chat filter settings",
			},
			[]string{"reason"},
		),

		SinkFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mintwatch_sink_failures_total",
				Help: "Delivery failures per alert sink",
			},
			[]string{"sink"},
		),

		TrackedTokens: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mintwatch_tracked_tokens",
				Help: "Tokens currently inside the outcome window",
			},
		),

		Outcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mintwatch_outcomes_total",
				Help: "Classified token outcomes",
			},
			[]string{"outcome"}, // outcome: rug, pump, stable, slow_decline, unknown
		),

		WalletActivity: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mintwatch_wallet_activity_total",
				Help: "Classified transactions from watched wallets",
			},
			[]string{"type"}, // type: buy, sell, transfer
		),

		StreamClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mintwatch_stream_clients",
				Help: "Connected alert stream subscribers",
			},
		),
	}
}

// RecordPoolDiscovered counts an accepted source event.
func (m *Metrics) RecordPoolDiscovered(source string) {
	m.PoolsDiscovered.WithLabelValues(source).Inc()
}

// RecordPoolDropped counts an event rejected before analysis.
func (m *Metrics) RecordPoolDropped(source, reason string) {
	m.PoolsDropped.WithLabelValues(source, reason).Inc()
}

// SetQueueDepth reflects the analysis queue backlog.
func (m *Metrics) SetQueueDepth(n int) {
	m.QueueDepth.Set(float64(n))
}

// RecordAnalysis records one pipeline pass.
func (m *Metrics) RecordAnalysis(source string, seconds float64, failed bool) {
	result := "ok"
	if failed {
		result = "error"
	}
	m.AnalysisDuration.WithLabelValues(source, result).Observe(seconds)
}

// RecordProviderError counts an upstream enrichment failure.
func (m *Metrics) RecordProviderError(provider string) {
	m.ProviderErrors.WithLabelValues(provider).Inc()
}

// RecordRiskScore records a final verdict score.
func (m *Metrics) RecordRiskScore(score int) {
	m.RiskScore.Observe(float64(score))
}

// RecordHTTPRequest records one outbound provider request.
func (m *Metrics) RecordHTTPRequest(client string, seconds float64, outcome string) {
	m.HTTPRequestDuration.WithLabelValues(client, outcome).Observe(seconds)
}

// SetBreakerState reflects a breaker's state as a numeric level.
func (m *Metrics) SetBreakerState(client, state string) {
	var level float64
	switch state {
	case "CLOSED":
		level = 0
	case "HALF_OPEN":
		level = 1
	case "OPEN":
		level = 2
	default:
		level = -1
	}
	m.BreakerState.WithLabelValues(client).Set(level)
}

// RecordAlertDispatched counts a delivered alert.
func (m *Metrics) RecordAlertDispatched(category, priority string) {
	m.AlertsDispatched.WithLabelValues(category, priority).Inc()
}

// RecordAlertSuppressed counts a filtered alert with its reason.
func (m *Metrics) RecordAlertSuppressed(reason string) {
	m.AlertsSuppressed.WithLabelValues(reason).Inc()
}

// RecordSinkFailure counts a sink delivery failure.
func (m *Metrics) RecordSinkFailure(sink string) {
	m.SinkFailures.WithLabelValues(sink).Inc()
}

// SetTrackedTokens reflects the outcome tracker's active set.
func (m *Metrics) SetTrackedTokens(n int) {
	m.TrackedTokens.Set(float64(n))
}

// RecordOutcome counts a classified outcome.
func (m *Metrics) RecordOutcome(outcome string) {
	m.Outcomes.WithLabelValues(outcome).Inc()
}

// RecordWalletActivity counts a classified watched-wallet transaction.
func (m *Metrics) RecordWalletActivity(kind string) {
	m.WalletActivity.WithLabelValues(kind).Inc()
}

// SetStreamClients reflects the number of live stream subscribers.
func (m *Metrics) SetStreamClients(n int) {
	m.StreamClients.Set(float64(n))
}
