// Package metrics provides Prometheus instrumentation for the relay.
//
// Metrics exposed:
//   - kilnpilot_suggestion_requests_total: suggestion requests by outcome (ok, degraded, error)
//   - kilnpilot_suggestion_duration_seconds: generator latency
//   - kilnpilot_snapshots_total: snapshots stored
//   - kilnpilot_approvals_total: approvals written, by metric and value source
//   - kilnpilot_rejections_total: rejections, by metric
//   - kilnpilot_reviews_completed_total: reviews with every metric decided
//   - kilnpilot_stream_clients: connected websocket clients
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/HatiCode/kilnpilot/pkg/plant"
	"github.com/HatiCode/kilnpilot/pkg/suggest"
)

// Suggestion outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeDegraded = "degraded"
	OutcomeError    = "error"
)

type Metrics struct {
	SuggestionRequests *prometheus.CounterVec
	SuggestionDuration prometheus.Histogram
	SnapshotsTotal     prometheus.Counter
	ApprovalsTotal     *prometheus.CounterVec
	RejectionsTotal    *prometheus.CounterVec
	ReviewsCompleted   prometheus.Counter
	StreamClients      prometheus.Gauge
}

// New registers the relay metrics with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		SuggestionRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kilnpilot_suggestion_requests_total",
			Help: "Suggestion requests by outcome",
		}, []string{"outcome"}),

		SuggestionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "kilnpilot_suggestion_duration_seconds",
			Help:    "Duration of suggestion generation",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
		}),

		SnapshotsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "kilnpilot_snapshots_total",
			Help: "Total number of metric snapshots stored",
		}),

		ApprovalsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kilnpilot_approvals_total",
			Help: "Approvals written by metric and value source",
		}, []string{"metric", "source"}),

		RejectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kilnpilot_rejections_total",
			Help: "Rejections by metric",
		}, []string{"metric"}),

		ReviewsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "kilnpilot_reviews_completed_total",
			Help: "Reviews in which every metric was decided",
		}),

		StreamClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kilnpilot_stream_clients",
			Help: "Connected websocket clients",
		}),
	}
}

func (m *Metrics) RecordSuggestion(outcome string, d time.Duration) {
	m.SuggestionRequests.WithLabelValues(outcome).Inc()
	m.SuggestionDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordSnapshot() {
	m.SnapshotsTotal.Inc()
}

func (m *Metrics) RecordApproval(metric plant.MetricName, source plant.ValueSource) {
	m.ApprovalsTotal.WithLabelValues(string(metric), string(source)).Inc()
}

func (m *Metrics) RecordRejection(metric plant.MetricName) {
	m.RejectionsTotal.WithLabelValues(string(metric)).Inc()
}

func (m *Metrics) RecordReviewCompleted() {
	m.ReviewsCompleted.Inc()
}

func (m *Metrics) SetStreamClients(n int) {
	m.StreamClients.Set(float64(n))
}

// SuggestFunc matches suggest.Relay.Suggest.
type SuggestFunc func(ctx context.Context, s plant.Snapshot) (suggest.Result, error)

// InstrumentedSuggester records outcome and latency of every call to Next.
type InstrumentedSuggester struct {
	Next    SuggestFunc
	Metrics *Metrics
}

func (i InstrumentedSuggester) Suggest(ctx context.Context, s plant.Snapshot) (suggest.Result, error) {
	start := time.Now()
	res, err := i.Next(ctx, s)
	switch {
	case err != nil:
		i.Metrics.RecordSuggestion(OutcomeError, time.Since(start))
	case res.Degraded:
		i.Metrics.RecordSuggestion(OutcomeDegraded, time.Since(start))
	default:
		i.Metrics.RecordSuggestion(OutcomeOK, time.Since(start))
	}
	return res, err
}
