package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the engine's prometheus instruments. A nil *Metrics is
// valid and records nothing, so components can be built without metrics.
type Metrics struct {
	linksCreated       prometheus.Counter
	linksEvicted       prometheus.Counter
	spotsInterpolated  prometheus.Counter
	distanceMismatches prometheus.Counter
	backwardSteps      *prometheus.CounterVec
	predictionRequests *prometheus.CounterVec
	passDuration       prometheus.Histogram
}

// NewMetrics creates the instruments and registers them on reg. A nil reg
// leaves them unregistered, which suits tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		linksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lineage_links_created_total",
			Help: "Links created by the linking and backward correction engines",
		}),
		linksEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lineage_links_evicted_total",
			Help: "Links removed by distance arbitration",
		}),
		spotsInterpolated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lineage_spots_interpolated_total",
			Help: "Spots synthesised to bridge a timepoint gap",
		}),
		distanceMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lineage_link_distance_mismatch_total",
			Help: "Links whose cached squared distance disagrees with live geometry",
		}),
		backwardSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lineage_backward_steps_total",
			Help: "Backward correction steps by outcome",
		}, []string{"outcome"}),
		predictionRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lineage_prediction_requests_total",
			Help: "Prediction service requests by endpoint and status",
		}, []string{"endpoint", "status"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lineage_linking_pass_duration_seconds",
			Help:    "Duration of one linking pass over a timepoint",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.linksCreated, m.linksEvicted, m.spotsInterpolated,
			m.distanceMismatches, m.backwardSteps, m.predictionRequests,
			m.passDuration,
		)
	}
	return m
}

// LinkCreated counts n new links.
func (m *Metrics) LinkCreated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.linksCreated.Add(float64(n))
}

// LinkEvicted counts n evicted links.
func (m *Metrics) LinkEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.linksEvicted.Add(float64(n))
}

// SpotInterpolated counts one synthesised spot.
func (m *Metrics) SpotInterpolated() {
	if m == nil {
		return
	}
	m.spotsInterpolated.Inc()
}

// DistanceMismatch counts one cached/recomputed distance disagreement.
func (m *Metrics) DistanceMismatch() {
	if m == nil {
		return
	}
	m.distanceMismatches.Inc()
}

// BackwardStep counts one backward correction step with the given outcome.
func (m *Metrics) BackwardStep(outcome string) {
	if m == nil {
		return
	}
	m.backwardSteps.WithLabelValues(outcome).Inc()
}

// PredictionRequest counts one request to the prediction service.
func (m *Metrics) PredictionRequest(endpoint, status string) {
	if m == nil {
		return
	}
	m.predictionRequests.WithLabelValues(endpoint, status).Inc()
}

// ObservePass records the duration of one linking pass.
func (m *Metrics) ObservePass(d time.Duration) {
	if m == nil {
		return
	}
	m.passDuration.Observe(d.Seconds())
}

// PredictionRequests exposes the request counter for inspection in tests
// and the CLI metrics dump.
func (m *Metrics) PredictionRequests() *prometheus.CounterVec {
	if m == nil {
		return nil
	}
	return m.predictionRequests
}

// DistanceMismatches exposes the cached-distance mismatch counter.
func (m *Metrics) DistanceMismatches() prometheus.Counter {
	if m == nil {
		return nil
	}
	return m.distanceMismatches
}

// BackwardSteps exposes the backward correction outcome counter.
func (m *Metrics) BackwardSteps() *prometheus.CounterVec {
	if m == nil {
		return nil
	}
	return m.backwardSteps
}
