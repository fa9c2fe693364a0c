// internal/monitoring/metrics.go
package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lumix-ai/htm/internal/model"
)

const namespace = "htm"

// Metrics - Prometheus collectors for every stream fed through one registry
type Metrics struct {
	steps            *prometheus.CounterVec
	skipped          *prometheus.CounterVec
	anomalies        *prometheus.CounterVec
	anomalyScore     *prometheus.HistogramVec
	likelihood       *prometheus.GaugeVec
	lastScore        *prometheus.GaugeVec
	burstingColumns  *prometheus.GaugeVec
	activeColumns    *prometheus.GaugeVec
	segments         *prometheus.GaugeVec
	synapses         *prometheus.GaugeVec
	learning         *prometheus.GaugeVec
	stepLatency      *prometheus.HistogramVec

	mu               sync.RWMutex
	anomalyThreshold float64
	thresholds       map[string]float64
}

// NewMetrics - collectors registered on reg. Scores at or above threshold count as
// anomalies on every stream without a threshold of its own.
func NewMetrics(reg prometheus.Registerer, threshold float64) *Metrics {
	f := promauto.With(reg)
	stream := []string{"stream"}
	return &Metrics{
		steps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Records processed by the model",
		}, stream),
		skipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_records_total",
			Help:      "Records dropped because they were malformed, out of range or out of order",
		}, []string{"stream", "reason"}),
		anomalies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Steps whose anomaly score reached the threshold",
		}, stream),
		anomalyScore: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "anomaly_score",
			Help:      "Distribution of anomaly scores",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}, stream),
		likelihood: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "anomaly_likelihood",
			Help:      "Latest anomaly likelihood",
		}, stream),
		lastScore: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_anomaly_score",
			Help:      "Latest anomaly score",
		}, stream),
		burstingColumns: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bursting_columns",
			Help:      "Columns that burst on the latest step",
		}, stream),
		activeColumns: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_columns",
			Help:      "Columns active on the latest step",
		}, stream),
		segments: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "segments",
			Help:      "Dendrite segments held by the temporal memory",
		}, stream),
		synapses: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "synapses",
			Help:      "Synapses held by the temporal memory",
		}, stream),
		learning: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "learning_enabled",
			Help:      "1 while the model learns",
		}, stream),
		stepLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Time spent in one model step",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, stream),
		anomalyThreshold: threshold,
		thresholds:       make(map[string]float64),
	}
}

// SetThreshold - anomaly threshold for one stream, e.g. from a dataset preset
func (m *Metrics) SetThreshold(stream string, threshold float64) {
	m.mu.Lock()
	m.thresholds[stream] = threshold
	m.mu.Unlock()
}

// Threshold - the threshold anomalies_total uses for stream
func (m *Metrics) Threshold(stream string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.thresholds[stream]; ok {
		return t
	}
	return m.anomalyThreshold
}

// ObserveStep - record one completed step of stream
func (m *Metrics) ObserveStep(stream string, res model.Result, latency time.Duration) {
	m.steps.WithLabelValues(stream).Inc()
	m.anomalyScore.WithLabelValues(stream).Observe(res.AnomalyScore)
	m.lastScore.WithLabelValues(stream).Set(res.AnomalyScore)
	m.likelihood.WithLabelValues(stream).Set(res.Likelihood)
	m.burstingColumns.WithLabelValues(stream).Set(float64(len(res.BurstingColumns)))
	m.activeColumns.WithLabelValues(stream).Set(float64(len(res.ActiveColumns)))
	m.stepLatency.WithLabelValues(stream).Observe(latency.Seconds())
	if res.AnomalyScore >= m.Threshold(stream) {
		m.anomalies.WithLabelValues(stream).Inc()
	}
}

// ObserveStats - learned structure size, sampled less often than every step
func (m *Metrics) ObserveStats(stream string, stats model.Stats) {
	m.segments.WithLabelValues(stream).Set(float64(stats.Segments))
	m.synapses.WithLabelValues(stream).Set(float64(stats.Synapses))
}

func (m *Metrics) ObserveSkipped(stream, reason string) {
	m.skipped.WithLabelValues(stream, reason).Inc()
}

func (m *Metrics) SetLearning(stream string, enabled bool) {
	v := 0.0
	if enabled {
		v = 1
	}
	m.learning.WithLabelValues(stream).Set(v)
}
