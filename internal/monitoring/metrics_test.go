package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumix-ai/htm/internal/model"
)

func TestObserveStep(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, 0.9)

	m.ObserveStep("machine", model.Result{AnomalyScore: 0.2, ActiveColumns: []int{1, 2, 3}}, time.Millisecond)
	m.ObserveStep("machine", model.Result{AnomalyScore: 0.95, BurstingColumns: []int{4}}, time.Millisecond)
	m.ObserveStep("twitter", model.Result{AnomalyScore: 1}, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.steps.WithLabelValues("machine")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.anomalies.WithLabelValues("machine")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.anomalies.WithLabelValues("twitter")))
	assert.Equal(t, 0.95, testutil.ToFloat64(m.lastScore.WithLabelValues("machine")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.burstingColumns.WithLabelValues("machine")))

	m.ObserveStats("machine", model.Stats{Segments: 12, Synapses: 240})
	assert.Equal(t, 240.0, testutil.ToFloat64(m.synapses.WithLabelValues("machine")))

	m.SetLearning("machine", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.learning.WithLabelValues("machine")))

	m.ObserveSkipped("machine", "out_of_range")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.skipped.WithLabelValues("machine", "out_of_range")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestPerStreamThreshold(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry(), 0.9)
	m.SetThreshold("machine", 0.97)

	assert.Equal(t, 0.97, m.Threshold("machine"))
	assert.Equal(t, 0.9, m.Threshold("twitter"))

	m.ObserveStep("machine", model.Result{AnomalyScore: 0.95}, time.Millisecond)
	m.ObserveStep("twitter", model.Result{AnomalyScore: 0.95}, time.Millisecond)
	m.ObserveStep("machine", model.Result{AnomalyScore: 0.98}, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.anomalies.WithLabelValues("machine")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.anomalies.WithLabelValues("twitter")))
}

func TestSeparateRegistries(t *testing.T) {
	// registering twice on one registry would panic, separate ones must not
	assert.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry(), 0.5)
		NewMetrics(prometheus.NewRegistry(), 0.5)
	})
}
