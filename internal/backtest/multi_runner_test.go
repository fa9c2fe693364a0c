package backtest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumix-ai/htm/internal/core"
	"github.com/lumix-ai/htm/internal/encoder"
	"github.com/lumix-ai/htm/internal/model"
	"github.com/lumix-ai/htm/internal/monitoring"
	"github.com/lumix-ai/htm/internal/stream"
)

func smallModel() model.Config {
	cfg := model.DefaultConfig()
	cfg.Encoder = encoder.Config{MinVal: 0, MaxVal: 100, Width: 200, ActiveBits: 21, CacheSize: 32}
	cfg.SpatialPooler.InputWidth = 200
	cfg.SpatialPooler.NumColumns = 256
	cfg.SpatialPooler.NumActiveColumnsPerInhArea = 10
	cfg.TemporalMemory.CellsPerColumn = 4
	cfg.Anomaly.Likelihood.Enabled = false
	return cfg.Normalize()
}

func writeCSV(t *testing.T, dir, name string, values []float64) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("timestamp,value\ndatetime,float\nT,\n")
	base := time.Date(2014, 2, 14, 14, 30, 0, 0, time.UTC)
	for i, v := range values {
		fmt.Fprintf(&b, "%s,%g\n", base.Add(time.Duration(i)*5*time.Minute).Format("1/2/2006 15:04"), v)
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func TestMultiRunner(t *testing.T) {
	dir := t.TempDir()
	flat := make([]float64, 40)
	spiky := make([]float64, 40)
	for i := range flat {
		flat[i] = 20
		spiky[i] = 20
	}
	spiky[35] = 95

	jobs := []Job{
		{Name: "flat", Input: writeCSV(t, dir, "flat.csv", flat), Model: smallModel()},
		{Name: "spiky", Input: writeCSV(t, dir, "spiky.csv", spiky), Model: smallModel()},
		{Name: "missing", Input: filepath.Join(dir, "nope.csv"), Model: smallModel()},
	}

	cfg := DefaultConfig()
	cfg.MaxConcurrent = 2
	cfg.OutputDir = filepath.Join(dir, "out")
	cfg.CheckpointDir = filepath.Join(dir, "ckpt")

	shared := &memorySink{}
	runner := NewMultiRunner(cfg, monitoring.NewMetrics(prometheus.NewRegistry(), 0.9), Synchronized(shared))
	results, err := runner.Run(context.Background(), jobs)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.NoError(t, results[0].Err)
	assert.NoError(t, results[1].Err)
	assert.Error(t, results[2].Err, "a failing job is reported, not fatal")

	assert.Equal(t, 40, results[0].Summary.Records)
	assert.FileExists(t, results[1].Output)
	assert.FileExists(t, filepath.Join(cfg.CheckpointDir, "spiky.ckpt"))
	assert.Len(t, shared.outputs, 80)
	assert.False(t, shared.closed, "shared sink outlives the jobs")

	restored, err := model.LoadCheckpoint(filepath.Join(cfg.CheckpointDir, "flat.ckpt"))
	require.NoError(t, err)
	assert.Equal(t, 40, restored.Stats().Steps)

	ranked := Ranked(results)
	require.Len(t, ranked, 2)
	assert.GreaterOrEqual(t, ranked[0].Summary.MaxScore, ranked[1].Summary.MaxScore)
}

func anomaliesCounted(t *testing.T, reg *prometheus.Registry, stream string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != "htm_anomalies_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "stream" && l.GetValue() == stream {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestJobThresholdReachesMetrics(t *testing.T) {
	dir := t.TempDir()
	values := make([]float64, 30)
	for i := range values {
		values[i] = float64(10 + i%3*30)
	}
	jobs := []Job{{Name: "sawtooth", Input: writeCSV(t, dir, "saw.csv", values), Model: smallModel(), Threshold: 0.5}}

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg, 0.9)
	results, err := NewMultiRunner(DefaultConfig(), metrics, nil).Run(context.Background(), jobs)
	require.NoError(t, err)
	require.NoError(t, results[0].Err)

	assert.Equal(t, 0.5, metrics.Threshold("sawtooth"))
	assert.Positive(t, results[0].Summary.Anomalies)
	assert.Equal(t, float64(results[0].Summary.Anomalies), anomaliesCounted(t, reg, "sawtooth"))
}

func TestMultiRunnerRejectsBadJobs(t *testing.T) {
	runner := NewMultiRunner(DefaultConfig(), nil, nil)

	_, err := runner.Run(context.Background(), []Job{{Name: "a", Input: "a.csv"}, {Name: "a", Input: "b.csv"}})
	assert.ErrorIs(t, err, core.ErrConfiguration)

	_, err = runner.Run(context.Background(), []Job{{Name: "a"}})
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestMultiRunnerCancelled(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := NewMultiRunner(DefaultConfig(), nil, nil)
	_, err := runner.Run(ctx, []Job{{Name: "flat", Input: writeCSV(t, dir, "flat.csv", []float64{1, 2, 3}), Model: smallModel()}})
	assert.ErrorIs(t, err, context.Canceled)
}

type memorySink struct {
	outputs []stream.Output
	closed  bool
}

func (m *memorySink) Accept(out stream.Output) error {
	m.outputs = append(m.outputs, out)
	return nil
}

func (m *memorySink) Close() error {
	m.closed = true
	return nil
}
