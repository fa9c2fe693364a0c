package anomaly

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumix-ai/htm/internal/core"
)

func TestScore(t *testing.T) {
	tests := []struct {
		name      string
		active    []int
		predicted []int
		want      float64
	}{
		{"perfect prediction", []int{1, 4, 9}, []int{1, 4, 9}, 0},
		{"nothing predicted", []int{1, 4, 9}, nil, 1},
		{"disjoint prediction", []int{1, 4, 9}, []int{2, 3}, 1},
		{"half predicted", []int{1, 2, 3, 4}, []int{2, 4, 7}, 0.5},
		{"superset predicted", []int{5}, []int{1, 5, 8}, 0},
		{"quiet step", nil, []int{1, 2}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(tt.active, tt.predicted)
			assert.InDelta(t, tt.want, got, 1e-12)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.LessOrEqual(t, got, 1.0)
		})
	}
}

func newTestScorer(t *testing.T, mutate func(*Config)) *Scorer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.HistorySize = 5
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewScorer(cfg)
	require.NoError(t, err)
	return s
}

func TestScorerHistoryIsBounded(t *testing.T) {
	s := newTestScorer(t, nil)
	for i := 1; i <= 8; i++ {
		s.Record(float64(i) / 10)
	}
	assert.Equal(t, 5, s.Len())
	assert.InDeltaSlice(t, []float64{0.4, 0.5, 0.6, 0.7, 0.8}, s.History(), 1e-12)
	assert.InDeltaSlice(t, []float64{0.7, 0.8}, s.Recent(2), 1e-12)

	s.Reset()
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.History())
}

func TestScorerSmoothing(t *testing.T) {
	t.Run("none", func(t *testing.T) {
		s := newTestScorer(t, nil)
		raw, smoothed := s.Compute([]int{1, 2}, []int{2})
		assert.Equal(t, 0.5, raw)
		assert.Equal(t, 0.5, smoothed)
	})

	t.Run("ema", func(t *testing.T) {
		s := newTestScorer(t, func(c *Config) {
			c.Smoothing = SmoothingEMA
			c.Alpha = 0.5
		})
		assert.Equal(t, 1.0, s.Record(1))
		assert.Equal(t, 0.5, s.Record(0))
		assert.Equal(t, 0.25, s.Record(0))
	})

	t.Run("window", func(t *testing.T) {
		s := newTestScorer(t, func(c *Config) {
			c.Smoothing = SmoothingWindow
			c.Window = 2
		})
		assert.Equal(t, 1.0, s.Record(1))
		assert.Equal(t, 0.5, s.Record(0))
		assert.Equal(t, 0.0, s.Record(0))
	})
}

func TestScorerStateRestore(t *testing.T) {
	s := newTestScorer(t, func(c *Config) { c.Smoothing = SmoothingEMA })
	for _, v := range []float64{1, 0.5, 0.25, 0, 0, 1, 0.75} {
		s.Record(v)
	}

	restored := newTestScorer(t, func(c *Config) { c.Smoothing = SmoothingEMA })
	require.NoError(t, restored.Restore(s.State()))
	assert.Equal(t, s.History(), restored.History())
	assert.Equal(t, s.Record(0.3), restored.Record(0.3))

	tooLong := ScorerState{History: make([]float64, 6)}
	assert.ErrorIs(t, restored.Restore(tooLong), core.ErrSnapshot)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty history", func(c *Config) { c.HistorySize = 0 }, "history_size"},
		{"unknown smoothing", func(c *Config) { c.Smoothing = "median" }, "smoothing"},
		{"bad alpha", func(c *Config) { c.Smoothing, c.Alpha = SmoothingEMA, 0 }, "alpha"},
		{"window beyond history", func(c *Config) { c.Smoothing, c.Window = SmoothingWindow, 5000 }, "window"},
		{"likelihood averaging", func(c *Config) { c.Likelihood.AveragingWindow = 0 }, "averaging_window"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, core.ErrConfiguration)
			var cfgErr *core.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}

	disabled := DefaultConfig()
	disabled.Likelihood = LikelihoodConfig{}
	assert.NoError(t, disabled.Validate())
}

func smallLikelihood(t *testing.T) *Likelihood {
	t.Helper()
	l, err := NewLikelihood(LikelihoodConfig{
		Enabled:            true,
		LearningPeriod:     20,
		EstimationSamples:  10,
		HistoricWindow:     100,
		ReestimationPeriod: 10,
		AveragingWindow:    5,
	})
	require.NoError(t, err)
	return l
}

func TestLikelihoodProbation(t *testing.T) {
	l := smallLikelihood(t)
	for i := 0; i < 30; i++ {
		assert.Equal(t, 0.5, l.Compute(1))
	}
	_, _, ok := l.Distribution()
	assert.False(t, ok)

	l.Compute(0)
	_, _, ok = l.Distribution()
	assert.True(t, ok)
}

func TestLikelihoodFlagsSpike(t *testing.T) {
	l := smallLikelihood(t)
	var quiet float64
	for i := 0; i < 53; i++ {
		quiet = l.Compute(0)
	}
	assert.Less(t, quiet, 0.5)

	mean, stdev, ok := l.Distribution()
	require.True(t, ok)
	assert.Equal(t, 0.03, mean)
	assert.Greater(t, stdev, 0.0)

	spike := l.Compute(1)
	assert.Greater(t, spike, 0.99)
	assert.Greater(t, LogLikelihood(spike), LogLikelihood(quiet))
}

func TestLikelihoodHistoryIsBounded(t *testing.T) {
	l := smallLikelihood(t)
	for i := 0; i < 250; i++ {
		l.Compute(float64(i%3) / 3)
	}
	s := l.State()
	assert.Len(t, s.Scores, 100)
	assert.Equal(t, 250, s.Iteration)

	restored := smallLikelihood(t)
	require.NoError(t, restored.Restore(s))
	assert.Equal(t, l.Compute(0.9), restored.Compute(0.9))

	l.Reset()
	assert.Equal(t, 0, l.Iteration())
}

func TestLogLikelihood(t *testing.T) {
	assert.InDelta(t, 0.5, LogLikelihood(0.99999), 1e-4)
	prev := -1.0
	for _, p := range []float64{0, 0.5, 0.9, 0.99, 0.999, 1} {
		v := LogLikelihood(p)
		assert.Greater(t, v, prev)
		assert.GreaterOrEqual(t, v, -1e-9)
		assert.LessOrEqual(t, v, 1.0)
		prev = v
	}
}
