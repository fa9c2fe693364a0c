package learning

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumix-ai/htm/internal/core"
)

func testConfig() Config {
	return Config{
		InputWidth:                 100,
		NumColumns:                 64,
		PotentialRadius:            100,
		PotentialPct:               0.5,
		GlobalInhibition:           true,
		NumActiveColumnsPerInhArea: 5,
		StimulusThreshold:          0,
		SynPermInactiveDec:         0.008,
		SynPermActiveInc:           0.05,
		SynPermConnected:           0.1,
		BoostStrength:              0,
		Seed:                       7,
		DutyCyclePeriod:            1000,
		MinPctOverlapDutyCycle:     0,
		UpdatePeriod:               50,
	}
}

func newTestPooler(t *testing.T, cfg Config) *SpatialPooler {
	t.Helper()
	sp, err := NewSpatialPooler(cfg, core.NewRandom(cfg.Seed))
	require.NoError(t, err)
	return sp
}

func runInput(t *testing.T, width, start, count int) core.BitVector {
	t.Helper()
	idx := make([]int, 0, count)
	for i := start; i < start+count; i++ {
		idx = append(idx, i)
	}
	bv, err := core.BitVectorFromIndices(width, idx)
	require.NoError(t, err)
	return bv
}

func TestPotentialPools(t *testing.T) {
	cfg := testConfig()
	cfg.PotentialRadius = 10
	sp := newTestPooler(t, cfg)

	for c := 0; c < cfg.NumColumns; c++ {
		pool := sp.PotentialPool(c)
		require.NotEmpty(t, pool)
		assert.Equal(t, core.Dedup(pool), pool)
		assert.LessOrEqual(t, pool[len(pool)-1]-pool[0], 2*cfg.PotentialRadius)
		assert.Len(t, sp.Permanences(c), len(pool))
		for _, p := range sp.Permanences(c) {
			assert.GreaterOrEqual(t, p, 0.0)
			assert.LessOrEqual(t, p, 1.0)
		}
	}
}

func TestGlobalInhibitionActiveCount(t *testing.T) {
	cfg := testConfig()
	sp := newTestPooler(t, cfg)

	for start := 0; start < 80; start += 7 {
		active, err := sp.Compute(runInput(t, cfg.InputWidth, start, 21), true)
		require.NoError(t, err)
		assert.Len(t, active, cfg.NumActiveColumnsPerInhArea)
		assert.Equal(t, core.Dedup(active), active)
	}
}

func TestComputeWithoutLearningIsStable(t *testing.T) {
	cfg := testConfig()
	sp := newTestPooler(t, cfg)
	input := runInput(t, cfg.InputWidth, 30, 21)

	first, err := sp.Compute(input, false)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := sp.Compute(input, false)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestLearningSaturatesWinningSynapses(t *testing.T) {
	cfg := testConfig()
	sp := newTestPooler(t, cfg)
	input := runInput(t, cfg.InputWidth, 10, 21)

	winners, err := sp.Compute(input, true)
	require.NoError(t, err)

	activePerms := func(c int) []float64 {
		var out []float64
		pool := sp.PotentialPool(c)
		perms := sp.Permanences(c)
		for i, in := range pool {
			if input.Get(in) {
				out = append(out, perms[i])
			}
		}
		return out
	}

	previous := make(map[int][]float64)
	for _, c := range winners {
		previous[c] = activePerms(c)
	}

	for rep := 0; rep < 60; rep++ {
		active, err := sp.Compute(input, true)
		require.NoError(t, err)
		require.Equal(t, winners, active, "winners must not change for a repeated input")

		for _, c := range winners {
			now := activePerms(c)
			for i := range now {
				assert.GreaterOrEqual(t, now[i], previous[c][i])
			}
			previous[c] = now
		}
	}

	for _, c := range winners {
		for _, p := range previous[c] {
			assert.Equal(t, 1.0, p)
		}
	}
}

func TestSameSeedSameOutput(t *testing.T) {
	cfg := testConfig()
	a := newTestPooler(t, cfg)
	b := newTestPooler(t, cfg)

	for step := 0; step < 30; step++ {
		input := runInput(t, cfg.InputWidth, (step*13)%70, 21)
		ra, err := a.Compute(input, true)
		require.NoError(t, err)
		rb, err := b.Compute(input, true)
		require.NoError(t, err)
		assert.Equal(t, ra, rb)
	}
	assert.Equal(t, a.State(), b.State())
}

func TestStimulusThresholdExcludesColumns(t *testing.T) {
	cfg := testConfig()
	cfg.StimulusThreshold = 1
	sp := newTestPooler(t, cfg)

	active, err := sp.Compute(core.NewBitVector(cfg.InputWidth), true)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestBoostFavoursIdleColumns(t *testing.T) {
	cfg := testConfig()
	cfg.BoostStrength = 2.0
	sp := newTestPooler(t, cfg)

	active, err := sp.Compute(runInput(t, cfg.InputWidth, 40, 21), true)
	require.NoError(t, err)

	boosts := sp.BoostFactors()
	for c, b := range boosts {
		if core.Contains(active, c) {
			assert.Equal(t, 1.0, b)
		} else {
			assert.Greater(t, b, 1.0)
		}
	}
}

func TestLocalInhibition(t *testing.T) {
	cfg := testConfig()
	cfg.GlobalInhibition = false
	cfg.PotentialRadius = 8
	cfg.NumActiveColumnsPerInhArea = 3
	sp := newTestPooler(t, cfg)
	assert.GreaterOrEqual(t, sp.InhibitionRadius(), 1)

	input := runInput(t, cfg.InputWidth, 20, 21)
	active, err := sp.Compute(input, false)
	require.NoError(t, err)
	require.NotEmpty(t, active)

	again, err := sp.Compute(input, false)
	require.NoError(t, err)
	assert.Equal(t, active, again)
}

func TestComputeRejectsWrongWidth(t *testing.T) {
	sp := newTestPooler(t, testConfig())
	_, err := sp.Compute(core.NewBitVector(10), true)
	assert.ErrorIs(t, err, core.ErrInputWidth)
	assert.Equal(t, 0, sp.Iteration())
}

func TestStateRestore(t *testing.T) {
	cfg := testConfig()
	trained := newTestPooler(t, cfg)
	for step := 0; step < 15; step++ {
		_, err := trained.Compute(runInput(t, cfg.InputWidth, step*5, 21), true)
		require.NoError(t, err)
	}

	fresh := newTestPooler(t, cfg)
	require.NoError(t, fresh.Restore(trained.State()))

	probe := runInput(t, cfg.InputWidth, 33, 21)
	want, err := trained.Compute(probe, false)
	require.NoError(t, err)
	got, err := fresh.Compute(probe, false)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	bad := trained.State()
	bad.BoostFactors = bad.BoostFactors[:3]
	assert.ErrorIs(t, fresh.Restore(bad), core.ErrSnapshot)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"too many active columns", func(c *Config) { c.NumActiveColumnsPerInhArea = 65 }, "num_active_columns_per_inh_area"},
		{"negative decrement", func(c *Config) { c.SynPermInactiveDec = -0.1 }, "syn_perm_inactive_dec"},
		{"connected out of range", func(c *Config) { c.SynPermConnected = 1.5 }, "syn_perm_connected"},
		{"zero columns", func(c *Config) { c.NumColumns = 0 }, "num_columns"},
		{"bad potential pct", func(c *Config) { c.PotentialPct = 0 }, "potential_pct"},
		{"negative boost", func(c *Config) { c.BoostStrength = -1 }, "boost_strength"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			_, err := NewSpatialPooler(cfg, nil)
			require.ErrorIs(t, err, core.ErrConfiguration)
			var cfgErr *core.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}

	assert.NoError(t, DefaultConfig().Validate())
}
