package encoder

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumix-ai/htm/internal/core"
)

func newTestEncoder(t *testing.T, mutate func(*Config)) *ScalarEncoder {
	t.Helper()
	cfg := Config{MinVal: 0, MaxVal: 100, Width: 120, ActiveBits: 21, CacheSize: 8}
	if mutate != nil {
		mutate(&cfg)
	}
	enc, err := NewScalarEncoder(cfg)
	require.NoError(t, err)
	return enc
}

func TestEncodePopcountConstant(t *testing.T) {
	enc := newTestEncoder(t, nil)
	for v := -50.0; v <= 150.0; v += 0.7 {
		bv, err := enc.Encode(v)
		require.NoError(t, err)
		assert.Equal(t, 120, bv.Width())
		assert.Equal(t, 21, bv.Popcount(), "value %g", v)
	}
}

func TestEncodeContiguousAndMonotonic(t *testing.T) {
	enc := newTestEncoder(t, nil)
	prevStart := -1
	for v := 0.0; v <= 100.0; v += 1 {
		bv, err := enc.Encode(v)
		require.NoError(t, err)
		idx := bv.Indices()
		start := idx[0]
		assert.Equal(t, start+20, idx[len(idx)-1], "run must be contiguous")
		assert.GreaterOrEqual(t, start, prevStart, "run must not move backwards")
		prevStart = start
	}
	assert.Equal(t, enc.NumBuckets()-1, prevStart)
}

func TestEncodeSimilarValuesOverlap(t *testing.T) {
	enc := newTestEncoder(t, nil)
	a, _ := enc.Encode(50)
	b, _ := enc.Encode(51)
	c, _ := enc.Encode(95)
	assert.Greater(t, a.Overlap(b), a.Overlap(c))
	assert.Equal(t, 0, a.Overlap(c))
}

func TestEncodeDeterministicAndPure(t *testing.T) {
	enc := newTestEncoder(t, nil)
	first, err := enc.Encode(42.5)
	require.NoError(t, err)

	// mutating the returned vector must not leak into later calls
	first[0] = 1
	first[119] = 1

	second, err := enc.Encode(42.5)
	require.NoError(t, err)
	third, err := enc.Encode(42.5)
	require.NoError(t, err)
	assert.True(t, second.Equal(third))
	assert.Equal(t, 21, second.Popcount())
}

func TestEncodeClampsOutOfRange(t *testing.T) {
	enc := newTestEncoder(t, nil)
	low, err := enc.Encode(-1000)
	require.NoError(t, err)
	min, _ := enc.Encode(0)
	assert.True(t, low.Equal(min))

	high, err := enc.Encode(1e9)
	require.NoError(t, err)
	max, _ := enc.Encode(100)
	assert.True(t, high.Equal(max))
}

func TestEncodeStrict(t *testing.T) {
	enc := newTestEncoder(t, func(c *Config) { c.Strict = true })

	_, err := enc.Encode(100.5)
	assert.True(t, errors.Is(err, core.ErrOutOfRange))

	_, err = enc.Encode(-0.1)
	assert.ErrorIs(t, err, core.ErrOutOfRange)

	_, err = enc.Encode(100)
	assert.NoError(t, err)
}

func TestEncodeNaN(t *testing.T) {
	enc := newTestEncoder(t, nil)
	_, err := enc.Encode(math.NaN())
	assert.ErrorIs(t, err, core.ErrOutOfRange)
}

func TestBucketValueRoundTrip(t *testing.T) {
	enc := newTestEncoder(t, func(c *Config) { c.CacheSize = 0 })
	for b := 0; b < enc.NumBuckets(); b++ {
		got, err := enc.Bucket(enc.BucketValue(b))
		require.NoError(t, err)
		assert.Equal(t, b, got)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero width", func(c *Config) { c.Width = 0 }, "width"},
		{"too many active bits", func(c *Config) { c.ActiveBits = 500 }, "active_bits"},
		{"inverted range", func(c *Config) { c.MinVal, c.MaxVal = 10, 5 }, "max_val"},
		{"infinite bound", func(c *Config) { c.MaxVal = math.Inf(1) }, "min_val"},
		{"negative cache", func(c *Config) { c.CacheSize = -1 }, "cache_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := NewScalarEncoder(cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrConfiguration)
			var cfgErr *core.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}
