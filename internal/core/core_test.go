package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitVector(t *testing.T) {
	bv, err := BitVectorFromIndices(10, []int{1, 3, 7})
	require.NoError(t, err)

	assert.Equal(t, 10, bv.Width())
	assert.Equal(t, 3, bv.Popcount())
	assert.Equal(t, []int{1, 3, 7}, bv.Indices())
	assert.True(t, bv.Get(3))
	assert.False(t, bv.Get(4))
	assert.Equal(t, "0101000100", bv.String())

	other, err := BitVectorFromIndices(10, []int{3, 4, 7})
	require.NoError(t, err)
	assert.Equal(t, 2, bv.Overlap(other))
	assert.False(t, bv.Equal(other))
	assert.True(t, bv.Equal(bv.Clone()))

	_, err = BitVectorFromIndices(4, []int{4})
	assert.ErrorIs(t, err, ErrInputWidth)
}

func TestColumnSets(t *testing.T) {
	assert.Equal(t, []int{1, 2, 5}, Dedup([]int{5, 1, 2, 5, 1}))
	assert.Equal(t, []int{1, 4}, Difference([]int{1, 2, 4, 6}, []int{2, 3, 6}))
	assert.Equal(t, []int{2, 6}, Intersect([]int{1, 2, 4, 6}, []int{2, 3, 6}))
	assert.Empty(t, Intersect([]int{1}, nil))
	assert.True(t, Contains([]int{1, 4, 9}, 4))
	assert.False(t, Contains([]int{1, 4, 9}, 5))
}

func TestTopK(t *testing.T) {
	tests := []struct {
		name     string
		scores   []float64
		k        int
		eligible func(int) bool
		want     []int
	}{
		{"plain", []float64{1, 5, 3, 4}, 2, nil, []int{1, 3}},
		{"ties go to lower index", []float64{2, 2, 2, 2}, 2, nil, []int{0, 1}},
		{"ineligible skipped", []float64{9, 1, 8, 2}, 2, func(i int) bool { return i != 0 }, []int{2, 3}},
		{"k larger than input", []float64{1, 2}, 5, nil, []int{0, 1}},
		{"zero k", []float64{1, 2}, 0, nil, []int{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TopK(tt.scores, tt.k, tt.eligible))
		})
	}

	assert.True(t, Outranks(2, 5, 1, 0))
	assert.True(t, Outranks(1, 0, 1, 5))
	assert.False(t, Outranks(1, 5, 1, 0))
}

func TestRandomDeterministic(t *testing.T) {
	pool := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}

	a := NewRandom(42)
	b := NewRandom(42)
	sa := a.Sample(pool, 4)
	sb := b.Sample(pool, 4)
	assert.Equal(t, sa, sb)
	assert.Len(t, Dedup(sa), 4)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, pool)
	assert.Len(t, a.Sample(pool, 20), len(pool))

	state, err := a.MarshalBinary()
	require.NoError(t, err)
	next := a.Intn(1000)

	restored := NewRandom(7)
	require.NoError(t, restored.UnmarshalBinary(state))
	assert.Equal(t, next, restored.Intn(1000))
}

func TestConfigError(t *testing.T) {
	err := fmt.Errorf("build: %w", NewConfigError("encoder", "width", "must be positive, got %d", 0))
	assert.True(t, errors.Is(err, ErrConfiguration))

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "width", cfgErr.Field)
	assert.Contains(t, err.Error(), "encoder.width")
}
