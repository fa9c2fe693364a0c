// internal/core/random.go
package core

import (
	"fmt"

	"golang.org/x/exp/rand"
)

// Random - seeded PCG generator passed explicitly to every component that samples.
// Its state can be serialised so a restored model continues the same stream.
type Random struct {
	src *rand.PCGSource
	rng *rand.Rand
}

func NewRandom(seed int64) *Random {
	src := &rand.PCGSource{}
	src.Seed(uint64(seed))
	return &Random{src: src, rng: rand.New(src)}
}

func (r *Random) Intn(n int) int { return r.rng.Intn(n) }

func (r *Random) Float64() float64 { return r.rng.Float64() }

// Sample - n distinct elements of pool chosen uniformly, in selection order.
// pool is not modified.
func (r *Random) Sample(pool []int, n int) []int {
	if n >= len(pool) {
		out := make([]int, len(pool))
		copy(out, pool)
		return out
	}
	work := make([]int, len(pool))
	copy(work, pool)
	// partial Fisher-Yates
	for i := 0; i < n; i++ {
		j := i + r.rng.Intn(len(work)-i)
		work[i], work[j] = work[j], work[i]
	}
	return work[:n]
}

func (r *Random) MarshalBinary() ([]byte, error) {
	return r.src.MarshalBinary()
}

func (r *Random) UnmarshalBinary(data []byte) error {
	if err := r.src.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("%w: random state: %v", ErrSnapshot, err)
	}
	return nil
}
