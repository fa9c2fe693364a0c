// internal/core/sdr.go
package core

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

// BitVector - dense fixed-width binary pattern, one byte per bit (0 or 1)
type BitVector []byte

// NewBitVector - allocate an all-zero vector of the given width
func NewBitVector(width int) BitVector {
	return make(BitVector, width)
}

// BitVectorFromIndices - build a vector of width with the listed bits set
func BitVectorFromIndices(width int, indices []int) (BitVector, error) {
	bv := NewBitVector(width)
	for _, i := range indices {
		if i < 0 || i >= width {
			return nil, fmt.Errorf("%w: bit %d outside width %d", ErrInputWidth, i, width)
		}
		bv[i] = 1
	}
	return bv, nil
}

func (b BitVector) Width() int { return len(b) }

func (b BitVector) Set(i int) { b[i] = 1 }

func (b BitVector) Get(i int) bool { return b[i] != 0 }

// Popcount - number of set bits
func (b BitVector) Popcount() int {
	n := 0
	for _, v := range b {
		if v != 0 {
			n++
		}
	}
	return n
}

// Indices - sorted positions of the set bits
func (b BitVector) Indices() []int {
	out := make([]int, 0, len(b)/8)
	for i, v := range b {
		if v != 0 {
			out = append(out, i)
		}
	}
	return out
}

// Overlap - number of positions set in both vectors
func (b BitVector) Overlap(other BitVector) int {
	n := len(b)
	if len(other) < n {
		n = len(other)
	}
	overlap := 0
	for i := 0; i < n; i++ {
		if b[i] != 0 && other[i] != 0 {
			overlap++
		}
	}
	return overlap
}

func (b BitVector) Equal(other BitVector) bool {
	if len(b) != len(other) {
		return false
	}
	for i := range b {
		if (b[i] != 0) != (other[i] != 0) {
			return false
		}
	}
	return true
}

func (b BitVector) Clone() BitVector {
	c := make(BitVector, len(b))
	copy(c, b)
	return c
}

// String - compact 0/1 rendering, handy in test failures
func (b BitVector) String() string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, v := range b {
		if v != 0 {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

// Column sets are sorted, duplicate-free []int slices.

// Dedup - sort ids and drop duplicates, returning a fresh slice
func Dedup(ids []int) []int {
	out := make([]int, len(ids))
	copy(out, ids)
	slices.Sort(out)
	return slices.Compact(out)
}

// Contains - membership test on a sorted set
func Contains(set []int, id int) bool {
	_, found := slices.BinarySearch(set, id)
	return found
}

// Difference - elements of a that are not in b (both sorted)
func Difference(a, b []int) []int {
	out := make([]int, 0, len(a))
	i, j := 0, 0
	for i < len(a) {
		switch {
		case j >= len(b) || a[i] < b[j]:
			out = append(out, a[i])
			i++
		case a[i] == b[j]:
			i++
			j++
		default:
			j++
		}
	}
	return out
}

// Intersect - elements present in both sorted sets
func Intersect(a, b []int) []int {
	out := make([]int, 0)
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return out
}
