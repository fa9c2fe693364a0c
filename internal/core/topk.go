// internal/core/topk.go
package core

import (
	"sort"
)

// TopK - indices of the k highest scores among eligible entries.
// Equal scores are ordered by index so the lower index wins. The result is sorted
// ascending by index. eligible may be nil.
func TopK(scores []float64, k int, eligible func(i int) bool) []int {
	if k <= 0 || len(scores) == 0 {
		return []int{}
	}

	candidates := make([]int, 0, len(scores))
	for i := range scores {
		if eligible == nil || eligible(i) {
			candidates = append(candidates, i)
		}
	}

	// 1. rank by score, index breaks ties
	sort.SliceStable(candidates, func(a, b int) bool {
		sa, sb := scores[candidates[a]], scores[candidates[b]]
		if sa != sb {
			return sa > sb
		}
		return candidates[a] < candidates[b]
	})

	// 2. keep the winners and hand them back in column order
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	sort.Ints(candidates)
	return candidates
}

// Outranks - true when (scoreA, a) beats (scoreB, b) under the TopK ordering
func Outranks(scoreA float64, a int, scoreB float64, b int) bool {
	if scoreA != scoreB {
		return scoreA > scoreB
	}
	return a < b
}
