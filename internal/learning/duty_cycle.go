// internal/learning/duty_cycle.go
package learning

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Homeostasis keeps every column in use: duty cycles track how often a column overlaps
// and wins, boosting favours columns below their neighbourhood average, and columns that
// never overlap get their whole pool nudged towards the connected threshold.

// updateDutyCycles - moving averages over min(learnIteration, DutyCyclePeriod) steps
func (sp *SpatialPooler) updateDutyCycles(overlaps []int, active []int) {
	period := sp.config.DutyCyclePeriod
	if sp.learnIteration < period {
		period = sp.learnIteration
	}
	p := float64(period)

	isActive := make([]bool, sp.config.NumColumns)
	for _, c := range active {
		isActive[c] = true
	}

	for c := range sp.activeDutyCycles {
		overlapped, won := 0.0, 0.0
		if overlaps[c] > 0 {
			overlapped = 1
		}
		if isActive[c] {
			won = 1
		}
		sp.overlapDutyCycles[c] = (sp.overlapDutyCycles[c]*(p-1) + overlapped) / p
		sp.activeDutyCycles[c] = (sp.activeDutyCycles[c]*(p-1) + won) / p
	}
}

// updateBoostFactors - boost = exp(strength * (target - dutyCycle)) for columns below
// target, 1 otherwise. Target is the mean active duty cycle of the neighbourhood.
func (sp *SpatialPooler) updateBoostFactors() {
	strength := sp.config.BoostStrength
	if strength == 0 {
		for c := range sp.boostFactors {
			sp.boostFactors[c] = 1.0
		}
		return
	}

	if sp.config.GlobalInhibition {
		target := stat.Mean(sp.activeDutyCycles, nil)
		for c, dc := range sp.activeDutyCycles {
			sp.boostFactors[c] = boostFor(strength, target, dc)
		}
		return
	}

	for c, dc := range sp.activeDutyCycles {
		lo, hi := sp.neighborhood(c)
		target := stat.Mean(sp.activeDutyCycles[lo:hi+1], nil)
		sp.boostFactors[c] = boostFor(strength, target, dc)
	}
}

func boostFor(strength, target, dutyCycle float64) float64 {
	if dutyCycle >= target {
		return 1.0
	}
	return math.Exp(strength * (target - dutyCycle))
}

// bumpUpWeakColumns - columns whose overlap duty cycle fell under their minimum get every
// pool permanence raised by a tenth of the connected threshold.
func (sp *SpatialPooler) bumpUpWeakColumns() {
	step := sp.config.SynPermConnected / 10
	for c, dc := range sp.overlapDutyCycles {
		if dc >= sp.minOverlapDutyCycles[c] {
			continue
		}
		lo, hi := sp.poolOffsets[c], sp.poolOffsets[c+1]
		for k := lo; k < hi; k++ {
			sp.permanences[k] = clip01(sp.permanences[k] + step)
		}
		sp.recount(c)
	}
}

// updateMinDutyCycles - floor for each column's overlap duty cycle
func (sp *SpatialPooler) updateMinDutyCycles() {
	pct := sp.config.MinPctOverlapDutyCycle
	if sp.config.GlobalInhibition {
		floor := pct * floats.Max(sp.overlapDutyCycles)
		for c := range sp.minOverlapDutyCycles {
			sp.minOverlapDutyCycles[c] = floor
		}
		return
	}
	for c := range sp.minOverlapDutyCycles {
		lo, hi := sp.neighborhood(c)
		sp.minOverlapDutyCycles[c] = pct * floats.Max(sp.overlapDutyCycles[lo:hi+1])
	}
}

// updateInhibitionRadius - derived from the average connected span of the columns,
// scaled into column space. Global inhibition covers every column.
func (sp *SpatialPooler) updateInhibitionRadius() {
	if sp.config.GlobalInhibition {
		sp.inhibitionRadius = sp.config.NumColumns
		return
	}

	total := 0.0
	for c := 0; c < sp.config.NumColumns; c++ {
		lo, hi := sp.poolOffsets[c], sp.poolOffsets[c+1]
		first, last := -1, -1
		for k := lo; k < hi; k++ {
			if sp.permanences[k] < sp.config.SynPermConnected {
				continue
			}
			if first < 0 {
				first = sp.poolInputs[k]
			}
			last = sp.poolInputs[k]
		}
		if first >= 0 {
			total += float64(last - first + 1)
		}
	}
	avgSpan := total / float64(sp.config.NumColumns)
	columnsPerInput := float64(sp.config.NumColumns) / float64(sp.config.InputWidth)
	diameter := avgSpan * columnsPerInput
	radius := int(math.Round((diameter - 1) / 2))
	if radius < 1 {
		radius = 1
	}
	sp.inhibitionRadius = radius
}

// neighborhood - inclusive column range within the inhibition radius, no wrapping
func (sp *SpatialPooler) neighborhood(column int) (int, int) {
	lo := column - sp.inhibitionRadius
	if lo < 0 {
		lo = 0
	}
	hi := column + sp.inhibitionRadius
	if hi > sp.config.NumColumns-1 {
		hi = sp.config.NumColumns - 1
	}
	return lo, hi
}
