// internal/model/predictor.go
package model

import (
	"fmt"

	"github.com/lumix-ai/htm/internal/core"
	"github.com/lumix-ai/htm/internal/encoder"
)

// Predictor - one step ahead value prediction. Each cell keeps a histogram of the
// buckets that followed its activity; the current active cells vote with their
// normalised histograms and the winning bucket's mean observed value is returned.
type Predictor struct {
	numBuckets int
	// histograms[cell][bucket] = times bucket followed the cell
	histograms map[int]map[int]int
	totals     map[int]int

	bucketSums   []float64
	bucketCounts []int
}

func NewPredictor(enc *encoder.ScalarEncoder) *Predictor {
	return &Predictor{
		numBuckets:   enc.NumBuckets(),
		histograms:   make(map[int]map[int]int),
		totals:       make(map[int]int),
		bucketSums:   make([]float64, enc.NumBuckets()),
		bucketCounts: make([]int, enc.NumBuckets()),
	}
}

// Learn - bucket (holding value) followed the activity of prevCells
func (p *Predictor) Learn(prevCells []int, bucket int, value float64) {
	p.bucketSums[bucket] += value
	p.bucketCounts[bucket]++

	for _, cell := range prevCells {
		h, ok := p.histograms[cell]
		if !ok {
			h = make(map[int]int)
			p.histograms[cell] = h
		}
		h[bucket]++
		p.totals[cell]++
	}
}

// Predict - most likely next value given the active cells, fallback without evidence
func (p *Predictor) Predict(cells []int, fallback float64) float64 {
	votes := make([]float64, p.numBuckets)
	voted := false
	for _, cell := range cells {
		total := p.totals[cell]
		if total == 0 {
			continue
		}
		for bucket, n := range p.histograms[cell] {
			votes[bucket] += float64(n) / float64(total)
			voted = true
		}
	}
	if !voted {
		return fallback
	}

	best := 0
	for b := 1; b < len(votes); b++ {
		if votes[b] > votes[best] {
			best = b
		}
	}
	if p.bucketCounts[best] == 0 {
		return fallback
	}
	return p.bucketSums[best] / float64(p.bucketCounts[best])
}

// PredictorState - learned histograms
type PredictorState struct {
	Histograms   map[int]map[int]int
	BucketSums   []float64
	BucketCounts []int
}

func (p *Predictor) State() PredictorState {
	hists := make(map[int]map[int]int, len(p.histograms))
	for cell, h := range p.histograms {
		c := make(map[int]int, len(h))
		for b, n := range h {
			c[b] = n
		}
		hists[cell] = c
	}
	return PredictorState{
		Histograms:   hists,
		BucketSums:   append([]float64(nil), p.bucketSums...),
		BucketCounts: append([]int(nil), p.bucketCounts...),
	}
}

func (p *Predictor) Restore(s PredictorState) error {
	if len(s.BucketSums) != p.numBuckets || len(s.BucketCounts) != p.numBuckets {
		return fmt.Errorf("%w: predictor has %d buckets, snapshot %d", core.ErrSnapshot, p.numBuckets, len(s.BucketSums))
	}
	histograms := make(map[int]map[int]int, len(s.Histograms))
	totals := make(map[int]int, len(s.Histograms))
	for cell, h := range s.Histograms {
		c := make(map[int]int, len(h))
		for b, n := range h {
			if b < 0 || b >= p.numBuckets || n < 0 {
				return fmt.Errorf("%w: predictor bucket %d for cell %d", core.ErrSnapshot, b, cell)
			}
			c[b] = n
			totals[cell] += n
		}
		histograms[cell] = c
	}
	p.histograms = histograms
	p.totals = totals
	p.bucketSums = append([]float64(nil), s.BucketSums...)
	p.bucketCounts = append([]int(nil), s.BucketCounts...)
	return nil
}
