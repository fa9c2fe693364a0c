// internal/learning/spatial_pooler.go
package learning

import (
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/lumix-ai/htm/internal/core"
)

// Config - spatial pooler hyperparameters
type Config struct {
	InputWidth                 int     `yaml:"input_width"`
	NumColumns                 int     `yaml:"num_columns"`
	PotentialRadius            int     `yaml:"potential_radius"`
	PotentialPct               float64 `yaml:"potential_pct"`
	GlobalInhibition           bool    `yaml:"global_inhibition"`
	NumActiveColumnsPerInhArea int     `yaml:"num_active_columns_per_inh_area"`
	StimulusThreshold          int     `yaml:"stimulus_threshold"`
	SynPermInactiveDec         float64 `yaml:"syn_perm_inactive_dec"`
	SynPermActiveInc           float64 `yaml:"syn_perm_active_inc"`
	SynPermConnected           float64 `yaml:"syn_perm_connected"`
	BoostStrength              float64 `yaml:"boost_strength"`
	Seed                       int64   `yaml:"seed"`
	DutyCyclePeriod            int     `yaml:"duty_cycle_period"`
	MinPctOverlapDutyCycle     float64 `yaml:"min_pct_overlap_duty_cycle"`
	UpdatePeriod               int     `yaml:"update_period"`
}

func DefaultConfig() Config {
	return Config{
		InputWidth:                 400,
		NumColumns:                 2048,
		PotentialRadius:            16,
		PotentialPct:               0.5,
		GlobalInhibition:           true,
		NumActiveColumnsPerInhArea: 40,
		StimulusThreshold:          0,
		SynPermInactiveDec:         0.008,
		SynPermActiveInc:           0.05,
		SynPermConnected:           0.1,
		BoostStrength:              0.0,
		Seed:                       42,
		DutyCyclePeriod:            1000,
		MinPctOverlapDutyCycle:     0.001,
		UpdatePeriod:               50,
	}
}

func (c Config) Validate() error {
	const component = "spatial_pooler"
	switch {
	case c.InputWidth <= 0:
		return core.NewConfigError(component, "input_width", "must be positive, got %d", c.InputWidth)
	case c.NumColumns <= 0:
		return core.NewConfigError(component, "num_columns", "must be positive, got %d", c.NumColumns)
	case c.PotentialRadius <= 0:
		return core.NewConfigError(component, "potential_radius", "must be positive, got %d", c.PotentialRadius)
	case c.PotentialPct <= 0 || c.PotentialPct > 1:
		return core.NewConfigError(component, "potential_pct", "must be in (0, 1], got %g", c.PotentialPct)
	case c.NumActiveColumnsPerInhArea <= 0:
		return core.NewConfigError(component, "num_active_columns_per_inh_area", "must be positive, got %d", c.NumActiveColumnsPerInhArea)
	case c.NumActiveColumnsPerInhArea > c.NumColumns:
		return core.NewConfigError(component, "num_active_columns_per_inh_area", "%d exceeds num_columns %d", c.NumActiveColumnsPerInhArea, c.NumColumns)
	case c.StimulusThreshold < 0:
		return core.NewConfigError(component, "stimulus_threshold", "must not be negative, got %d", c.StimulusThreshold)
	case c.SynPermInactiveDec < 0 || c.SynPermInactiveDec > 1:
		return core.NewConfigError(component, "syn_perm_inactive_dec", "must be in [0, 1], got %g", c.SynPermInactiveDec)
	case c.SynPermActiveInc < 0 || c.SynPermActiveInc > 1:
		return core.NewConfigError(component, "syn_perm_active_inc", "must be in [0, 1], got %g", c.SynPermActiveInc)
	case c.SynPermConnected <= 0 || c.SynPermConnected >= 1:
		return core.NewConfigError(component, "syn_perm_connected", "must be in (0, 1), got %g", c.SynPermConnected)
	case c.BoostStrength < 0:
		return core.NewConfigError(component, "boost_strength", "must not be negative, got %g", c.BoostStrength)
	case c.DutyCyclePeriod <= 0:
		return core.NewConfigError(component, "duty_cycle_period", "must be positive, got %d", c.DutyCyclePeriod)
	case c.MinPctOverlapDutyCycle < 0 || c.MinPctOverlapDutyCycle > 1:
		return core.NewConfigError(component, "min_pct_overlap_duty_cycle", "must be in [0, 1], got %g", c.MinPctOverlapDutyCycle)
	case c.UpdatePeriod <= 0:
		return core.NewConfigError(component, "update_period", "must be positive, got %d", c.UpdatePeriod)
	}
	return nil
}

// SpatialPooler - turns an input pattern into a sparse set of active columns and learns
// which input bits each column listens to.
//
// Column state lives in flat arenas: the potential pool of column c is
// poolInputs[poolOffsets[c]:poolOffsets[c+1]] with the parallel permanences slice.
type SpatialPooler struct {
	config Config

	poolOffsets     []int
	poolInputs      []int
	permanences     []float64
	connectedCounts []int

	boostFactors         []float64
	activeDutyCycles     []float64
	overlapDutyCycles    []float64
	minOverlapDutyCycles []float64

	inhibitionRadius int
	iteration        int
	learnIteration   int
}

func NewSpatialPooler(config Config, rng *core.Random) (*SpatialPooler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if rng == nil {
		rng = core.NewRandom(config.Seed)
	}

	n := config.NumColumns
	sp := &SpatialPooler{
		config:               config,
		poolOffsets:          make([]int, n+1),
		connectedCounts:      make([]int, n),
		boostFactors:         make([]float64, n),
		activeDutyCycles:     make([]float64, n),
		overlapDutyCycles:    make([]float64, n),
		minOverlapDutyCycles: make([]float64, n),
	}
	for c := range sp.boostFactors {
		sp.boostFactors[c] = 1.0
	}

	// 1. sample each column's potential pool around its centre in input space
	// 2. seed permanences, half connected
	// 3. make sure every column can reach the stimulus threshold
	for c := 0; c < n; c++ {
		pool := sp.samplePotentialPool(c, rng)
		sp.poolOffsets[c] = len(sp.poolInputs)
		sp.poolInputs = append(sp.poolInputs, pool...)
		for range pool {
			sp.permanences = append(sp.permanences, sp.initialPermanence(rng))
		}
		sp.poolOffsets[c+1] = len(sp.poolInputs)
		sp.raisePermanencesToThreshold(c)
	}

	sp.updateInhibitionRadius()

	log.Debug().
		Int("columns", n).
		Int("input_width", config.InputWidth).
		Int("synapses", len(sp.poolInputs)).
		Int("inhibition_radius", sp.inhibitionRadius).
		Msg("spatial pooler initialised")

	return sp, nil
}

func (sp *SpatialPooler) samplePotentialPool(column int, rng *core.Random) []int {
	center := int(math.Floor((float64(column) + 0.5) * float64(sp.config.InputWidth) / float64(sp.config.NumColumns)))
	lo := center - sp.config.PotentialRadius
	if lo < 0 {
		lo = 0
	}
	hi := center + sp.config.PotentialRadius
	if hi > sp.config.InputWidth-1 {
		hi = sp.config.InputWidth - 1
	}

	candidates := make([]int, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		candidates = append(candidates, i)
	}
	size := int(math.Round(sp.config.PotentialPct * float64(len(candidates))))
	if size < 1 {
		size = 1
	}
	return core.Dedup(rng.Sample(candidates, size))
}

func (sp *SpatialPooler) initialPermanence(rng *core.Random) float64 {
	connected := sp.config.SynPermConnected
	if rng.Float64() < 0.5 {
		return connected + (1.0-connected)*rng.Float64()
	}
	return connected * rng.Float64()
}

func (sp *SpatialPooler) Config() Config { return sp.config }

func (sp *SpatialPooler) NumColumns() int { return sp.config.NumColumns }

func (sp *SpatialPooler) InhibitionRadius() int { return sp.inhibitionRadius }

func (sp *SpatialPooler) Iteration() int { return sp.iteration }

// PotentialPool - input indices column samples, sorted
func (sp *SpatialPooler) PotentialPool(column int) []int {
	lo, hi := sp.poolOffsets[column], sp.poolOffsets[column+1]
	out := make([]int, hi-lo)
	copy(out, sp.poolInputs[lo:hi])
	return out
}

// Permanences - permanences parallel to PotentialPool(column)
func (sp *SpatialPooler) Permanences(column int) []float64 {
	lo, hi := sp.poolOffsets[column], sp.poolOffsets[column+1]
	out := make([]float64, hi-lo)
	copy(out, sp.permanences[lo:hi])
	return out
}

func (sp *SpatialPooler) ConnectedCount(column int) int { return sp.connectedCounts[column] }

func (sp *SpatialPooler) BoostFactors() []float64 {
	out := make([]float64, len(sp.boostFactors))
	copy(out, sp.boostFactors)
	return out
}

func (sp *SpatialPooler) ActiveDutyCycles() []float64 {
	out := make([]float64, len(sp.activeDutyCycles))
	copy(out, sp.activeDutyCycles)
	return out
}

// Compute - active columns for input, sorted by column id.
// With learn the pooler adapts permanences, duty cycles and boost factors.
func (sp *SpatialPooler) Compute(input core.BitVector, learn bool) ([]int, error) {
	if input.Width() != sp.config.InputWidth {
		return nil, fmt.Errorf("%w: got %d bits, want %d", core.ErrInputWidth, input.Width(), sp.config.InputWidth)
	}

	sp.iteration++

	// 1. overlap with the connected part of each pool
	overlaps := sp.calculateOverlaps(input)
	boosted := make([]float64, len(overlaps))
	for c, o := range overlaps {
		boosted[c] = float64(o) * sp.boostFactors[c]
	}

	// 2. competition
	var active []int
	if sp.config.GlobalInhibition {
		active = sp.inhibitGlobal(overlaps, boosted)
	} else {
		active = sp.inhibitLocal(overlaps, boosted)
	}

	// 3. Hebbian learning and homeostasis
	if learn {
		sp.learnIteration++
		sp.adaptSynapses(input, active)
		sp.updateDutyCycles(overlaps, active)
		sp.bumpUpWeakColumns()
		sp.updateBoostFactors()
		if sp.learnIteration%sp.config.UpdatePeriod == 0 {
			sp.updateInhibitionRadius()
			sp.updateMinDutyCycles()
		}
	}

	return active, nil
}

func (sp *SpatialPooler) calculateOverlaps(input core.BitVector) []int {
	overlaps := make([]int, sp.config.NumColumns)
	threshold := sp.config.SynPermConnected
	for c := range overlaps {
		lo, hi := sp.poolOffsets[c], sp.poolOffsets[c+1]
		n := 0
		for k := lo; k < hi; k++ {
			if sp.permanences[k] >= threshold && input[sp.poolInputs[k]] != 0 {
				n++
			}
		}
		overlaps[c] = n
	}
	return overlaps
}

func (sp *SpatialPooler) inhibitGlobal(overlaps []int, boosted []float64) []int {
	stimulus := sp.config.StimulusThreshold
	return core.TopK(boosted, sp.config.NumActiveColumnsPerInhArea, func(c int) bool {
		return overlaps[c] >= stimulus
	})
}

func (sp *SpatialPooler) inhibitLocal(overlaps []int, boosted []float64) []int {
	stimulus := sp.config.StimulusThreshold
	radius := sp.inhibitionRadius
	density := float64(sp.config.NumActiveColumnsPerInhArea) / float64(2*radius+1)
	if density > 0.5 {
		density = 0.5
	}

	active := make([]int, 0, sp.config.NumActiveColumnsPerInhArea)
	for c := range overlaps {
		if overlaps[c] < stimulus {
			continue
		}
		lo, hi := sp.neighborhood(c)
		numActive := int(0.5 + density*float64(hi-lo+1))
		if numActive < 1 {
			numActive = 1
		}
		beaten := 0
		for n := lo; n <= hi; n++ {
			if n == c || overlaps[n] < stimulus {
				continue
			}
			if core.Outranks(boosted[n], n, boosted[c], c) {
				beaten++
			}
		}
		if beaten < numActive {
			active = append(active, c)
		}
	}
	return active
}

func (sp *SpatialPooler) adaptSynapses(input core.BitVector, active []int) {
	inc, dec := sp.config.SynPermActiveInc, sp.config.SynPermInactiveDec
	for _, c := range active {
		lo, hi := sp.poolOffsets[c], sp.poolOffsets[c+1]
		for k := lo; k < hi; k++ {
			if input[sp.poolInputs[k]] != 0 {
				sp.permanences[k] = clip01(sp.permanences[k] + inc)
			} else {
				sp.permanences[k] = clip01(sp.permanences[k] - dec)
			}
		}
		sp.raisePermanencesToThreshold(c)
	}
}

// raisePermanencesToThreshold - nudge the whole pool up until the column has at least
// StimulusThreshold connected synapses, then refresh its connected count.
func (sp *SpatialPooler) raisePermanencesToThreshold(column int) {
	lo, hi := sp.poolOffsets[column], sp.poolOffsets[column+1]
	need := sp.config.StimulusThreshold
	if need > hi-lo {
		need = hi - lo
	}
	step := sp.config.SynPermConnected / 10
	for {
		sp.recount(column)
		if sp.connectedCounts[column] >= need {
			return
		}
		for k := lo; k < hi; k++ {
			sp.permanences[k] = clip01(sp.permanences[k] + step)
		}
	}
}

func (sp *SpatialPooler) recount(column int) {
	lo, hi := sp.poolOffsets[column], sp.poolOffsets[column+1]
	n := 0
	for k := lo; k < hi; k++ {
		if sp.permanences[k] >= sp.config.SynPermConnected {
			n++
		}
	}
	sp.connectedCounts[column] = n
}

// State - snapshot of everything the pooler has learned
type State struct {
	PoolOffsets          []int
	PoolInputs           []int
	Permanences          []float64
	BoostFactors         []float64
	ActiveDutyCycles     []float64
	OverlapDutyCycles    []float64
	MinOverlapDutyCycles []float64
	InhibitionRadius     int
	Iteration            int
	LearnIteration       int
}

func (sp *SpatialPooler) State() State {
	return State{
		PoolOffsets:          append([]int(nil), sp.poolOffsets...),
		PoolInputs:           append([]int(nil), sp.poolInputs...),
		Permanences:          append([]float64(nil), sp.permanences...),
		BoostFactors:         append([]float64(nil), sp.boostFactors...),
		ActiveDutyCycles:     append([]float64(nil), sp.activeDutyCycles...),
		OverlapDutyCycles:    append([]float64(nil), sp.overlapDutyCycles...),
		MinOverlapDutyCycles: append([]float64(nil), sp.minOverlapDutyCycles...),
		InhibitionRadius:     sp.inhibitionRadius,
		Iteration:            sp.iteration,
		LearnIteration:       sp.learnIteration,
	}
}

// Restore - replace learned state; the arrays must match the pooler's shape
func (sp *SpatialPooler) Restore(s State) error {
	n := sp.config.NumColumns
	if len(s.PoolOffsets) != n+1 || len(s.BoostFactors) != n || len(s.ActiveDutyCycles) != n ||
		len(s.OverlapDutyCycles) != n || len(s.MinOverlapDutyCycles) != n {
		return fmt.Errorf("%w: spatial pooler state has wrong column count", core.ErrSnapshot)
	}
	if len(s.PoolInputs) != len(s.Permanences) || s.PoolOffsets[n] != len(s.PoolInputs) {
		return fmt.Errorf("%w: spatial pooler pools are inconsistent", core.ErrSnapshot)
	}
	for _, in := range s.PoolInputs {
		if in < 0 || in >= sp.config.InputWidth {
			return fmt.Errorf("%w: pool input %d outside width %d", core.ErrSnapshot, in, sp.config.InputWidth)
		}
	}

	sp.poolOffsets = append([]int(nil), s.PoolOffsets...)
	sp.poolInputs = append([]int(nil), s.PoolInputs...)
	sp.permanences = append([]float64(nil), s.Permanences...)
	sp.boostFactors = append([]float64(nil), s.BoostFactors...)
	sp.activeDutyCycles = append([]float64(nil), s.ActiveDutyCycles...)
	sp.overlapDutyCycles = append([]float64(nil), s.OverlapDutyCycles...)
	sp.minOverlapDutyCycles = append([]float64(nil), s.MinOverlapDutyCycles...)
	sp.inhibitionRadius = s.InhibitionRadius
	sp.iteration = s.Iteration
	sp.learnIteration = s.LearnIteration
	for c := 0; c < n; c++ {
		sp.recount(c)
	}
	return nil
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
