// internal/memory/temporal_memory.go
package memory

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/lumix-ai/htm/internal/core"
)

const epsilon = 0.00001

// Config - temporal memory hyperparameters. NumColumns and Seed come from the
// spatial pooler when the memory is built by a model.
type Config struct {
	NumColumns                int     `yaml:"-"`
	Seed                      int64   `yaml:"-"`
	CellsPerColumn            int     `yaml:"cells_per_column"`
	InitialPerm               float64 `yaml:"initial_perm"`
	ConnectedPermanence       float64 `yaml:"connected_permanence"`
	MinThreshold              int     `yaml:"min_threshold"`
	NewSynapseCount           int     `yaml:"new_synapse_count"`
	PermanenceInc             float64 `yaml:"permanence_inc"`
	PermanenceDec             float64 `yaml:"permanence_dec"`
	MaxAge                    int     `yaml:"max_age"`
	GlobalDecay               float64 `yaml:"global_decay"`
	ActivationThreshold       int     `yaml:"activation_threshold"`
	PamLength                 int     `yaml:"pam_length"`
	MaxSegmentsPerCell        int     `yaml:"max_segments_per_cell"`
	MaxSynapsesPerSegment     int     `yaml:"max_synapses_per_segment"`
	PredictedSegmentDecrement float64 `yaml:"predicted_segment_decrement"`
}

func DefaultConfig() Config {
	return Config{
		NumColumns:                2048,
		Seed:                      42,
		CellsPerColumn:            32,
		InitialPerm:               0.21,
		ConnectedPermanence:       0.5,
		MinThreshold:              9,
		NewSynapseCount:           20,
		PermanenceInc:             0.1,
		PermanenceDec:             0.1,
		MaxAge:                    100000,
		GlobalDecay:               0.1,
		ActivationThreshold:       12,
		PamLength:                 1,
		MaxSegmentsPerCell:        128,
		MaxSynapsesPerSegment:     32,
		PredictedSegmentDecrement: 0,
	}
}

func (c Config) Validate() error {
	const component = "temporal_memory"
	inUnit := func(v float64) bool { return v >= 0 && v <= 1 }
	switch {
	case c.NumColumns <= 0:
		return core.NewConfigError(component, "num_columns", "must be positive, got %d", c.NumColumns)
	case c.CellsPerColumn <= 0:
		return core.NewConfigError(component, "cells_per_column", "must be positive, got %d", c.CellsPerColumn)
	case !inUnit(c.InitialPerm):
		return core.NewConfigError(component, "initial_perm", "must be in [0, 1], got %g", c.InitialPerm)
	case c.ConnectedPermanence <= 0 || c.ConnectedPermanence > 1:
		return core.NewConfigError(component, "connected_permanence", "must be in (0, 1], got %g", c.ConnectedPermanence)
	case c.ActivationThreshold <= 0:
		return core.NewConfigError(component, "activation_threshold", "must be positive, got %d", c.ActivationThreshold)
	case c.MinThreshold <= 0 || c.MinThreshold > c.ActivationThreshold:
		return core.NewConfigError(component, "min_threshold", "must be in [1, activation_threshold=%d], got %d", c.ActivationThreshold, c.MinThreshold)
	case c.NewSynapseCount <= 0:
		return core.NewConfigError(component, "new_synapse_count", "must be positive, got %d", c.NewSynapseCount)
	case !inUnit(c.PermanenceInc):
		return core.NewConfigError(component, "permanence_inc", "must be in [0, 1], got %g", c.PermanenceInc)
	case !inUnit(c.PermanenceDec):
		return core.NewConfigError(component, "permanence_dec", "must be in [0, 1], got %g", c.PermanenceDec)
	case c.MaxAge < 0:
		return core.NewConfigError(component, "max_age", "must not be negative, got %d", c.MaxAge)
	case !inUnit(c.GlobalDecay):
		return core.NewConfigError(component, "global_decay", "must be in [0, 1], got %g", c.GlobalDecay)
	case c.PamLength < 0:
		return core.NewConfigError(component, "pam_length", "must not be negative, got %d", c.PamLength)
	case c.MaxSegmentsPerCell <= 0:
		return core.NewConfigError(component, "max_segments_per_cell", "must be positive, got %d", c.MaxSegmentsPerCell)
	case c.MaxSynapsesPerSegment < c.ActivationThreshold:
		return core.NewConfigError(component, "max_synapses_per_segment", "%d can never reach activation_threshold %d", c.MaxSynapsesPerSegment, c.ActivationThreshold)
	case !inUnit(c.PredictedSegmentDecrement):
		return core.NewConfigError(component, "predicted_segment_decrement", "must be in [0, 1], got %g", c.PredictedSegmentDecrement)
	}
	return nil
}

// Result - outcome of one Compute call. Every slice is a sorted id set.
type Result struct {
	ActiveCells            []int
	WinnerCells            []int
	PredictiveCells        []int
	BurstingColumns        []int
	PredictedActiveColumns []int
}

// Stats - size of the learned structure
type Stats struct {
	Segments int
	Synapses int
}

// TemporalMemory - learns transitions between successive sets of active columns and
// predicts which cells fire next. Cell ids are column*CellsPerColumn + offset.
type TemporalMemory struct {
	config Config
	rng    *core.Random
	conns  *Connections

	activeCells      []int
	winnerCells      []int
	activeSegments   []int
	matchingSegments []int

	// numActivePotential is indexed by segment id, sized to the arena at the last step.
	numActivePotential []int

	pamCounter int
	iteration  int

	// learnIteration counts only the steps that learned; global decay runs on it.
	learnIteration int
}

func NewTemporalMemory(config Config, rng *core.Random) (*TemporalMemory, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if rng == nil {
		rng = core.NewRandom(config.Seed)
	}

	tm := &TemporalMemory{
		config: config,
		rng:    rng,
		conns:  newConnections(config.NumColumns * config.CellsPerColumn),
	}

	log.Debug().
		Int("columns", config.NumColumns).
		Int("cells", tm.conns.NumCells()).
		Int("activation_threshold", config.ActivationThreshold).
		Msg("temporal memory initialised")

	return tm, nil
}

func (tm *TemporalMemory) Config() Config { return tm.config }

func (tm *TemporalMemory) NumCells() int { return tm.conns.NumCells() }

func (tm *TemporalMemory) Iteration() int { return tm.iteration }

func (tm *TemporalMemory) LearnIteration() int { return tm.learnIteration }

func (tm *TemporalMemory) PamCounter() int { return tm.pamCounter }

// Connections - the segment arena, for inspection only
func (tm *TemporalMemory) Connections() *Connections { return tm.conns }

func (tm *TemporalMemory) ColumnForCell(cell int) int { return cell / tm.config.CellsPerColumn }

func (tm *TemporalMemory) CellsForColumn(column int) []int {
	cells := make([]int, tm.config.CellsPerColumn)
	for i := range cells {
		cells[i] = column*tm.config.CellsPerColumn + i
	}
	return cells
}

func (tm *TemporalMemory) ActiveCells() []int { return append([]int(nil), tm.activeCells...) }

func (tm *TemporalMemory) WinnerCells() []int { return append([]int(nil), tm.winnerCells...) }

// PredictiveCells - cells with an active segment, i.e. predicted for the next step
func (tm *TemporalMemory) PredictiveCells() []int {
	cells := make([]int, 0, len(tm.activeSegments))
	for _, id := range tm.activeSegments {
		cells = append(cells, tm.conns.CellForSegment(id))
	}
	return core.Dedup(cells)
}

// PredictedColumns - predictive cells projected onto their columns
func (tm *TemporalMemory) PredictedColumns() []int {
	cols := make([]int, 0, len(tm.activeSegments))
	for _, id := range tm.activeSegments {
		cols = append(cols, tm.ColumnForCell(tm.conns.CellForSegment(id)))
	}
	return core.Dedup(cols)
}

func (tm *TemporalMemory) Stats() Stats {
	return Stats{Segments: tm.conns.NumSegments(), Synapses: tm.conns.NumSynapses()}
}

// Compute - one timestep. Column ids are validated before anything changes, so an
// error leaves the memory exactly as the previous step left it.
func (tm *TemporalMemory) Compute(activeColumns []int, learn bool) (Result, error) {
	columns := core.Dedup(activeColumns)
	for _, col := range columns {
		if col < 0 || col >= tm.config.NumColumns {
			return Result{}, fmt.Errorf("%w: %d not in [0, %d)", core.ErrInvalidColumn, col, tm.config.NumColumns)
		}
	}

	tm.iteration++
	if learn {
		tm.learnIteration++
	}
	prevActive := cellMask(tm.conns.NumCells(), tm.activeCells)
	prevWinners := tm.winnerCells
	prevColumns := make(map[int]bool, len(prevWinners))
	for _, cell := range prevWinners {
		prevColumns[tm.ColumnForCell(cell)] = true
	}

	activeByColumn := tm.groupByColumn(tm.activeSegments)
	matchingByColumn := tm.groupByColumn(tm.matchingSegments)
	growOnPredicted := tm.pamCounter > 0

	activeCells := make([]int, 0, len(columns)*tm.config.CellsPerColumn)
	winnerCells := make([]int, 0, len(columns))
	bursting := make([]int, 0)
	predicted := make([]int, 0, len(columns))

	// 1. activate cells column by column
	for _, col := range columns {
		if segs := activeByColumn[col]; len(segs) > 0 {
			predicted = append(predicted, col)
			for _, id := range segs {
				cell := tm.conns.CellForSegment(id)
				activeCells = append(activeCells, cell)
				winnerCells = append(winnerCells, cell)
				if learn {
					tm.adaptSegment(id, prevActive)
					if growOnPredicted {
						tm.growSynapses(id, tm.config.NewSynapseCount-tm.numActivePotential[id], prevWinners)
					}
				}
			}
			continue
		}

		bursting = append(bursting, col)
		activeCells = append(activeCells, tm.CellsForColumn(col)...)
		winnerCells = append(winnerCells, tm.burstColumn(col, matchingByColumn[col], prevActive, prevWinners, prevColumns[col], learn))
	}

	// 2. punish segments that predicted a column which stayed quiet
	if learn && tm.config.PredictedSegmentDecrement > 0 {
		for _, id := range tm.matchingSegments {
			seg := tm.conns.segment(id)
			if !seg.Alive || core.Contains(columns, tm.ColumnForCell(seg.Cell)) {
				continue
			}
			for i := range seg.Synapses {
				if prevActive[seg.Synapses[i].Presynaptic] {
					seg.Synapses[i].Permanence = clip01(seg.Synapses[i].Permanence - tm.config.PredictedSegmentDecrement)
				}
			}
			tm.conns.prune(id)
		}
	}

	// 3. housekeeping: decay, empty segments, attention window
	if learn {
		if tm.config.GlobalDecay > 0 && tm.config.MaxAge > 0 && tm.learnIteration%tm.config.MaxAge == 0 {
			tm.applyGlobalDecay()
		}
		tm.destroyEmptySegments()
		if len(bursting) > 0 {
			tm.pamCounter = tm.config.PamLength
		} else if tm.pamCounter > 0 {
			tm.pamCounter--
		}
	}

	tm.activeCells = core.Dedup(activeCells)
	tm.winnerCells = core.Dedup(winnerCells)

	// 4. predictions for the next step
	tm.activateDendrites(learn)
	tm.conns.recycle()

	return Result{
		ActiveCells:            tm.ActiveCells(),
		WinnerCells:            tm.WinnerCells(),
		PredictiveCells:        tm.PredictiveCells(),
		BurstingColumns:        bursting,
		PredictedActiveColumns: predicted,
	}, nil
}

// burstColumn - picks the learning cell of an unpredicted column and returns it.
// The best matching segment wins; without one the least used cell grows a new segment.
// When the column was already active in the previous step the input is repeating, and
// the new segment goes to a cell that already feeds other segments, so the learned
// chain of cells loops back on itself instead of growing one link per cycle.
func (tm *TemporalMemory) burstColumn(col int, matching []int, prevActive []bool, prevWinners []int, repeating, learn bool) int {
	if len(matching) > 0 {
		best := matching[0]
		for _, id := range matching[1:] {
			if tm.numActivePotential[id] > tm.numActivePotential[best] {
				best = id
			}
		}
		if learn {
			tm.adaptSegment(best, prevActive)
			tm.growSynapses(best, tm.config.NewSynapseCount-tm.numActivePotential[best], prevWinners)
		}
		return tm.conns.CellForSegment(best)
	}

	winner := tm.leastUsedCell(col, repeating)
	if learn && len(prevWinners) > 0 {
		id := tm.createSegment(winner)
		n := tm.config.NewSynapseCount
		if len(prevWinners) < n {
			n = len(prevWinners)
		}
		tm.growSynapses(id, n, prevWinners)
	}
	return winner
}

// leastUsedCell - cell with the fewest segments, random among ties. With preferInputs
// the ties narrow to cells other segments listen to, when there are any.
func (tm *TemporalMemory) leastUsedCell(col int, preferInputs bool) int {
	fewest := -1
	var candidates []int
	for _, cell := range tm.CellsForColumn(col) {
		n := len(tm.conns.SegmentsForCell(cell))
		switch {
		case fewest < 0 || n < fewest:
			fewest = n
			candidates = append(candidates[:0], cell)
		case n == fewest:
			candidates = append(candidates, cell)
		}
	}
	if preferInputs {
		inputs := make([]int, 0, len(candidates))
		for _, cell := range candidates {
			if tm.conns.FanOut(cell) > 0 {
				inputs = append(inputs, cell)
			}
		}
		if len(inputs) > 0 {
			candidates = inputs
		}
	}
	return candidates[tm.rng.Intn(len(candidates))]
}

func (tm *TemporalMemory) createSegment(cell int) int {
	for len(tm.conns.SegmentsForCell(cell)) >= tm.config.MaxSegmentsPerCell {
		tm.conns.destroySegment(tm.conns.leastRecentlyUsed(cell))
	}
	return tm.conns.createSegment(cell, tm.iteration)
}

// adaptSegment - reinforce synapses from previously active cells, weaken the rest
func (tm *TemporalMemory) adaptSegment(id int, prevActive []bool) {
	seg := tm.conns.segment(id)
	if !seg.Alive {
		return
	}
	for i := range seg.Synapses {
		syn := &seg.Synapses[i]
		if prevActive[syn.Presynaptic] {
			syn.Permanence = clip01(syn.Permanence + tm.config.PermanenceInc)
		} else {
			syn.Permanence = clip01(syn.Permanence - tm.config.PermanenceDec)
		}
	}
	tm.conns.prune(id)
}

// growSynapses - connect up to n previous winner cells the segment does not listen to yet.
// Weakest synapses make room when the segment is at capacity.
func (tm *TemporalMemory) growSynapses(id, n int, prevWinners []int) {
	if n <= 0 || len(prevWinners) == 0 || !tm.conns.segment(id).Alive {
		return
	}

	candidates := make([]int, 0, len(prevWinners))
	for _, cell := range prevWinners {
		if !tm.conns.hasPresynaptic(id, cell) {
			candidates = append(candidates, cell)
		}
	}
	if n > len(candidates) {
		n = len(candidates)
	}
	if n > tm.config.MaxSynapsesPerSegment {
		n = tm.config.MaxSynapsesPerSegment
	}
	if n == 0 {
		return
	}

	if overflow := len(tm.conns.Synapses(id)) + n - tm.config.MaxSynapsesPerSegment; overflow > 0 {
		tm.conns.destroyWeakest(id, overflow)
	}
	for _, cell := range tm.rng.Sample(candidates, n) {
		tm.conns.addSynapse(id, cell, tm.config.InitialPerm)
	}
}

func (tm *TemporalMemory) applyGlobalDecay() {
	before := tm.conns.NumSynapses()
	for id := 0; id < tm.conns.arenaSize(); id++ {
		seg := tm.conns.segment(id)
		if !seg.Alive {
			continue
		}
		for i := range seg.Synapses {
			seg.Synapses[i].Permanence = clip01(seg.Synapses[i].Permanence - tm.config.GlobalDecay)
		}
		tm.conns.prune(id)
	}
	log.Debug().
		Int("learn_iteration", tm.learnIteration).
		Int("pruned_synapses", before-tm.conns.NumSynapses()).
		Msg("global decay applied")
}

func (tm *TemporalMemory) destroyEmptySegments() {
	for id := 0; id < tm.conns.arenaSize(); id++ {
		if seg := tm.conns.segment(id); seg.Alive && len(seg.Synapses) == 0 {
			tm.conns.destroySegment(id)
		}
	}
}

// activateDendrites - score every live segment against the current active cells
func (tm *TemporalMemory) activateDendrites(learn bool) {
	active := cellMask(tm.conns.NumCells(), tm.activeCells)
	threshold := tm.config.ConnectedPermanence - epsilon

	tm.numActivePotential = make([]int, tm.conns.arenaSize())
	tm.activeSegments = tm.activeSegments[:0]
	tm.matchingSegments = tm.matchingSegments[:0]

	for id := 0; id < tm.conns.arenaSize(); id++ {
		seg := tm.conns.segment(id)
		if !seg.Alive {
			continue
		}
		connected, potential := 0, 0
		for _, syn := range seg.Synapses {
			if !active[syn.Presynaptic] {
				continue
			}
			potential++
			if syn.Permanence >= threshold {
				connected++
			}
		}
		tm.numActivePotential[id] = potential
		if connected >= tm.config.ActivationThreshold {
			tm.activeSegments = append(tm.activeSegments, id)
			if learn {
				seg.LastUsed = tm.iteration
			}
		}
		if potential >= tm.config.MinThreshold {
			tm.matchingSegments = append(tm.matchingSegments, id)
		}
	}
}

func (tm *TemporalMemory) groupByColumn(segments []int) map[int][]int {
	out := make(map[int][]int, len(segments))
	for _, id := range segments {
		col := tm.ColumnForCell(tm.conns.CellForSegment(id))
		out[col] = append(out[col], id)
	}
	return out
}

// Reset - forget the current sequence context. Learned segments are kept.
func (tm *TemporalMemory) Reset() {
	tm.activeCells = nil
	tm.winnerCells = nil
	tm.activeSegments = nil
	tm.matchingSegments = nil
	tm.numActivePotential = nil
	tm.pamCounter = 0
}

// State - everything needed to resume the memory mid-stream
type State struct {
	Connections        ConnectionsState
	ActiveCells        []int
	WinnerCells        []int
	ActiveSegments     []int
	MatchingSegments   []int
	NumActivePotential []int
	PamCounter         int
	Iteration          int
	LearnIteration     int
}

func (tm *TemporalMemory) State() State {
	return State{
		Connections:        tm.conns.state(),
		ActiveCells:        append([]int(nil), tm.activeCells...),
		WinnerCells:        append([]int(nil), tm.winnerCells...),
		ActiveSegments:     append([]int(nil), tm.activeSegments...),
		MatchingSegments:   append([]int(nil), tm.matchingSegments...),
		NumActivePotential: append([]int(nil), tm.numActivePotential...),
		PamCounter:         tm.pamCounter,
		Iteration:          tm.iteration,
		LearnIteration:     tm.learnIteration,
	}
}

func (tm *TemporalMemory) Restore(s State) error {
	conns, err := restoreConnections(tm.conns.NumCells(), s.Connections)
	if err != nil {
		return err
	}
	for _, set := range [][]int{s.ActiveCells, s.WinnerCells} {
		for _, cell := range set {
			if cell < 0 || cell >= conns.NumCells() {
				return snapshotError("cell %d outside %d cells", cell, conns.NumCells())
			}
		}
	}
	for _, set := range [][]int{s.ActiveSegments, s.MatchingSegments} {
		for _, id := range set {
			if id < 0 || id >= conns.arenaSize() || !conns.segment(id).Alive || id >= len(s.NumActivePotential) {
				return snapshotError("segment %d is not live", id)
			}
		}
	}

	tm.conns = conns
	tm.activeCells = append([]int(nil), s.ActiveCells...)
	tm.winnerCells = append([]int(nil), s.WinnerCells...)
	tm.activeSegments = append([]int(nil), s.ActiveSegments...)
	tm.matchingSegments = append([]int(nil), s.MatchingSegments...)
	tm.numActivePotential = append([]int(nil), s.NumActivePotential...)
	tm.pamCounter = s.PamCounter
	tm.iteration = s.Iteration
	tm.learnIteration = s.LearnIteration
	return nil
}

func cellMask(numCells int, cells []int) []bool {
	mask := make([]bool, numCells)
	for _, c := range cells {
		mask[c] = true
	}
	return mask
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

func snapshotError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: temporal memory: %s", core.ErrSnapshot, fmt.Sprintf(format, args...))
}
