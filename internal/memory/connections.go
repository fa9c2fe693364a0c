// internal/memory/connections.go
package memory

import (
	"golang.org/x/exp/slices"
)

// Synapse - connection from a presynaptic cell onto a segment
type Synapse struct {
	Presynaptic int     `msgpack:"p"`
	Permanence  float64 `msgpack:"w"`
}

// Segment - one dendritic segment in the arena. Dead slots wait on the free list.
type Segment struct {
	Cell     int       `msgpack:"c"`
	Synapses []Synapse `msgpack:"s"`
	LastUsed int       `msgpack:"u"`
	Alive    bool      `msgpack:"a"`
}

// Connections - segment arena indexed by segment id plus a per-cell index of segment ids.
// Presynaptic references are plain cell ids, never pointers.
type Connections struct {
	numCells     int
	segments     []Segment
	cellSegments [][]int
	free         []int

	// released ids become reusable only after the current step, so ids held in
	// the previous step's activity lists never alias a freshly created segment.
	released    []int
	numSynapses int

	// fanOut counts the synapses each cell feeds, across all live segments.
	fanOut []int
}

func newConnections(numCells int) *Connections {
	return &Connections{
		numCells:     numCells,
		cellSegments: make([][]int, numCells),
		fanOut:       make([]int, numCells),
	}
}

func (c *Connections) NumCells() int { return c.numCells }

// NumSegments - live segments
func (c *Connections) NumSegments() int {
	return len(c.segments) - len(c.free) - len(c.released)
}

func (c *Connections) NumSynapses() int { return c.numSynapses }

// FanOut - number of live synapses that listen to cell
func (c *Connections) FanOut(cell int) int { return c.fanOut[cell] }

// arenaSize - number of segment slots, live or dead
func (c *Connections) arenaSize() int { return len(c.segments) }

func (c *Connections) segment(id int) *Segment { return &c.segments[id] }

// SegmentsForCell - ids of the live segments on cell
func (c *Connections) SegmentsForCell(cell int) []int { return c.cellSegments[cell] }

func (c *Connections) CellForSegment(id int) int { return c.segments[id].Cell }

// Synapses - read-only view of a segment's synapses
func (c *Connections) Synapses(id int) []Synapse { return c.segments[id].Synapses }

func (c *Connections) createSegment(cell, iteration int) int {
	var id int
	if n := len(c.free); n > 0 {
		id = c.free[n-1]
		c.free = c.free[:n-1]
		c.segments[id] = Segment{Cell: cell, LastUsed: iteration, Alive: true}
	} else {
		id = len(c.segments)
		c.segments = append(c.segments, Segment{Cell: cell, LastUsed: iteration, Alive: true})
	}
	c.cellSegments[cell] = append(c.cellSegments[cell], id)
	return id
}

func (c *Connections) destroySegment(id int) {
	seg := &c.segments[id]
	if !seg.Alive {
		return
	}
	c.numSynapses -= len(seg.Synapses)
	for _, syn := range seg.Synapses {
		c.fanOut[syn.Presynaptic]--
	}
	list := c.cellSegments[seg.Cell]
	if i := slices.Index(list, id); i >= 0 {
		c.cellSegments[seg.Cell] = slices.Delete(list, i, i+1)
	}
	seg.Synapses = nil
	seg.Alive = false
	c.released = append(c.released, id)
}

// recycle - hand the ids destroyed during this step back to the free list
func (c *Connections) recycle() {
	c.free = append(c.free, c.released...)
	c.released = c.released[:0]
}

func (c *Connections) addSynapse(id, presynaptic int, permanence float64) {
	seg := &c.segments[id]
	seg.Synapses = append(seg.Synapses, Synapse{Presynaptic: presynaptic, Permanence: permanence})
	c.numSynapses++
	c.fanOut[presynaptic]++
}

// prune - drop synapses with permanence at or below zero, returns how many went
func (c *Connections) prune(id int) int {
	seg := &c.segments[id]
	kept := seg.Synapses[:0]
	for _, syn := range seg.Synapses {
		if syn.Permanence > epsilon {
			kept = append(kept, syn)
		} else {
			c.fanOut[syn.Presynaptic]--
		}
	}
	removed := len(seg.Synapses) - len(kept)
	seg.Synapses = kept
	c.numSynapses -= removed
	return removed
}

// destroyWeakest - remove the n lowest-permanence synapses, ties to the earliest synapse
func (c *Connections) destroyWeakest(id, n int) {
	seg := &c.segments[id]
	if n <= 0 {
		return
	}
	if n >= len(seg.Synapses) {
		c.numSynapses -= len(seg.Synapses)
		for _, syn := range seg.Synapses {
			c.fanOut[syn.Presynaptic]--
		}
		seg.Synapses = seg.Synapses[:0]
		return
	}

	order := make([]int, len(seg.Synapses))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		pa, pb := seg.Synapses[a].Permanence, seg.Synapses[b].Permanence
		switch {
		case pa < pb:
			return -1
		case pa > pb:
			return 1
		}
		return 0
	})
	drop := make([]bool, len(seg.Synapses))
	for _, i := range order[:n] {
		drop[i] = true
	}

	kept := seg.Synapses[:0]
	for i, syn := range seg.Synapses {
		if !drop[i] {
			kept = append(kept, syn)
		} else {
			c.fanOut[syn.Presynaptic]--
		}
	}
	seg.Synapses = kept
	c.numSynapses -= n
}

// leastRecentlyUsed - segment on cell with the oldest LastUsed, ties to the lowest id
func (c *Connections) leastRecentlyUsed(cell int) int {
	best := -1
	for _, id := range c.cellSegments[cell] {
		if best < 0 || c.segments[id].LastUsed < c.segments[best].LastUsed ||
			(c.segments[id].LastUsed == c.segments[best].LastUsed && id < best) {
			best = id
		}
	}
	return best
}

// hasPresynaptic - whether segment already listens to cell
func (c *Connections) hasPresynaptic(id, cell int) bool {
	for _, syn := range c.segments[id].Synapses {
		if syn.Presynaptic == cell {
			return true
		}
	}
	return false
}

// ConnectionsState - flat arena snapshot
type ConnectionsState struct {
	Segments []Segment `msgpack:"segments"`
	Free     []int     `msgpack:"free"`
}

func (c *Connections) state() ConnectionsState {
	segs := make([]Segment, len(c.segments))
	for i, s := range c.segments {
		segs[i] = Segment{
			Cell:     s.Cell,
			Synapses: append([]Synapse(nil), s.Synapses...),
			LastUsed: s.LastUsed,
			Alive:    s.Alive,
		}
	}
	free := append([]int(nil), c.free...)
	free = append(free, c.released...)
	return ConnectionsState{Segments: segs, Free: free}
}

// restoreConnections - rebuild the per-cell index from an arena snapshot
func restoreConnections(numCells int, s ConnectionsState) (*Connections, error) {
	c := newConnections(numCells)
	c.segments = make([]Segment, len(s.Segments))
	for id, seg := range s.Segments {
		if !seg.Alive {
			c.segments[id] = Segment{Cell: seg.Cell}
			continue
		}
		if seg.Cell < 0 || seg.Cell >= numCells {
			return nil, snapshotError("segment %d on cell %d outside %d cells", id, seg.Cell, numCells)
		}
		for _, syn := range seg.Synapses {
			if syn.Presynaptic < 0 || syn.Presynaptic >= numCells {
				return nil, snapshotError("segment %d references cell %d", id, syn.Presynaptic)
			}
		}
		c.segments[id] = Segment{
			Cell:     seg.Cell,
			Synapses: append([]Synapse(nil), seg.Synapses...),
			LastUsed: seg.LastUsed,
			Alive:    true,
		}
		c.cellSegments[seg.Cell] = append(c.cellSegments[seg.Cell], id)
		c.numSynapses += len(seg.Synapses)
		for _, syn := range seg.Synapses {
			c.fanOut[syn.Presynaptic]++
		}
	}
	for _, id := range s.Free {
		if id < 0 || id >= len(c.segments) || c.segments[id].Alive {
			return nil, snapshotError("free list entry %d is not a dead segment", id)
		}
		c.free = append(c.free, id)
	}
	return c, nil
}
