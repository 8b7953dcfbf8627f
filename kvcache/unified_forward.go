// unified_forward.go - Batch-Vorbereitung und Memory-Context
// Dieses Modul enthaelt die Platzierungs-Logik des Unified-Caches:
// Splitten des Batches, First-Fit-Suche mit Ring-Verhalten, Staging und
// Commit der Micro-Batches sowie die Sliding-Window-Verdraengung.
package kvcache

import (
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/seqmem/seqmem/model/input"
)

func (c *Unified) BeginBatch(batch input.Batch, ubatchSize int, embdAll bool) MemoryContext {
	alloc := input.NewAlloc(batch, c.maxSequences)

	var ubatches []input.Ubatch
	for {
		ub := alloc.SplitSimple(ubatchSize)
		if ub.Len() == 0 {
			break
		}
		ubatches = append(ubatches, ub)
	}

	mctx := c.beginPrepared(ubatches)
	if uctx, ok := mctx.(*unifiedContext); ok {
		uctx.causal = !embdAll
	}
	return mctx
}

func (c *Unified) beginPrepared(ubatches []input.Ubatch) MemoryContext {
	c.pruneSlidingWindow(ubatches)

	slots, err := c.findSlots(ubatches)
	if err != nil {
		slog.Debug("could not prepare batch placement", "error", err, "capacity", len(c.cells))
		return &unifiedContext{status: StatusFailedPrepare}
	}

	return &unifiedContext{
		cache:    c,
		status:   StatusSuccess,
		ubatches: ubatches,
		slots:    slots,
		index:    -1,
		causal:   true,
	}
}

// findSlots plans a placement for every micro-batch without committing
// anything. First-fit starting at head, wrapping over the full capacity.
func (c *Unified) findSlots(ubatches []input.Ubatch) ([][]int32, error) {
	reserved := make(map[int]bool)

	out := make([][]int32, len(ubatches))
	for u, ub := range ubatches {
		locs := make([]int32, 0, ub.Len())
		for n := 0; n < len(c.cells) && len(locs) < ub.Len(); n++ {
			i := (c.head + n) % len(c.cells)
			if c.cells[i].free() && !reserved[i] {
				reserved[i] = true
				locs = append(locs, int32(i))
			}
		}

		if len(locs) < ub.Len() {
			return nil, fmt.Errorf("%w (cache: %v batch: %v)", ErrKvCacheFull, len(c.cells), ub.Len())
		}
		out[u] = locs
	}

	return out, nil
}

// pruneSlidingWindow drops cells that have fallen out of the retention
// window given the positions about to be inserted. Enforced on every
// insertion path, not just on demand.
func (c *Unified) pruneSlidingWindow(ubatches []input.Ubatch) {
	if c.swaMemorySize == math.MaxInt32 {
		return
	}

	// lowest incoming position per sequence
	lowest := make(map[int]int32)
	for _, ub := range ubatches {
		for i, pos := range ub.Positions {
			seq := ub.Sequences[i][0]
			if cur, ok := lowest[seq]; !ok || pos < cur {
				lowest[seq] = pos
			}
		}
	}

	// sequences absent from this batch are pruned relative to their last
	// stored position
	for _, seq := range c.rangeKeys() {
		if _, ok := lowest[seq]; !ok {
			lowest[seq] = c.SeqPosMax(seq) + 1
		}
	}

	for seq, pos := range lowest {
		c.removeRange(seq, 0, pos-c.swaMemorySize)
		c.updateRange(seq)
	}
}

// pruneWindow enforces the retention window for a single sequence after a
// position shift.
func (c *Unified) pruneWindow(seq int) {
	if c.swaMemorySize == math.MaxInt32 {
		return
	}

	last := c.SeqPosMax(seq)
	if last < 0 {
		return
	}

	c.removeRange(seq, 0, last+1-c.swaMemorySize)
	c.updateRange(seq)
}

// stage writes the micro-batch's cells so that mask construction and Put
// see them, without making them visible to sequence operations. commit or
// rollback must follow.
func (c *Unified) stage(ub input.Ubatch, locs []int32, causal bool) {
	c.curBatchSize = ub.Len()
	c.curPositions = ub.Positions
	c.curSequences = make([]int, ub.Len())
	c.curLoc = nil
	c.curMask = nil
	c.curLocs = locs
	c.curCausal = causal

	c.curCellRange = newRange()
	for i, loc := range locs {
		c.curSequences[i] = ub.Sequences[i][0]
		c.cells[loc] = cacheCell{pos: ub.Positions[i], sequences: slices.Clone(ub.Sequences[i])}
		c.curCellRange = c.curCellRange.with(int(loc))
	}

	for _, seq := range ub.Seqs() {
		if r, ok := c.ranges.Get(seq); ok {
			c.curCellRange.min = min(c.curCellRange.min, r.min)
			c.curCellRange.max = max(c.curCellRange.max, r.max)
		}
	}
}

// commit makes the staged cells permanent: ranges are extended and the
// ring head advances past the last slot used.
func (c *Unified) commit(ub input.Ubatch, locs []int32) {
	for i, loc := range locs {
		for _, seq := range ub.Sequences[i] {
			r, ok := c.ranges.Get(seq)
			if !ok {
				r = newRange()
			}
			c.ranges.Set(seq, r.with(int(loc)))
		}
	}

	c.head = (int(locs[len(locs)-1]) + 1) % len(c.cells)
}

// rollback discards staged cells that were never applied.
func (c *Unified) rollback(locs []int32) {
	for _, loc := range locs {
		c.cells[loc] = cacheCell{}
		c.head = min(c.head, int(loc))
	}
}

type unifiedContext struct {
	cache    *Unified
	status   Status
	ubatches []input.Ubatch
	slots    [][]int32
	index    int
	causal   bool

	staged  bool
	applied bool

	// full re-evaluation context: covers all live cells, nothing to stage
	full bool
}

func (m *unifiedContext) Status() Status {
	return m.status
}

func (m *unifiedContext) Next() bool {
	if m.status != StatusSuccess {
		return false
	}

	if m.staged && !m.applied {
		m.cache.rollback(m.slots[m.index])
		m.staged = false
	}

	m.index++
	if m.index >= len(m.ubatches) {
		return false
	}

	if !m.full {
		m.cache.stage(m.ubatches[m.index], m.slots[m.index], m.causal)
		m.staged = true
		m.applied = false
	}
	return true
}

func (m *unifiedContext) Ubatch() input.Ubatch {
	if m.index < 0 || m.index >= len(m.ubatches) {
		return input.Ubatch{}
	}
	return m.ubatches[m.index]
}

func (m *unifiedContext) Apply() error {
	if m.status != StatusSuccess {
		return ErrNotApplied
	}
	if m.full {
		return nil
	}
	if !m.staged {
		return ErrNotApplied
	}
	if !m.applied {
		m.cache.commit(m.ubatches[m.index], m.slots[m.index])
		m.applied = true
	}
	return nil
}

// BeginFull returns a context covering the entire existing cache content,
// used for full re-evaluation such as rebuilding state after a restore.
func (c *Unified) BeginFull() MemoryContext {
	var ub input.Ubatch
	r := newRange()
	for i := range c.cells {
		if c.cells[i].free() {
			continue
		}
		r = r.with(i)
		ub.Inputs = append(ub.Inputs, 0)
		ub.Positions = append(ub.Positions, c.cells[i].pos)
		ub.Sequences = append(ub.Sequences, slices.Clone(c.cells[i].sequences))
		ub.Outputs = append(ub.Outputs, false)
	}

	if ub.Len() == 0 {
		return &unifiedContext{status: StatusNoUpdate}
	}

	// the cells are already committed; expose them as the current view
	c.curBatchSize = ub.Len()
	c.curPositions = ub.Positions
	c.curSequences = make([]int, ub.Len())
	for i := range ub.Sequences {
		c.curSequences[i] = ub.Sequences[i][0]
	}
	c.curLoc = nil
	c.curMask = nil
	c.curLocs = nil
	c.curCausal = true
	c.curCellRange = r

	locs := make([]int32, 0, ub.Len())
	for i := r.min; i <= r.max; i++ {
		if !c.cells[i].free() {
			locs = append(locs, int32(i))
		}
	}
	c.curLocs = locs

	return &unifiedContext{
		cache:    c,
		status:   StatusSuccess,
		ubatches: []input.Ubatch{ub},
		slots:    [][]int32{locs},
		index:    -1,
		causal:   true,
		full:     true,
	}
}
