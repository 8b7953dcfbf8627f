// unified_update.go - Shift-Rebuild und Defragmentierung
// Dieses Modul enthaelt die BeginUpdate-Logik des Unified-Caches:
// Anwendung ausstehender Positions-Shifts ueber den Shift-Callback und
// Kompaktierung der Slots ohne Aenderung der relativen Reihenfolge.
package kvcache

import (
	"fmt"
	"log/slog"

	"github.com/seqmem/seqmem/ml"
	"github.com/seqmem/seqmem/model/input"
)

// defragMove relocates a run of live slots to close a fragmentation hole.
type defragMove struct {
	src, dst, len int
}

func (c *Unified) BeginUpdate(ctx ml.Context, optimize bool) MemoryContext {
	var moves []defragMove
	if optimize {
		moves = c.planDefrag()
	}

	if !c.hasShift && len(moves) == 0 {
		return &updateContext{status: StatusNoUpdate}
	}

	return &updateContext{
		cache:  c,
		ctx:    ctx,
		status: StatusSuccess,
		shift:  c.hasShift,
		moves:  moves,
	}
}

type updateContext struct {
	cache  *Unified
	ctx    ml.Context
	status Status
	shift  bool
	moves  []defragMove

	done bool
}

func (m *updateContext) Status() Status {
	return m.status
}

func (m *updateContext) Next() bool {
	if m.status != StatusSuccess || m.done {
		return false
	}
	m.done = true
	return true
}

func (m *updateContext) Ubatch() input.Ubatch {
	return input.Ubatch{}
}

func (m *updateContext) Apply() error {
	if m.status != StatusSuccess {
		return ErrNotApplied
	}

	if m.shift {
		if err := m.cache.applyShift(m.ctx); err != nil {
			return err
		}
	}

	if len(m.moves) > 0 {
		m.cache.applyDefrag(m.ctx, m.moves)
	}

	return nil
}

// applyShift re-rotates cached keys for cells whose position changed since
// the last rebuild, in chunks of at most maxBatch cells.
func (c *Unified) applyShift(ctx ml.Context) error {
	if c.shiftFn == nil {
		return ErrNotSupported
	}

	for start := 0; start < len(c.cells); start += c.maxBatch {
		size := min(len(c.cells)-start, c.maxBatch)

		first, last := -1, -1
		offsets := make([]int32, size)
		for i := range offsets {
			cell := &c.cells[start+i]
			if !cell.free() && cell.delta != 0 {
				offsets[i] = cell.delta
				if first < 0 {
					first = i
				}
				last = i
			}
		}

		if first < 0 {
			continue
		}

		offsets = offsets[first : last+1]
		kShift := ctx.Input().FromInts(offsets, len(offsets))

		for layer, key := range c.keys {
			if key == nil {
				continue
			}

			kHeadDim := key.Dim(0)
			numKVHeads := key.Dim(1)
			rowSize := key.Stride(2)

			view := key.View(ctx, rowSize*(start+first),
				kHeadDim, key.Stride(1),
				numKVHeads, key.Stride(2),
				len(offsets),
			)

			roped, err := c.shiftFn(ctx, layer, view, kShift)
			if err != nil {
				return fmt.Errorf("could not apply position shift: %w", err)
			}

			ctx.Forward(roped.Copy(ctx, view))
		}
	}

	ctx.Compute()

	for i := range c.cells {
		c.cells[i].delta = 0
	}
	c.hasShift = false

	return nil
}

// planDefrag computes the moves that compact all live slots to the front
// while preserving their relative order (and therefore the position order
// within every sequence). Consecutive moves are merged into runs.
func (c *Unified) planDefrag() []defragMove {
	var moves []defragMove

	w := 0
	for r := range c.cells {
		if c.cells[r].free() {
			continue
		}

		if r != w {
			if n := len(moves); n > 0 && moves[n-1].src+moves[n-1].len == r && moves[n-1].dst+moves[n-1].len == w {
				moves[n-1].len++
			} else {
				moves = append(moves, defragMove{src: r, dst: w, len: 1})
			}
		}
		w++
	}

	return moves
}

// applyDefrag executes the planned moves on the buffers and rewrites the
// cell table and sequence ranges accordingly.
func (c *Unified) applyDefrag(ctx ml.Context, moves []defragMove) {
	slog.Debug("defragmenting kv cache", "moves", len(moves))

	for _, ts := range []map[int]ml.Tensor{c.keys, c.values} {
		for _, t := range ts {
			if t == nil {
				continue
			}

			rowSize := t.Stride(2)
			rowElems := t.Dim(0) * t.Dim(1)

			// moves always relocate towards lower slots in ascending order,
			// so in-place copies never clobber pending sources
			for _, mv := range moves {
				src := t.View(ctx, rowSize*mv.src, rowElems*mv.len)
				dst := t.View(ctx, rowSize*mv.dst, rowElems*mv.len)
				ctx.Forward(src.Copy(ctx, dst))
			}
		}
	}

	ctx.Compute()

	for _, mv := range moves {
		for i := range mv.len {
			c.cells[mv.dst+i] = c.cells[mv.src+i]
			c.cells[mv.src+i] = cacheCell{}
		}
	}

	for _, seq := range c.rangeKeys() {
		r := newRange()
		for i := range c.cells {
			if c.cells[i].has(seq) {
				r = r.with(i)
			}
		}
		if r.empty() {
			c.ranges.Delete(seq)
		} else {
			c.ranges.Set(seq, r)
		}
	}

	c.head = c.NumUsed() % len(c.cells)
}
