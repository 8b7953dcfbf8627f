// swa.go - Sliding-Window (iSWA) Cache
// Dieses Modul komponiert zwei Unified-Caches: einen unbeschraenkten fuer
// Voll-Attention-Layer und einen fenster-begrenzten fuer SWA-Layer. Der
// Layer-Filter entscheidet bei der Konstruktion, welche Haelfte einen
// Layer traegt.
package kvcache

import (
	"errors"
	"fmt"

	"github.com/seqmem/seqmem/fs"
	"github.com/seqmem/seqmem/ml"
	"github.com/seqmem/seqmem/model/input"
)

// ISWA backs full-attention layers with an unconstrained cache and
// sliding-window layers with a window-bounded one. Windowed layers drop
// slots that fall behind the retention window on every insertion path.
type ISWA struct {
	base, swa *Unified

	hparams    fs.Hparams
	windowSize int32
	curLayer   int
}

// NewISWACache creates a sliding-window cache. The per-layer routing and
// the window size come from the hyperparameters at Init.
func NewISWACache(typeK, typeV ml.DType, shift shiftFn) *ISWA {
	c := &ISWA{}
	c.base = newUnified(typeK, typeV, shift, 0, func(il int) bool { return !c.hparams.IsSWA(il) })
	c.swa = newUnified(typeK, typeV, shift, 0, func(il int) bool { return c.hparams.IsSWA(il) })
	return c
}

func (c *ISWA) Init(backend ml.Backend, params Params) {
	if params.Hparams.NSWA <= 0 {
		panic(fmt.Errorf("kvcache: sliding window cache requires a window size (NSWA: %v)", params.Hparams.NSWA))
	}

	c.hparams = params.Hparams
	c.windowSize = params.Hparams.NSWA

	c.base.Init(backend, params)

	// the windowed half only ever holds one window per sequence plus the
	// in-flight batch
	swaParams := params
	swaParams.Capacity = params.MaxSequences*int(c.windowSize) + max(params.MaxBatch, 1)
	c.swa.swaWindowSize = c.windowSize
	c.swa.Init(backend, swaParams)
}

func (c *ISWA) Close() {
	c.base.Close()
	c.swa.Close()
}

func (c *ISWA) CanShift() bool {
	return c.base.CanShift() && c.swa.CanShift()
}

func (c *ISWA) Clear(data bool) {
	c.base.Clear(data)
	c.swa.Clear(data)
}

func (c *ISWA) BeginBatch(batch input.Batch, ubatchSize int, embdAll bool) MemoryContext {
	alloc := input.NewAlloc(batch, c.base.maxSequences)

	var ubatches []input.Ubatch
	for {
		ub := alloc.SplitSimple(ubatchSize)
		if ub.Len() == 0 {
			break
		}
		ubatches = append(ubatches, ub)
	}

	return c.beginPrepared(ubatches)
}

func (c *ISWA) beginPrepared(ubatches []input.Ubatch) MemoryContext {
	bctx := c.base.beginPrepared(ubatches)
	sctx := c.swa.beginPrepared(ubatches)

	status := combineStatus(bctx.Status(), sctx.Status())
	if status != StatusSuccess {
		return &iswaContext{status: status}
	}

	return &iswaContext{status: status, subs: []MemoryContext{bctx, sctx}}
}

func (c *ISWA) BeginFull() MemoryContext {
	bctx := c.base.BeginFull()
	sctx := c.swa.BeginFull()
	return &iswaContext{
		status: combineStatus(bctx.Status(), sctx.Status()),
		subs:   []MemoryContext{bctx, sctx},
	}
}

func (c *ISWA) BeginUpdate(ctx ml.Context, optimize bool) MemoryContext {
	bctx := c.base.BeginUpdate(ctx, optimize)
	sctx := c.swa.BeginUpdate(ctx, optimize)
	return &iswaContext{
		status: combineStatus(bctx.Status(), sctx.Status()),
		subs:   []MemoryContext{bctx, sctx},
	}
}

func (c *ISWA) SeqRm(seq int, p0, p1 int32) bool {
	ok := c.base.SeqRm(seq, p0, p1)
	return c.swa.SeqRm(seq, p0, p1) && ok
}

func (c *ISWA) SeqCp(src, dst int, p0, p1 int32) {
	c.base.SeqCp(src, dst, p0, p1)
	c.swa.SeqCp(src, dst, p0, p1)
}

func (c *ISWA) SeqKeep(seq int) {
	c.base.SeqKeep(seq)
	c.swa.SeqKeep(seq)
}

func (c *ISWA) SeqAdd(seq int, p0, p1, shift int32) {
	c.base.SeqAdd(seq, p0, p1, shift)
	c.swa.SeqAdd(seq, p0, p1, shift)
}

func (c *ISWA) SeqDiv(seq int, p0, p1 int32, div int) {
	c.base.SeqDiv(seq, p0, p1, div)
	c.swa.SeqDiv(seq, p0, p1, div)
}

func (c *ISWA) SeqPosMin(seq int) int32 {
	return aggregatePosMin(c.base.SeqPosMin(seq), c.swa.SeqPosMin(seq))
}

func (c *ISWA) SeqPosMax(seq int) int32 {
	return aggregatePosMax(c.base.SeqPosMax(seq), c.swa.SeqPosMax(seq))
}

// CanResume reports whether decoding of seq can continue at pos without a
// cache break: the window ending at pos must be contained in what the
// windowed half still stores.
func (c *ISWA) CanResume(seq int, pos int32) bool {
	first := c.swa.SeqPosMin(seq)
	last := c.swa.SeqPosMax(seq)
	if last < 0 {
		return false
	}

	posWindowStart := max(0, pos-c.windowSize)
	return posWindowStart >= first && pos <= last+1
}

func (c *ISWA) SetLayer(layer int) {
	c.curLayer = layer
	c.base.SetLayer(layer)
	c.swa.SetLayer(layer)
}

func (c *ISWA) Get(ctx ml.Context) (ml.Tensor, ml.Tensor, ml.Tensor) {
	if c.hparams.IsSWA(c.curLayer) {
		return c.swa.Get(ctx)
	}
	return c.base.Get(ctx)
}

func (c *ISWA) Put(ctx ml.Context, key, value ml.Tensor) {
	if c.hparams.IsSWA(c.curLayer) {
		c.swa.Put(ctx, key, value)
		return
	}
	c.base.Put(ctx, key, value)
}

func (c *ISWA) StateWrite(w StateWriter, seq int, flags StateFlags) error {
	if flags&StateFlagsSWAOnly == 0 {
		if err := c.base.StateWrite(w, seq, flags); err != nil {
			return err
		}
	}
	return c.swa.StateWrite(w, seq, flags)
}

func (c *ISWA) StateRead(r StateReader, seq int, flags StateFlags) error {
	if flags&StateFlagsSWAOnly == 0 {
		if err := c.base.StateRead(r, seq, flags); err != nil {
			return err
		}
	}
	return c.swa.StateRead(r, seq, flags)
}

type iswaContext struct {
	status Status
	subs   []MemoryContext
}

func (m *iswaContext) Status() Status {
	return m.status
}

// active returns the sub-contexts that have work to do; a half reporting
// no update (empty, or nothing pending) sits the iteration out.
func (m *iswaContext) active() []MemoryContext {
	var subs []MemoryContext
	for _, sub := range m.subs {
		if sub.Status() == StatusSuccess {
			subs = append(subs, sub)
		}
	}
	return subs
}

func (m *iswaContext) Next() bool {
	if m.status != StatusSuccess {
		return false
	}

	subs := m.active()
	next := subs[0].Next()
	for _, sub := range subs[1:] {
		if sub.Next() != next {
			panic("sliding window sub-caches diverged while iterating micro-batches")
		}
	}
	return next
}

func (m *iswaContext) Ubatch() input.Ubatch {
	subs := m.active()
	if len(subs) == 0 {
		return input.Ubatch{}
	}
	return subs[0].Ubatch()
}

func (m *iswaContext) Apply() error {
	if m.status != StatusSuccess {
		return ErrNotApplied
	}

	var errs []error
	for _, sub := range m.active() {
		errs = append(errs, sub.Apply())
	}
	return errors.Join(errs...)
}

func aggregatePosMin(vals ...int32) int32 {
	var out int32 = -1
	for _, v := range vals {
		if v < 0 {
			continue
		}
		if out < 0 || v < out {
			out = v
		}
	}
	return out
}

func aggregatePosMax(vals ...int32) int32 {
	var out int32 = -1
	for _, v := range vals {
		out = max(out, v)
	}
	return out
}
