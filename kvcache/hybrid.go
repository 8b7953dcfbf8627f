// hybrid.go - Hybrid-Cache fuer gemischte Architekturen
// Dieses Modul komponiert einen Attention-Cache und einen Recurrent-Cache
// mit disjunkten Layer-Filtern. Alle Operationen werden an beide
// Sub-Caches verteilt; eine fehlgeschlagene Vorbereitung vergiftet den
// Verbund, ein Sub-Cache mit ausstehender Arbeit treibt ihn an.
package kvcache

import (
	"errors"
	"fmt"

	"github.com/seqmem/seqmem/fs"
	"github.com/seqmem/seqmem/ml"
	"github.com/seqmem/seqmem/model/input"
)

// Hybrid backs attention layers with a unified cache and recurrent layers
// with a recurrent cache. The per-layer split comes from the
// hyperparameters at Init.
type Hybrid struct {
	attn *Unified
	recr *Recurrent

	// ordered fan-out: the recurrent half goes first because it is the
	// only one whose sequence removal can refuse
	caches []Memory

	hparams  fs.Hparams
	curLayer int
}

// NewHybridCache creates a hybrid cache. typeK/typeV back the attention
// layers, typeR/typeS the recurrent layers.
func NewHybridCache(typeK, typeV ml.DType, shift shiftFn, typeR, typeS ml.DType) *Hybrid {
	c := &Hybrid{}
	c.attn = newUnified(typeK, typeV, shift, 0, func(il int) bool { return !c.hparams.IsRecurrent(il) })
	c.recr = NewRecurrentCache(typeR, typeS)
	c.recr.filter = func(il int) bool { return c.hparams.IsRecurrent(il) }
	c.caches = []Memory{c.recr, c.attn}
	return c
}

func (c *Hybrid) Init(backend ml.Backend, params Params) {
	if len(params.Hparams.RecurrentLayers) == 0 {
		panic(fmt.Errorf("kvcache: hybrid cache requires recurrent layers"))
	}

	c.hparams = params.Hparams

	c.attn.Init(backend, params)

	// the recurrent half needs one slot per sequence, not per token
	recrParams := params
	recrParams.Capacity = params.MaxSequences
	c.recr.Init(backend, recrParams)
}

func (c *Hybrid) Close() {
	for _, sub := range c.caches {
		sub.Close()
	}
}

func (c *Hybrid) CanShift() bool {
	return c.attn.CanShift() && c.recr.CanShift()
}

func (c *Hybrid) Clear(data bool) {
	for _, sub := range c.caches {
		sub.Clear(data)
	}
}

func (c *Hybrid) BeginBatch(batch input.Batch, ubatchSize int, embdAll bool) MemoryContext {
	alloc := input.NewAlloc(batch, c.attn.maxSequences)

	// the recurrent half needs uniform per-sequence shapes, so the whole
	// hybrid splits with the equal policy
	var ubatches []input.Ubatch
	for {
		ub := alloc.SplitEqual(ubatchSize, false)
		if ub.Len() == 0 {
			break
		}
		ubatches = append(ubatches, ub)
	}

	subs := make([]MemoryContext, len(c.caches))
	statuses := make([]Status, len(c.caches))
	for i, sub := range c.caches {
		subs[i] = sub.(ubatchPreparer).beginPrepared(ubatches)
		statuses[i] = subs[i].Status()
	}

	if status := combineStatus(statuses...); status != StatusSuccess {
		return &hybridContext{status: status}
	}

	return &hybridContext{status: StatusSuccess, subs: subs}
}

func (c *Hybrid) BeginFull() MemoryContext {
	rctx := c.recr.BeginFull()
	actx := c.attn.BeginFull()
	return &hybridContext{
		status: combineStatus(rctx.Status(), actx.Status()),
		subs:   []MemoryContext{rctx, actx},
	}
}

func (c *Hybrid) BeginUpdate(ctx ml.Context, optimize bool) MemoryContext {
	rctx := c.recr.BeginUpdate(ctx, optimize)
	actx := c.attn.BeginUpdate(ctx, optimize)
	return &hybridContext{
		status: combineStatus(rctx.Status(), actx.Status()),
		subs:   []MemoryContext{rctx, actx},
	}
}

// SeqRm asks the recurrent half first: it is the only one that can
// refuse, and the attention half must not lose cells the recurrent state
// still depends on.
func (c *Hybrid) SeqRm(seq int, p0, p1 int32) bool {
	if !c.recr.SeqRm(seq, p0, p1) {
		return false
	}
	return c.attn.SeqRm(seq, p0, p1)
}

func (c *Hybrid) SeqCp(src, dst int, p0, p1 int32) {
	c.recr.SeqCp(src, dst, p0, p1)
	c.attn.SeqCp(src, dst, p0, p1)
}

func (c *Hybrid) SeqKeep(seq int) {
	c.recr.SeqKeep(seq)
	c.attn.SeqKeep(seq)
}

func (c *Hybrid) SeqAdd(seq int, p0, p1, shift int32) {
	c.recr.SeqAdd(seq, p0, p1, shift)
	c.attn.SeqAdd(seq, p0, p1, shift)
}

func (c *Hybrid) SeqDiv(seq int, p0, p1 int32, div int) {
	c.recr.SeqDiv(seq, p0, p1, div)
	c.attn.SeqDiv(seq, p0, p1, div)
}

func (c *Hybrid) SeqPosMin(seq int) int32 {
	return aggregatePosMin(c.recr.SeqPosMin(seq), c.attn.SeqPosMin(seq))
}

func (c *Hybrid) SeqPosMax(seq int) int32 {
	return aggregatePosMax(c.recr.SeqPosMax(seq), c.attn.SeqPosMax(seq))
}

func (c *Hybrid) SetLayer(layer int) {
	c.curLayer = layer
	c.attn.SetLayer(layer)
	c.recr.SetLayer(layer)
}

func (c *Hybrid) Get(ctx ml.Context) (ml.Tensor, ml.Tensor, ml.Tensor) {
	if c.hparams.IsRecurrent(c.curLayer) {
		panic(fmt.Errorf("layer %v is recurrent, use ConvState/SSMState", c.curLayer))
	}
	return c.attn.Get(ctx)
}

func (c *Hybrid) Put(ctx ml.Context, key, value ml.Tensor) {
	if c.hparams.IsRecurrent(c.curLayer) {
		panic(fmt.Errorf("layer %v is recurrent, use SetConvState/SetSSMState", c.curLayer))
	}
	c.attn.Put(ctx, key, value)
}

func (c *Hybrid) ConvState(ctx ml.Context) ml.Tensor {
	return c.recr.ConvState(ctx)
}

func (c *Hybrid) SetConvState(ctx ml.Context, state ml.Tensor) {
	c.recr.SetConvState(ctx, state)
}

func (c *Hybrid) SSMState(ctx ml.Context) ml.Tensor {
	return c.recr.SSMState(ctx)
}

func (c *Hybrid) SetSSMState(ctx ml.Context, state ml.Tensor) {
	c.recr.SetSSMState(ctx, state)
}

func (c *Hybrid) StateWrite(w StateWriter, seq int, flags StateFlags) error {
	for _, sub := range c.caches {
		if err := sub.StateWrite(w, seq, flags); err != nil {
			return err
		}
	}
	return nil
}

func (c *Hybrid) StateRead(r StateReader, seq int, flags StateFlags) error {
	for _, sub := range c.caches {
		if err := sub.StateRead(r, seq, flags); err != nil {
			return err
		}
	}
	return nil
}

type hybridContext struct {
	status Status
	subs   []MemoryContext
}

func (m *hybridContext) Status() Status {
	return m.status
}

// active returns the sub-contexts that have work to do; a sub reporting
// no update sits the iteration out.
func (m *hybridContext) active() []MemoryContext {
	var subs []MemoryContext
	for _, sub := range m.subs {
		if sub.Status() == StatusSuccess {
			subs = append(subs, sub)
		}
	}
	return subs
}

func (m *hybridContext) Next() bool {
	if m.status != StatusSuccess {
		return false
	}

	subs := m.active()
	next := subs[0].Next()
	for _, sub := range subs[1:] {
		if sub.Next() != next {
			panic("hybrid sub-caches diverged while iterating micro-batches")
		}
	}
	return next
}

func (m *hybridContext) Ubatch() input.Ubatch {
	subs := m.active()
	if len(subs) == 0 {
		return input.Ubatch{}
	}
	return subs[0].Ubatch()
}

func (m *hybridContext) Apply() error {
	if m.status != StatusSuccess {
		return ErrNotApplied
	}

	var errs []error
	for _, sub := range m.active() {
		errs = append(errs, sub.Apply())
	}
	return errors.Join(errs...)
}
