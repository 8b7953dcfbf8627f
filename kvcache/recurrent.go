// recurrent.go - Recurrent (State-Space) Cache
// Dieses Modul verwaltet feste Zustands-Slots pro Sequenz ohne
// Positions-Historie: Slot-Allokation ueber einen Free-Stack,
// Referenzzaehlung nach SeqCp und Copy-on-Write bei Allokationsdruck.
package kvcache

import (
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/seqmem/seqmem/fs"
	"github.com/seqmem/seqmem/ml"
	"github.com/seqmem/seqmem/model/input"
)

// Recurrent stores one fixed-size state record per sequence per recurrent
// layer: a conv state (r) and an ssm state (s). There is no
// position-indexed history; SeqPosMin/Max track the logical step counter
// of the most recent update.
type Recurrent struct {
	typeR, typeS ml.DType
	filter       func(il int) bool

	backend      ml.Backend
	hparams      fs.Hparams
	maxSequences int
	offload      bool

	nSlots     int
	freeSlots  []int
	slotForSeq map[int]int
	refCount   []int

	// last logical step per live sequence
	pos map[int]int32

	// ** current forward pass **

	curLayer      int
	curSlots      []int32
	curSlotsInput ml.Tensor

	ctxs    map[int]ml.Context
	rStates map[int]ml.Tensor
	sStates map[int]ml.Tensor
}

// NewRecurrentCache creates a recurrent cache. Element types for the conv
// and ssm states may differ.
func NewRecurrentCache(typeR, typeS ml.DType) *Recurrent {
	return &Recurrent{
		typeR:      typeR,
		typeS:      typeS,
		slotForSeq: make(map[int]int),
		pos:        make(map[int]int32),
		ctxs:       make(map[int]ml.Context),
		rStates:    make(map[int]ml.Tensor),
		sStates:    make(map[int]ml.Tensor),
	}
}

func (c *Recurrent) Init(backend ml.Backend, params Params) {
	if params.Capacity <= 0 || params.MaxSequences <= 0 {
		panic(fmt.Errorf("kvcache: invalid cache geometry (capacity: %v maxSequences: %v)", params.Capacity, params.MaxSequences))
	}

	if c.filter == nil {
		h := params.Hparams
		c.filter = h.IsRecurrent
	}

	c.backend = backend
	c.hparams = params.Hparams
	c.maxSequences = params.MaxSequences
	c.offload = params.Offload

	c.nSlots = params.Capacity
	c.refCount = make([]int, c.nSlots)
	c.freeSlots = make([]int, 0, c.nSlots)
	for i := c.nSlots - 1; i >= 0; i-- {
		c.freeSlots = append(c.freeSlots, i)
	}
}

func (c *Recurrent) Close() {
	for _, ctx := range c.ctxs {
		ctx.Close()
	}
}

// CanShift is false: recurrent state has no position-indexed history to
// shift.
func (c *Recurrent) CanShift() bool {
	return false
}

// NumUsed returns the number of live slots.
func (c *Recurrent) NumUsed() int {
	return c.nSlots - len(c.freeSlots)
}

func (c *Recurrent) Clear(data bool) {
	clear(c.slotForSeq)
	clear(c.pos)
	clear(c.refCount)
	c.freeSlots = c.freeSlots[:0]
	for i := c.nSlots - 1; i >= 0; i-- {
		c.freeSlots = append(c.freeSlots, i)
	}

	if data {
		for _, t := range c.rStates {
			clear(t.Bytes())
		}
		for _, t := range c.sStates {
			clear(t.Bytes())
		}
	}
}

func (c *Recurrent) allocSlot() (int, error) {
	if len(c.freeSlots) == 0 {
		return 0, ErrKvCacheFull
	}
	slot := c.freeSlots[len(c.freeSlots)-1]
	c.freeSlots = c.freeSlots[:len(c.freeSlots)-1]
	return slot, nil
}

func (c *Recurrent) freeSlot(slot int) {
	if slot >= 0 && slot < c.nSlots {
		c.freeSlots = append(c.freeSlots, slot)
	}
}

// release drops seq's reference on its slot, freeing the slot when it was
// the last one.
func (c *Recurrent) release(seq int) {
	slot, ok := c.slotForSeq[seq]
	if !ok {
		return
	}

	c.refCount[slot]--
	if c.refCount[slot] <= 0 {
		c.refCount[slot] = 0
		c.freeSlot(slot)
	}

	delete(c.slotForSeq, seq)
	delete(c.pos, seq)
}

func (c *Recurrent) SeqRm(seq int, p0, p1 int32) bool {
	if p1 < 0 {
		p1 = math.MaxInt32
	}

	if seq < 0 {
		// partial removal across all sequences cannot be honored: state has
		// no positional history to trim
		if p0 > 0 {
			return false
		}
		for _, s := range c.liveSeqs() {
			if pos, ok := c.pos[s]; ok && p1 <= pos {
				return false
			}
		}
		for _, s := range c.liveSeqs() {
			c.release(s)
		}
		return true
	}

	pos, ok := c.pos[seq]
	if !ok {
		// a slot reserved at prepare time whose context was discarded has
		// no step counter yet; removal from position zero reclaims it
		if p0 <= 0 {
			c.release(seq)
		}
		return true
	}

	// untouched
	if p0 > pos {
		return true
	}

	// anything short of the whole history cannot be removed without
	// invalidating the state record
	if p0 > 0 || p1 <= pos {
		return false
	}

	c.release(seq)
	return true
}

func (c *Recurrent) SeqCp(src, dst int, p0, p1 int32) {
	if src == dst {
		return
	}
	if p1 < 0 {
		p1 = math.MaxInt32
	}

	pos, ok := c.pos[src]
	if !ok {
		return
	}

	// only a full copy shares the state record; recurrent state has no
	// partial ranges
	if p0 > 0 || p1 <= pos {
		slog.Warn("partial copy of recurrent state ignored", "src", src, "dst", dst, "p0", p0, "p1", p1)
		return
	}

	c.release(dst)

	slot := c.slotForSeq[src]
	c.slotForSeq[dst] = slot
	c.refCount[slot]++
	c.pos[dst] = pos
}

func (c *Recurrent) SeqKeep(seq int) {
	for _, s := range c.liveSeqs() {
		if s != seq {
			c.release(s)
		}
	}
}

// SeqAdd adjusts the step counter for bookkeeping consistency with
// co-located attention layers. No stored bytes move.
func (c *Recurrent) SeqAdd(seq int, p0, p1, shift int32) {
	if shift == 0 || p0 == p1 {
		return
	}
	if p1 < 0 {
		p1 = math.MaxInt32
	}

	pos, ok := c.pos[seq]
	if !ok || pos < p0 || pos >= p1 {
		return
	}

	pos += shift
	if pos < 0 {
		c.release(seq)
		return
	}
	c.pos[seq] = pos
}

func (c *Recurrent) SeqDiv(seq int, p0, p1 int32, div int) {
	if div <= 1 || p0 == p1 {
		return
	}
	if p1 < 0 {
		p1 = math.MaxInt32
	}

	if pos, ok := c.pos[seq]; ok && pos >= p0 && pos < p1 {
		c.pos[seq] = pos / int32(div)
	}
}

func (c *Recurrent) SeqPosMin(seq int) int32 {
	if pos, ok := c.pos[seq]; ok {
		return pos
	}
	return -1
}

func (c *Recurrent) SeqPosMax(seq int) int32 {
	if pos, ok := c.pos[seq]; ok {
		return pos
	}
	return -1
}

func (c *Recurrent) liveSeqs() []int {
	seqs := make([]int, 0, len(c.slotForSeq))
	for seq := range c.slotForSeq {
		seqs = append(seqs, seq)
	}
	slices.Sort(seqs)
	return seqs
}

func (c *Recurrent) BeginBatch(batch input.Batch, ubatchSize int, embdAll bool) MemoryContext {
	alloc := input.NewAlloc(batch, c.maxSequences)

	// downstream state-space kernels need uniform per-sequence shapes
	var ubatches []input.Ubatch
	for {
		ub := alloc.SplitEqual(ubatchSize, false)
		if ub.Len() == 0 {
			break
		}
		ubatches = append(ubatches, ub)
	}

	return c.beginPrepared(ubatches)
}

func (c *Recurrent) beginPrepared(ubatches []input.Ubatch) MemoryContext {
	// every sequence in the batch needs a private, writable slot before
	// compute runs against it
	var newSeqs, cowSeqs []int
	seen := make(map[int]bool)
	for _, ub := range ubatches {
		for _, seq := range ub.Seqs() {
			if seen[seq] {
				continue
			}
			seen[seq] = true

			slot, ok := c.slotForSeq[seq]
			switch {
			case !ok:
				newSeqs = append(newSeqs, seq)
			case c.refCount[slot] > 1:
				cowSeqs = append(cowSeqs, seq)
			}
		}
	}

	if len(newSeqs)+len(cowSeqs) > len(c.freeSlots) {
		slog.Debug("could not prepare recurrent batch", "free", len(c.freeSlots), "needed", len(newSeqs)+len(cowSeqs))
		return &recurrentContext{status: StatusFailedPrepare}
	}

	for _, seq := range newSeqs {
		slot, _ := c.allocSlot()
		c.slotForSeq[seq] = slot
		c.refCount[slot] = 1
	}

	// a shared slot is about to be overwritten: copy its content out first
	// so the other sequences keep theirs (copy-on-write)
	if len(cowSeqs) > 0 {
		ctx := c.backend.NewContext()
		defer ctx.Close()
		for _, seq := range cowSeqs {
			c.ensureWritable(ctx, seq)
		}
		ctx.Compute()
	}

	return &recurrentContext{
		cache:    c,
		status:   StatusSuccess,
		ubatches: ubatches,
		index:    -1,
	}
}

// ensureWritable gives seq a private slot, copying the shared state into
// it across all initialized layers.
func (c *Recurrent) ensureWritable(ctx ml.Context, seq int) {
	slot := c.slotForSeq[seq]
	if c.refCount[slot] <= 1 {
		return
	}

	newSlot, err := c.allocSlot()
	if err != nil {
		panic(fmt.Errorf("copy-on-write without a reserved slot (seq: %v): %w", seq, err))
	}

	c.refCount[slot]--
	c.refCount[newSlot] = 1
	c.slotForSeq[seq] = newSlot

	src := ctx.Input().FromInts([]int32{int32(slot)}, 1)
	dst := ctx.Input().FromInts([]int32{int32(newSlot)}, 1)
	for _, states := range []map[int]ml.Tensor{c.rStates, c.sStates} {
		for _, buf := range states {
			rows := buf.Rows(ctx, src)
			ctx.Forward(buf.SetRows(ctx, rows, dst))
		}
	}
}

type recurrentContext struct {
	cache    *Recurrent
	status   Status
	ubatches []input.Ubatch
	index    int
}

func (m *recurrentContext) Status() Status {
	return m.status
}

func (m *recurrentContext) Next() bool {
	if m.status != StatusSuccess {
		return false
	}

	m.index++
	if m.index >= len(m.ubatches) {
		return false
	}

	m.cache.stage(m.ubatches[m.index])
	return true
}

func (m *recurrentContext) Ubatch() input.Ubatch {
	if m.index < 0 || m.index >= len(m.ubatches) {
		return input.Ubatch{}
	}
	return m.ubatches[m.index]
}

// Apply commits the step counters for the current micro-batch. Slot
// contents were already written by the compute callback through
// SetConvState/SetSSMState.
func (m *recurrentContext) Apply() error {
	if m.status != StatusSuccess || m.index < 0 || m.index >= len(m.ubatches) {
		return ErrNotApplied
	}

	ub := m.ubatches[m.index]
	for i, pos := range ub.Positions {
		seq := ub.Sequences[i][0]
		if cur, ok := m.cache.pos[seq]; !ok || pos > cur {
			m.cache.pos[seq] = pos
		}
	}
	return nil
}

func (c *Recurrent) stage(ub input.Ubatch) {
	seqs := ub.Seqs()
	c.curSlots = make([]int32, len(seqs))
	for i, seq := range seqs {
		c.curSlots[i] = int32(c.slotForSeq[seq])
	}
	c.curSlotsInput = nil
}

func (c *Recurrent) BeginFull() MemoryContext {
	seqs := c.liveSeqs()
	if len(seqs) == 0 {
		return &recurrentContext{status: StatusNoUpdate}
	}

	var ub input.Ubatch
	for _, seq := range seqs {
		ub.Inputs = append(ub.Inputs, 0)
		ub.Positions = append(ub.Positions, c.pos[seq])
		ub.Sequences = append(ub.Sequences, []int{seq})
		ub.Outputs = append(ub.Outputs, false)
	}

	return &recurrentContext{
		cache:    c,
		status:   StatusSuccess,
		ubatches: []input.Ubatch{ub},
		index:    -1,
	}
}

// BeginUpdate always reports nothing to do: recurrent state is never
// fragmented and positions need no rebuild.
func (c *Recurrent) BeginUpdate(ctx ml.Context, optimize bool) MemoryContext {
	return &recurrentContext{status: StatusNoUpdate}
}
