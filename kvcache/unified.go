// unified.go - Unified (Full-Attention) Cache
// Dieses Modul enthaelt Konstruktion und Sequenz-Operationen des
// Unified-Caches: Ring-artige First-Fit-Platzierung, geteilte Slots
// ueber Referenz-Mengen, Shift/Div-Buchfuehrung pro Zelle.
package kvcache

import (
	"fmt"
	"math"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/seqmem/seqmem/fs"
	"github.com/seqmem/seqmem/ml"
)

// Unified stores K and V tensors according to their position in the
// sequence. One physical slot may be referenced by multiple sequences
// after SeqCp; buffer bytes are only ever shared, never duplicated by
// sequence operations.
type Unified struct {
	typeK, typeV ml.DType
	shiftFn      shiftFn

	// filter selects the layers backed by this instance; nil backs all
	filter func(il int) bool

	// swaWindowSize is the number of tokens that will be included in the
	// mask during attention operations. swaMemorySize is the number of
	// tokens retained in memory for partial prefix caching. MaxInt32 when
	// sliding window attention is not being used.
	swaWindowSize int32
	swaMemorySize int32

	backend      ml.Backend
	config       *ml.CacheConfig
	hparams      fs.Hparams
	maxSequences int
	maxBatch     int
	offload      bool

	// for each possible location in the cache, the position and set of
	// sequences that reference the data there
	cells []cacheCell

	// insertion-ordered map from sequence to the slot range where it is
	// stored; ordered so state serialization is deterministic
	ranges *orderedmap.OrderedMap[int, cellRange]

	// first-fit search starts here and wraps (ring reuse after SeqRm)
	head int

	// set when cell deltas are pending a shift rebuild via BeginUpdate
	hasShift bool

	// ** current forward pass **

	curLayer     int
	curBatchSize int
	curLocs      []int32
	curLoc       ml.Tensor
	curMask      ml.Tensor
	curCellRange cellRange
	curPositions []int32
	curSequences []int
	curCausal    bool

	// ** cache data storage **

	ctxs         map[int]ml.Context
	keys, values map[int]ml.Tensor
}

// NewUnifiedCache creates a full-attention cache. Key and value element
// types may differ. shift may be nil, disabling position shifts.
func NewUnifiedCache(typeK, typeV ml.DType, shift shiftFn) *Unified {
	return newUnified(typeK, typeV, shift, 0, nil)
}

func newUnified(typeK, typeV ml.DType, shift shiftFn, windowSize int32, filter func(int) bool) *Unified {
	return &Unified{
		typeK:         typeK,
		typeV:         typeV,
		shiftFn:       shift,
		filter:        filter,
		swaWindowSize: windowSize,
		ctxs:          make(map[int]ml.Context),
		keys:          make(map[int]ml.Tensor),
		values:        make(map[int]ml.Tensor),
	}
}

func (c *Unified) Init(backend ml.Backend, params Params) {
	if params.Capacity <= 0 || params.MaxSequences <= 0 {
		panic(fmt.Errorf("kvcache: invalid cache geometry (capacity: %v maxSequences: %v)", params.Capacity, params.MaxSequences))
	}

	if c.config == nil {
		var config ml.CacheConfig
		if cc, ok := backend.(ml.BackendCacheConfig); ok {
			config = cc.CacheConfig()
		}
		c.config = &config
	}

	if c.config.CachePadding == 0 {
		c.config.CachePadding = 1
	}

	if c.config.MaskDType == ml.DTypeOther {
		c.config.MaskDType = ml.DTypeF32
	}

	if c.swaWindowSize == 0 {
		c.swaWindowSize = math.MaxInt32
	}
	if c.swaMemorySize == 0 {
		c.swaMemorySize = c.swaWindowSize
	}
	// Allocate one extra token of window storage so that a sequence can be
	// resumed just past its last position without a cache break. Only
	// needed with parallel sequences; a single sequence keeps that token
	// in the batch buffer.
	if c.swaMemorySize != math.MaxInt32 && params.MaxSequences > 1 {
		c.swaMemorySize = max(c.swaMemorySize, c.swaWindowSize+1)
	}
	if int64(c.swaMemorySize) >= int64(params.Capacity) {
		c.swaMemorySize = math.MaxInt32
	}

	c.cells = make([]cacheCell, roundUp(params.Capacity, c.config.CachePadding))
	c.ranges = orderedmap.New[int, cellRange]()
	c.backend = backend
	c.hparams = params.Hparams
	c.maxSequences = params.MaxSequences
	c.maxBatch = max(params.MaxBatch, 1)
	c.offload = params.Offload
}

func (c *Unified) Close() {
	for _, ctx := range c.ctxs {
		ctx.Close()
	}
}

func (c *Unified) CanShift() bool {
	return c.shiftFn != nil
}

// Capacity returns the fixed number of slots.
func (c *Unified) Capacity() int {
	return len(c.cells)
}

// NumUsed returns the number of live slots.
func (c *Unified) NumUsed() int {
	var n int
	for i := range c.cells {
		if !c.cells[i].free() {
			n++
		}
	}
	return n
}

func (c *Unified) Clear(data bool) {
	clear(c.cells)
	c.ranges = orderedmap.New[int, cellRange]()
	c.head = 0
	c.hasShift = false

	if data {
		for _, key := range c.keys {
			clear(key.Bytes())
		}
		for _, value := range c.values {
			clear(value.Bytes())
		}
	}
}

func (c *Unified) SeqRm(seq int, p0, p1 int32) bool {
	if p1 < 0 {
		p1 = math.MaxInt32
	}

	if seq < 0 {
		for pair := c.ranges.Oldest(); pair != nil; pair = pair.Next() {
			c.removeRange(pair.Key, p0, p1)
		}
		for _, s := range c.rangeKeys() {
			c.updateRange(s)
		}
		return true
	}

	c.removeRange(seq, p0, p1)
	c.updateRange(seq)
	return true
}

func (c *Unified) removeRange(seq int, p0, p1 int32) {
	r, ok := c.ranges.Get(seq)
	if !ok {
		return
	}

	for i := r.min; i <= r.max; i++ {
		if c.cells[i].has(seq) && c.cells[i].pos >= p0 && c.cells[i].pos < p1 {
			c.cells[i].drop(seq)
			if c.cells[i].free() {
				c.head = min(c.head, i)
			}
		}
	}
}

func (c *Unified) rangeKeys() []int {
	keys := make([]int, 0, c.ranges.Len())
	for pair := c.ranges.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// updateRange rescans the slots of seq and stores the tightened range,
// deleting the entry when the sequence no longer owns any cell.
func (c *Unified) updateRange(seq int) {
	old, ok := c.ranges.Get(seq)
	if !ok {
		return
	}

	r := newRange()
	for i := old.min; i <= min(old.max, len(c.cells)-1); i++ {
		if c.cells[i].has(seq) {
			r = r.with(i)
		}
	}

	if r.empty() {
		c.ranges.Delete(seq)
		return
	}
	c.ranges.Set(seq, r)
}

func (c *Unified) SeqCp(src, dst int, p0, p1 int32) {
	if src == dst {
		return
	}
	if p1 < 0 {
		p1 = math.MaxInt32
	}

	r, ok := c.ranges.Get(src)
	if !ok {
		return
	}

	dstRange, ok := c.ranges.Get(dst)
	if !ok {
		dstRange = newRange()
	}

	for i := r.min; i <= r.max; i++ {
		if c.cells[i].has(src) && c.cells[i].pos >= p0 && c.cells[i].pos < p1 && !c.cells[i].has(dst) {
			c.cells[i].sequences = append(c.cells[i].sequences, dst)
			dstRange = dstRange.with(i)
		}
	}

	if !dstRange.empty() {
		c.ranges.Set(dst, dstRange)
	}
}

func (c *Unified) SeqKeep(seq int) {
	for _, s := range c.rangeKeys() {
		if s != seq {
			c.removeRange(s, 0, math.MaxInt32)
			c.updateRange(s)
		}
	}
}

func (c *Unified) SeqAdd(seq int, p0, p1, shift int32) {
	if shift == 0 || p0 == p1 || !c.CanShift() {
		return
	}
	if p1 < 0 {
		p1 = math.MaxInt32
	}

	r, ok := c.ranges.Get(seq)
	if !ok {
		return
	}

	for i := r.min; i <= r.max; i++ {
		if !c.cells[i].has(seq) || c.cells[i].pos < p0 || c.cells[i].pos >= p1 {
			continue
		}

		c.cells[i].pos += shift
		c.cells[i].delta += shift

		// shifted behind the origin; the entry can no longer be attended to
		if c.cells[i].pos < 0 {
			c.cells[i].drop(seq)
			if c.cells[i].free() {
				c.head = min(c.head, i)
			}
			continue
		}

		c.hasShift = true
	}

	c.updateRange(seq)
	c.pruneWindow(seq)
}

func (c *Unified) SeqDiv(seq int, p0, p1 int32, div int) {
	if div <= 1 || p0 == p1 || !c.CanShift() {
		return
	}
	if p1 < 0 {
		p1 = math.MaxInt32
	}

	r, ok := c.ranges.Get(seq)
	if !ok {
		return
	}

	for i := r.min; i <= r.max; i++ {
		if c.cells[i].has(seq) && c.cells[i].pos >= p0 && c.cells[i].pos < p1 {
			pos := c.cells[i].pos / int32(div)
			c.cells[i].delta += pos - c.cells[i].pos
			c.cells[i].pos = pos
			c.hasShift = true
		}
	}
}

func (c *Unified) SeqPosMin(seq int) int32 {
	r, ok := c.ranges.Get(seq)
	if !ok {
		return -1
	}

	var out int32 = math.MaxInt32
	for i := r.min; i <= r.max; i++ {
		if c.cells[i].has(seq) {
			out = min(out, c.cells[i].pos)
		}
	}

	if out == math.MaxInt32 {
		return -1
	}
	return out
}

func (c *Unified) SeqPosMax(seq int) int32 {
	r, ok := c.ranges.Get(seq)
	if !ok {
		return -1
	}

	var out int32 = -1
	for i := r.min; i <= r.max; i++ {
		if c.cells[i].has(seq) {
			out = max(out, c.cells[i].pos)
		}
	}
	return out
}

func roundDown(length, pad int) int {
	return (length / pad) * pad
}

func roundUp(length, pad int) int {
	return ((length + pad - 1) / pad) * pad
}
