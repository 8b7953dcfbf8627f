// Package kvcache - Sequenz-adressierter Speicher fuer Attention- und
// SSM-State
//
// Dieses Modul definiert das gemeinsame Memory-Interface aller
// Cache-Varianten (unified, sliding-window, recurrent, hybrid), das
// Memory-Context-Protokoll fuer Batch-Transaktionen sowie die
// Fehler-Sentinels.
package kvcache

import (
	"errors"

	"github.com/seqmem/seqmem/fs"
	"github.com/seqmem/seqmem/ml"
	"github.com/seqmem/seqmem/model/input"
)

var (
	ErrKvCacheFull  = errors.New("could not find a kv cache slot")
	ErrNotSupported = errors.New("model does not support operation")
	ErrStateRestore = errors.New("could not restore cache state")

	// ErrNotApplied is returned when Apply is called on a context whose
	// preparation failed or that has no current micro-batch
	ErrNotApplied = errors.New("memory context has no applicable micro-batch")
)

// Status describes the outcome of a begin operation.
type Status int

const (
	StatusSuccess Status = iota
	StatusNoUpdate
	StatusFailedPrepare
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusNoUpdate:
		return "no update"
	case StatusFailedPrepare:
		return "failed prepare"
	}
	return "unknown"
}

// combineStatus merges sub-cache statuses: a failed preparation poisons
// the whole composite, and a single sub-cache with pending work is enough
// to run the composite context. NoUpdate only when every sub reports it.
func combineStatus(statuses ...Status) Status {
	out := StatusNoUpdate
	for _, s := range statuses {
		switch s {
		case StatusFailedPrepare:
			return StatusFailedPrepare
		case StatusSuccess:
			out = StatusSuccess
		}
	}
	return out
}

// shiftFn adjusts the keys in the cache for any changes in position, such
// as RoPE re-rotation. It is the compute-submission callback: the cache
// layer never implements it.
type shiftFn func(ctx ml.Context, layer int, key, shift ml.Tensor) (ml.Tensor, error)

// Params fixes a cache instance at construction time. None of the fields
// may change afterwards.
type Params struct {
	Hparams fs.Hparams

	// Capacity is the total number of slots
	Capacity int

	// MaxSequences bounds the number of concurrently live sequence ids
	MaxSequences int

	// MaxBatch is the largest micro-batch that we might receive
	MaxBatch int

	// Offload permits buffers to be placed on (and migrate across)
	// compute devices via Context.Layer
	Offload bool
}

// Memory is the capability interface every cache variant implements.
//
// Instances are not safe for concurrent use and have no reentrancy guard:
// a second begin operation before the previous context was applied or
// discarded is a caller bug. Independent instances may be used from
// separate goroutines freely.
type Memory interface {
	// Init fixes capacity, typing and placement. Must be called exactly
	// once before any other operation.
	Init(backend ml.Backend, params Params)

	// BeginBatch splits batch into micro-batches of at most ubatchSize
	// tokens and prepares a placement for each. The returned context has
	// status StatusFailedPrepare if no valid placement exists; such a
	// context must not be applied.
	BeginBatch(batch input.Batch, ubatchSize int, embdAll bool) MemoryContext

	// BeginFull returns a context covering the entire existing cache
	// content, used for full re-evaluation.
	BeginFull() MemoryContext

	// BeginUpdate returns a context whose Apply performs any pending
	// rebuild (position shifts, defragmentation when optimize is set), or
	// a StatusNoUpdate context when there is nothing to do.
	BeginUpdate(ctx ml.Context, optimize bool) MemoryContext

	// CanShift reports whether position shifts are supported
	CanShift() bool

	// Clear resets the cache to empty. With data set, buffer contents are
	// erased as well; otherwise only bookkeeping is reset.
	Clear(data bool)

	// SeqRm removes cells of seq in the position range [p0, p1). seq < 0
	// means all sequences; p1 < 0 means open-ended. Returns false when the
	// removal cannot be performed without violating another sequence's
	// state; the recommended recovery is removing the whole sequence.
	SeqRm(seq int, p0, p1 int32) bool

	// SeqCp makes the cells of src in [p0, p1) additionally referenced by
	// dst. No buffer bytes are duplicated.
	SeqCp(src, dst int, p0, p1 int32)

	// SeqKeep removes every cell not referenced by seq
	SeqKeep(seq int)

	// SeqAdd shifts positions of seq's cells in [p0, p1) by shift. A no-op
	// when shifting is unsupported or the range is empty.
	SeqAdd(seq int, p0, p1, shift int32)

	// SeqDiv integer-divides positions of seq's cells in [p0, p1). A no-op
	// on an empty range or divisor <= 1.
	SeqDiv(seq int, p0, p1 int32, div int)

	// SeqPosMin and SeqPosMax return the inclusive bounds of live
	// positions for seq, or -1 when the sequence owns no cells.
	SeqPosMin(seq int) int32
	SeqPosMax(seq int) int32

	// StateWrite and StateRead implement the byte-exact checkpoint
	// contract. seq < 0 selects all sequences.
	StateWrite(w StateWriter, seq int, flags StateFlags) error
	StateRead(r StateReader, seq int, flags StateFlags) error

	// Close frees buffer resources associated with the cache
	Close()
}

// MemoryContext is a one-shot transaction over a prepared placement. The
// caller advances it one micro-batch at a time:
//
//	mctx := cache.BeginBatch(batch, n, false)
//	for mctx.Next() {
//	    ub := mctx.Ubatch()
//	    // submit compute for ub
//	    if err := mctx.Apply(); err != nil { ... }
//	}
//
// Advancing past a micro-batch without applying discards its placement.
// Contexts must not outlive their cache or overlap with another begin
// operation on the same instance.
type MemoryContext interface {
	Status() Status
	Next() bool
	Ubatch() input.Ubatch
	Apply() error
}

// ubatchPreparer lets composed caches (sliding-window, hybrid) hand an
// already split batch to their sub-caches so all of them place the same
// micro-batches.
type ubatchPreparer interface {
	beginPrepared(ubatches []input.Ubatch) MemoryContext
}
