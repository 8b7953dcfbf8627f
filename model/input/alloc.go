// alloc.go - Batch-Allokator und Ubatch-Splitter
// Dieses Modul validiert eingehende Batches und zerlegt sie in
// Micro-Batches. Zwei Strategien: SplitSimple (Eingabe-Reihenfolge)
// und SplitEqual (gleichmaessige Verteilung pro Sequenz).
package input

import (
	"fmt"
	"slices"
)

// Alloc validates a batch once and then serves micro-batches from an
// internal cursor. Repeated split calls exhaust the batch; Reset rewinds
// without re-validating.
//
// Validation failures are programmer errors, not runtime conditions, and
// panic with a diagnostic.
type Alloc struct {
	batch   Batch
	nSeqMax int

	consumed []bool
	nDone    int
}

func NewAlloc(batch Batch, nSeqMax int) *Alloc {
	n := batch.Len()
	if len(batch.Inputs) != n || len(batch.Sequences) != n || len(batch.Outputs) != n {
		panic(fmt.Errorf("input: batch slices are not parallel (inputs: %d positions: %d sequences: %d outputs: %d)",
			len(batch.Inputs), n, len(batch.Sequences), len(batch.Outputs)))
	}

	for i := range n {
		if batch.Positions[i] < 0 {
			panic(fmt.Errorf("input: negative position %d at token %d", batch.Positions[i], i))
		}
		if len(batch.Sequences[i]) == 0 {
			panic(fmt.Errorf("input: token %d carries no sequence id", i))
		}
		for _, seq := range batch.Sequences[i] {
			if seq < 0 || seq >= nSeqMax {
				panic(fmt.Errorf("input: sequence id %d at token %d out of range [0, %d)", seq, i, nSeqMax))
			}
		}
	}

	return &Alloc{
		batch:    batch,
		nSeqMax:  nSeqMax,
		consumed: make([]bool, n),
	}
}

// Reset rewinds the cursor so the batch can be split again.
func (a *Alloc) Reset() {
	clear(a.consumed)
	a.nDone = 0
}

// Remaining returns the number of tokens not yet emitted.
func (a *Alloc) Remaining() int {
	return a.batch.Len() - a.nDone
}

func (a *Alloc) take(idxs []int) Ubatch {
	var ub Ubatch
	for _, i := range idxs {
		a.consumed[i] = true
		ub.Inputs = append(ub.Inputs, a.batch.Inputs[i])
		ub.Positions = append(ub.Positions, a.batch.Positions[i])
		ub.Sequences = append(ub.Sequences, a.batch.Sequences[i])
		ub.Outputs = append(ub.Outputs, a.batch.Outputs[i])
	}
	a.nDone += len(idxs)
	return ub
}

// SplitSimple emits the next micro-batch in input order, flushing once the
// token count reaches n. It never rebalances across sequences.
func (a *Alloc) SplitSimple(n int) Ubatch {
	var idxs []int
	for i := range a.consumed {
		if a.consumed[i] {
			continue
		}
		idxs = append(idxs, i)
		if len(idxs) >= n {
			break
		}
	}
	return a.take(idxs)
}

// SplitEqual redistributes the remaining tokens so each present sequence
// contributes a roughly equal share of the micro-batch. With forceEqual the
// contribution is exactly equal across sequences (bounded by the shortest
// one). Remainder tokens go to the sequences with the most tokens left,
// ties broken by the lower sequence id.
func (a *Alloc) SplitEqual(n int, forceEqual bool) Ubatch {
	// pending token indices per primary sequence, in input order
	pending := make(map[int][]int)
	for i := range a.consumed {
		if !a.consumed[i] {
			seq := a.batch.Sequences[i][0]
			pending[seq] = append(pending[seq], i)
		}
	}

	if len(pending) == 0 {
		return Ubatch{}
	}

	seqs := make([]int, 0, len(pending))
	for seq := range pending {
		seqs = append(seqs, seq)
	}
	slices.Sort(seqs)

	share := make(map[int]int, len(seqs))
	base := n / len(seqs)

	if forceEqual {
		k := base
		for _, seq := range seqs {
			k = min(k, len(pending[seq]))
		}
		if k == 0 {
			// micro-batch too small to give every sequence a token; fall
			// back to one token for the lowest sequence ids that fit
			for _, seq := range seqs[:min(n, len(seqs))] {
				share[seq] = 1
			}
		} else {
			for _, seq := range seqs {
				share[seq] = k
			}
		}
	} else {
		total := 0
		for _, seq := range seqs {
			share[seq] = min(base, len(pending[seq]))
			total += share[seq]
		}

		// hand out the remainder one token at a time to the sequence with
		// the most tokens still pending beyond its share
		for total < n {
			best := -1
			for _, seq := range seqs {
				left := len(pending[seq]) - share[seq]
				if left <= 0 {
					continue
				}
				if best < 0 || left > len(pending[best])-share[best] {
					best = seq
				}
			}
			if best < 0 {
				break
			}
			share[best]++
			total++
		}
	}

	var idxs []int
	for _, seq := range seqs {
		idxs = append(idxs, pending[seq][:share[seq]]...)
	}
	return a.take(idxs)
}
