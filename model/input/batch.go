// Package input - Batch- und Ubatch-Typen
//
// Dieses Modul definiert die Eingabe-Batches des Cache-Layers: parallele
// Arrays aus Token, Position, Sequenz-Menge und Output-Flag, sowie den
// daraus geschnittenen Micro-Batch (Ubatch).
package input

import "slices"

// Batch is a raw, possibly multi-sequence batch of tokens. All slices are
// parallel: entry i describes token i.
type Batch struct {
	// Inputs are the token values. The cache layer treats them as opaque.
	Inputs []int32

	// Positions are the logical positions of each token within its
	// owning sequence(s)
	Positions []int32

	// Sequences holds the set of sequence ids that own each token. Every
	// token must carry at least one sequence id.
	Sequences [][]int

	// Outputs flags the tokens whose model output is needed
	Outputs []bool
}

func (b Batch) Len() int {
	return len(b.Positions)
}

// Ubatch is a bounded micro-batch emitted by the splitter, sized to at most
// the cache's per-step capacity. Layout matches Batch.
type Ubatch struct {
	Inputs    []int32
	Positions []int32
	Sequences [][]int
	Outputs   []bool
}

func (u Ubatch) Len() int {
	return len(u.Positions)
}

// Seqs returns the distinct primary sequence ids present, in ascending
// order. The primary sequence of a token is the first id of its set.
func (u Ubatch) Seqs() []int {
	seen := make(map[int]bool)
	var seqs []int
	for _, set := range u.Sequences {
		if !seen[set[0]] {
			seen[set[0]] = true
			seqs = append(seqs, set[0])
		}
	}

	slices.Sort(seqs)
	return seqs
}
