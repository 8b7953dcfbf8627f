// cells.go - Zellen-Verwaltung des Slot-Tisches
// Dieses Modul enthaelt die Zell- und Range-Datenstrukturen des
// Unified-Caches: pro Slot die Position, der akkumulierte Shift-Delta
// und die Menge referenzierender Sequenzen.
package kvcache

import (
	"math"
	"slices"
)

// cacheCell is one slot of the unified cache: the position it holds, the
// set of sequences referencing it and the position delta accumulated since
// the last shift rebuild. A cell with no sequences is free.
type cacheCell struct {
	pos       int32
	delta     int32
	sequences []int
}

func (c *cacheCell) free() bool {
	return len(c.sequences) == 0
}

func (c *cacheCell) has(seq int) bool {
	return slices.Contains(c.sequences, seq)
}

func (c *cacheCell) drop(seq int) {
	c.sequences = slices.DeleteFunc(c.sequences, func(s int) bool { return s == seq })
	if len(c.sequences) == 0 {
		*c = cacheCell{}
	}
}

// cellRange is the inclusive slot range where a sequence is stored.
type cellRange struct {
	min int
	max int
}

func newRange() cellRange {
	return cellRange{
		min: math.MaxInt,
		max: 0,
	}
}

func (r cellRange) empty() bool {
	return r == newRange()
}

func (r cellRange) with(loc int) cellRange {
	return cellRange{min: min(r.min, loc), max: max(r.max, loc)}
}
