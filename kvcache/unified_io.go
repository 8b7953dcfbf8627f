// unified_io.go - Zustands-Serialisierung des Unified-Caches
// Dieses Modul schreibt und liest den byte-exakten Checkpoint des
// Unified-Caches: Zell-Metadaten in Slot-Reihenfolge, danach pro Layer
// die K- und V-Zeilen der lebenden Slots als rohe Byte-Bereiche.
package kvcache

import (
	"fmt"
	"slices"

	"github.com/seqmem/seqmem/ml"
)

// liveSlots returns the slot indices scoped to seq (or all live slots when
// seq < 0), in ascending slot order.
func (c *Unified) liveSlots(seq int) []int {
	var slots []int
	for i := range c.cells {
		if c.cells[i].free() {
			continue
		}
		if seq < 0 || c.cells[i].has(seq) {
			slots = append(slots, i)
		}
	}
	return slots
}

// layerIDs returns the layers with allocated buffers, ascending.
func (c *Unified) layerIDs() []int {
	layers := make([]int, 0, len(c.keys))
	for layer := range c.keys {
		layers = append(layers, layer)
	}
	slices.Sort(layers)
	return layers
}

// contiguousRuns merges ascending slot indices into [start, len) runs.
func contiguousRuns(slots []int) [][2]int {
	var runs [][2]int
	for _, s := range slots {
		if n := len(runs); n > 0 && runs[n-1][0]+runs[n-1][1] == s {
			runs[n-1][1]++
		} else {
			runs = append(runs, [2]int{s, 1})
		}
	}
	return runs
}

func (c *Unified) StateWrite(w StateWriter, seq int, flags StateFlags) error {
	slots := c.liveSlots(seq)

	if err := writeUint32(w, uint32(len(slots))); err != nil {
		return err
	}

	for _, i := range slots {
		if err := writeInt32(w, c.cells[i].pos); err != nil {
			return err
		}
		if seq < 0 {
			ids := slices.Clone(c.cells[i].sequences)
			slices.Sort(ids)
			if err := writeUint32(w, uint32(len(ids))); err != nil {
				return err
			}
			for _, id := range ids {
				if err := writeInt32(w, int32(id)); err != nil {
					return err
				}
			}
		}
	}

	layers := c.layerIDs()
	if err := writeUint32(w, uint32(len(layers))); err != nil {
		return err
	}

	runs := contiguousRuns(slots)
	for _, layer := range layers {
		if err := writeUint32(w, uint32(layer)); err != nil {
			return err
		}

		key, value := c.keys[layer], c.values[layer]
		kRow, vRow := key.Stride(2), value.Stride(2)

		if err := writeString(w, c.typeK.String()); err != nil {
			return err
		}
		if err := writeUint64(w, uint64(kRow)); err != nil {
			return err
		}
		for _, run := range runs {
			if err := w.WriteTensor(key, run[0]*kRow, run[1]*kRow); err != nil {
				return err
			}
		}

		if err := writeString(w, c.typeV.String()); err != nil {
			return err
		}
		if err := writeUint64(w, uint64(vRow)); err != nil {
			return err
		}
		for _, run := range runs {
			if err := w.WriteTensor(value, run[0]*vRow, run[1]*vRow); err != nil {
				return err
			}
		}
	}

	return nil
}

func (c *Unified) StateRead(r StateReader, seq int, flags StateFlags) error {
	nCells, err := readUint32(r)
	if err != nil {
		return err
	}
	if int(nCells) > len(c.cells) {
		return fmt.Errorf("%w: %d cells exceed capacity %d", ErrStateRestore, nCells, len(c.cells))
	}

	// read and validate all cell metadata before mutating anything
	positions := make([]int32, nCells)
	sequences := make([][]int, nCells)
	for i := range positions {
		pos, err := readInt32(r)
		if err != nil {
			return err
		}
		if pos < 0 {
			return fmt.Errorf("%w: negative position %d", ErrStateRestore, pos)
		}
		positions[i] = pos

		if seq < 0 {
			nSeq, err := readUint32(r)
			if err != nil {
				return err
			}
			if nSeq == 0 || int(nSeq) > c.maxSequences {
				return fmt.Errorf("%w: invalid sequence count %d", ErrStateRestore, nSeq)
			}
			ids := make([]int, nSeq)
			for j := range ids {
				id, err := readInt32(r)
				if err != nil {
					return err
				}
				if id < 0 || int(id) >= c.maxSequences {
					return fmt.Errorf("%w: sequence id %d out of range [0, %d)", ErrStateRestore, id, c.maxSequences)
				}
				ids[j] = int(id)
			}
			sequences[i] = ids
		} else {
			sequences[i] = []int{seq}
		}
	}

	if seq < 0 {
		c.Clear(false)
	} else {
		c.SeqRm(seq, 0, -1)
	}

	start := -1
	if nCells > 0 {
		start = c.findContiguous(int(nCells))
		if start < 0 {
			return fmt.Errorf("%w: no contiguous run of %d free slots", ErrStateRestore, nCells)
		}

		for i := range positions {
			c.cells[start+i] = cacheCell{pos: positions[i], sequences: sequences[i]}
			for _, id := range sequences[i] {
				rng, ok := c.ranges.Get(id)
				if !ok {
					rng = newRange()
				}
				c.ranges.Set(id, rng.with(start+i))
			}
		}
		c.head = (start + int(nCells)) % len(c.cells)
	}

	nLayers, err := readUint32(r)
	if err != nil {
		return err
	}

	for range nLayers {
		layer, err := readUint32(r)
		if err != nil {
			return err
		}
		if int(layer) >= c.hparams.NLayer || !c.ownsLayer(int(layer)) {
			return fmt.Errorf("%w: layer %d is not backed by this cache", ErrStateRestore, layer)
		}

		c.ensureLayer(int(layer))
		key, value := c.keys[int(layer)], c.values[int(layer)]

		for _, t := range []struct {
			dtype   ml.DType
			rowSize int
			bytes   []byte
		}{
			{c.typeK, key.Stride(2), key.Bytes()},
			{c.typeV, value.Stride(2), value.Bytes()},
		} {
			name, err := readString(r)
			if err != nil {
				return err
			}
			if ml.DTypeFromString(name) != t.dtype {
				return fmt.Errorf("%w: element type mismatch (%s != %s)", ErrStateRestore, name, t.dtype)
			}

			rowSize, err := readUint64(r)
			if err != nil {
				return err
			}
			if int(rowSize) != t.rowSize {
				return fmt.Errorf("%w: row size mismatch (%d != %d)", ErrStateRestore, rowSize, t.rowSize)
			}

			if nCells > 0 {
				off := start * t.rowSize
				if err := r.Read(t.bytes[off : off+int(nCells)*t.rowSize]); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// findContiguous locates a run of n free slots, or -1.
func (c *Unified) findContiguous(n int) int {
	run := 0
	for i := range c.cells {
		if c.cells[i].free() {
			run++
			if run == n {
				return i - n + 1
			}
		} else {
			run = 0
		}
	}
	return -1
}
