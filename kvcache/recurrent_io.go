// recurrent_io.go - Zustands-Serialisierung des Recurrent-Caches
// Dieses Modul schreibt und liest den Checkpoint des Recurrent-Caches:
// Schrittzaehler pro Sequenz, danach pro Layer die Zustandszeilen der
// serialisierten Sequenzen als rohe Byte-Bereiche.
package kvcache

import (
	"fmt"
	"slices"

	"github.com/seqmem/seqmem/ml"
)

// ioSeqs returns the sequences scoped to seq in serialization order.
func (c *Recurrent) ioSeqs(seq int) []int {
	if seq >= 0 {
		if _, ok := c.slotForSeq[seq]; !ok {
			return nil
		}
		return []int{seq}
	}
	return c.liveSeqs()
}

func (c *Recurrent) layerIDs() []int {
	layers := make([]int, 0, len(c.ctxs))
	for layer := range c.ctxs {
		layers = append(layers, layer)
	}
	slices.Sort(layers)
	return layers
}

func (c *Recurrent) StateWrite(w StateWriter, seq int, flags StateFlags) error {
	seqs := c.ioSeqs(seq)

	if err := writeUint32(w, uint32(len(seqs))); err != nil {
		return err
	}
	for _, s := range seqs {
		if seq < 0 {
			if err := writeInt32(w, int32(s)); err != nil {
				return err
			}
		}
		if err := writeInt32(w, c.pos[s]); err != nil {
			return err
		}
	}

	layers := c.layerIDs()
	if err := writeUint32(w, uint32(len(layers))); err != nil {
		return err
	}

	for _, layer := range layers {
		if err := writeUint32(w, uint32(layer)); err != nil {
			return err
		}
		if err := c.writeStateRows(w, c.rStates[layer], c.typeR, seqs); err != nil {
			return err
		}
		if err := c.writeStateRows(w, c.sStates[layer], c.typeS, seqs); err != nil {
			return err
		}
	}

	return nil
}

// writeStateRows emits the element type, the row size and one state row
// per sequence. A nil buffer (the model has no state of this kind) is
// written as a zero row size with no rows.
func (c *Recurrent) writeStateRows(w StateWriter, buf ml.Tensor, dtype ml.DType, seqs []int) error {
	if err := writeString(w, dtype.String()); err != nil {
		return err
	}

	if buf == nil {
		return writeUint64(w, 0)
	}

	rowSize := buf.Stride(1)
	if err := writeUint64(w, uint64(rowSize)); err != nil {
		return err
	}

	for _, s := range seqs {
		slot := c.slotForSeq[s]
		if err := w.WriteTensor(buf, slot*rowSize, rowSize); err != nil {
			return err
		}
	}

	return nil
}

func (c *Recurrent) StateRead(r StateReader, seq int, flags StateFlags) error {
	nSeqs, err := readUint32(r)
	if err != nil {
		return err
	}
	if int(nSeqs) > c.nSlots || (seq >= 0 && nSeqs > 1) {
		return fmt.Errorf("%w: %d sequences exceed slot capacity %d", ErrStateRestore, nSeqs, c.nSlots)
	}

	// read and validate all metadata before mutating anything
	ids := make([]int, nSeqs)
	positions := make([]int32, nSeqs)
	for i := range ids {
		if seq < 0 {
			id, err := readInt32(r)
			if err != nil {
				return err
			}
			if id < 0 || int(id) >= c.maxSequences {
				return fmt.Errorf("%w: sequence id %d out of range [0, %d)", ErrStateRestore, id, c.maxSequences)
			}
			ids[i] = int(id)
		} else {
			ids[i] = seq
		}

		pos, err := readInt32(r)
		if err != nil {
			return err
		}
		if pos < 0 {
			return fmt.Errorf("%w: negative position %d", ErrStateRestore, pos)
		}
		positions[i] = pos
	}

	if seq < 0 {
		c.Clear(false)
	} else {
		c.release(seq)
	}

	slots := make(map[int]int, nSeqs)
	for i, id := range ids {
		slot, err := c.allocSlot()
		if err != nil {
			return fmt.Errorf("%w: no free slot for sequence %d", ErrStateRestore, id)
		}
		c.slotForSeq[id] = slot
		c.refCount[slot] = 1
		c.pos[id] = positions[i]
		slots[id] = slot
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

		if err := c.readStateRows(r, c.rStates[int(layer)], c.typeR, ids, slots); err != nil {
			return err
		}
		if err := c.readStateRows(r, c.sStates[int(layer)], c.typeS, ids, slots); err != nil {
			return err
		}
	}

	return nil
}

func (c *Recurrent) readStateRows(r StateReader, buf ml.Tensor, dtype ml.DType, ids []int, slots map[int]int) error {
	name, err := readString(r)
	if err != nil {
		return err
	}
	if ml.DTypeFromString(name) != dtype {
		return fmt.Errorf("%w: element type mismatch (%s != %s)", ErrStateRestore, name, dtype)
	}

	rowSize, err := readUint64(r)
	if err != nil {
		return err
	}

	if buf == nil {
		if rowSize != 0 {
			return fmt.Errorf("%w: unexpected state rows of %d bytes", ErrStateRestore, rowSize)
		}
		return nil
	}

	if int(rowSize) != buf.Stride(1) {
		return fmt.Errorf("%w: row size mismatch (%d != %d)", ErrStateRestore, rowSize, buf.Stride(1))
	}

	b := buf.Bytes()
	for _, id := range ids {
		off := slots[id] * int(rowSize)
		if err := r.Read(b[off : off+int(rowSize)]); err != nil {
			return err
		}
	}

	return nil
}
