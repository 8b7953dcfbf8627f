// io.go - Serialisierungs-Vertrag fuer Session-Persistenz
// Dieses Modul definiert die geordneten Schreib/Lese-Primitiven des
// Checkpoint-Formats: Laengen-praefigierte Strings, rohe Tensor-Bereiche
// und Byte-Zaehler. Das Protokoll ist durch die Lese-Reihenfolge des
// Aufrufers selbstbeschreibend, nicht durch eingebettete Metadaten.
package kvcache

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/seqmem/seqmem/ml"
)

// StateFlags restricts what state is serialized.
type StateFlags uint32

const (
	// StateFlagsSWAOnly serializes only the windowed/short-term state of a
	// sliding-window cache. All other bits are reserved and must be zero.
	StateFlagsSWAOnly StateFlags = 1 << 0
)

// StateWriter receives the ordered byte stream of a checkpoint.
type StateWriter interface {
	Write(p []byte) error

	// WriteTensor emits exactly size raw bytes of the tensor starting at
	// the given byte offset.
	WriteTensor(t ml.Tensor, offset, size int) error

	BytesWritten() int
}

// StateReader mirrors StateWriter. Read fills p completely or fails; a
// short stream is surfaced as a restore failure.
type StateReader interface {
	Read(p []byte) error
	BytesRead() int
}

// Writer adapts an io.Writer to the StateWriter contract.
type Writer struct {
	w io.Writer
	n int
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) Write(p []byte) error {
	n, err := w.w.Write(p)
	w.n += n
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	return err
}

func (w *Writer) WriteTensor(t ml.Tensor, offset, size int) error {
	b := t.Bytes()
	if offset < 0 || offset+size > len(b) {
		return fmt.Errorf("tensor region [%d, %d) out of bounds (%d bytes)", offset, offset+size, len(b))
	}
	return w.Write(b[offset : offset+size])
}

func (w *Writer) BytesWritten() int {
	return w.n
}

// Reader adapts an io.Reader to the StateReader contract.
type Reader struct {
	r io.Reader
	n int
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (r *Reader) Read(p []byte) error {
	n, err := io.ReadFull(r.r, p)
	r.n += n
	if err != nil {
		return fmt.Errorf("%w: truncated after %d bytes: %v", ErrStateRestore, r.n, err)
	}
	return nil
}

func (r *Reader) BytesRead() int {
	return r.n
}

func writeUint32(w StateWriter, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return w.Write(b[:])
}

func writeUint64(w StateWriter, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return w.Write(b[:])
}

func writeInt32(w StateWriter, v int32) error {
	return writeUint32(w, uint32(v))
}

// writeString emits a 4-byte little-endian byte-length prefix followed by
// the raw bytes, no terminator.
func writeString(w StateWriter, s string) error {
	if err := writeUint32(w, uint32(len(s))); err != nil {
		return err
	}
	if len(s) == 0 {
		return nil
	}
	return w.Write([]byte(s))
}

func readUint32(r StateReader) (uint32, error) {
	var b [4]byte
	if err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readUint64(r StateReader) (uint64, error) {
	var b [8]byte
	if err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func readInt32(r StateReader) (int32, error) {
	v, err := readUint32(r)
	return int32(v), err
}

func readString(r StateReader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	b := make([]byte, n)
	if err := r.Read(b); err != nil {
		return "", err
	}
	return string(b), nil
}
