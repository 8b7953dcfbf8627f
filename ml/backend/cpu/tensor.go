// tensor.go - Tensor-Implementierung ueber Byte-Puffer
// Dieses Modul enthaelt die dichte Tensor-Darstellung des CPU-Backends:
// Shapes, Byte-Strides, Views sowie Copy/Rows/SetRows/Cast.
package cpu

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/seqmem/seqmem/ml"
)

// Tensor is a dense tensor over a byte slice. Views share the backing
// storage of their parent. Dimension 0 is innermost; strides are in bytes.
type Tensor struct {
	dtype   ml.DType
	dims    []int
	strides []int
	data    []byte
}

func newTensor(dtype ml.DType, shape []int) *Tensor {
	if len(shape) == 0 || len(shape) > 4 {
		panic(fmt.Errorf("cpu: unsupported tensor rank %d", len(shape)))
	}

	dims := make([]int, len(shape))
	copy(dims, shape)

	strides := make([]int, len(shape))
	strides[0] = dtype.Size()
	for i := 1; i < len(shape); i++ {
		strides[i] = strides[i-1] * dims[i-1]
	}

	n := 1
	for _, d := range dims {
		n *= d
	}

	return &Tensor{
		dtype:   dtype,
		dims:    dims,
		strides: strides,
		data:    make([]byte, n*dtype.Size()),
	}
}

func (t *Tensor) elems() int {
	n := 1
	for _, d := range t.dims {
		n *= d
	}
	return n
}

func (t *Tensor) Dim(n int) int {
	if n >= len(t.dims) {
		return 1
	}
	return t.dims[n]
}

func (t *Tensor) Stride(n int) int {
	if n >= len(t.strides) {
		if len(t.strides) == 0 {
			return t.dtype.Size()
		}
		return t.strides[len(t.strides)-1] * t.dims[len(t.dims)-1]
	}
	return t.strides[n]
}

func (t *Tensor) Shape() []int {
	shape := make([]int, len(t.dims))
	copy(shape, t.dims)
	return shape
}

func (t *Tensor) DType() ml.DType {
	return t.dtype
}

// contiguous reports whether the tensor occupies a dense, gap-free region.
func (t *Tensor) contiguous() bool {
	stride := t.dtype.Size()
	for i := range t.dims {
		if t.strides[i] != stride {
			return false
		}
		stride *= t.dims[i]
	}
	return true
}

func (t *Tensor) Bytes() []byte {
	if !t.contiguous() {
		panic("cpu: Bytes on non-contiguous view")
	}
	return t.data[:t.elems()*t.dtype.Size()]
}

func (t *Tensor) SetBytes(b []byte) {
	if !t.contiguous() {
		panic("cpu: SetBytes on non-contiguous view")
	}
	if len(b) != t.elems()*t.dtype.Size() {
		panic(fmt.Errorf("cpu: SetBytes length mismatch (%d != %d)", len(b), t.elems()*t.dtype.Size()))
	}
	copy(t.data, b)
}

func (t *Tensor) Floats() []float32 {
	b := t.Bytes()
	out := make([]float32, t.elems())

	switch t.dtype {
	case ml.DTypeF32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
		}
	case ml.DTypeF16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(b[i*2:])).Float32()
		}
	case ml.DTypeI32:
		for i := range out {
			out[i] = float32(int32(binary.LittleEndian.Uint32(b[i*4:])))
		}
	default:
		panic(fmt.Errorf("cpu: Floats on dtype %v", t.dtype))
	}

	return out
}

func (t *Tensor) fromFloats(s []float32) {
	b := t.data
	switch t.dtype {
	case ml.DTypeF32:
		for i, v := range s {
			binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
		}
	case ml.DTypeF16:
		for i, v := range s {
			binary.LittleEndian.PutUint16(b[i*2:], float16.Fromfloat32(v).Bits())
		}
	default:
		panic(fmt.Errorf("cpu: fromFloats on dtype %v", t.dtype))
	}
}

func (t *Tensor) fromInts(s []int32) {
	for i, v := range s {
		binary.LittleEndian.PutUint32(t.data[i*4:], uint32(v))
	}
}

func (t *Tensor) ints() []int32 {
	if t.dtype != ml.DTypeI32 {
		panic(fmt.Errorf("cpu: ints on dtype %v", t.dtype))
	}
	b := t.Bytes()
	out := make([]int32, t.elems())
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func (t *Tensor) Cast(ctx ml.Context, dtype ml.DType) ml.Tensor {
	if dtype == t.dtype {
		return t
	}

	out := newTensor(dtype, t.dims)
	out.fromFloats(t.Floats())
	return out
}

func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	if !t.contiguous() {
		panic("cpu: Reshape on non-contiguous view")
	}

	out := &Tensor{dtype: t.dtype, data: t.data}
	out.dims = make([]int, len(shape))
	copy(out.dims, shape)
	out.strides = make([]int, len(shape))
	out.strides[0] = t.dtype.Size()
	for i := 1; i < len(shape); i++ {
		out.strides[i] = out.strides[i-1] * out.dims[i-1]
	}

	if out.elems() != t.elems() {
		panic(fmt.Errorf("cpu: Reshape changes element count (%v -> %v)", t.dims, shape))
	}

	return out
}

// View creates a view at a byte offset. The variadic arguments alternate
// dimension sizes and byte strides: dim0[, stride1, dim1[, stride2, dim2]].
func (t *Tensor) View(ctx ml.Context, offset int, shape ...int) ml.Tensor {
	out := &Tensor{dtype: t.dtype, data: t.data[offset:]}

	switch len(shape) {
	case 1:
		out.dims = []int{shape[0]}
		out.strides = []int{t.dtype.Size()}
	case 3:
		out.dims = []int{shape[0], shape[2]}
		out.strides = []int{t.dtype.Size(), shape[1]}
	case 5:
		out.dims = []int{shape[0], shape[2], shape[4]}
		out.strides = []int{t.dtype.Size(), shape[1], shape[3]}
	default:
		panic(fmt.Errorf("cpu: unsupported view shape length %d", len(shape)))
	}

	return out
}

// iterRows calls fn with the byte offset of every innermost contiguous run.
func (t *Tensor) iterRows(fn func(offset, size int)) {
	rowSize := t.dims[0] * t.dtype.Size()

	d1, d2, d3 := t.Dim(1), t.Dim(2), t.Dim(3)
	for i3 := 0; i3 < d3; i3++ {
		for i2 := 0; i2 < d2; i2++ {
			for i1 := 0; i1 < d1; i1++ {
				fn(i1*t.Stride(1)+i2*t.Stride(2)+i3*t.Stride(3), rowSize)
			}
		}
	}
}

// Copy copies the receiver into t2. Executed eagerly; dtypes must match.
func (t *Tensor) Copy(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	dst := t2.(*Tensor)
	if dst.dtype != t.dtype {
		panic(fmt.Errorf("cpu: Copy dtype mismatch (%v -> %v)", t.dtype, dst.dtype))
	}
	if dst.elems() != t.elems() {
		panic(fmt.Errorf("cpu: Copy element count mismatch (%d -> %d)", t.elems(), dst.elems()))
	}

	// gather the source into a staging buffer, then scatter into the
	// destination; handles overlapping views of the same storage
	staging := make([]byte, 0, t.elems()*t.dtype.Size())
	t.iterRows(func(offset, size int) {
		staging = append(staging, t.data[offset:offset+size]...)
	})

	var off int
	dst.iterRows(func(offset, size int) {
		copy(dst.data[offset:offset+size], staging[off:off+size])
		off += size
	})

	return dst
}

// Rows gathers rows of a [rowLen, rows] matrix by index.
func (t *Tensor) Rows(ctx ml.Context, idxs ml.Tensor) ml.Tensor {
	ids := idxs.(*Tensor).ints()
	rowSize := t.Stride(1)

	out := newTensor(t.dtype, []int{t.Dim(0), len(ids)})
	for i, id := range ids {
		if int(id) >= t.Dim(1) {
			panic(fmt.Errorf("cpu: row index %d out of range %d", id, t.Dim(1)))
		}
		copy(out.data[i*rowSize:(i+1)*rowSize], t.data[int(id)*rowSize:(int(id)+1)*rowSize])
	}

	return out
}

// SetRows scatters rows of src into the receiver at the given indices.
// Following the usual kernel contract, src may be F32 regardless of the
// receiver dtype and is converted on store.
func (t *Tensor) SetRows(ctx ml.Context, src, idxs ml.Tensor) ml.Tensor {
	s := src.(*Tensor)
	ids := idxs.(*Tensor).ints()

	if s.Dim(1) != len(ids) {
		panic(fmt.Errorf("cpu: SetRows source rows %d != indices %d", s.Dim(1), len(ids)))
	}
	if s.Dim(0) != t.Dim(0) {
		panic(fmt.Errorf("cpu: SetRows row length mismatch (%d != %d)", s.Dim(0), t.Dim(0)))
	}

	rowSize := t.Stride(1)

	if s.dtype == t.dtype {
		srcRow := s.Stride(1)
		for i, id := range ids {
			if int(id) >= t.Dim(1) {
				panic(fmt.Errorf("cpu: row index %d out of range %d", id, t.Dim(1)))
			}
			copy(t.data[int(id)*rowSize:int(id)*rowSize+rowSize], s.data[i*srcRow:i*srcRow+rowSize])
		}
		return t
	}

	if s.dtype != ml.DTypeF32 {
		panic(fmt.Errorf("cpu: SetRows source must be %v or %v, got %v", t.dtype, ml.DTypeF32, s.dtype))
	}

	vals := s.Floats()
	row := make([]float32, t.Dim(0))
	staging := &Tensor{dtype: t.dtype, dims: []int{t.Dim(0)}, strides: []int{t.dtype.Size()}, data: make([]byte, rowSize)}
	for i, id := range ids {
		if int(id) >= t.Dim(1) {
			panic(fmt.Errorf("cpu: row index %d out of range %d", id, t.Dim(1)))
		}
		copy(row, vals[i*t.Dim(0):(i+1)*t.Dim(0)])
		staging.fromFloats(row)
		copy(t.data[int(id)*rowSize:int(id)*rowSize+rowSize], staging.data)
	}

	return t
}
