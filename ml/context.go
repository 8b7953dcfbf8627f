// context.go - Context und Tensor Interfaces fuer ML-Operationen
// Dieses Modul definiert die Schnittstellen fuer Tensor-Zugriffe und
// Compute-Kontexte, soweit der Cache-Layer sie konsumiert.
package ml

// Context represents an execution context for tensor operations. Contexts
// are not safe for concurrent use; each inference context owns its own.
type Context interface {
	Empty(dtype DType, shape ...int) Tensor
	Zeros(dtype DType, shape ...int) Tensor
	FromFloats(s []float32, shape ...int) Tensor
	FromInts(s []int32, shape ...int) Tensor

	// Forward submits operation results for execution. The cache layer only
	// submits buffer movement (Copy, SetRows); it never builds compute math.
	Forward(...Tensor) Context

	// Compute is a synchronization point: all forwarded operations are
	// guaranteed to have executed once it returns.
	Compute(...Tensor)

	// Input returns a context appropriate for creating tensors that are
	// inputs to the model (which includes things like storage locations)
	Input() Context

	// Layer returns a context appropriate for creating buffers that live
	// alongside the given layer's weights (device placement hint)
	Layer(int) Context

	Close()
}

// Tensor represents a multi-dimensional array over a backend buffer.
//
// Strides are expressed in bytes. Dimension 0 is the innermost dimension.
type Tensor interface {
	Dim(n int) int
	Stride(n int) int

	Shape() []int
	DType() DType

	// Bytes exposes the raw backing bytes of the tensor. For views this is
	// the viewed region only if it is contiguous.
	Bytes() []byte
	SetBytes([]byte)
	Floats() []float32

	Cast(ctx Context, dtype DType) Tensor
	Reshape(ctx Context, shape ...int) Tensor

	// View creates a view at a byte offset. The variadic arguments alternate
	// dimension sizes and byte strides: dim0, stride1, dim1, stride2, dim2.
	View(ctx Context, offset int, shape ...int) Tensor

	// Copy copies the receiver into t2 when forwarded through a context
	Copy(ctx Context, t2 Tensor) Tensor

	// Rows gathers rows of a matrix by index
	Rows(ctx Context, idxs Tensor) Tensor

	// SetRows scatters rows of src into the receiver at the given indices
	// when forwarded through a context
	SetRows(ctx Context, src, idxs Tensor) Tensor
}
