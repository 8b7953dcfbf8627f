// backend.go - Backend-Interface fuer Buffer-Platzierung
// Dieses Modul definiert das Backend-Interface, das der Cache-Layer
// ausschliesslich zur Platzierung von Puffern verwendet. Die eigentliche
// Attention-Berechnung findet ausserhalb statt und wird ueber Callbacks
// eingereicht.
package ml

// Backend represents a device handle used by the cache layer to place
// buffers. It is never dereferenced for compute.
type Backend interface {
	// Close frees all memory associated with this backend
	Close()

	NewContext() Context

	// NewContextSize creates a context that expects at most size graph nodes
	NewContextSize(size int) Context
}

// BackendCacheConfig should be implemented by backends that need special
// output from the cache to meet specific requirements.
type BackendCacheConfig interface {
	CacheConfig() CacheConfig
}

// CacheConfig controls optimizations (mostly backend-specific) that may
// transform the output of the cache to work better with specific kernels.
type CacheConfig struct {
	// CachePadding specifies the multiple for the number of tokens of cache
	// history that will be returned from cache Get for k, v and mask. The
	// capacity of the cache itself will also be increased to a multiple of
	// this size if needed.
	CachePadding int

	// MaskDType specifies the data type for generating the mask. If unset it
	// will default to DTypeF32.
	MaskDType DType
}
