// Package cpu - Referenz-Backend ohne externe Kernel
//
// Dieses Modul implementiert das ml.Backend-Interface ueber rohe
// Byte-Puffer im Prozess-Speicher. Es dient als Platzierungs-Backend
// fuer den Cache-Layer und fuer Tests; es fuehrt keine Attention-Mathematik
// aus. Operationen (Copy, SetRows) werden eager ausgefuehrt, Forward und
// Compute sind reine Synchronisationspunkte.
package cpu

import (
	"github.com/seqmem/seqmem/ml"
)

type Backend struct{}

func New() *Backend {
	return &Backend{}
}

func (b *Backend) Close() {}

func (b *Backend) NewContext() ml.Context {
	return &Context{b: b}
}

func (b *Backend) NewContextSize(size int) ml.Context {
	return &Context{b: b}
}

func (b *Backend) CacheConfig() ml.CacheConfig {
	// no kernel alignment requirements on the reference backend
	return ml.CacheConfig{CachePadding: 1, MaskDType: ml.DTypeF32}
}

type Context struct {
	b *Backend
}

func (c *Context) Empty(dtype ml.DType, shape ...int) ml.Tensor {
	return newTensor(dtype, shape)
}

func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return newTensor(dtype, shape)
}

func (c *Context) FromFloats(s []float32, shape ...int) ml.Tensor {
	t := newTensor(ml.DTypeF32, shape)
	if len(s) != t.elems() {
		panic("cpu: source length does not match tensor shape")
	}
	t.fromFloats(s)
	return t
}

func (c *Context) FromInts(s []int32, shape ...int) ml.Tensor {
	t := newTensor(ml.DTypeI32, shape)
	if len(s) != t.elems() {
		panic("cpu: source length does not match tensor shape")
	}
	t.fromInts(s)
	return t
}

// Forward is a no-op: tensor operations on this backend execute eagerly at
// the point they are created.
func (c *Context) Forward(tensors ...ml.Tensor) ml.Context {
	return c
}

func (c *Context) Compute(tensors ...ml.Tensor) {}

func (c *Context) Input() ml.Context {
	return c
}

func (c *Context) Layer(int) ml.Context {
	return c
}

func (c *Context) Close() {}
