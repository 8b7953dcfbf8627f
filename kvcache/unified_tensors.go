// unified_tensors.go - Tensor-Operationen (Get/Put) und Maske
// Dieses Modul enthaelt die Compute-seitigen Zugriffe des Unified-Caches:
// SetLayer, Get, Put, Lazy-Allokation der K/V-Puffer und den Aufbau der
// Kausalitaetsmaske ueber den aktuellen Zell-Bereich.
package kvcache

import (
	"fmt"
	"math"

	"github.com/seqmem/seqmem/ml"
)

func (c *Unified) SetLayer(layer int) {
	c.curLayer = layer
}

func (c *Unified) ownsLayer(layer int) bool {
	return c.filter == nil || c.filter(layer)
}

// ensureLayer lazily allocates the K/V buffers for a layer. Buffer shape is
// embed dim x kv heads x capacity; placement follows the layer's device
// when offloading is enabled.
func (c *Unified) ensureLayer(layer int) {
	if !c.ownsLayer(layer) {
		panic(fmt.Errorf("layer %v is not backed by this cache", layer))
	}

	if _, ok := c.ctxs[layer]; !ok {
		ctx := c.backend.NewContextSize(2)
		if c.offload {
			ctx = ctx.Layer(layer)
		}
		c.ctxs[layer] = ctx
	}

	if _, ok := c.keys[layer]; !ok {
		c.keys[layer] = c.ctxs[layer].Zeros(c.typeK, c.hparams.NEmbdHeadK, c.hparams.NHeadKV, len(c.cells))
	}

	if _, ok := c.values[layer]; !ok {
		c.values[layer] = c.ctxs[layer].Zeros(c.typeV, c.hparams.NEmbdHeadV, c.hparams.NHeadKV, len(c.cells))
	}
}

// Get returns the key and value history for the active layer plus a mask
// for attending to past tokens.
//
// The tensors are of shape embed dim, kv heads, history size.
// The mask is of shape history size, batch size.
func (c *Unified) Get(ctx ml.Context) (ml.Tensor, ml.Tensor, ml.Tensor) {
	c.ensureLayer(c.curLayer)

	key := c.keys[c.curLayer]
	value := c.values[c.curLayer]

	if c.curMask == nil {
		c.curMask = c.buildMask(ctx)
	}

	kHeadDim := key.Dim(0)
	numKVHeads := key.Dim(1)
	rowSize := key.Stride(2)
	cachedSize := c.curMask.Dim(0)

	key = key.View(ctx, rowSize*c.curCellRange.min,
		kHeadDim, key.Stride(1),
		numKVHeads, key.Stride(2),
		cachedSize,
	)

	vHeadDim := value.Dim(0)
	vRowSize := value.Stride(2)

	value = value.View(ctx, vRowSize*c.curCellRange.min,
		vHeadDim, value.Stride(1),
		numKVHeads, value.Stride(2),
		cachedSize,
	)

	return key, value, c.curMask
}

// Put stores a batch of keys and values for the active layer at the slots
// planned for the current micro-batch.
//
// The tensors must be of shape embed dim, kv heads, batch size.
func (c *Unified) Put(ctx ml.Context, key, value ml.Tensor) {
	kHeadDim := key.Dim(0)
	vHeadDim := value.Dim(0)
	numKVHeads := key.Dim(1)
	batchSize := key.Dim(2)

	if c.curBatchSize != batchSize {
		panic(fmt.Errorf("inconsistent batch sizes (layer: %v, batch size: %v layer batch size: %v)", c.curLayer, c.curBatchSize, batchSize))
	}

	c.ensureLayer(c.curLayer)

	if c.curLoc == nil {
		c.curLoc = ctx.Input().FromInts(c.curLocs, len(c.curLocs))
	}

	key = key.Reshape(ctx, kHeadDim*numKVHeads, batchSize)
	keyCache := c.keys[c.curLayer].Reshape(ctx, c.hparams.EmbdK(), len(c.cells))
	ctx.Forward(keyCache.SetRows(ctx, key, c.curLoc))

	value = value.Reshape(ctx, vHeadDim*numKVHeads, batchSize)
	valueCache := c.values[c.curLayer].Reshape(ctx, c.hparams.EmbdV(), len(c.cells))
	ctx.Forward(valueCache.SetRows(ctx, value, c.curLoc))
}

// buildMask creates a history x batch mask indicating, for each token in
// the batch, which cells in the history it may attend to. Based on the
// sequence, causality and the sliding window.
func (c *Unified) buildMask(ctx ml.Context) ml.Tensor {
	c.curCellRange.min = roundDown(c.curCellRange.min, c.config.CachePadding)
	c.curCellRange.max = roundUp(c.curCellRange.max+1, c.config.CachePadding) - 1

	length := c.curCellRange.max - c.curCellRange.min + 1

	mask := make([]float32, c.curBatchSize*length)

	for i := range c.curBatchSize {
		for j := c.curCellRange.min; j <= c.curCellRange.max; j++ {
			if !c.cells[j].has(c.curSequences[i]) ||
				(c.curCausal && c.cells[j].pos > c.curPositions[i]) ||
				c.cells[j].pos < c.curPositions[i]-c.swaWindowSize {
				mask[i*length+(j-c.curCellRange.min)] = float32(math.Inf(-1))
			}
		}
	}

	maskTensor := ctx.Input().FromFloats(mask, length, c.curBatchSize)

	if c.config.MaskDType != ml.DTypeF32 {
		maskTensor = maskTensor.Cast(ctx, c.config.MaskDType)
	}

	return maskTensor
}
