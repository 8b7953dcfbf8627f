// recurrent_tensors.go - Zustandspuffer des Recurrent-Caches
// Dieses Modul verwaltet die per-Layer Conv- und SSM-Puffer und die
// Gather/Scatter-Zugriffe der aktuellen Micro-Batch-Slots.
package kvcache

import (
	"fmt"

	"github.com/seqmem/seqmem/ml"
)

func (c *Recurrent) SetLayer(layer int) {
	c.curLayer = layer
}

func (c *Recurrent) ownsLayer(layer int) bool {
	return c.filter == nil || c.filter(layer)
}

// ensureLayer allocates the conv and ssm buffers for layer on first use.
// Rows are slots, so a sequence's state lives at its slot index.
func (c *Recurrent) ensureLayer(layer int) {
	if !c.ownsLayer(layer) {
		panic(fmt.Errorf("layer %v is not backed by this cache", layer))
	}

	if _, ok := c.ctxs[layer]; ok {
		return
	}

	ctx := c.backend.NewContextSize(2)
	if c.offload {
		ctx = ctx.Layer(layer)
	}
	c.ctxs[layer] = ctx

	if embdR := c.hparams.EmbdR(); embdR > 0 {
		c.rStates[layer] = ctx.Zeros(c.typeR, embdR, c.nSlots)
	}
	if embdS := c.hparams.EmbdS(); embdS > 0 {
		c.sStates[layer] = ctx.Zeros(c.typeS, embdS, c.nSlots)
	}
}

func (c *Recurrent) slotsInput(ctx ml.Context) ml.Tensor {
	if c.curSlotsInput == nil {
		c.curSlotsInput = ctx.Input().FromInts(c.curSlots, len(c.curSlots))
	}
	return c.curSlotsInput
}

// ConvState gathers the conv states of the staged sequences as
// [embdR, nSeqs].
func (c *Recurrent) ConvState(ctx ml.Context) ml.Tensor {
	c.ensureLayer(c.curLayer)
	return c.rStates[c.curLayer].Rows(ctx, c.slotsInput(ctx))
}

// SetConvState scatters the updated conv states back to their slots. The
// rows of state must match the staged sequence order.
func (c *Recurrent) SetConvState(ctx ml.Context, state ml.Tensor) {
	c.ensureLayer(c.curLayer)

	buf := c.rStates[c.curLayer]
	state = state.Reshape(ctx, buf.Dim(0), len(c.curSlots))
	ctx.Forward(buf.SetRows(ctx, state, c.slotsInput(ctx)))
}

// SSMState gathers the ssm states of the staged sequences as
// [embdS, nSeqs].
func (c *Recurrent) SSMState(ctx ml.Context) ml.Tensor {
	c.ensureLayer(c.curLayer)
	return c.sStates[c.curLayer].Rows(ctx, c.slotsInput(ctx))
}

// SetSSMState scatters the updated ssm states back to their slots.
func (c *Recurrent) SetSSMState(ctx ml.Context, state ml.Tensor) {
	c.ensureLayer(c.curLayer)

	buf := c.sStates[c.curLayer]
	state = state.Reshape(ctx, buf.Dim(0), len(c.curSlots))
	ctx.Forward(buf.SetRows(ctx, state, c.slotsInput(ctx)))
}
