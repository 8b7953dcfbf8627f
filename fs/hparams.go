// Package fs - Hyperparameter-Buendel des Modells
//
// Dieses Modul definiert den festen Hyperparameter-Satz, den der
// Cache-Layer bei der Konstruktion konsumiert: Layer-Anzahl, Head-
// Dimensionen, Sliding-Window- und Recurrence-Flags pro Layer sowie
// die SSM-Dimensionen. Nach der Konstruktion unveraenderlich.
package fs

// Hparams is the fixed hyperparameter bundle supplied once at cache
// construction. It is produced by the model loader, which is outside this
// module.
type Hparams struct {
	NLayer int

	// attention head dimensions; key and value dims may differ
	NEmbdHeadK int
	NEmbdHeadV int
	NHeadKV    int

	// NSWA is the sliding window size in tokens; zero disables windowing
	NSWA int32

	// per-layer flags; an empty set means no layer has the property
	SWALayers       LayerSet
	RecurrentLayers LayerSet

	// state-space dimensions for recurrent layers
	SSMDConv  int
	SSMDInner int
	SSMDState int
	SSMNGroup int
}

// LayerSet marks a subset of layer indices.
type LayerSet map[int]bool

func NewLayerSet(layers ...int) LayerSet {
	s := make(LayerSet, len(layers))
	for _, il := range layers {
		s[il] = true
	}
	return s
}

func (h Hparams) IsSWA(il int) bool {
	return h.SWALayers[il]
}

func (h Hparams) IsRecurrent(il int) bool {
	return h.RecurrentLayers[il]
}

// EmbdK returns the per-token key row length in elements for one layer.
func (h Hparams) EmbdK() int {
	return h.NEmbdHeadK * h.NHeadKV
}

// EmbdV returns the per-token value row length in elements for one layer.
func (h Hparams) EmbdV() int {
	return h.NEmbdHeadV * h.NHeadKV
}

// EmbdR returns the conv state row length in elements for one recurrent layer.
func (h Hparams) EmbdR() int {
	if h.SSMDConv <= 0 {
		return 0
	}
	return (h.SSMDConv - 1) * (h.SSMDInner + 2*h.SSMNGroup*h.SSMDState)
}

// EmbdS returns the ssm state row length in elements for one recurrent layer.
func (h Hparams) EmbdS() int {
	return h.SSMDState * h.SSMDInner
}
