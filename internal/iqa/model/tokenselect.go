package model

import (
	"fmt"
	"math"
	"sort"

	"github.com/23skdu/longbow-cdaiqa/internal/device"
	"github.com/23skdu/longbow-cdaiqa/internal/simd"
)

// TokenSelector reduces or rewrites the token sequence inside the backbone.
// x holds batch sequences of seqLen rows each (row 0 is CLS). It returns the
// new sequences and their length; returning x itself means no change.
type TokenSelector interface {
	Select(x device.Tensor, batch, seqLen int) (device.Tensor, int, error)
}

// IdentitySelector keeps every token.
type IdentitySelector struct{}

func (IdentitySelector) Select(x device.Tensor, _, seqLen int) (device.Tensor, int, error) {
	return x, seqLen, nil
}

// MaskSelector keeps the patch tokens most similar to the CLS token and
// replaces the rest with their mean, so the grid layout downstream survives.
type MaskSelector struct {
	Backend   device.Backend
	KeepRatio float64
}

func NewMaskSelector(keepRatio float64, backend device.Backend) *MaskSelector {
	return &MaskSelector{Backend: backend, KeepRatio: keepRatio}
}

func (s *MaskSelector) Select(x device.Tensor, batch, seqLen int) (device.Tensor, int, error) {
	rows, dim := x.Dims()
	if rows != batch*seqLen || seqLen < 2 {
		return nil, 0, fmt.Errorf("%w: selector got %d rows for %d sequences of %d", ErrShape, rows, batch, seqLen)
	}
	patches := seqLen - 1
	keep := int(math.Ceil(s.KeepRatio * float64(patches)))
	if keep >= patches {
		return x, seqLen, nil
	}

	out := s.Backend.GetTensor(rows, dim)
	out.Copy(x)
	data := out.Data()

	order := make([]int, patches)
	sim := make([]float32, patches)
	fused := make([]float32, dim)
	for b := 0; b < batch; b++ {
		seq := data[b*seqLen*dim : (b+1)*seqLen*dim]
		cls := seq[:dim]
		clsNorm := norm(cls)
		for i := 0; i < patches; i++ {
			tok := seq[(i+1)*dim : (i+2)*dim]
			sim[i] = simd.DotProduct(cls, tok) / (clsNorm*norm(tok) + 1e-6)
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool { return sim[order[a]] > sim[order[b]] })

		for j := range fused {
			fused[j] = 0
		}
		dropped := order[keep:]
		for _, i := range dropped {
			simd.VecAdd(fused, seq[(i+1)*dim:(i+2)*dim])
		}
		simd.VecScale(fused, 1/float32(len(dropped)))
		for _, i := range dropped {
			copy(seq[(i+1)*dim:(i+2)*dim], fused)
		}
	}
	return out, seqLen, nil
}

func norm(v []float32) float32 {
	return float32(math.Sqrt(float64(simd.DotProduct(v, v))))
}
