package model

import (
	"fmt"

	"github.com/23skdu/longbow-cdaiqa/internal/device"
)

// FeatureAggregator concatenates the patch tokens of the captured feature
// layers along the channel axis.
type FeatureAggregator struct {
	Backend device.Backend
	Layers  []int
}

func NewFeatureAggregator(layers []int, backend device.Backend) *FeatureAggregator {
	return &FeatureAggregator{Backend: backend, Layers: append([]int(nil), layers...)}
}

// Forward returns (B·(T-1), len(Layers)·D) features and the number of patch
// tokens per image. Every layer must have been captured with the same shape.
func (a *FeatureAggregator) Forward(c *Capture, batch int) (device.Tensor, int, error) {
	if batch <= 0 {
		return nil, 0, fmt.Errorf("%w: batch must be positive", ErrShape)
	}

	var rows, dim int
	sources := make([][]float32, len(a.Layers))
	for i, layer := range a.Layers {
		t, ok := c.Output(layer)
		if !ok {
			return nil, 0, fmt.Errorf("%w: block %d (captured %v)", ErrMissingLayer, layer, c.Indices())
		}
		r, d := t.Dims()
		if i == 0 {
			rows, dim = r, d
		} else if r != rows || d != dim {
			return nil, 0, fmt.Errorf("%w: block %d output is (%d, %d), expected (%d, %d)", ErrShape, layer, r, d, rows, dim)
		}
		sources[i] = tensorData(t)
	}
	if rows%batch != 0 || rows/batch < 2 {
		return nil, 0, fmt.Errorf("%w: %d captured rows for batch %d", ErrShape, rows, batch)
	}

	seqLen := rows / batch
	tokens := seqLen - 1
	width := len(a.Layers) * dim
	out := a.Backend.GetTensor(batch*tokens, width)
	dst := out.Data()
	for b := 0; b < batch; b++ {
		for t := 0; t < tokens; t++ {
			row := dst[(b*tokens+t)*width : (b*tokens+t+1)*width]
			srcRow := (b*seqLen + t + 1) * dim
			for i, src := range sources {
				copy(row[i*dim:(i+1)*dim], src[srcRow:srcRow+dim])
			}
		}
	}
	return out, tokens, nil
}
