package model

import (
	"fmt"

	"github.com/23skdu/longbow-cdaiqa/internal/device"
)

// ScoreHead predicts a score and a reliability weight for every token and
// reduces them to one weighted-average score per image.
type ScoreHead struct {
	Backend device.Backend
	Score1  *Linear
	Score2  *Linear
	Weight1 *Linear
	Weight2 *Linear
	Drop    *Dropout
	Epsilon float32
}

func NewScoreHead(dim, outputs int, drop float64, eps float32, backend device.Backend) *ScoreHead {
	return &ScoreHead{
		Backend: backend,
		Score1:  NewLinear(dim, dim, backend),
		Score2:  NewLinear(dim, outputs, backend),
		Weight1: NewLinear(dim, dim, backend),
		Weight2: NewLinear(dim, outputs, backend),
		Drop:    NewDropout(drop),
		Epsilon: eps,
	}
}

// Forward scores all B·L token rows of x in one pass and reduces per image.
func (h *ScoreHead) Forward(x device.Tensor, batch int) ([]float32, error) {
	rows, _ := x.Dims()
	if batch <= 0 || rows%batch != 0 {
		return nil, fmt.Errorf("%w: %d token rows for batch %d", ErrShape, rows, batch)
	}

	f := h.branch(x, h.Score1, h.Score2, device.ActivationReLU)
	defer h.Backend.PutTensor(f)
	w := h.branch(x, h.Weight1, h.Weight2, device.ActivationSigmoid)
	defer h.Backend.PutTensor(w)

	return WeightedAverage(tensorData(f), tensorData(w), batch, h.Epsilon)
}

func (h *ScoreHead) branch(x device.Tensor, l1, l2 *Linear, final device.ActivationType) device.Tensor {
	hidden := l1.Forward(x, device.ActivationReLU)
	hidden = h.Drop.Forward(hidden)
	out := l2.Forward(hidden, final)
	h.Backend.PutTensor(hidden)
	return out
}

// WeightedAverage splits scores and weights into batch equal groups and
// returns Σ(score·weight) / max(Σweight, eps) for each group.
func WeightedAverage(scores, weights []float32, batch int, eps float32) ([]float32, error) {
	if len(scores) != len(weights) {
		return nil, fmt.Errorf("%w: %d scores and %d weights", ErrShape, len(scores), len(weights))
	}
	if batch <= 0 || len(scores)%batch != 0 {
		return nil, fmt.Errorf("%w: %d values for batch %d", ErrShape, len(scores), batch)
	}
	per := len(scores) / batch
	out := make([]float32, batch)
	for b := 0; b < batch; b++ {
		var num, den float64
		for i := b * per; i < (b+1)*per; i++ {
			num += float64(scores[i]) * float64(weights[i])
			den += float64(weights[i])
		}
		if den < float64(eps) {
			den = float64(eps)
		}
		out[b] = float32(num / den)
	}
	return out, nil
}

func (h *ScoreHead) parameters() []Parameter {
	params := h.Score1.parameters("fc_score.0")
	params = append(params, h.Score2.parameters("fc_score.3")...)
	params = append(params, h.Weight1.parameters("fc_weight.0")...)
	return append(params, h.Weight2.parameters("fc_weight.3")...)
}
