package model

import (
	"github.com/23skdu/longbow-cdaiqa/internal/device"
)

// Linear is a dense layer. Weight is stored (in, out).
type Linear struct {
	Backend device.Backend
	In      int
	Out     int
	Weight  device.Tensor
	Bias    device.Tensor
}

func NewLinear(in, out int, backend device.Backend) *Linear {
	return &Linear{
		Backend: backend,
		In:      in,
		Out:     out,
		Weight:  backend.NewTensor(in, out, nil),
		Bias:    backend.NewTensor(1, out, nil),
	}
}

// Forward returns act(x * Weight + Bias) in a pooled tensor.
func (l *Linear) Forward(x device.Tensor, act device.ActivationType) device.Tensor {
	return x.LinearActivation(x, l.Weight, l.Bias, act)
}

func (l *Linear) parameters(prefix string) []Parameter {
	return []Parameter{
		transposedParam(prefix+".weight", l.Weight, []int{l.Out, l.In}),
		tensorParam(prefix+".bias", l.Bias, InitZeros, l.Out),
	}
}

// LayerNorm implements Layer Normalization over the channel axis.
type LayerNorm struct {
	Backend device.Backend
	Size    int
	Gamma   device.Tensor
	Beta    device.Tensor
	Eps     float32
}

func NewLayerNorm(size int, eps float32, backend device.Backend) *LayerNorm {
	ones := make([]float32, size)
	for i := range ones {
		ones[i] = 1.0
	}
	return &LayerNorm{
		Backend: backend,
		Size:    size,
		Gamma:   backend.NewTensor(1, size, ones),
		Beta:    backend.NewTensor(1, size, nil),
		Eps:     eps,
	}
}

// Forward returns a normalised copy of input; the residual stream is left untouched.
func (l *LayerNorm) Forward(input device.Tensor) device.Tensor {
	r, c := input.Dims()
	out := l.Backend.GetTensor(r, c)
	out.Copy(input)
	out.LayerNorm(l.Gamma, l.Beta, l.Eps)
	return out
}

func (l *LayerNorm) parameters(prefix string) []Parameter {
	return []Parameter{
		tensorParam(prefix+".weight", l.Gamma, InitOnes, l.Size),
		tensorParam(prefix+".bias", l.Beta, InitZeros, l.Size),
	}
}

// Dropout is identity at inference.
type Dropout struct {
	Rate float64
}

func NewDropout(rate float64) *Dropout {
	return &Dropout{Rate: rate}
}

func (d *Dropout) Forward(t device.Tensor) device.Tensor {
	return t
}
