package model

import (
	"math"
	"math/rand"

	"github.com/23skdu/longbow-cdaiqa/internal/device"
)

// Init selects how a parameter is filled when no checkpoint provides it.
type Init int

const (
	InitXavier Init = iota
	InitZeros
	InitOnes
	InitNormal // N(0, 0.02), used for tokens, position embeddings and bias tables
)

// Parameter is one named checkpoint tensor bound to model storage.
// Shape is the checkpoint shape (PyTorch layout); Load receives data in that
// layout and converts it to the in-memory layout, Save does the reverse.
type Parameter struct {
	Name  string
	Shape []int
	Init  Init
	Load  func(data []float32)
	Save  func() []float32
}

// Size returns the number of elements the parameter expects.
func (p Parameter) Size() int {
	return shapeSize(p.Shape)
}

// tensorParam binds a tensor stored in checkpoint order.
func tensorParam(name string, t device.Tensor, init Init, shape ...int) Parameter {
	return Parameter{
		Name:  name,
		Shape: shape,
		Init:  init,
		Load:  t.CopyFromFloat32,
		Save:  t.ToHost,
	}
}

// transposedParam binds a (in, out) tensor whose checkpoint is stored (out, in, ...).
func transposedParam(name string, t device.Tensor, shape []int) Parameter {
	return Parameter{
		Name:  name,
		Shape: shape,
		Init:  InitXavier,
		Load: func(data []float32) {
			in, out := t.Dims()
			buf := make([]float32, len(data))
			for o := 0; o < out; o++ {
				for i := 0; i < in; i++ {
					buf[i*out+o] = data[o*in+i]
				}
			}
			t.CopyFromFloat32(buf)
		},
		Save: func() []float32 {
			in, out := t.Dims()
			src := t.ToHost()
			buf := make([]float32, len(src))
			for i := 0; i < in; i++ {
				for o := 0; o < out; o++ {
					buf[o*in+i] = src[i*out+o]
				}
			}
			return buf
		},
	}
}

func sliceParam(name string, dst []float32, init Init, shape ...int) Parameter {
	return Parameter{
		Name:  name,
		Shape: shape,
		Init:  init,
		Load:  func(data []float32) { copy(dst, data) },
		Save:  func() []float32 { return append([]float32(nil), dst...) },
	}
}

// initParameters fills every parameter from rng according to its Init kind.
func initParameters(params []Parameter, rng *rand.Rand) {
	for _, p := range params {
		data := make([]float32, p.Size())
		switch p.Init {
		case InitXavier:
			xavierInit(data, p.Shape, rng)
		case InitOnes:
			for i := range data {
				data[i] = 1
			}
		case InitNormal:
			for i := range data {
				data[i] = float32(rng.NormFloat64() * 0.02)
			}
		case InitZeros:
		}
		p.Load(data)
	}
}

// xavierInit fills data with Xavier/Glorot uniform values for a (out, in, k...) weight.
func xavierInit(data []float32, shape []int, rng *rand.Rand) {
	fanIn, fanOut := 1, 1
	if len(shape) >= 2 {
		receptive := shapeSize(shape[2:])
		fanOut = shape[0] * receptive
		fanIn = shape[1] * receptive
	} else if len(shape) == 1 {
		fanIn, fanOut = shape[0], shape[0]
	}
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	for i := range data {
		data[i] = float32((rng.Float64()*2 - 1) * limit)
	}
}
