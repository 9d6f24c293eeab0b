package model

import (
	"fmt"

	"github.com/23skdu/longbow-cdaiqa/internal/device"
	"github.com/23skdu/longbow-cdaiqa/internal/simd"
)

// Volume is a dense row-major activation of arbitrary rank, NCHW for the
// spatial stages. Device tensors are 2D, so the cross-dimension blocks work on
// volumes and convert at stage boundaries.
type Volume struct {
	Shape []int
	Data  []float32
}

// NewVolume allocates a zeroed volume.
func NewVolume(shape ...int) *Volume {
	return &Volume{Shape: append([]int(nil), shape...), Data: make([]float32, shapeSize(shape))}
}

func shapeSize(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Rank returns the number of axes.
func (v *Volume) Rank() int { return len(v.Shape) }

// Size returns the number of elements.
func (v *Volume) Size() int { return len(v.Data) }

// Clone returns a deep copy.
func (v *Volume) Clone() *Volume {
	out := &Volume{Shape: append([]int(nil), v.Shape...), Data: make([]float32, len(v.Data))}
	copy(out.Data, v.Data)
	return out
}

// Reshape returns a volume sharing storage with v under a new shape.
func (v *Volume) Reshape(shape ...int) (*Volume, error) {
	if shapeSize(shape) != len(v.Data) {
		return nil, fmt.Errorf("%w: cannot reshape %v into %v", ErrShape, v.Shape, shape)
	}
	return &Volume{Shape: append([]int(nil), shape...), Data: v.Data}, nil
}

// Permute returns a contiguous copy with axes reordered: out.Shape[i] = v.Shape[axes[i]].
func (v *Volume) Permute(axes ...int) (*Volume, error) {
	rank := v.Rank()
	if len(axes) != rank {
		return nil, fmt.Errorf("%w: permutation %v for rank %d", ErrShape, axes, rank)
	}
	seen := make([]bool, rank)
	for _, a := range axes {
		if a < 0 || a >= rank || seen[a] {
			return nil, fmt.Errorf("%w: invalid permutation %v", ErrShape, axes)
		}
		seen[a] = true
	}

	strides := make([]int, rank)
	s := 1
	for i := rank - 1; i >= 0; i-- {
		strides[i] = s
		s *= v.Shape[i]
	}

	outShape := make([]int, rank)
	srcStride := make([]int, rank)
	for i, a := range axes {
		outShape[i] = v.Shape[a]
		srcStride[i] = strides[a]
	}

	out := &Volume{Shape: outShape, Data: make([]float32, len(v.Data))}
	if len(out.Data) == 0 {
		return out, nil
	}

	// Walk the output in order with an odometer over the source offsets.
	idx := make([]int, rank)
	src := 0
	for o := range out.Data {
		out.Data[o] = v.Data[src]
		for ax := rank - 1; ax >= 0; ax-- {
			idx[ax]++
			src += srcStride[ax]
			if idx[ax] < outShape[ax] {
				break
			}
			src -= srcStride[ax] * outShape[ax]
			idx[ax] = 0
		}
	}
	return out, nil
}

// Add accumulates other into v element-wise.
func (v *Volume) Add(other *Volume) error {
	if len(v.Data) != len(other.Data) {
		return fmt.Errorf("%w: add %v to %v", ErrShape, other.Shape, v.Shape)
	}
	simd.VecAdd(v.Data, other.Data)
	return nil
}

// Scale multiplies every element by f.
func (v *Volume) Scale(f float32) {
	simd.VecScale(v.Data, f)
}

// VolumeFromTokens converts a (B·L, C) token matrix into a (B, C, L) volume.
func VolumeFromTokens(t device.Tensor, batch int) (*Volume, error) {
	rows, c := t.Dims()
	if batch <= 0 || rows%batch != 0 {
		return nil, fmt.Errorf("%w: %d token rows for batch %d", ErrShape, rows, batch)
	}
	l := rows / batch
	src := tensorData(t)
	out := NewVolume(batch, c, l)
	for b := 0; b < batch; b++ {
		for i := 0; i < l; i++ {
			row := src[(b*l+i)*c : (b*l+i+1)*c]
			for ch, val := range row {
				out.Data[(b*c+ch)*l+i] = val
			}
		}
	}
	return out, nil
}

// Tokens converts a (B, C, ...) volume into a (B·L, C) token matrix where L is
// the product of the trailing axes.
func (v *Volume) Tokens(backend device.Backend) (device.Tensor, error) {
	if v.Rank() < 3 {
		return nil, fmt.Errorf("%w: tokens need rank >= 3, got %v", ErrShape, v.Shape)
	}
	batch, c := v.Shape[0], v.Shape[1]
	l := shapeSize(v.Shape[2:])

	out := backend.GetTensor(batch*l, c)
	dst := out.Data()
	for b := 0; b < batch; b++ {
		for ch := 0; ch < c; ch++ {
			plane := v.Data[(b*c+ch)*l : (b*c+ch+1)*l]
			for i, val := range plane {
				dst[(b*l+i)*c+ch] = val
			}
		}
	}
	return out, nil
}

// tensorData returns the logical contents of t, without copying when possible.
func tensorData(t device.Tensor) []float32 {
	if d := t.Data(); d != nil {
		return d
	}
	return t.ToHost()
}
