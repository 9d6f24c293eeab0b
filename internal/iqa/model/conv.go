package model

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-cdaiqa/internal/device"
)

// Conv2D is a square-kernel 2D convolution lowered to im2col + gemm.
// Weight is stored (in·k·k, out) so a patch matrix multiplies it directly.
type Conv2D struct {
	Backend     device.Backend
	InChannels  int
	OutChannels int
	Kernel      int
	Stride      int
	Padding     int
	Weight      device.Tensor
	Bias        device.Tensor // nil when the convolution has no bias
}

// NewConv2D creates a zero-initialised convolution.
func NewConv2D(in, out, kernel, stride, padding int, bias bool, backend device.Backend) *Conv2D {
	c := &Conv2D{
		Backend:     backend,
		InChannels:  in,
		OutChannels: out,
		Kernel:      kernel,
		Stride:      stride,
		Padding:     padding,
		Weight:      backend.NewTensor(in*kernel*kernel, out, nil),
	}
	if bias {
		c.Bias = backend.NewTensor(1, out, nil)
	}
	return c
}

func (c *Conv2D) outSize(h, w int) (int, int) {
	return (h+2*c.Padding-c.Kernel)/c.Stride + 1, (w+2*c.Padding-c.Kernel)/c.Stride + 1
}

// apply runs the convolution over src addressed by strides (batch, channel, y, x)
// and returns the result in token layout: (B·OH·OW, out), rows ordered (b, y, x).
func (c *Conv2D) apply(src []float32, strides [4]int, batch, h, w int) device.Tensor {
	k, s, p := c.Kernel, c.Stride, c.Padding
	oh, ow := c.outSize(h, w)
	cols := c.InChannels * k * k

	patches := c.Backend.GetTensor(batch*oh*ow, cols)
	pd := patches.Data()
	for b := 0; b < batch; b++ {
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				row := pd[((b*oh+oy)*ow+ox)*cols:]
				for ch := 0; ch < c.InChannels; ch++ {
					base := b*strides[0] + ch*strides[1]
					for ky := 0; ky < k; ky++ {
						y := oy*s - p + ky
						if y < 0 || y >= h {
							continue
						}
						for kx := 0; kx < k; kx++ {
							x := ox*s - p + kx
							if x < 0 || x >= w {
								continue
							}
							row[(ch*k+ky)*k+kx] = src[base+y*strides[2]+x*strides[3]]
						}
					}
				}
			}
		}
	}

	out := patches.Linear(patches, c.Weight, c.Bias)
	c.Backend.PutTensor(patches)
	return out
}

// Forward convolves an NCHW volume and returns an NCHW volume.
func (c *Conv2D) Forward(x *Volume) (*Volume, error) {
	if x.Rank() != 4 || x.Shape[1] != c.InChannels {
		return nil, fmt.Errorf("%w: conv expects (B, %d, H, W), got %v", ErrShape, c.InChannels, x.Shape)
	}
	b, ch, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh, ow := c.outSize(h, w)
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("%w: %dx%d input too small for kernel %d", ErrShape, h, w, c.Kernel)
	}

	t := c.apply(x.Data, [4]int{ch * h * w, h * w, w, 1}, b, h, w)
	defer c.Backend.PutTensor(t)

	out := NewVolume(b, c.OutChannels, oh, ow)
	src := t.Data()
	plane := oh * ow
	for n := 0; n < b; n++ {
		for i := 0; i < plane; i++ {
			row := src[(n*plane+i)*c.OutChannels : (n*plane+i+1)*c.OutChannels]
			for o, val := range row {
				out.Data[(n*c.OutChannels+o)*plane+i] = val
			}
		}
	}
	return out, nil
}

// ForwardTokens convolves a (B·H·W, C) token matrix laid out (b, y, x) and
// returns the result in the same layout.
func (c *Conv2D) ForwardTokens(x device.Tensor, batch, h, w int) (device.Tensor, error) {
	rows, cols := x.Dims()
	if rows != batch*h*w || cols != c.InChannels {
		return nil, fmt.Errorf("%w: conv expects (%d, %d) tokens, got (%d, %d)", ErrShape, batch*h*w, c.InChannels, rows, cols)
	}
	return c.apply(tensorData(x), [4]int{h * w * cols, 1, w * cols, cols}, batch, h, w), nil
}

func (c *Conv2D) parameters(prefix string) []Parameter {
	shape := []int{c.OutChannels, c.InChannels, c.Kernel, c.Kernel}
	params := []Parameter{transposedParam(prefix+".weight", c.Weight, shape)}
	if c.Bias != nil {
		params = append(params, tensorParam(prefix+".bias", c.Bias, InitZeros, c.OutChannels))
	}
	return params
}

// BatchNorm applies inference-time batch normalisation over axis 1 using running statistics.
type BatchNorm struct {
	Weight      []float32
	Bias        []float32
	RunningMean []float32
	RunningVar  []float32
	Eps         float32
}

// NewBatchNorm creates an identity batch norm over the given channels.
func NewBatchNorm(channels int) *BatchNorm {
	bn := &BatchNorm{
		Weight:      make([]float32, channels),
		Bias:        make([]float32, channels),
		RunningMean: make([]float32, channels),
		RunningVar:  make([]float32, channels),
		Eps:         1e-5,
	}
	for i := 0; i < channels; i++ {
		bn.Weight[i] = 1
		bn.RunningVar[i] = 1
	}
	return bn
}

// Forward normalises x in-place.
func (bn *BatchNorm) Forward(x *Volume) error {
	if x.Rank() < 2 || x.Shape[1] != len(bn.Weight) {
		return fmt.Errorf("%w: batch norm over %d channels, got %v", ErrShape, len(bn.Weight), x.Shape)
	}
	channels := x.Shape[1]
	plane := shapeSize(x.Shape[2:])
	for b := 0; b < x.Shape[0]; b++ {
		for ch := 0; ch < channels; ch++ {
			inv := float32(1 / math.Sqrt(float64(bn.RunningVar[ch])+float64(bn.Eps)))
			scale := bn.Weight[ch] * inv
			shift := bn.Bias[ch] - bn.RunningMean[ch]*scale
			data := x.Data[(b*channels+ch)*plane : (b*channels+ch+1)*plane]
			for i := range data {
				data[i] = data[i]*scale + shift
			}
		}
	}
	return nil
}

func (bn *BatchNorm) parameters(prefix string) []Parameter {
	n := len(bn.Weight)
	return []Parameter{
		sliceParam(prefix+".weight", bn.Weight, InitOnes, n),
		sliceParam(prefix+".bias", bn.Bias, InitZeros, n),
		sliceParam(prefix+".running_mean", bn.RunningMean, InitZeros, n),
		sliceParam(prefix+".running_var", bn.RunningVar, InitOnes, n),
	}
}
