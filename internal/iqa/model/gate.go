package model

import (
	"fmt"

	"github.com/23skdu/longbow-cdaiqa/internal/device"
	"github.com/23skdu/longbow-cdaiqa/internal/simd"
)

const gateKernel = 7

// ZPool compresses axis 1 of a (B, N, C, W) volume into its max and mean,
// returning (B, 2, C, W).
func ZPool(x *Volume) (*Volume, error) {
	if x.Rank() != 4 || x.Shape[1] == 0 {
		return nil, fmt.Errorf("%w: zpool expects (B, N, C, W), got %v", ErrShape, x.Shape)
	}
	b, n := x.Shape[0], x.Shape[1]
	plane := x.Shape[2] * x.Shape[3]

	out := NewVolume(b, 2, x.Shape[2], x.Shape[3])
	sums := make([]float64, plane)
	for i := 0; i < b; i++ {
		maxPlane := out.Data[(i*2)*plane : (i*2+1)*plane]
		copy(maxPlane, x.Data[(i*n)*plane:(i*n+1)*plane])
		for j := range sums {
			sums[j] = 0
		}
		for k := 0; k < n; k++ {
			src := x.Data[(i*n+k)*plane : (i*n+k+1)*plane]
			for j, v := range src {
				if v > maxPlane[j] {
					maxPlane[j] = v
				}
				sums[j] += float64(v)
			}
		}
		meanPlane := out.Data[(i*2+1)*plane : (i*2+2)*plane]
		for j := range meanPlane {
			meanPlane[j] = float32(sums[j] / float64(n))
		}
	}
	return out, nil
}

// AttentionGate reweights a (B, N, C, W) volume with a sigmoid gate computed
// from ZPool statistics over axis 1.
type AttentionGate struct {
	Conv *Conv2D
	BN   *BatchNorm
}

func NewAttentionGate(backend device.Backend) *AttentionGate {
	return &AttentionGate{
		Conv: NewConv2D(2, 1, gateKernel, 1, (gateKernel-1)/2, false, backend),
		BN:   NewBatchNorm(1),
	}
}

// Forward returns x * sigmoid(bn(conv(zpool(x)))), broadcast over axis 1.
func (g *AttentionGate) Forward(x *Volume) (*Volume, error) {
	pooled, err := ZPool(x)
	if err != nil {
		return nil, err
	}
	scale, err := g.Conv.Forward(pooled)
	if err != nil {
		return nil, err
	}
	if err := g.BN.Forward(scale); err != nil {
		return nil, err
	}
	simd.Sigmoid(scale.Data)

	b, n := x.Shape[0], x.Shape[1]
	plane := x.Shape[2] * x.Shape[3]
	out := x.Clone()
	for i := 0; i < b; i++ {
		gate := scale.Data[i*plane : (i+1)*plane]
		for k := 0; k < n; k++ {
			simd.VecMul(out.Data[(i*n+k)*plane:(i*n+k+1)*plane], gate)
		}
	}
	return out, nil
}

func (g *AttentionGate) parameters(prefix string) []Parameter {
	params := g.Conv.parameters(prefix + ".conv.conv")
	return append(params, g.BN.parameters(prefix+".conv.bn")...)
}
