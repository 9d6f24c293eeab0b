package model

import (
	"fmt"

	"github.com/23skdu/longbow-cdaiqa/internal/device"
)

// MultiDimensional is the cross-dimension attention block. It gates a
// (B, C, G·G) feature map along the C↔W, H↔C and (optionally) H↔W axis
// pairs and averages the branches.
type MultiDimensional struct {
	Grid      int
	NoSpatial bool
	CW        *AttentionGate
	HC        *AttentionGate
	HW        *AttentionGate // nil when NoSpatial
}

func NewMultiDimensional(grid int, noSpatial bool, backend device.Backend) *MultiDimensional {
	m := &MultiDimensional{
		Grid:      grid,
		NoSpatial: noSpatial,
		CW:        NewAttentionGate(backend),
		HC:        NewAttentionGate(backend),
	}
	if !noSpatial {
		m.HW = NewAttentionGate(backend)
	}
	return m
}

// Branches returns the number of averaged branches (2 or 3).
func (m *MultiDimensional) Branches() int {
	if m.NoSpatial {
		return 2
	}
	return 3
}

// Forward maps (B, C, G·G) to (B, C, G·G).
func (m *MultiDimensional) Forward(x *Volume) (*Volume, error) {
	if x.Rank() != 3 {
		return nil, fmt.Errorf("%w: cross-dimension block expects (B, C, L), got %v", ErrShape, x.Shape)
	}
	b, c, l := x.Shape[0], x.Shape[1], x.Shape[2]
	if l != m.Grid*m.Grid {
		return nil, fmt.Errorf("%w: %d tokens do not form a %dx%d grid", ErrShape, l, m.Grid, m.Grid)
	}
	v, err := x.Reshape(b, c, m.Grid, m.Grid)
	if err != nil {
		return nil, err
	}

	// C↔W: (B, C, H, W) -> (B, H, C, W)
	out, err := gateBranch(m.CW, v, 0, 2, 1, 3)
	if err != nil {
		return nil, fmt.Errorf("cw branch: %w", err)
	}

	// H↔C: (B, C, H, W) -> (B, W, H, C)
	hc, err := gateBranch(m.HC, v, 0, 3, 2, 1)
	if err != nil {
		return nil, fmt.Errorf("hc branch: %w", err)
	}
	if err := out.Add(hc); err != nil {
		return nil, err
	}

	if m.NoSpatial {
		out.Scale(1.0 / 2.0)
	} else {
		hw, err := m.HW.Forward(v)
		if err != nil {
			return nil, fmt.Errorf("hw branch: %w", err)
		}
		if err := out.Add(hw); err != nil {
			return nil, err
		}
		out.Scale(1.0 / 3.0)
	}
	return out.Reshape(b, c, l)
}

// gateBranch permutes v, gates it and permutes back. The permutations used
// here are their own inverses.
func gateBranch(g *AttentionGate, v *Volume, axes ...int) (*Volume, error) {
	p, err := v.Permute(axes...)
	if err != nil {
		return nil, err
	}
	gated, err := g.Forward(p)
	if err != nil {
		return nil, err
	}
	return gated.Permute(axes...)
}

func (m *MultiDimensional) parameters(prefix string) []Parameter {
	params := m.CW.parameters(prefix + ".cw")
	params = append(params, m.HC.parameters(prefix+".hc")...)
	if m.HW != nil {
		params = append(params, m.HW.parameters(prefix+".hw")...)
	}
	return params
}
