package model

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-cdaiqa/internal/device"
)

const (
	swinNormEps = 1e-5
	// maskValue is added to attention logits between tokens that were not
	// neighbours before the cyclic shift.
	maskValue = -100
)

// SwinNetwork is the windowed attention network of a refinement stage.
// It maps (B·G², E) tokens to tokens of the same shape: x = scale·layer(x) + x per layer.
type SwinNetwork struct {
	Backend device.Backend
	Grid    int
	Dim     int
	Scale   float32
	Layers  []*SwinLayer
}

func NewSwinNetwork(config Config, dim int, backend device.Backend) *SwinNetwork {
	g := config.Grid()
	window, shift := config.Window()
	layers := make([]*SwinLayer, len(config.Depths))
	for i, depth := range config.Depths {
		layers[i] = NewSwinLayer(g, dim, depth, config.NumHeads[i], window, shift, config.DimMLP, backend)
	}
	return &SwinNetwork{Backend: backend, Grid: g, Dim: dim, Scale: config.Scale, Layers: layers}
}

// Forward consumes x and returns a new pooled tensor.
func (n *SwinNetwork) Forward(x device.Tensor, batch int) (device.Tensor, error) {
	rows, cols := x.Dims()
	if rows != batch*n.Grid*n.Grid || cols != n.Dim {
		return nil, fmt.Errorf("%w: windowed attention expects (%d, %d), got (%d, %d)", ErrShape, batch*n.Grid*n.Grid, n.Dim, rows, cols)
	}
	start := time.Now()
	for _, layer := range n.Layers {
		y, err := layer.Forward(x, batch)
		if err != nil {
			return nil, err
		}
		y.Scale(n.Scale)
		y.Add(x)
		n.Backend.PutTensor(x)
		x = y
	}
	LayerDuration.WithLabelValues("swin", n.Backend.Name()).Observe(time.Since(start).Seconds())
	return x, nil
}

func (n *SwinNetwork) parameters(prefix string) []Parameter {
	var params []Parameter
	for i, l := range n.Layers {
		params = append(params, l.parameters(fmt.Sprintf("%s.layers.%d", prefix, i))...)
	}
	return params
}

// SwinLayer is a stack of Swin blocks followed by a 3×3 convolution and ReLU.
type SwinLayer struct {
	Backend device.Backend
	Grid    int
	Blocks  []*SwinBlock
	Conv    *Conv2D
}

func NewSwinLayer(grid, dim, depth, heads, window, shift, dimMLP int, backend device.Backend) *SwinLayer {
	blocks := make([]*SwinBlock, depth)
	for i := range blocks {
		s := 0
		if i%2 == 1 {
			s = shift
		}
		blocks[i] = NewSwinBlock(grid, dim, heads, window, s, dimMLP, backend)
	}
	return &SwinLayer{
		Backend: backend,
		Grid:    grid,
		Blocks:  blocks,
		Conv:    NewConv2D(dim, dim, 3, 1, 1, true, backend),
	}
}

// Forward does not modify x.
func (l *SwinLayer) Forward(x device.Tensor, batch int) (device.Tensor, error) {
	h := x
	for _, blk := range l.Blocks {
		next := blk.Forward(h, batch)
		if h != x {
			l.Backend.PutTensor(h)
		}
		h = next
	}
	out, err := l.Conv.ForwardTokens(h, batch, l.Grid, l.Grid)
	if h != x {
		l.Backend.PutTensor(h)
	}
	if err != nil {
		return nil, err
	}
	out.ReLU()
	return out, nil
}

func (l *SwinLayer) parameters(prefix string) []Parameter {
	var params []Parameter
	for i, b := range l.Blocks {
		params = append(params, b.parameters(fmt.Sprintf("%s.blocks.%d", prefix, i))...)
	}
	return append(params, l.Conv.parameters(prefix+".conv")...)
}

// SwinBlock is window multi-head self attention with a learned relative
// position bias, cyclically shifted when Shift > 0, followed by an MLP.
type SwinBlock struct {
	Backend device.Backend
	Grid    int
	Dim     int
	Heads   int
	Window  int
	Shift   int

	Norm1     *LayerNorm
	QKV       *Linear
	Proj      *Linear
	BiasTable []float32 // ((2w-1)², heads)
	Norm2     *LayerNorm
	FC1       *Linear
	FC2       *Linear

	relIndex []int     // (w², w²) rows into BiasTable
	mask     []float32 // (nW, w², w²), nil when unshifted
	order    []int     // window-order row -> source row within one image
	bias     []float32 // attentionBias of the current BiasTable, rebuilt on load
}

func NewSwinBlock(grid, dim, heads, window, shift, dimMLP int, backend device.Backend) *SwinBlock {
	b := &SwinBlock{
		Backend:   backend,
		Grid:      grid,
		Dim:       dim,
		Heads:     heads,
		Window:    window,
		Shift:     shift,
		Norm1:     NewLayerNorm(dim, swinNormEps, backend),
		QKV:       NewLinear(dim, 3*dim, backend),
		Proj:      NewLinear(dim, dim, backend),
		BiasTable: make([]float32, (2*window-1)*(2*window-1)*heads),
		Norm2:     NewLayerNorm(dim, swinNormEps, backend),
		FC1:       NewLinear(dim, dimMLP, backend),
		FC2:       NewLinear(dimMLP, dim, backend),
		relIndex:  RelativePositionIndex(window),
		order:     WindowOrder(grid, window, shift),
	}
	if shift > 0 {
		b.mask = ShiftMask(grid, window, shift)
	}
	b.bias = b.attentionBias()
	return b
}

// attentionBias expands the bias table (and the shift mask) into the
// (period, heads, w², w²) layout expected by device attention.
func (b *SwinBlock) attentionBias() []float32 {
	l := b.Window * b.Window
	block := b.Heads * l * l
	rel := make([]float32, block)
	for h := 0; h < b.Heads; h++ {
		for ij, idx := range b.relIndex {
			rel[h*l*l+ij] = b.BiasTable[idx*b.Heads+h]
		}
	}
	if b.mask == nil {
		return rel
	}

	nW := len(b.mask) / (l * l)
	bias := make([]float32, nW*block)
	for w := 0; w < nW; w++ {
		m := b.mask[w*l*l : (w+1)*l*l]
		for h := 0; h < b.Heads; h++ {
			dst := bias[w*block+h*l*l : w*block+(h+1)*l*l]
			copy(dst, rel[h*l*l:(h+1)*l*l])
			for ij := range dst {
				dst[ij] += m[ij]
			}
		}
	}
	return bias
}

// Forward does not modify x.
func (b *SwinBlock) Forward(x device.Tensor, batch int) device.Tensor {
	perImage := b.Grid * b.Grid
	l := b.Window * b.Window
	nW := perImage / l

	rows := make([]int, batch*perImage)
	for n := 0; n < batch; n++ {
		for i, src := range b.order {
			rows[n*perImage+i] = n*perImage + src
		}
	}

	h := b.Norm1.Forward(x)
	windows := h.Gather(rows)
	b.Backend.PutTensor(h)

	attn := selfAttention(b.Backend, b.QKV, b.Proj, windows, batch*nW, l, b.Heads, b.bias)
	b.Backend.PutTensor(windows)

	// Undo the window partition and the shift by scattering back to source rows.
	restored := b.Backend.GetTensor(batch*perImage, b.Dim)
	src := attn.Data()
	dst := restored.Data()
	for i, r := range rows {
		copy(dst[r*b.Dim:(r+1)*b.Dim], src[i*b.Dim:(i+1)*b.Dim])
	}
	b.Backend.PutTensor(attn)
	restored.Add(x)

	out := mlpResidual(b.Backend, b.Norm2, b.FC1, b.FC2, restored)
	b.Backend.PutTensor(restored)
	return out
}

func (b *SwinBlock) parameters(prefix string) []Parameter {
	side := 2*b.Window - 1
	params := b.Norm1.parameters(prefix + ".norm1")
	params = append(params, b.QKV.parameters(prefix+".attn.qkv")...)
	params = append(params, b.Proj.parameters(prefix+".attn.proj")...)
	table := sliceParam(prefix+".attn.relative_position_bias_table", b.BiasTable, InitNormal, side*side, b.Heads)
	table.Load = func(data []float32) {
		copy(b.BiasTable, data)
		b.bias = b.attentionBias()
	}
	params = append(params, table)
	params = append(params, b.Norm2.parameters(prefix+".norm2")...)
	params = append(params, b.FC1.parameters(prefix+".mlp.fc1")...)
	return append(params, b.FC2.parameters(prefix+".mlp.fc2")...)
}

// RelativePositionIndex returns, for every (query, key) pair in a w×w window,
// the row of the relative position bias table.
func RelativePositionIndex(w int) []int {
	l := w * w
	side := 2*w - 1
	idx := make([]int, l*l)
	for i := 0; i < l; i++ {
		iy, ix := i/w, i%w
		for j := 0; j < l; j++ {
			jy, jx := j/w, j%w
			idx[i*l+j] = (iy-jy+w-1)*side + (ix - jx + w - 1)
		}
	}
	return idx
}

// WindowOrder lists, for each row of the window-partitioned sequence of one
// image, the source token after a cyclic roll by -shift. Windows are in
// raster order and tokens within a window are in raster order.
func WindowOrder(grid, w, shift int) []int {
	n := grid / w
	order := make([]int, 0, grid*grid)
	for wy := 0; wy < n; wy++ {
		for wx := 0; wx < n; wx++ {
			for iy := 0; iy < w; iy++ {
				for ix := 0; ix < w; ix++ {
					y := (wy*w + iy + shift) % grid
					x := (wx*w + ix + shift) % grid
					order = append(order, y*grid+x)
				}
			}
		}
	}
	return order
}

// ShiftMask returns the (nW, w², w²) additive mask for shifted windows:
// 0 between tokens of the same pre-shift region, maskValue otherwise.
func ShiftMask(grid, w, shift int) []float32 {
	region := func(c int) int {
		switch {
		case c < grid-w:
			return 0
		case c < grid-shift:
			return 1
		default:
			return 2
		}
	}

	n := grid / w
	l := w * w
	mask := make([]float32, n*n*l*l)
	labels := make([]int, l)
	for wy := 0; wy < n; wy++ {
		for wx := 0; wx < n; wx++ {
			for i := 0; i < l; i++ {
				labels[i] = region(wy*w+i/w)*3 + region(wx*w+i%w)
			}
			m := mask[(wy*n+wx)*l*l : (wy*n+wx+1)*l*l]
			for i := 0; i < l; i++ {
				for j := 0; j < l; j++ {
					if labels[i] != labels[j] {
						m[i*l+j] = maskValue
					}
				}
			}
		}
	}
	return mask
}
