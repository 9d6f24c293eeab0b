package model

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/23skdu/longbow-cdaiqa/internal/device"
)

const vitNormEps = 1e-6

// Backbone is a ViT with a token selector spliced in after block SelectAfter.
// Block outputs are reported to the observers passed to each call.
type Backbone struct {
	Config      Config
	Backend     device.Backend
	PatchEmbed  *Conv2D
	ClsToken    device.Tensor // (1, D)
	PosEmbed    device.Tensor // (G²+1, D)
	PosDrop     *Dropout
	Blocks      []*Block
	Norm        *LayerNorm
	Head        *Linear
	Selector    TokenSelector
	SelectAfter int
}

// NewBackbone creates a zero-initialised backbone. A keep_ratio below 1 installs a MaskSelector.
func NewBackbone(config Config, backend device.Backend) *Backbone {
	d := config.BackboneDim
	g := config.Grid()
	blocks := make([]*Block, config.BackboneDepth)
	for i := range blocks {
		blocks[i] = NewBlock(d, config.BackboneHeads, config.BackboneMLP, backend)
	}

	var selector TokenSelector = IdentitySelector{}
	if config.KeepRatio < 1 {
		selector = NewMaskSelector(config.KeepRatio, backend)
	}

	return &Backbone{
		Config:      config,
		Backend:     backend,
		PatchEmbed:  NewConv2D(config.InChannels, d, config.PatchSize, config.PatchSize, 0, true, backend),
		ClsToken:    backend.NewTensor(1, d, nil),
		PosEmbed:    backend.NewTensor(g*g+1, d, nil),
		PosDrop:     NewDropout(0),
		Blocks:      blocks,
		Norm:        NewLayerNorm(d, vitNormEps, backend),
		Head:        NewLinear(d, config.NumClasses, backend),
		Selector:    selector,
		SelectAfter: config.SelectAfter,
	}
}

// embed turns an NCHW image batch into (B·(G²+1), D) tokens with CLS first.
func (bb *Backbone) embed(images []float32, batch int) (device.Tensor, error) {
	s, ch := bb.Config.ImageSize, bb.Config.InChannels
	if batch <= 0 || len(images) != batch*ch*s*s {
		return nil, fmt.Errorf("%w: expected %d images of %dx%dx%d (%d values), got %d values",
			ErrShape, batch, ch, s, s, batch*ch*s*s, len(images))
	}

	patches := bb.PatchEmbed.apply(images, [4]int{ch * s * s, s * s, s, 1}, batch, s, s)
	defer bb.Backend.PutTensor(patches)

	d := bb.Config.BackboneDim
	g := bb.Config.Grid()
	seqLen := g*g + 1
	x := bb.Backend.GetTensor(batch*seqLen, d)
	dst := x.Data()
	src := tensorData(patches)
	cls := tensorData(bb.ClsToken)
	for b := 0; b < batch; b++ {
		copy(dst[b*seqLen*d:], cls)
		copy(dst[(b*seqLen+1)*d:(b+1)*seqLen*d], src[b*g*g*d:(b+1)*g*g*d])
	}

	pos := tensorData(bb.PosEmbed)
	for b := 0; b < batch; b++ {
		seq := dst[b*seqLen*d : (b+1)*seqLen*d]
		for i := range seq {
			seq[i] += pos[i]
		}
	}
	return bb.PosDrop.Forward(x), nil
}

// run embeds the images and applies blocks [0, last]. It returns the final
// activations and their sequence length.
func (bb *Backbone) run(ctx context.Context, images []float32, batch, last int, observers []BlockObserver) (device.Tensor, int, error) {
	start := time.Now()
	x, err := bb.embed(images, batch)
	if err != nil {
		return nil, 0, err
	}
	g := bb.Config.Grid()
	seqLen := g*g + 1

	for i := 0; i <= last; i++ {
		if err := ctx.Err(); err != nil {
			bb.Backend.PutTensor(x)
			return nil, 0, err
		}
		next := bb.Blocks[i].Forward(x, batch, seqLen)
		bb.Backend.PutTensor(x)
		x = next

		for _, o := range observers {
			o.ObserveBlock(i, x)
		}

		if i == bb.SelectAfter {
			selected, n, err := bb.Selector.Select(x, batch, seqLen)
			if err != nil {
				bb.Backend.PutTensor(x)
				return nil, 0, fmt.Errorf("token selection after block %d: %w", i, err)
			}
			if selected != x {
				bb.Backend.PutTensor(x)
			}
			x, seqLen = selected, n
		}
	}

	LayerDuration.WithLabelValues("backbone", bb.Backend.Name()).Observe(time.Since(start).Seconds())
	return x, seqLen, nil
}

// Forward runs the whole backbone and returns (B, num_classes) logits from the CLS rows.
func (bb *Backbone) Forward(ctx context.Context, images []float32, batch int, observers ...BlockObserver) (device.Tensor, error) {
	x, seqLen, err := bb.run(ctx, images, batch, len(bb.Blocks)-1, observers)
	if err != nil {
		return nil, err
	}
	defer bb.Backend.PutTensor(x)

	clsRows := make([]int, batch)
	for b := range clsRows {
		clsRows[b] = b * seqLen
	}
	cls := x.Gather(clsRows)
	defer bb.Backend.PutTensor(cls)

	normed := bb.Norm.Forward(cls)
	defer bb.Backend.PutTensor(normed)
	return bb.Head.Forward(normed, device.ActivationIdentity), nil
}

// Features runs the blocks only as deep as capture needs and skips the
// final norm and head.
func (bb *Backbone) Features(ctx context.Context, images []float32, batch int, capture *Capture) error {
	last := capture.Deepest()
	if last < 0 || last >= len(bb.Blocks) {
		last = len(bb.Blocks) - 1
	}
	x, _, err := bb.run(ctx, images, batch, last, []BlockObserver{capture})
	if err != nil {
		return err
	}
	bb.Backend.PutTensor(x)
	return nil
}

func (bb *Backbone) parameters(prefix string) []Parameter {
	d := bb.Config.BackboneDim
	g := bb.Config.Grid()
	params := bb.PatchEmbed.parameters(prefix + "patch_embed.proj")
	params = append(params,
		tensorParam(prefix+"cls_token", bb.ClsToken, InitNormal, 1, 1, d),
		tensorParam(prefix+"pos_embed", bb.PosEmbed, InitNormal, 1, g*g+1, d),
	)
	for i, blk := range bb.Blocks {
		params = append(params, blk.parameters(fmt.Sprintf("%sblocks.%d", prefix, i))...)
	}
	params = append(params, bb.Norm.parameters(prefix+"norm")...)
	return append(params, bb.Head.parameters(prefix+"head")...)
}

// Block is a pre-norm transformer block with fused qkv projection.
type Block struct {
	Backend device.Backend
	Dim     int
	Heads   int
	Norm1   *LayerNorm
	QKV     *Linear
	Proj    *Linear
	Norm2   *LayerNorm
	FC1     *Linear
	FC2     *Linear
}

func NewBlock(dim, heads, mlp int, backend device.Backend) *Block {
	return &Block{
		Backend: backend,
		Dim:     dim,
		Heads:   heads,
		Norm1:   NewLayerNorm(dim, vitNormEps, backend),
		QKV:     NewLinear(dim, 3*dim, backend),
		Proj:    NewLinear(dim, dim, backend),
		Norm2:   NewLayerNorm(dim, vitNormEps, backend),
		FC1:     NewLinear(dim, mlp, backend),
		FC2:     NewLinear(mlp, dim, backend),
	}
}

// Forward applies x + attn(norm1(x)) then x + mlp(norm2(x)) over batch sequences.
// x is not modified; the result is a new pooled tensor.
func (blk *Block) Forward(x device.Tensor, batch, seqLen int) device.Tensor {
	h := blk.Norm1.Forward(x)
	attn := selfAttention(blk.Backend, blk.QKV, blk.Proj, h, batch, seqLen, blk.Heads, nil)
	blk.Backend.PutTensor(h)
	attn.Add(x)

	out := mlpResidual(blk.Backend, blk.Norm2, blk.FC1, blk.FC2, attn)
	blk.Backend.PutTensor(attn)
	return out
}

func (blk *Block) parameters(prefix string) []Parameter {
	params := blk.Norm1.parameters(prefix + ".norm1")
	params = append(params, blk.QKV.parameters(prefix+".attn.qkv")...)
	params = append(params, blk.Proj.parameters(prefix+".attn.proj")...)
	params = append(params, blk.Norm2.parameters(prefix+".norm2")...)
	params = append(params, blk.FC1.parameters(prefix+".mlp.fc1")...)
	return append(params, blk.FC2.parameters(prefix+".mlp.fc2")...)
}

// selfAttention projects x to q, k, v, attends over batch sequences of seqLen
// rows and applies the output projection.
func selfAttention(backend device.Backend, qkvProj, outProj *Linear, x device.Tensor, batch, seqLen, heads int, bias []float32) device.Tensor {
	rows, dim := x.Dims()
	qkv := qkvProj.Forward(x, device.ActivationIdentity)
	q := qkv.Slice(0, rows, 0, dim)
	k := qkv.Slice(0, rows, dim, 2*dim)
	v := qkv.Slice(0, rows, 2*dim, 3*dim)
	backend.PutTensor(qkv)

	scale := float32(1.0 / math.Sqrt(float64(dim/heads)))
	attended := q.Attention(q, k, v, batch, seqLen, heads, scale, bias)
	backend.PutTensor(q)
	backend.PutTensor(k)
	backend.PutTensor(v)

	out := outProj.Forward(attended, device.ActivationIdentity)
	backend.PutTensor(attended)
	return out
}

// mlpResidual returns x + fc2(gelu(fc1(norm(x)))).
func mlpResidual(backend device.Backend, norm *LayerNorm, fc1, fc2 *Linear, x device.Tensor) device.Tensor {
	h := norm.Forward(x)
	hidden := fc1.Forward(h, device.ActivationGELU)
	backend.PutTensor(h)
	out := fc2.Forward(hidden, device.ActivationIdentity)
	backend.PutTensor(hidden)
	out.Add(x)
	return out
}
