package model

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-cdaiqa/internal/device"
)

func TestRelativePositionIndex(t *testing.T) {
	idx := RelativePositionIndex(2)
	require.Len(t, idx, 16)
	// table side is 3; the diagonal maps to the centre (dy=0, dx=0) -> 1*3+1
	for i := 0; i < 4; i++ {
		assert.Equal(t, 4, idx[i*4+i])
	}
	// query (0,0), key (1,1): dy=-1, dx=-1 -> 0*3+0
	assert.Equal(t, 0, idx[0*4+3])
	// query (1,1), key (0,0): dy=1, dx=1 -> 2*3+2
	assert.Equal(t, 8, idx[3*4+0])
	// query (0,1), key (1,0): dy=-1, dx=1 -> 0*3+2
	assert.Equal(t, 2, idx[1*4+2])
}

func TestWindowOrder(t *testing.T) {
	// 4x4 grid, 2x2 windows, no shift
	assert.Equal(t, []int{
		0, 1, 4, 5,
		2, 3, 6, 7,
		8, 9, 12, 13,
		10, 11, 14, 15,
	}, WindowOrder(4, 2, 0))

	shifted := WindowOrder(4, 2, 1)
	// first window of the rolled grid starts at source (1, 1)
	assert.Equal(t, []int{5, 6, 9, 10}, shifted[:4])
	// last window wraps around both axes
	assert.Equal(t, []int{15, 12, 3, 0}, shifted[12:])

	sorted := append([]int(nil), shifted...)
	sort.Ints(sorted)
	for i, v := range sorted {
		assert.Equal(t, i, v, "window order must be a permutation")
	}
}

func TestShiftMask(t *testing.T) {
	mask := ShiftMask(4, 2, 1)
	require.Len(t, mask, 4*4*4)

	// top-left window lies in one region
	for _, v := range mask[:16] {
		assert.Equal(t, float32(0), v)
	}
	// bottom-right window mixes four regions: only the diagonal is unmasked
	last := mask[3*16:]
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			want := float32(maskValue)
			if i == j {
				want = 0
			}
			assert.Equal(t, want, last[i*4+j], "(%d,%d)", i, j)
		}
	}
	// top-right window: columns 2 and 3 are separate regions, rows share one
	tr := mask[1*16:]
	assert.Equal(t, float32(0), tr[0*4+2])
	assert.Equal(t, float32(maskValue), tr[0*4+1])
}

func TestSwinBlock_ZeroWeightsIsIdentity(t *testing.T) {
	backend := device.NewCPUBackend()
	for _, shift := range []int{0, 1} {
		blk := NewSwinBlock(4, 4, 2, 2, shift, 8, backend)
		x := backend.NewTensor(2*16, 4, nil)
		rng := rand.New(rand.NewSource(int64(shift)))
		for i := 0; i < 32; i++ {
			for j := 0; j < 4; j++ {
				x.Set(i, j, float32(rng.Float64()))
			}
		}
		out := blk.Forward(x, 2)
		assert.Equal(t, x.ToHost(), out.ToHost())
	}
}

func TestSwinBlock_AttentionStaysInWindow(t *testing.T) {
	backend := device.NewCPUBackend()
	blk := NewSwinBlock(4, 2, 1, 2, 0, 4, backend)

	// q = k = 0, v = norm1(x), proj = identity: every token receives the mean
	// of norm1(x) over its own window.
	blk.QKV.Weight.CopyFromFloat32([]float32{
		0, 0, 0, 0, 1, 0,
		0, 0, 0, 0, 0, 1,
	})
	blk.Proj.Weight.CopyFromFloat32([]float32{1, 0, 0, 1})

	// tokens (s, -s) normalise to roughly (s, -s); three tokens of the first
	// window are positive, everything else is negative
	positive := map[int]bool{0: true, 1: true, 4: true}
	x := backend.NewTensor(16, 2, nil)
	for i := 0; i < 16; i++ {
		s := float32(-1)
		if positive[i] {
			s = 1
		}
		x.Set(i, 0, s)
		x.Set(i, 1, -s)
	}

	out := blk.Forward(x, 1)
	for i := 0; i < 16; i++ {
		mean := -1.0
		if i == 0 || i == 1 || i == 4 || i == 5 {
			mean = 0.5
		}
		assert.InDelta(t, float64(x.At(i, 0))+mean, out.At(i, 0), 1e-4, "token %d", i)
		assert.InDelta(t, float64(x.At(i, 1))-mean, out.At(i, 1), 1e-4, "token %d", i)
	}
}

func TestSwinNetwork_ShapeAndValidation(t *testing.T) {
	backend := device.NewCPUBackend()
	cfg := testConfig()
	net := NewSwinNetwork(cfg, 8, backend)
	initParameters(net.parameters("swin"), rand.New(rand.NewSource(5)))

	x := backend.NewTensor(2*16, 8, nil)
	out, err := net.Forward(x, 2)
	require.NoError(t, err)
	r, c := out.Dims()
	assert.Equal(t, 32, r)
	assert.Equal(t, 8, c)

	_, err = net.Forward(backend.NewTensor(15, 8, nil), 1)
	assert.ErrorIs(t, err, ErrShape)
}

func TestConfigWindow_ShrinksToGrid(t *testing.T) {
	cfg := testConfig()
	cfg.WindowSize = 8
	size, shift := cfg.Window()
	assert.Equal(t, 4, size)
	assert.Equal(t, 0, shift)

	net := NewSwinNetwork(cfg, 8, device.NewCPUBackend())
	for _, blk := range net.Layers[0].Blocks {
		assert.Equal(t, 0, blk.Shift)
		assert.Nil(t, blk.mask)
	}
}

func TestSwinBlock_BiasRebuiltOnLoad(t *testing.T) {
	blk := NewSwinBlock(4, 4, 2, 2, 1, 8, device.NewCPUBackend())
	l := blk.Window * blk.Window
	require.Len(t, blk.bias, 4*blk.Heads*l*l)
	assert.Equal(t, blk.attentionBias(), blk.bias)

	var table Parameter
	for _, p := range blk.parameters("blk") {
		if p.Name == "blk.attn.relative_position_bias_table" {
			table = p
		}
	}
	require.NotNil(t, table.Load)

	data := make([]float32, table.Size())
	for i := range data {
		data[i] = float32(i + 1)
	}
	table.Load(data)
	assert.Equal(t, data, blk.BiasTable)
	assert.Equal(t, blk.attentionBias(), blk.bias)
	// Window 0 is never masked, so its first entry is the plain table value.
	assert.Equal(t, blk.BiasTable[blk.relIndex[0]*blk.Heads], blk.bias[0])
}
