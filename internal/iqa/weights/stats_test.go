package weights

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeStats(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))

	s := computeStats("w", DTypeF32, []float32{-2, 4, 1e-6, nan, inf, 1})
	assert.Equal(t, float32(-2), s.Min)
	assert.Equal(t, float32(4), s.Max)
	assert.Equal(t, float32(4), s.AbsMax)
	assert.InDelta(t, 0.75, s.Mean, 1e-5)
	assert.Equal(t, 1, s.NaNCount)
	assert.Equal(t, 1, s.InfCount)
	assert.Equal(t, 1, s.OutOfRangeCount)
	assert.Equal(t, 6, s.TotalElements)
	assert.True(t, s.Problematic())

	clean := computeStats("b", DTypeF32, []float32{0, 0.5})
	assert.False(t, clean.Problematic())

	empty := computeStats("e", DTypeF32, []float32{nan})
	assert.Equal(t, float32(0), empty.Min)
	assert.Equal(t, float32(0), empty.Max)
}

func TestFile_Stats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.safetensors")
	require.NoError(t, WriteFile(path, []Tensor{
		{Name: "b", Shape: []int{2}, Data: []float32{1, 3}},
		{Name: "a", Shape: []int{1, 2}, Data: []float32{-1, 1}},
	}, DTypeF32, nil))

	f, err := Open(path)
	require.NoError(t, err)
	stats, err := f.Stats()
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "a", stats[0].Name)
	assert.Equal(t, float32(0), stats[0].Mean)
	assert.Equal(t, "b", stats[1].Name)
	assert.Equal(t, float32(2), stats[1].Mean)
	assert.Equal(t, DTypeF32, stats[1].DType)
}

// writeMixedCheckpoint writes one F32 tensor and one I64 BatchNorm counter,
// the way a PyTorch state dict export stores them.
func writeMixedCheckpoint(t *testing.T, path string) {
	t.Helper()
	header, err := json.Marshal(map[string]any{
		"w": map[string]any{"dtype": "F32", "shape": []int{2}, "data_offsets": []int{0, 8}},
		"tablock1.0.cw.conv.bn.num_batches_tracked": map[string]any{
			"dtype": "I64", "shape": []int{}, "data_offsets": []int{8, 16},
		},
	})
	require.NoError(t, err)

	buf := binary.LittleEndian.AppendUint64(nil, uint64(len(header)))
	buf = append(buf, header...)
	buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(-1))
	buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(3))
	buf = binary.LittleEndian.AppendUint64(buf, 42)
	require.NoError(t, os.WriteFile(path, buf, 0o644))
}

func TestFile_StatsIntegerBuffers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mixed.safetensors")
	writeMixedCheckpoint(t, path)

	f, err := Open(path)
	require.NoError(t, err)
	stats, err := f.Stats()
	require.NoError(t, err)
	require.Len(t, stats, 2)

	counter := stats[0]
	assert.Equal(t, "tablock1.0.cw.conv.bn.num_batches_tracked", counter.Name)
	assert.Equal(t, "I64", counter.DType)
	assert.Equal(t, 1, counter.TotalElements)
	assert.False(t, counter.Problematic())

	assert.Equal(t, "w", stats[1].Name)
	assert.Equal(t, float32(1), stats[1].Mean)
	assert.Equal(t, float32(3), stats[1].AbsMax)
}
