package weights

import (
	"fmt"
	"math"
)

// Half-precision limits used to flag values that would not survive an F16 export.
const (
	maxFP16       = 65504.0
	minNormalFP16 = 6.10351562e-5
)

// TensorStats summarizes the values of one checkpoint tensor.
type TensorStats struct {
	Name            string  `json:"name"`
	DType           string  `json:"dtype"`
	Min             float32 `json:"min"`
	Max             float32 `json:"max"`
	Mean            float32 `json:"mean"`
	AbsMax          float32 `json:"abs_max"`
	OutOfRangeCount int     `json:"out_of_range_count"`
	OutOfRangeRatio float64 `json:"out_of_range_ratio"`
	NaNCount        int     `json:"nan_count"`
	InfCount        int     `json:"inf_count"`
	TotalElements   int     `json:"total_elements"`
}

// Problematic reports tensors with non-finite values or more than 1% of
// values outside the normal F16 range.
func (s TensorStats) Problematic() bool {
	return s.NaNCount > 0 || s.InfCount > 0 || s.OutOfRangeRatio > 0.01
}

func computeStats(name, dtype string, data []float32) TensorStats {
	s := TensorStats{
		Name:          name,
		DType:         dtype,
		Min:           math.MaxFloat32,
		Max:           -math.MaxFloat32,
		TotalElements: len(data),
	}

	var sum float64
	finite := 0
	for _, v := range data {
		f := float64(v)
		if math.IsNaN(f) {
			s.NaNCount++
			continue
		}
		if math.IsInf(f, 0) {
			s.InfCount++
			continue
		}
		finite++
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
		abs := float32(math.Abs(f))
		if abs > s.AbsMax {
			s.AbsMax = abs
		}
		if abs > maxFP16 || (abs > 0 && abs < minNormalFP16) {
			s.OutOfRangeCount++
		}
		sum += f
	}

	if finite == 0 {
		s.Min, s.Max = 0, 0
	} else {
		s.Mean = float32(sum / float64(finite))
	}
	if s.TotalElements > 0 {
		s.OutOfRangeRatio = float64(s.OutOfRangeCount) / float64(s.TotalElements)
	}
	return s
}

// Stats reads every tensor in the file and returns per-tensor statistics in name order.
// Integer buffers such as num_batches_tracked or relative_position_index are
// reported with their element count only.
func (f *File) Stats() ([]TensorStats, error) {
	names := f.Names()
	out := make([]TensorStats, 0, len(names))
	for _, name := range names {
		info := f.Tensors[name]
		if !isFloatDType(info.DType) {
			n, err := numElements(info.Shape)
			if err != nil {
				return nil, fmt.Errorf("tensor %s: %w", name, err)
			}
			out = append(out, TensorStats{Name: name, DType: info.DType, TotalElements: n})
			continue
		}
		data, info, err := f.ReadTensorF32(name)
		if err != nil {
			return nil, err
		}
		out = append(out, computeStats(name, info.DType, data))
	}
	return out, nil
}
