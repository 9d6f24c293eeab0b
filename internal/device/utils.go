package device

import (
	"math"

	"github.com/x448/float16"
)

// Float32ToFloat16 converts a float32 to IEEE 754 binary16 with round-to-nearest-even.
// Finite values beyond the FP16 range saturate to the largest finite value
// instead of becoming Inf. NaN and Inf inputs are preserved.
func Float32ToFloat16(f float32) uint16 {
	h := float16.Fromfloat32(f)
	if h.IsInf(0) && !math.IsInf(float64(f), 0) {
		return h.Bits()&0x8000 | 0x7BFF
	}
	return h.Bits()
}

// Float16ToFloat32 converts a binary16 value to float32, including subnormals.
func Float16ToFloat32(h uint16) float32 {
	return float16.Frombits(h).Float32()
}

// BFloat16ToFloat32 widens a bfloat16 value to float32.
func BFloat16ToFloat32(b uint16) float32 {
	return math.Float32frombits(uint32(b) << 16)
}

// Float32ToBFloat16 truncates a float32 to bfloat16 with round-to-nearest-even.
func Float32ToBFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	if f != f {
		return 0x7FC0
	}
	rounding := uint32(0x7FFF) + ((bits >> 16) & 1)
	return uint16((bits + rounding) >> 16)
}
