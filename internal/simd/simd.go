package simd

import "math"

// Softmax applies a numerically stable softmax in-place to a row.
// Accumulation happens in float64 so long rows keep their precision.
func Softmax(row []float32) {
	if len(row) == 0 {
		return
	}
	max := row[0]
	for _, v := range row {
		if v > max {
			max = v
		}
	}

	var sum float64
	for i, v := range row {
		e := math.Exp(float64(v - max))
		row[i] = float32(e)
		sum += e
	}

	invSum := float32(1.0 / sum)
	for i := range row {
		row[i] *= invSum
	}
}

// Gelu applies the exact (erf based) GELU in-place.
func Gelu(data []float32) {
	const invSqrt2 = 0.7071067811865476
	for i, x := range data {
		data[i] = float32(0.5 * float64(x) * (1 + math.Erf(float64(x)*invSqrt2)))
	}
}

// Sigmoid applies the logistic function in-place.
func Sigmoid(data []float32) {
	for i, x := range data {
		data[i] = SigmoidScalar(x)
	}
}

// SigmoidScalar returns 1 / (1 + exp(-x)).
func SigmoidScalar(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(-float64(x))))
}

// ReLU clamps negative values to zero in-place.
func ReLU(data []float32) {
	for i, x := range data {
		if x < 0 {
			data[i] = 0
		}
	}
}

// VecAdd performs dst += src
func VecAdd(dst, src []float32) {
	// Unrolled loop for better pipelining
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i]
		dst[i+1] += src[i+1]
		dst[i+2] += src[i+2]
		dst[i+3] += src[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i]
	}
}

// VecAddScaled performs dst += src * scale
func VecAddScaled(dst, src []float32, scale float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i] * scale
		dst[i+1] += src[i+1] * scale
		dst[i+2] += src[i+2] * scale
		dst[i+3] += src[i+3] * scale
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i] * scale
	}
}

// VecScale performs dst *= scale
func VecScale(dst []float32, scale float32) {
	for i := range dst {
		dst[i] *= scale
	}
}

// VecMul performs the element-wise product dst *= src
func VecMul(dst, src []float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] *= src[i]
		dst[i+1] *= src[i+1]
		dst[i+2] *= src[i+2]
		dst[i+3] *= src[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] *= src[i]
	}
}

// DotProduct computes the dot product of two vectors
func DotProduct(a, b []float32) float32 {
	var sum float32
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += a[i] * b[i]
		sum += a[i+1] * b[i+1]
		sum += a[i+2] * b[i+2]
		sum += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// Sum returns the float64-accumulated sum of a vector.
func Sum(a []float32) float64 {
	var s float64
	for _, v := range a {
		s += float64(v)
	}
	return s
}

// MatVecMul performs dst = mat * vec where mat is rows x cols row-major
func MatVecMul(dst []float32, mat []float32, vec []float32, rows, cols int) {
	for i := 0; i < rows; i++ {
		rowStart := i * cols
		dst[i] = DotProduct(mat[rowStart:rowStart+cols], vec)
	}
}
