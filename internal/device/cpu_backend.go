package device

import (
	"math"
	"runtime"
	"sync"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-cdaiqa/internal/simd"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)
var _ Tensor = (*CPUTensor)(nil)

// numWorkers defines the default parallelism for CPU operations
var numWorkers = runtime.NumCPU()

// blasImpl names the gemm implementation registered with blas32.
var blasImpl = "gonum"

type CPUBackend struct {
	pool sync.Pool
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{
		pool: sync.Pool{
			New: func() interface{} {
				return &CPUTensor{}
			},
		},
	}
}

func (b *CPUBackend) Name() string {
	return "CPU/" + blasImpl
}

func (b *CPUBackend) NewTensor(r, c int, data []float32) Tensor {
	size := r * c
	t := &CPUTensor{
		backend: b,
		rows:    r,
		cols:    c,
		data:    make([]float32, size),
	}
	if data != nil {
		if len(data) != size {
			log.Panic().Int("rows", r).Int("cols", c).Int("len", len(data)).
				Msg("NewTensor: provided data length does not match dimensions")
		}
		copy(t.data, data)
	}
	return t
}

func (b *CPUBackend) GetTensor(r, c int) Tensor {
	v := b.pool.Get()
	ct, ok := v.(*CPUTensor)
	if !ok || ct == nil {
		ct = &CPUTensor{}
	}

	ct.backend = b
	ct.rows = r
	ct.cols = c
	size := r * c
	if cap(ct.data) < size {
		poolMisses.Inc()
		ct.data = make([]float32, size)
	} else {
		poolHits.Inc()
		ct.data = ct.data[:size]
		for i := range ct.data {
			ct.data[i] = 0
		}
	}
	return ct
}

func (b *CPUBackend) PutTensor(t Tensor) {
	ct, ok := t.(*CPUTensor)
	if !ok || ct == nil {
		return // Don't pool foreign tensors
	}
	ct.rows = 0
	ct.cols = 0
	// Data is zeroed when retrieved by GetTensor
	b.pool.Put(ct)
}

type CPUTensor struct {
	backend *CPUBackend
	data    []float32
	rows    int
	cols    int
}

func (t *CPUTensor) Dims() (int, int) {
	return t.rows, t.cols
}

func (t *CPUTensor) At(i, j int) float32 {
	return t.data[i*t.cols+j]
}

func (t *CPUTensor) Set(i, j int, v float32) {
	t.data[i*t.cols+j] = v
}

func (t *CPUTensor) Data() []float32 {
	return t.data
}

func (t *CPUTensor) ToHost() []float32 {
	out := make([]float32, len(t.data))
	copy(out, t.data)
	return out
}

func (t *CPUTensor) CopyFromFloat32(data []float32) {
	if len(data) != len(t.data) {
		log.Panic().Int("want", len(t.data)).Int("got", len(data)).Msg("CopyFromFloat32: size mismatch")
	}
	copy(t.data, data)
}

func (t *CPUTensor) Copy(from Tensor) {
	ft := mustCPU(from, "Copy")

	tr, tc := t.Dims()
	fr, fc := ft.Dims()
	if tr != fr || tc != fc {
		log.Panic().Msgf("Copy: dimension mismatch. Target: %dx%d, Source: %dx%d", tr, tc, fr, fc)
	}
	copy(t.data, ft.data)
}

func (t *CPUTensor) Slice(i, k, j, l int) Tensor {
	sliceRows := k - i
	sliceCols := l - j
	if sliceRows <= 0 || sliceCols <= 0 {
		log.Panic().Msgf("Slice: invalid dimensions [%d:%d, %d:%d]", i, k, j, l)
	}

	// This is a copy, not a view.
	out := t.backend.GetTensor(sliceRows, sliceCols).(*CPUTensor)
	for r := 0; r < sliceRows; r++ {
		src := t.data[(i+r)*t.cols+j : (i+r)*t.cols+l]
		copy(out.data[r*sliceCols:(r+1)*sliceCols], src)
	}
	return out
}

// general exposes the storage as a BLAS matrix.
func (t *CPUTensor) general() blas32.General {
	return blas32.General{Rows: t.rows, Cols: t.cols, Stride: t.cols, Data: t.data}
}

func (t *CPUTensor) Mul(a, b Tensor) {
	ma := mustCPU(a, "Mul")
	mb := mustCPU(b, "Mul")

	ar, ac := ma.Dims()
	br, bc := mb.Dims()
	if ac != br {
		log.Panic().Msgf("Mul: dimension mismatch. A cols (%d) != B rows (%d)", ac, br)
	}
	tr, tc := t.Dims()
	if tr != ar || tc != bc {
		log.Panic().Msgf("Mul: result tensor dimension mismatch. Expected %dx%d, got %dx%d", ar, bc, tr, tc)
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, ma.general(), mb.general(), 0, t.general())
}

func (t *CPUTensor) Add(other Tensor) {
	ot := mustCPU(other, "Add")

	tr, tc := t.Dims()
	or, oc := ot.Dims()
	if tr != or || tc != oc {
		log.Panic().Msgf("Add: dimension mismatch. Target: %dx%d, Other: %dx%d", tr, tc, or, oc)
	}
	simd.VecAdd(t.data, ot.data)
}

func (t *CPUTensor) Scale(val float32) {
	simd.VecScale(t.data, val)
}

func (t *CPUTensor) AddBias(bias Tensor) {
	bt := mustCPU(bias, "AddBias")

	r, c := t.Dims()
	biasData := bt.ToHost()
	if len(biasData) != c {
		log.Panic().Int("bias", len(biasData)).Int("cols", c).Msg("AddBias: bias length mismatch with tensor columns")
	}
	for i := 0; i < r; i++ {
		simd.VecAdd(t.data[i*c:(i+1)*c], biasData)
	}
}

func (t *CPUTensor) Gather(indices []int) Tensor {
	r, c := t.Dims()
	out := t.backend.GetTensor(len(indices), c).(*CPUTensor)
	for i, idx := range indices {
		if idx < 0 || idx >= r {
			log.Panic().Int("index", idx).Int("rows", r).Msg("Gather index out of bounds")
		}
		copy(out.data[i*c:(i+1)*c], t.data[idx*c:(idx+1)*c])
	}
	return out
}

func (t *CPUTensor) Softmax() {
	r, c := t.Dims()
	for i := 0; i < r; i++ {
		simd.Softmax(t.data[i*c : (i+1)*c])
	}
}

func (t *CPUTensor) Gelu() {
	simd.Gelu(t.data)
}

func (t *CPUTensor) ReLU() {
	simd.ReLU(t.data)
}

func (t *CPUTensor) Sigmoid() {
	simd.Sigmoid(t.data)
}

func (t *CPUTensor) LayerNorm(gamma, beta Tensor, eps float32) {
	gammaData := mustCPU(gamma, "LayerNorm").ToHost()
	betaData := mustCPU(beta, "LayerNorm").ToHost()

	r, c := t.Dims()
	if len(gammaData) < c || len(betaData) < c {
		log.Panic().Msg("LayerNorm params dim mismatch")
	}

	for i := 0; i < r; i++ {
		row := t.data[i*c : (i+1)*c]

		var sum float64
		for _, v := range row {
			sum += float64(v)
		}
		mean := sum / float64(c)

		var varSum float64
		for _, v := range row {
			diff := float64(v) - mean
			varSum += diff * diff
		}
		invStd := 1.0 / math.Sqrt(varSum/float64(c)+float64(eps))

		for j := 0; j < c; j++ {
			row[j] = float32((float64(row[j])-mean)*invStd)*gammaData[j] + betaData[j]
		}
	}
}

func (t *CPUTensor) Linear(input, weight, bias Tensor) Tensor {
	r, _ := input.Dims()
	_, wc := weight.Dims()

	result := t.backend.GetTensor(r, wc)
	result.Mul(input, weight)
	if bias != nil {
		result.AddBias(bias)
	}
	return result
}

func (t *CPUTensor) LinearActivation(input, weight, bias Tensor, activation ActivationType) Tensor {
	result := t.Linear(input, weight, bias)

	switch activation {
	case ActivationGELU:
		result.Gelu()
	case ActivationReLU:
		result.ReLU()
	case ActivationSigmoid:
		result.Sigmoid()
	case ActivationSoftmax:
		result.Softmax()
	case ActivationIdentity:
		// No-op
	}
	return result
}

func (t *CPUTensor) Attention(q, k, v Tensor, batchSize, seqLen, numHeads int, scale float32, bias []float32) Tensor {
	qt := mustCPU(q, "Attention")
	kt := mustCPU(k, "Attention")
	vt := mustCPU(v, "Attention")

	r, c := qt.Dims()
	if r != batchSize*seqLen {
		log.Panic().Msgf("Attention: dims mismatch, %d rows for %d sequences of %d", r, batchSize, seqLen)
	}
	if numHeads <= 0 || c%numHeads != 0 {
		log.Panic().Msgf("Attention: hidden size %d not divisible by %d heads", c, numHeads)
	}
	headDim := c / numHeads

	blockSize := numHeads * seqLen * seqLen
	period := 0
	if bias != nil {
		if len(bias) == 0 || len(bias)%blockSize != 0 {
			log.Panic().Msgf("Attention: bias length %d is not a multiple of %d", len(bias), blockSize)
		}
		period = len(bias) / blockSize
	}

	result := t.backend.GetTensor(r, c)
	rst := result.(*CPUTensor)

	var wg sync.WaitGroup
	workers := numWorkers
	if batchSize < workers {
		workers = batchSize
	}
	itemsPerWorker := (batchSize + workers - 1) / workers

	for w := 0; w < workers; w++ {
		startBatch := w * itemsPerWorker
		endBatch := startBatch + itemsPerWorker
		if startBatch >= batchSize {
			break
		}
		if endBatch > batchSize {
			endBatch = batchSize
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()

			scores := make([]float32, seqLen*seqLen)

			for s := start; s < end; s++ {
				offset := s * seqLen
				var seqBias []float32
				if period > 0 {
					seqBias = bias[(s%period)*blockSize : (s%period+1)*blockSize]
				}

				for h := 0; h < numHeads; h++ {
					col := h * headDim

					for rQ := 0; rQ < seqLen; rQ++ {
						qIdx := (offset+rQ)*c + col
						qRow := qt.data[qIdx : qIdx+headDim]
						for rK := 0; rK < seqLen; rK++ {
							kIdx := (offset+rK)*c + col
							scores[rQ*seqLen+rK] = simd.DotProduct(qRow, kt.data[kIdx:kIdx+headDim]) * scale
						}
					}

					if seqBias != nil {
						simd.VecAdd(scores, seqBias[h*seqLen*seqLen:(h+1)*seqLen*seqLen])
					}

					for rS := 0; rS < seqLen; rS++ {
						simd.Softmax(scores[rS*seqLen : (rS+1)*seqLen])
					}

					for rS := 0; rS < seqLen; rS++ {
						outIdx := (offset+rS)*c + col
						outRow := rst.data[outIdx : outIdx+headDim]
						scoresRow := scores[rS*seqLen : (rS+1)*seqLen]
						for k, score := range scoresRow {
							vIdx := (offset+k)*c + col
							simd.VecAddScaled(outRow, vt.data[vIdx:vIdx+headDim], score)
						}
					}
				}
			}
		}(startBatch, endBatch)
	}
	wg.Wait()

	return result
}

func mustCPU(t Tensor, op string) *CPUTensor {
	ct, ok := t.(*CPUTensor)
	if !ok {
		log.Panic().Str("op", op).Msg("mixed backend operation not supported")
	}
	return ct
}
