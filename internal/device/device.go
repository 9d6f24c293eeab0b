package device

import "fmt"

// Tensor is a row-major 2D array of float32 values owned by a Backend.
// Activations in the scorer are kept as (tokens, channels) matrices so every
// projection is one gemm.
type Tensor interface {
	// Dims returns the logical dimensions (rows, cols) of the tensor.
	Dims() (int, int)

	// At returns the value at (i, j).
	// This is slow and meant for tests and infrequent access.
	At(i, j int) float32

	// Set sets the value at (i, j).
	Set(i, j int, v float32)

	// Data returns the underlying row-major slice.
	Data() []float32

	// ToHost copies the data to a new Go slice in logical order.
	ToHost() []float32

	// CopyFromFloat32 copies data from a Go slice into the tensor.
	CopyFromFloat32(data []float32)

	// Copy copies content from another tensor of the same shape.
	Copy(from Tensor)

	// Slice copies rows [i, k) and cols [j, l) into a new tensor.
	Slice(i, k, j, l int) Tensor

	// Mul performs matrix multiplication: t = a * b
	Mul(a, b Tensor)

	// Add performs element-wise addition: t = t + other
	Add(other Tensor)

	// Scale performs: t = t * val
	Scale(val float32)

	// AddBias adds a 1xC bias row to every row.
	AddBias(bias Tensor)

	// Activation functions (in-place)
	Softmax()
	Gelu()
	ReLU()
	Sigmoid()

	// LayerNorm normalizes every row in-place.
	LayerNorm(gamma, beta Tensor, eps float32)

	// Gather collects rows based on indices. Returns a new Tensor.
	Gather(indices []int) Tensor

	// Linear performs a fused MatMul + BiasAdd: result = input * weight + bias.
	// bias may be nil.
	Linear(input, weight, bias Tensor) Tensor

	// LinearActivation performs Linear followed by an activation.
	LinearActivation(input, weight, bias Tensor, activation ActivationType) Tensor

	// Attention performs multi-head scaled dot product attention over
	// batchSize independent sequences of seqLen rows each:
	// Softmax(Q_h * K_h^T * scale + bias) * V_h for every head h.
	// q, k, v are (batchSize*seqLen, hidden); hidden must divide by numHeads.
	// bias is optional and laid out as (period, numHeads, seqLen, seqLen);
	// sequence s uses bias block s % period.
	Attention(q, k, v Tensor, batchSize, seqLen, numHeads int, scale float32, bias []float32) Tensor
}

type ActivationType int

const (
	ActivationIdentity ActivationType = iota
	ActivationGELU
	ActivationReLU
	ActivationSigmoid
	ActivationSoftmax
)

// Backend creates tensors and manages device memory.
type Backend interface {
	Name() string
	NewTensor(r, c int, data []float32) Tensor

	// GetTensor gets a zeroed tensor from the pool or creates a new one.
	GetTensor(r, c int) Tensor

	// PutTensor returns a tensor to the pool.
	PutTensor(t Tensor)
}

// NewBackend returns the backend registered under name.
func NewBackend(name string) (Backend, error) {
	switch name {
	case "", "cpu", "CPU", "auto":
		return NewCPUBackend(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (available: cpu)", name)
	}
}
