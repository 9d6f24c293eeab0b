package model

import (
	"sort"

	"github.com/23skdu/longbow-cdaiqa/internal/device"
)

// BlockObserver receives the output of every backbone block during one forward call.
// The tensor is only valid for the duration of the call.
type BlockObserver interface {
	ObserveBlock(index int, output device.Tensor)
}

// Capture collects the outputs of designated backbone blocks for one forward
// call. Create one per call; nothing survives between calls unless the same
// Capture is passed again, in which case Reset must be called first.
type Capture struct {
	want    map[int]bool
	deepest int
	outputs map[int]device.Tensor
}

// NewCapture returns a collector for the given block indices. With no indices
// every block is captured.
func NewCapture(indices ...int) *Capture {
	c := &Capture{outputs: make(map[int]device.Tensor), deepest: -1}
	if len(indices) == 0 {
		return c
	}
	c.want = make(map[int]bool, len(indices))
	for _, i := range indices {
		c.want[i] = true
		if i > c.deepest {
			c.deepest = i
		}
	}
	return c
}

// ObserveBlock stores a copy of output when index is wanted.
func (c *Capture) ObserveBlock(index int, output device.Tensor) {
	if c.want != nil && !c.want[index] {
		return
	}
	r, cols := output.Dims()
	c.outputs[index] = output.Slice(0, r, 0, cols)
}

// Output returns the captured output of block index.
func (c *Capture) Output(index int) (device.Tensor, bool) {
	t, ok := c.outputs[index]
	return t, ok
}

// Len returns the number of captured blocks.
func (c *Capture) Len() int {
	return len(c.outputs)
}

// Indices returns the captured block indices in ascending order.
func (c *Capture) Indices() []int {
	out := make([]int, 0, len(c.outputs))
	for i := range c.outputs {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// Deepest returns the deepest block the capture needs, or -1 when it wants every block.
func (c *Capture) Deepest() int {
	return c.deepest
}

// Reset drops every captured output.
func (c *Capture) Reset() {
	c.outputs = make(map[int]device.Tensor)
}

// Release returns captured tensors to the backend pool and resets the capture.
func (c *Capture) Release(backend device.Backend) {
	for _, t := range c.outputs {
		backend.PutTensor(t)
	}
	c.Reset()
}
