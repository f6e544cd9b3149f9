package model

import (
	"errors"
	"fmt"
)

// ErrNotTraining is returned by Backward when the model is in eval mode.
var ErrNotTraining = errors.New("model: backward called in eval mode")

// Shape describes an NCHW tensor.
type Shape struct {
	N, C, H, W int
}

// Size returns the number of elements.
func (s Shape) Size() int { return s.N * s.C * s.H * s.W }

// Plane returns the number of elements per sample.
func (s Shape) Plane() int { return s.C * s.H * s.W }

func (s Shape) String() string { return fmt.Sprintf("[%d %d %d %d]", s.N, s.C, s.H, s.W) }

// Tensor is a dense row-major NCHW float tensor.
type Tensor struct {
	Shape Shape
	Data  []float64
}

// NewTensor allocates a zeroed tensor.
func NewTensor(s Shape) Tensor {
	return Tensor{Shape: s, Data: make([]float64, s.Size())}
}

// At returns the element at (n, c, y, x).
func (t Tensor) At(n, c, y, x int) float64 {
	return t.Data[((n*t.Shape.C+c)*t.Shape.H+y)*t.Shape.W+x]
}

// Sample returns a view of sample n.
func (t Tensor) Sample(n int) []float64 {
	p := t.Shape.Plane()
	return t.Data[n*p : (n+1)*p]
}

// Validate checks that the backing slice matches the shape.
func (t Tensor) Validate() error {
	if t.Shape.N <= 0 || t.Shape.C <= 0 || t.Shape.H <= 0 || t.Shape.W <= 0 {
		return fmt.Errorf("model: invalid shape %s", t.Shape)
	}
	if len(t.Data) != t.Shape.Size() {
		return fmt.Errorf("model: tensor has %d elements, shape %s wants %d", len(t.Data), t.Shape, t.Shape.Size())
	}
	return nil
}

// Clone returns a deep copy.
func (t Tensor) Clone() Tensor {
	return Tensor{Shape: t.Shape, Data: append([]float64(nil), t.Data...)}
}

// Batch represents a minibatch of images and their binary masks.
type Batch struct {
	Inputs Tensor
	Labels Tensor
}

// Len returns the number of samples in the batch.
func (b Batch) Len() int { return b.Inputs.Shape.N }

// Param is a trainable parameter with its accumulated gradient.
type Param struct {
	Name  string
	Shape []int
	Data  []float64
	Grad  []float64
}

func newParam(name string, shape ...int) *Param {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Param{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Data:  make([]float64, n),
		Grad:  make([]float64, n),
	}
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Model defines the functionality the trainer drives.
type Model interface {
	// Forward computes per-pixel logits shaped N x 1 x H x W.
	Forward(x Tensor) (Tensor, error)
	// Backward accumulates parameter gradients for the last Forward.
	Backward(gradOut Tensor) error
	Params() []*Param
	SetTraining(training bool)
}

// CountParams returns the number of scalar parameters in m.
func CountParams(m Model) int {
	total := 0
	for _, p := range m.Params() {
		total += len(p.Data)
	}
	return total
}
