package model

import (
	"fmt"
	"math"
	"math/rand"
)

// SegNet is a two-layer fully convolutional network producing one logit per
// pixel: conv3x3 -> ReLU -> conv1x1.
type SegNet struct {
	inChannels int
	hidden     int
	training   bool

	w1, b1 *Param
	w2, b2 *Param

	// activations kept from the last training-mode Forward
	input   Tensor
	hidden1 Tensor
	cached  bool
}

// NewSegNet constructs the network with seeded He initialisation.
func NewSegNet(inChannels, hidden int, seed int64) *SegNet {
	if inChannels <= 0 {
		inChannels = 3
	}
	if hidden <= 0 {
		hidden = 8
	}
	rng := rand.New(rand.NewSource(seed))
	m := &SegNet{
		inChannels: inChannels,
		hidden:     hidden,
		training:   true,
		w1:         newParam("conv1.weight", hidden, inChannels, 3, 3),
		b1:         newParam("conv1.bias", hidden),
		w2:         newParam("head.weight", 1, hidden, 1, 1),
		b2:         newParam("head.bias", 1),
	}
	std1 := math.Sqrt(2.0 / float64(inChannels*9))
	for i := range m.w1.Data {
		m.w1.Data[i] = rng.NormFloat64() * std1
	}
	std2 := math.Sqrt(1.0 / float64(hidden))
	for i := range m.w2.Data {
		m.w2.Data[i] = rng.NormFloat64() * std2
	}
	return m
}

// Params returns the trainable parameters in a stable order.
func (m *SegNet) Params() []*Param {
	return []*Param{m.w1, m.b1, m.w2, m.b2}
}

// SetTraining toggles activation caching for Backward.
func (m *SegNet) SetTraining(training bool) {
	m.training = training
	if !training {
		m.cached = false
		m.input = Tensor{}
		m.hidden1 = Tensor{}
	}
}

// Forward computes logits shaped N x 1 x H x W.
func (m *SegNet) Forward(x Tensor) (Tensor, error) {
	if err := x.Validate(); err != nil {
		return Tensor{}, err
	}
	if x.Shape.C != m.inChannels {
		return Tensor{}, fmt.Errorf("model: segnet expects %d input channels, got %d", m.inChannels, x.Shape.C)
	}
	h := conv2d(x, m.w1.Data, m.b1.Data, m.hidden, 3)
	for i, v := range h.Data {
		if v < 0 {
			h.Data[i] = 0
		}
	}
	out := conv2d(h, m.w2.Data, m.b2.Data, 1, 1)
	if m.training {
		m.input = x
		m.hidden1 = h
		m.cached = true
	}
	return out, nil
}

// Backward propagates gradOut (dLoss/dLogits) into the parameter gradients.
func (m *SegNet) Backward(gradOut Tensor) error {
	if !m.training {
		return ErrNotTraining
	}
	if !m.cached {
		return fmt.Errorf("model: backward without forward")
	}
	want := Shape{N: m.input.Shape.N, C: 1, H: m.input.Shape.H, W: m.input.Shape.W}
	if gradOut.Shape != want || len(gradOut.Data) != want.Size() {
		return fmt.Errorf("model: gradient shape %s does not match output %s", gradOut.Shape, want)
	}
	dh := conv2dBackward(m.hidden1, gradOut, m.w2.Data, m.w2.Grad, m.b2.Grad, 1)
	for i, v := range m.hidden1.Data {
		if v <= 0 {
			dh.Data[i] = 0
		}
	}
	conv2dBackward(m.input, dh, m.w1.Data, m.w1.Grad, m.b1.Grad, 3)
	m.cached = false
	return nil
}
