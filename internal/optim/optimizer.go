package optim

import (
	"fmt"
	"math"

	"segforge/internal/model"
)

// Optimizer updates model parameters from their accumulated gradients.
type Optimizer interface {
	Name() string
	ZeroGrad()
	Step()
	LR() float64
	SetLR(lr float64)
}

// SGD is stochastic gradient descent with optional momentum and L2 weight decay.
type SGD struct {
	params      []*model.Param
	lr          float64
	momentum    float64
	weightDecay float64
	velocity    [][]float64
}

// NewSGD creates an SGD optimizer over params.
func NewSGD(params []*model.Param, lr, momentum, weightDecay float64) *SGD {
	if lr <= 0 {
		lr = 0.01
	}
	v := make([][]float64, len(params))
	for i, p := range params {
		v[i] = make([]float64, len(p.Data))
	}
	return &SGD{params: params, lr: lr, momentum: momentum, weightDecay: weightDecay, velocity: v}
}

func (o *SGD) Name() string { return "sgd" }
func (o *SGD) LR() float64 { return o.lr }
func (o *SGD) SetLR(lr float64) { o.lr = lr }
func (o *SGD) ZeroGrad() { zeroGrad(o.params) }

func (o *SGD) Step() {
	for i, p := range o.params {
		v := o.velocity[i]
		for j := range p.Data {
			g := p.Grad[j] + o.weightDecay*p.Data[j]
			if o.momentum > 0 {
				v[j] = o.momentum*v[j] + g
				g = v[j]
			}
			p.Data[j] -= o.lr * g
		}
	}
}

// Adam implements Adam with bias correction and decoupled weight decay.
type Adam struct {
	params      []*model.Param
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	t           int
	m           [][]float64
	v           [][]float64
}

// NewAdam creates an Adam optimizer. Zero betas and eps take the usual defaults.
func NewAdam(params []*model.Param, lr, beta1, beta2, eps, weightDecay float64) *Adam {
	if lr <= 0 {
		lr = 1e-3
	}
	if beta1 <= 0 {
		beta1 = 0.9
	}
	if beta2 <= 0 {
		beta2 = 0.999
	}
	if eps <= 0 {
		eps = 1e-8
	}
	m := make([][]float64, len(params))
	v := make([][]float64, len(params))
	for i, p := range params {
		m[i] = make([]float64, len(p.Data))
		v[i] = make([]float64, len(p.Data))
	}
	return &Adam{
		params:      params,
		lr:          lr,
		beta1:       beta1,
		beta2:       beta2,
		eps:         eps,
		weightDecay: weightDecay,
		m:           m,
		v:           v,
	}
}

func (o *Adam) Name() string { return "adam" }
func (o *Adam) LR() float64 { return o.lr }
func (o *Adam) SetLR(lr float64) { o.lr = lr }
func (o *Adam) ZeroGrad() { zeroGrad(o.params) }

func (o *Adam) Step() {
	o.t++
	c1 := 1 - math.Pow(o.beta1, float64(o.t))
	c2 := 1 - math.Pow(o.beta2, float64(o.t))
	for i, p := range o.params {
		m, v := o.m[i], o.v[i]
		for j, g := range p.Grad {
			p.Data[j] -= o.lr * o.weightDecay * p.Data[j]
			m[j] = o.beta1*m[j] + (1-o.beta1)*g
			v[j] = o.beta2*v[j] + (1-o.beta2)*g*g
			mHat := m[j] / c1
			vHat := v[j] / c2
			p.Data[j] -= o.lr * mHat / (math.Sqrt(vHat) + o.eps)
		}
	}
}

func zeroGrad(params []*model.Param) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// New builds an optimizer by config name.
func New(name string, params []*model.Param, lr, momentum, weightDecay float64) (Optimizer, error) {
	switch name {
	case "", "adam":
		return NewAdam(params, lr, 0, 0, 0, weightDecay), nil
	case "sgd":
		return NewSGD(params, lr, momentum, weightDecay), nil
	default:
		return nil, fmt.Errorf("optim: unknown optimizer %q", name)
	}
}
