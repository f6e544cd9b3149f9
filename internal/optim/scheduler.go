package optim

import "math"

// Plateau reduces the learning rate when a monitored metric stops improving.
type Plateau struct {
	Factor    float64 // multiplier applied on reduction
	Patience  int     // epochs without improvement before reducing
	Threshold float64 // relative improvement required
	Mode      string  // "min" or "max"
	MinLR     float64

	best      float64
	badEpochs int
	started   bool
}

// NewPlateau creates a plateau scheduler with defaults for out-of-range values.
func NewPlateau(factor float64, patience int, threshold float64, mode string) *Plateau {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	if mode != "min" && mode != "max" {
		mode = "min"
	}
	return &Plateau{Factor: factor, Patience: patience, Threshold: threshold, Mode: mode}
}

// Step records metric for one epoch and lowers the optimizer LR when the
// patience is exhausted. It reports whether the LR changed.
func (s *Plateau) Step(metric float64, opt Optimizer) bool {
	if math.IsNaN(metric) {
		return false
	}
	if !s.started {
		s.best = metric
		s.started = true
		return false
	}
	if s.improved(metric) {
		s.best = metric
		s.badEpochs = 0
		return false
	}
	s.badEpochs++
	if s.badEpochs <= s.Patience {
		return false
	}
	s.badEpochs = 0
	lr := math.Max(opt.LR()*s.Factor, s.MinLR)
	if lr >= opt.LR() {
		return false
	}
	opt.SetLR(lr)
	return true
}

func (s *Plateau) improved(metric float64) bool {
	if s.Mode == "max" {
		return metric > s.best*(1+s.Threshold)
	}
	return metric < s.best*(1-s.Threshold)
}
