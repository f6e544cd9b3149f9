package trainer

import (
	"math"
	"time"
)

// Training phases reported by Status.
const (
	PhaseIdle  = "idle"
	PhaseTrain = "train"
	PhaseValid = "valid"
	PhaseTest  = "test"
	PhaseDone  = "done"
)

// Status is a point-in-time view of a training run. Non-finite values are
// reported as null.
type Status struct {
	Phase         string              `json:"phase"`
	Run           string              `json:"run"`
	Epoch         int                 `json:"epoch"`
	Epochs        int                 `json:"epochs"`
	Batch         int                 `json:"batch"`
	BestEpoch     int                 `json:"best_epoch"`
	BestLoss      *float64            `json:"best_loss"`
	NotImproved   int                 `json:"not_improved"`
	LearningRate  float64             `json:"learning_rate"`
	SamplesPerSec float64             `json:"samples_per_sec"`
	Scalars       map[string]*float64 `json:"scalars,omitempty"`
	SaveDir       string              `json:"save_dir"`
	Device        string              `json:"device"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// Status returns a copy of the current run status.
func (t *Trainer) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.status
	if t.status.Scalars != nil {
		s.Scalars = make(map[string]*float64, len(t.status.Scalars))
		for k, v := range t.status.Scalars {
			s.Scalars[k] = v
		}
	}
	return s
}

func (t *Trainer) updateStatus(fn func(s *Status)) {
	t.mu.Lock()
	fn(&t.status)
	t.status.UpdatedAt = time.Now().UTC()
	t.mu.Unlock()
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
