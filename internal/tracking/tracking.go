// Package tracking records training runs in experiment-tracking backends.
package tracking

import (
	"context"
	"errors"
	"maps"
	"math"
	"time"

	"github.com/google/uuid"
)

// Mask class ids used by Example masks.
const (
	ClassBackground  = 0
	ClassDamage      = 1
	ClassGroundTruth = 2
)

// ClassLabels names the mask classes.
var ClassLabels = map[int]string{
	ClassBackground:  "BackGround",
	ClassDamage:      "Damage",
	ClassGroundTruth: "Ground Truth",
}

// Labels returns a copy of ClassLabels.
func Labels() map[int]string {
	return maps.Clone(ClassLabels)
}

// Run identifies one tracked run.
type Run struct {
	ID        string         `json:"id"`
	Project   string         `json:"project"`
	Name      string         `json:"name"`
	Config    map[string]any `json:"config,omitempty"`
	StartedAt time.Time      `json:"started_at"`
}

// NewRun returns a run with a fresh id.
func NewRun(project, name string, config map[string]any) Run {
	return Run{
		ID:        uuid.NewString(),
		Project:   project,
		Name:      name,
		Config:    config,
		StartedAt: time.Now().UTC(),
	}
}

// Example is an input image with predicted and ground-truth masks.
type Example struct {
	Caption string `json:"caption"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	// Image is PNG encoded.
	Image []byte `json:"image"`
	// Pred and Target hold one class id per pixel, row-major.
	Pred   []uint8 `json:"pred"`
	Target []uint8 `json:"target"`
	// Classes names the ids used in Pred and Target.
	Classes map[int]string `json:"classes,omitempty"`
}

// Record is one logging call: a step's scalars and optional examples.
type Record struct {
	Step     int                `json:"step"`
	Scalars  map[string]float64 `json:"-"`
	Examples []Example          `json:"examples,omitempty"`
}

// FiniteScalars returns Scalars with NaN and Inf mapped to nil.
func (r Record) FiniteScalars() map[string]*float64 {
	out := make(map[string]*float64, len(r.Scalars))
	for k, v := range r.Scalars {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			out[k] = nil
			continue
		}
		v := v
		out[k] = &v
	}
	return out
}

// Tracker is an experiment-tracking backend. Start may be called again after
// Finish to open a new run.
type Tracker interface {
	Start(ctx context.Context, run Run) error
	Log(ctx context.Context, rec Record) error
	Finish(ctx context.Context) error
}

// ErrNoRun is returned when Log or Finish is called without an open run.
var ErrNoRun = errors.New("tracking: no active run")

// Multi fans every call out to all trackers and joins their errors.
type Multi []Tracker

func (m Multi) Start(ctx context.Context, run Run) error {
	var errs []error
	for _, t := range m {
		errs = append(errs, t.Start(ctx, run))
	}
	return errors.Join(errs...)
}

func (m Multi) Log(ctx context.Context, rec Record) error {
	var errs []error
	for _, t := range m {
		errs = append(errs, t.Log(ctx, rec))
	}
	return errors.Join(errs...)
}

func (m Multi) Finish(ctx context.Context) error {
	var errs []error
	for _, t := range m {
		errs = append(errs, t.Finish(ctx))
	}
	return errors.Join(errs...)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Start(context.Context, Run) error { return nil }
func (Nop) Log(context.Context, Record) error { return nil }
func (Nop) Finish(context.Context) error { return nil }
