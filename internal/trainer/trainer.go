// Package trainer drives epoch-based training of a segmentation model.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"segforge/internal/checkpoint"
	"segforge/internal/dataset"
	"segforge/internal/device"
	"segforge/internal/loss"
	"segforge/internal/metrics"
	"segforge/internal/model"
	"segforge/internal/optim"
	"segforge/internal/tracking"
)

const (
	defaultEarlyStop        = 20
	defaultSavePeriod       = 5
	defaultExampleBatches   = 8
	defaultExamplesPerBatch = 2
)

// Loader yields the batches of one pass over a dataset split.
type Loader interface {
	Each(ctx context.Context, epoch int, fn func(idx int, b model.Batch) error) error
}

// Options configures a Trainer. Model, Criterion, Optimizer and Train are
// required; Valid and Test are optional.
type Options struct {
	Model     model.Model
	Criterion loss.Criterion
	Optimizer optim.Optimizer
	Scheduler *optim.Plateau
	Metrics   []metrics.Func

	Train Loader
	Valid Loader
	Test  Loader

	Epochs     int
	EarlyStop  int
	SavePeriod int

	// SaveDir is versioned with checkpoint.VersionedDir when it already exists.
	SaveDir string
	Saver   *checkpoint.Saver

	Tracker tracking.Tracker
	// Project and Name default to the last two components of the save dir.
	Project string
	Name    string
	Config  map[string]any

	Norm             dataset.Normalization
	ExampleBatches   int
	ExamplesPerBatch int

	Device   string
	Seed     int64
	LogEvery int
	Logger   zerolog.Logger
}

// Trainer runs the train / validation / test loop.
type Trainer struct {
	opts    Options
	saveDir string
	device  device.Info
	rng     *rand.Rand
	logger  zerolog.Logger

	best        float64
	bestEpoch   int
	notImproved int

	mu     sync.Mutex
	status Status
}

// New validates opts, applies defaults, resolves the device and creates the
// checkpoint directory.
func New(opts Options) (*Trainer, error) {
	switch {
	case opts.Optimizer == nil:
		return nil, errors.New("trainer: optimizer is required")
	case opts.Train == nil:
		return nil, errors.New("trainer: train loader is required")
	}
	if opts.Epochs <= 0 {
		return nil, fmt.Errorf("trainer: epochs must be > 0 (got %d)", opts.Epochs)
	}
	if opts.EarlyStop <= 0 {
		opts.EarlyStop = defaultEarlyStop
	}
	if opts.SavePeriod <= 0 {
		opts.SavePeriod = defaultSavePeriod
	}
	if opts.Saver == nil {
		opts.Saver = checkpoint.NewSaver(checkpoint.FormatJSON)
	}
	if opts.SaveDir == "" {
		opts.SaveDir = filepath.Join("saved", "segmentation", "ver1")
	}
	t, err := newTrainer(opts)
	if err != nil {
		return nil, err
	}
	dir, err := checkpoint.VersionedDir(opts.SaveDir)
	if err != nil {
		return nil, fmt.Errorf("trainer: %w", err)
	}
	if t.opts.Name == "" {
		t.opts.Name = filepath.Base(dir)
	}
	if t.opts.Project == "" {
		t.opts.Project = filepath.Base(filepath.Dir(dir))
	}
	t.saveDir = dir
	t.logger = t.opts.Logger.With().Str("run", t.opts.Name).Logger()
	t.status.Run = t.opts.Name
	t.status.SaveDir = dir
	return t, nil
}

// NewEvaluator returns a Trainer that only supports Evaluate. Model and
// Criterion are required; nothing is written to disk.
func NewEvaluator(opts Options) (*Trainer, error) {
	return newTrainer(opts)
}

func (o Options) validateModel() error {
	switch {
	case o.Model == nil:
		return errors.New("trainer: model is required")
	case o.Criterion == nil:
		return errors.New("trainer: criterion is required")
	}
	return nil
}

func newTrainer(opts Options) (*Trainer, error) {
	if err := opts.validateModel(); err != nil {
		return nil, err
	}
	if len(opts.Metrics) == 0 {
		opts.Metrics = metrics.Default()
	}
	if opts.ExampleBatches < 0 {
		opts.ExampleBatches = 0
	} else if opts.ExampleBatches == 0 {
		opts.ExampleBatches = defaultExampleBatches
	}
	if opts.ExamplesPerBatch <= 0 {
		opts.ExamplesPerBatch = defaultExamplesPerBatch
	}
	if opts.Norm.Std == [3]float64{} {
		opts.Norm = dataset.Identity
	}
	if opts.Tracker == nil {
		opts.Tracker = tracking.Nop{}
	}
	dev, err := device.Resolve(opts.Device)
	if err != nil {
		return nil, fmt.Errorf("trainer: %w", err)
	}
	t := &Trainer{
		opts:      opts,
		device:    dev,
		rng:       rand.New(rand.NewSource(opts.Seed)),
		logger:    opts.Logger.With().Str("run", opts.Name).Logger(),
		best:      math.Inf(1),
		bestEpoch: -1,
	}
	t.status = Status{
		Phase:  PhaseIdle,
		Epochs: opts.Epochs,
		Run:    opts.Name,
		Device: dev.String(),
	}
	return t, nil
}

// SaveDir returns the versioned checkpoint directory.
func (t *Trainer) SaveDir() string { return t.saveDir }

// Device returns the resolved compute device.
func (t *Trainer) Device() device.Info { return t.device }
