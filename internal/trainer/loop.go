package trainer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"segforge/internal/checkpoint"
	"segforge/internal/metrics"
	"segforge/internal/model"
	"segforge/internal/tracking"
)

// ErrEmptyLoader is returned when a loader yields no batches in a pass.
var ErrEmptyLoader = errors.New("trainer: loader yielded no batches")

// EvalResult holds the aggregates of one evaluation pass.
type EvalResult struct {
	Loss     float64
	Metrics  map[string]float64
	Batches  int
	Examples []tracking.Example
}

// Result summarises a call to Train.
type Result struct {
	Epochs       int
	BestEpoch    int
	BestLoss     float64
	EarlyStopped bool
	TrainLoss    []float64
	ValLoss      []float64
	Test         *EvalResult
}

// Train runs up to Epochs epochs with early stopping and checkpointing, then
// evaluates the best checkpoint on the test loader if one is configured. The
// test phase is skipped when no epoch ever improved on the monitored loss.
func (t *Trainer) Train(ctx context.Context) (Result, error) {
	res := Result{BestEpoch: -1}
	run := tracking.NewRun(t.opts.Project, t.opts.Name, t.opts.Config)
	t.track("start", t.opts.Tracker.Start(ctx, run))
	t.logger.Info().
		Str("save_dir", t.saveDir).
		Str("device", t.device.String()).
		Int("params", model.CountParams(t.opts.Model)).
		Int("epochs", t.opts.Epochs).
		Msg("training started")

	for epoch := 0; epoch < t.opts.Epochs; epoch++ {
		start := time.Now()
		tr, err := t.runPhase(ctx, PhaseTrain, t.opts.Train, epoch)
		if err != nil {
			t.track("finish", t.opts.Tracker.Finish(context.WithoutCancel(ctx)))
			return res, err
		}
		res.TrainLoss = append(res.TrainLoss, tr.Loss)
		scalars := prefixed("Train", tr)
		monitor := tr.Loss

		var examples []tracking.Example
		if t.opts.Valid != nil {
			val, err := t.runPhase(ctx, PhaseValid, t.opts.Valid, epoch)
			if err != nil {
				t.track("finish", t.opts.Tracker.Finish(context.WithoutCancel(ctx)))
				return res, err
			}
			res.ValLoss = append(res.ValLoss, val.Loss)
			for k, v := range prefixed("Val", val) {
				scalars[k] = v
			}
			monitor = val.Loss
			examples = val.Examples
		}
		t.track("log", t.opts.Tracker.Log(ctx, tracking.Record{Step: epoch, Scalars: scalars, Examples: examples}))

		if t.opts.Scheduler != nil {
			before := t.opts.Optimizer.LR()
			if t.opts.Scheduler.Step(monitor, t.opts.Optimizer) {
				t.logger.Info().Float64("from", before).Float64("to", t.opts.Optimizer.LR()).Msg("learning rate reduced")
			}
		}

		best := t.observe(epoch, monitor)
		if epoch%t.opts.SavePeriod == 0 || best {
			if err := t.save(epoch, best); err != nil {
				t.track("finish", t.opts.Tracker.Finish(context.WithoutCancel(ctx)))
				return res, err
			}
		}

		res.Epochs = epoch + 1
		t.updateStatus(func(s *Status) {
			s.Epoch = epoch
			s.BestEpoch = t.bestEpoch
			s.BestLoss = finite(t.best)
			s.NotImproved = t.notImproved
			s.LearningRate = t.opts.Optimizer.LR()
			s.Scalars = tracking.Record{Scalars: scalars}.FiniteScalars()
		})
		ev := t.logger.Info().Int("epoch", epoch)
		for _, k := range sortedKeys(scalars) {
			ev = ev.Float64(k, scalars[k])
		}
		ev.Bool("best", best).Dur("elapsed", time.Since(start)).Msg("epoch finished")

		if t.notImproved > t.opts.EarlyStop {
			res.EarlyStopped = true
			t.logger.Info().Int("patience", t.opts.EarlyStop).Msg("monitored loss did not improve, stopping early")
			break
		}
	}
	t.track("finish", t.opts.Tracker.Finish(ctx))
	res.BestEpoch, res.BestLoss = t.bestEpoch, t.best

	switch {
	case t.opts.Test == nil:
	case t.bestEpoch < 0:
		t.logger.Warn().Msg("monitored loss never improved, no best checkpoint to test")
	default:
		ev, err := t.test(ctx)
		if err != nil {
			return res, err
		}
		res.Test = &ev
	}
	t.updateStatus(func(s *Status) { s.Phase = PhaseDone })
	return res, nil
}

// Evaluate runs one eval-mode pass over loader, collecting mask examples.
func (t *Trainer) Evaluate(ctx context.Context, loader Loader) (EvalResult, error) {
	return t.runPhase(ctx, PhaseTest, loader, 0)
}

func (t *Trainer) test(ctx context.Context) (EvalResult, error) {
	run := tracking.NewRun(t.opts.Project, t.opts.Name+"_test", t.opts.Config)
	t.track("start", t.opts.Tracker.Start(ctx, run))
	defer func() { t.track("finish", t.opts.Tracker.Finish(context.WithoutCancel(ctx))) }()

	path := checkpoint.BestPath(t.saveDir, t.opts.Saver.Format())
	st, err := t.opts.Saver.Load(path)
	if err != nil {
		return EvalResult{}, fmt.Errorf("trainer: load best checkpoint: %w", err)
	}
	if err := checkpoint.Restore(st, t.opts.Model); err != nil {
		return EvalResult{}, fmt.Errorf("trainer: restore best checkpoint: %w", err)
	}
	ev, err := t.Evaluate(ctx, t.opts.Test)
	if err != nil {
		return EvalResult{}, err
	}
	scalars := prefixed("Test", ev)
	t.track("log", t.opts.Tracker.Log(ctx, tracking.Record{Step: 0, Scalars: scalars, Examples: ev.Examples}))
	e := t.logger.Info().Int("best_epoch", st.Epoch)
	for _, k := range sortedKeys(scalars) {
		e = e.Float64(k, scalars[k])
	}
	e.Msg("test finished")
	return ev, nil
}

// runPhase makes one pass over loader. The train phase updates parameters;
// the others run in eval mode and collect mask examples.
func (t *Trainer) runPhase(ctx context.Context, phase string, loader Loader, epoch int) (EvalResult, error) {
	training := phase == PhaseTrain
	t.opts.Model.SetTraining(training)
	t.updateStatus(func(s *Status) {
		s.Phase = phase
		s.Epoch = epoch
		s.Batch = 0
	})

	agg := metrics.NewAggregator(t.opts.Metrics)
	var (
		window   metrics.Window
		total    metrics.Window
		sum      float64
		batches  int
		examples []tracking.Example
	)
	last := time.Now()
	err := loader.Each(ctx, epoch, func(idx int, b model.Batch) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		dataTime := time.Since(last)
		start := time.Now()

		logits, err := t.opts.Model.Forward(b.Inputs)
		if err != nil {
			return fmt.Errorf("%s batch %d: forward: %w", phase, idx, err)
		}
		l, grad, err := t.opts.Criterion.Forward(logits, b.Labels)
		if err != nil {
			return fmt.Errorf("%s batch %d: loss: %w", phase, idx, err)
		}
		if training {
			t.opts.Optimizer.ZeroGrad()
			if err := t.opts.Model.Backward(grad); err != nil {
				return fmt.Errorf("%s batch %d: backward: %w", phase, idx, err)
			}
			t.opts.Optimizer.Step()
		}
		sum += l
		batches++
		agg.Observe(t.opts.Metrics, logits, b.Labels)
		if !training && idx < t.opts.ExampleBatches {
			ex, err := t.examples(phase, idx, b, logits)
			if err != nil {
				return err
			}
			examples = append(examples, ex...)
		}

		computeTime := time.Since(start)
		window.Record(b.Len(), dataTime, computeTime, l)
		total.Record(b.Len(), dataTime, computeTime, l)
		if t.opts.LogEvery > 0 && window.Steps() >= t.opts.LogEvery {
			snap := window.Snapshot()
			t.logger.Debug().
				Str("phase", phase).
				Int("epoch", epoch).
				Int("batch", idx).
				Float64("samples_per_sec", snap.SamplesPerSec).
				Float64("data_ms", snap.AvgDataMS).
				Float64("compute_ms", snap.AvgComputeMS).
				Float64("loss", snap.MeanLoss).
				Msg("progress")
		}
		t.updateStatus(func(s *Status) { s.Batch = idx + 1 })
		last = time.Now()
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return EvalResult{}, ctxErr
		}
		return EvalResult{}, fmt.Errorf("trainer: %w", err)
	}
	if batches == 0 {
		return EvalResult{}, fmt.Errorf("%w (%s)", ErrEmptyLoader, phase)
	}
	snap := total.Snapshot()
	t.updateStatus(func(s *Status) { s.SamplesPerSec = snap.SamplesPerSec })
	return EvalResult{
		Loss:     sum / float64(batches),
		Metrics:  agg.Means(),
		Batches:  batches,
		Examples: examples,
	}, nil
}

// observe applies the early-stopping rule and reports whether monitor is a
// new best. Ties count as improvement.
func (t *Trainer) observe(epoch int, monitor float64) bool {
	if monitor <= t.best {
		t.best = monitor
		t.bestEpoch = epoch
		t.notImproved = 0
		return true
	}
	t.notImproved++
	return false
}

func (t *Trainer) save(epoch int, best bool) error {
	st := checkpoint.Capture(epoch, t.opts.Model, checkpoint.Training{
		LearningRate: t.opts.Optimizer.LR(),
		BestLoss:     t.best,
		NotImproved:  t.notImproved,
	})
	st.Metadata.Tags = []string{t.opts.Name}
	format := t.opts.Saver.Format()
	path := checkpoint.EpochPath(t.saveDir, epoch, format)
	if err := t.opts.Saver.Save(st, path); err != nil {
		return fmt.Errorf("trainer: save checkpoint: %w", err)
	}
	t.logger.Debug().Str("path", path).Msg("checkpoint saved")
	if best {
		if err := t.opts.Saver.Save(st, checkpoint.BestPath(t.saveDir, format)); err != nil {
			return fmt.Errorf("trainer: save best checkpoint: %w", err)
		}
	}
	return nil
}

func (t *Trainer) track(op string, err error) {
	if err != nil {
		t.logger.Warn().Err(err).Str("op", op).Msg("tracker call failed")
	}
}
