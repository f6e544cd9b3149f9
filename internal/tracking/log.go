package tracking

import (
	"context"
	"sort"

	"github.com/rs/zerolog"
)

// LogTracker writes run events to a zerolog logger.
type LogTracker struct {
	logger zerolog.Logger
	run    *Run
}

// NewLogTracker returns a tracker logging at info level.
func NewLogTracker(logger zerolog.Logger) *LogTracker {
	return &LogTracker{logger: logger}
}

func (t *LogTracker) Start(_ context.Context, run Run) error {
	t.run = &run
	t.logger.Info().
		Str("run_id", run.ID).
		Str("project", run.Project).
		Str("run", run.Name).
		Msg("run started")
	return nil
}

func (t *LogTracker) Log(_ context.Context, rec Record) error {
	if t.run == nil {
		return ErrNoRun
	}
	keys := make([]string, 0, len(rec.Scalars))
	for k := range rec.Scalars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ev := t.logger.Info().Str("run", t.run.Name).Int("step", rec.Step)
	for _, k := range keys {
		ev = ev.Float64(k, rec.Scalars[k])
	}
	if len(rec.Examples) > 0 {
		ev = ev.Int("examples", len(rec.Examples))
	}
	ev.Msg("metrics")
	return nil
}

func (t *LogTracker) Finish(_ context.Context) error {
	if t.run == nil {
		return ErrNoRun
	}
	t.logger.Info().Str("run", t.run.Name).Msg("run finished")
	t.run = nil
	return nil
}
