package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"segforge/internal/checkpoint"
	"segforge/internal/trainer"
	"segforge/internal/tracking"
)

func newEvalCmd(root *rootFlags) *cobra.Command {
	var ckptPath string
	cmd := &cobra.Command{
		Use:     "eval",
		Short:   "Evaluate a checkpoint on the test (or validation) split",
		Example: "  segforge eval --checkpoint saved/segmentation/ver1/Model_best.json --test-root /data/test",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.LogLevel)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			data, err := buildData(cfg, logger)
			if err != nil {
				return err
			}
			loader := data.test
			if loader == nil {
				loader = data.valid
			}
			if loader == nil {
				return errors.New("eval needs test_roots, valid_roots or synthetic")
			}

			format, err := checkpoint.ParseFormat(strings.TrimPrefix(filepath.Ext(ckptPath), "."))
			if err != nil {
				return err
			}
			st, err := checkpoint.NewSaver(format).Load(ckptPath)
			if err != nil {
				return err
			}
			m := buildModel(cfg)
			if err := checkpoint.Restore(st, m); err != nil {
				return err
			}
			criterion, _, err := buildObjective(cfg, m)
			if err != nil {
				return err
			}
			tracker, closeTracker, err := buildTracker(ctx, cfg, logger, nil)
			if err != nil {
				return err
			}
			defer closeTracker()

			name := filepath.Base(filepath.Dir(ckptPath)) + "_eval"
			ev, err := trainer.NewEvaluator(trainer.Options{
				Model:     m,
				Criterion: criterion,
				Norm:      cfg.Normalization(),
				Device:    cfg.Device,
				Seed:      cfg.Seed,
				Name:      name,
				Logger:    logger,
			})
			if err != nil {
				return err
			}
			res, err := ev.Evaluate(ctx, loader)
			if err != nil {
				return err
			}

			scalars := map[string]float64{"Test Loss": res.Loss}
			for k, v := range res.Metrics {
				scalars["Test "+k] = v
			}
			run := tracking.NewRun(cfg.Tracking.Project, name, configMap(cfg))
			recordEval(ctx, tracker, run, tracking.Record{Scalars: scalars, Examples: res.Examples}, logger)

			keys := make([]string, 0, len(scalars))
			for k := range scalars {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "checkpoint: %s (epoch %d)\n", ckptPath, st.Epoch)
			for _, k := range keys {
				fmt.Fprintf(out, "%-10s %.5f\n", k, scalars[k])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&ckptPath, "checkpoint", "", "Checkpoint file (.json or .pb)")
	_ = cmd.MarkFlagRequired("checkpoint")
	return cmd
}

// recordEval logs rec as a single-step run. A failing sink only produces a
// warning; the others still receive Log and Finish.
func recordEval(ctx context.Context, tracker tracking.Tracker, run tracking.Run, rec tracking.Record, logger zerolog.Logger) {
	if err := tracker.Start(ctx, run); err != nil {
		logger.Warn().Err(err).Msg("tracker start failed")
	}
	if err := tracker.Log(ctx, rec); err != nil {
		logger.Warn().Err(err).Msg("tracker log failed")
	}
	if err := tracker.Finish(ctx); err != nil {
		logger.Warn().Err(err).Msg("tracker finish failed")
	}
}
