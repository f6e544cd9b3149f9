package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"segforge/internal/checkpoint"
	"segforge/internal/optim"
	"segforge/internal/server"
	"segforge/internal/trainer"
)

func newTrainCmd(root *rootFlags) *cobra.Command {
	o := &root.overrides
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run the training loop",
		Example: "  segforge train --synthetic 256 --epochs 10\n" +
			"  segforge train --config configs/damage.yaml --status-addr :9100",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.LogLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			data, err := buildData(cfg, logger)
			if err != nil {
				return err
			}
			m := buildModel(cfg)
			criterion, opt, err := buildObjective(cfg, m)
			if err != nil {
				return err
			}
			format, err := checkpoint.ParseFormat(cfg.Checkpoint)
			if err != nil {
				return err
			}
			tracker, closeTracker, err := buildTracker(ctx, cfg, logger, reg)
			if err != nil {
				return err
			}
			defer closeTracker()

			opts := trainer.Options{
				Model:      m,
				Criterion:  criterion,
				Optimizer:  opt,
				Train:      data.train,
				Valid:      data.valid,
				Test:       data.test,
				Epochs:     cfg.Epochs,
				EarlyStop:  cfg.EarlyStop,
				SavePeriod: cfg.SavePeriod,
				SaveDir:    cfg.SaveDir,
				Saver:      checkpoint.NewSaver(format),
				Tracker:    tracker,
				Project:    cfg.Tracking.Project,
				Config:     configMap(cfg),
				Norm:       cfg.Normalization(),
				Device:     cfg.Device,
				Seed:       cfg.Seed,
				LogEvery:   cfg.LogEvery,
				Logger:     logger,
			}
			if cfg.Scheduler.Enabled {
				s := cfg.Scheduler
				opts.Scheduler = optim.NewPlateau(s.Factor, s.Patience, s.Threshold, "min")
				opts.Scheduler.MinLR = s.MinLR
			}
			trn, err := trainer.New(opts)
			if err != nil {
				return err
			}

			if cfg.StatusAddr != "" {
				srvCtx, cancel := context.WithCancel(ctx)
				defer cancel()
				mux := server.NewMux(trn, server.Options{Gatherer: reg, Logger: logger})
				go func() {
					if err := server.Serve(srvCtx, cfg.StatusAddr, mux, logger); err != nil {
						logger.Error().Err(err).Msg("status server failed")
					}
				}()
			}

			res, err := trn.Train(ctx)
			if err != nil {
				return err
			}
			ev := logger.Info().
				Str("save_dir", trn.SaveDir()).
				Int("epochs", res.Epochs).
				Int("best_epoch", res.BestEpoch).
				Float64("best_loss", res.BestLoss).
				Bool("early_stopped", res.EarlyStopped)
			if res.Test != nil {
				ev = ev.Float64("test_loss", res.Test.Loss)
			}
			ev.Msg("training complete")
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVar(&o.Epochs, "epochs", 0, "Number of epochs")
	f.Float64Var(&o.LR, "lr", 0, "Initial learning rate")
	f.StringVar(&o.SaveDir, "save-dir", "", "Checkpoint directory; a verN component is bumped when it exists")
	f.IntVar(&o.LogEvery, "log-every", 0, "Log throughput every N batches at debug level")
	f.StringVar(&o.StatusAddr, "status-addr", "", "Serve /status and /metrics on this address")
	return cmd
}
