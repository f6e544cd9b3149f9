package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"segforge/internal/config"
	"segforge/internal/dataset"
	"segforge/internal/loss"
	"segforge/internal/model"
	"segforge/internal/optim"
	"segforge/internal/tracking"
	"segforge/internal/trainer"
)

type splits struct {
	train, valid, test trainer.Loader
}

// buildData returns one loader per configured split. Synthetic mode fills
// all three, with validation and test a quarter the size of train.
func buildData(cfg *config.Config, logger zerolog.Logger) (splits, error) {
	if cfg.Synthetic > 0 {
		held := cfg.Synthetic / 4
		if held < 1 {
			held = 1
		}
		return splits{
			train: dataset.Synthetic(cfg.Synthetic, cfg.BatchSize, cfg.Height, cfg.Width, cfg.Seed),
			valid: dataset.Synthetic(held, cfg.BatchSize, cfg.Height, cfg.Width, cfg.Seed+1),
			test:  dataset.Synthetic(held, cfg.BatchSize, cfg.Height, cfg.Width, cfg.Seed+2),
		}, nil
	}
	var s splits
	for _, sp := range []struct {
		name  string
		roots []string
		dst   *trainer.Loader
	}{
		{"train", cfg.TrainRoots, &s.train},
		{"valid", cfg.ValidRoots, &s.valid},
		{"test", cfg.TestRoots, &s.test},
	} {
		if len(sp.roots) == 0 {
			continue
		}
		l, err := dataset.NewShardLoader(sp.roots, cfg.BatchSize, cfg.Height, cfg.Width)
		if err != nil {
			return splits{}, fmt.Errorf("%s split: %w", sp.name, err)
		}
		l.NumWorkers = cfg.NumWorkers
		l.PendingCap = cfg.PendingCap
		l.Seed = cfg.Seed
		l.Norm = cfg.Normalization()
		l.Logger = logger.With().Str("split", sp.name).Logger()
		for root, shards := range l.Roots {
			logger.Info().Str("split", sp.name).Str("root", root).Int("shards", len(shards)).Msg("discovered shards")
		}
		*sp.dst = l
	}
	return s, nil
}

func buildModel(cfg *config.Config) *model.SegNet {
	return model.NewSegNet(3, cfg.Hidden, cfg.Seed)
}

func buildObjective(cfg *config.Config, m model.Model) (loss.Criterion, optim.Optimizer, error) {
	criterion, err := loss.ByName(cfg.Loss)
	if err != nil {
		return nil, nil, err
	}
	opt, err := optim.New(cfg.Optimizer, m.Params(), cfg.LR, cfg.Momentum, cfg.WeightDecay)
	if err != nil {
		return nil, nil, err
	}
	return criterion, opt, nil
}

// buildTracker fans out to the log sink plus every sink enabled in cfg. A nil
// reg skips the Prometheus sink.
func buildTracker(ctx context.Context, cfg *config.Config, logger zerolog.Logger, reg prometheus.Registerer) (tracking.Tracker, func(), error) {
	sinks := tracking.Multi{tracking.NewLogTracker(logger)}
	closers := []func() error{}
	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn().Err(err).Msg("close tracker")
			}
		}
	}

	tc := cfg.Tracking
	if tc.SQLite != "" {
		db, err := tracking.OpenSQLite(tc.SQLite)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, db)
		closers = append(closers, db.Close)
	}
	if tc.HTTPURL != "" {
		h := tracking.NewHTTPTracker(tracking.HTTPConfig{
			BaseURL:       tc.HTTPURL,
			RetryAttempts: tc.HTTPRetries,
			RetryDelay:    time.Duration(tc.HTTPDelayMS) * time.Millisecond,
		})
		if err := h.CheckHealth(ctx); err != nil {
			if tc.RequireHTTP {
				closeAll()
				return nil, nil, err
			}
			logger.Warn().Err(err).Str("url", tc.HTTPURL).Msg("tracking service unavailable, skipping")
		} else {
			sinks = append(sinks, h)
		}
	}
	if tc.Prometheus && reg != nil {
		p, err := tracking.NewPromTracker(reg)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, p)
	}
	return sinks, closeAll, nil
}

// configMap flattens cfg into the generic map recorded with each run.
func configMap(cfg *config.Config) map[string]any {
	b, err := json.Marshal(cfg)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}
