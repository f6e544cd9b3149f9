package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"segforge/internal/config"
)

type rootFlags struct {
	configPath string
	logLevel   string
	overrides  config.Overrides
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "segforge",
		Short:         "Train and evaluate binary segmentation models",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "Path to a YAML, JSON or TOML config")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level: debug|info|warn|error (overrides config)")

	o := &flags.overrides
	pf.StringSliceVar(&o.TrainRoots, "train-root", nil, "Training shard root (repeatable)")
	pf.StringSliceVar(&o.ValidRoots, "valid-root", nil, "Validation shard root (repeatable)")
	pf.StringSliceVar(&o.TestRoots, "test-root", nil, "Test shard root (repeatable)")
	pf.IntVar(&o.Synthetic, "synthetic", 0, "Use N generated samples instead of shards")
	pf.IntVar(&o.BatchSize, "batch-size", 0, "Batch size")
	pf.IntVar(&o.NumWorkers, "num-workers", 0, "Number of data loader workers")
	pf.StringVar(&o.Device, "device", "", "Compute device")
	pf.Int64Var(&o.Seed, "seed", 0, "PRNG seed")

	root.AddCommand(newTrainCmd(flags), newEvalCmd(flags))
	return root
}

// loadConfig reads the config file (or defaults), applies CLI overrides and
// validates the result.
func loadConfig(f *rootFlags) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return nil, err
		}
	}
	o := f.overrides
	o.LogLevel = f.logLevel
	cfg.ApplyOverrides(o)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}
