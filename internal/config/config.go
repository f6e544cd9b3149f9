package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"segforge/internal/checkpoint"
	"segforge/internal/dataset"
	"segforge/internal/loss"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	SaveDir    string   `json:"save_dir" yaml:"save_dir" toml:"save_dir"`
	TrainRoots []string `json:"train_roots" yaml:"train_roots" toml:"train_roots"`
	ValidRoots []string `json:"valid_roots" yaml:"valid_roots" toml:"valid_roots"`
	TestRoots  []string `json:"test_roots" yaml:"test_roots" toml:"test_roots"`
	// Synthetic > 0 replaces the shard roots with generated disc images.
	Synthetic int `json:"synthetic" yaml:"synthetic" toml:"synthetic"`

	Height     int       `json:"height" yaml:"height" toml:"height"`
	Width      int       `json:"width" yaml:"width" toml:"width"`
	Mean       []float64 `json:"mean" yaml:"mean" toml:"mean"`
	Std        []float64 `json:"std" yaml:"std" toml:"std"`
	BatchSize  int       `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
	NumWorkers int       `json:"num_workers" yaml:"num_workers" toml:"num_workers"`
	PendingCap int       `json:"pending_cap" yaml:"pending_cap" toml:"pending_cap"`

	Hidden      int     `json:"hidden" yaml:"hidden" toml:"hidden"`
	Loss        string  `json:"loss" yaml:"loss" toml:"loss"`
	Optimizer   string  `json:"optimizer" yaml:"optimizer" toml:"optimizer"`
	LR          float64 `json:"lr" yaml:"lr" toml:"lr"`
	Momentum    float64 `json:"momentum" yaml:"momentum" toml:"momentum"`
	WeightDecay float64 `json:"weight_decay" yaml:"weight_decay" toml:"weight_decay"`

	Scheduler Scheduler `json:"scheduler" yaml:"scheduler" toml:"scheduler"`

	Epochs     int    `json:"epochs" yaml:"epochs" toml:"epochs"`
	EarlyStop  int    `json:"early_stop" yaml:"early_stop" toml:"early_stop"`
	SavePeriod int    `json:"save_period" yaml:"save_period" toml:"save_period"`
	Checkpoint string `json:"checkpoint_format" yaml:"checkpoint_format" toml:"checkpoint_format"`
	Device     string `json:"device" yaml:"device" toml:"device"`
	Seed       int64  `json:"seed" yaml:"seed" toml:"seed"`
	LogEvery   int    `json:"log_every" yaml:"log_every" toml:"log_every"`
	LogLevel   string `json:"log_level" yaml:"log_level" toml:"log_level"`

	Tracking   Tracking `json:"tracking" yaml:"tracking" toml:"tracking"`
	StatusAddr string   `json:"status_addr" yaml:"status_addr" toml:"status_addr"`
}

// Scheduler configures ReduceLROnPlateau.
type Scheduler struct {
	Enabled   bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	Factor    float64 `json:"factor" yaml:"factor" toml:"factor"`
	Patience  int     `json:"patience" yaml:"patience" toml:"patience"`
	Threshold float64 `json:"threshold" yaml:"threshold" toml:"threshold"`
	MinLR     float64 `json:"min_lr" yaml:"min_lr" toml:"min_lr"`
}

// Tracking selects the experiment-tracking sinks. The log sink is always on.
type Tracking struct {
	Project     string `json:"project" yaml:"project" toml:"project"`
	SQLite      string `json:"sqlite" yaml:"sqlite" toml:"sqlite"`
	HTTPURL     string `json:"http_url" yaml:"http_url" toml:"http_url"`
	HTTPRetries int    `json:"http_retries" yaml:"http_retries" toml:"http_retries"`
	HTTPDelayMS int    `json:"http_retry_delay_ms" yaml:"http_retry_delay_ms" toml:"http_retry_delay_ms"`
	Prometheus  bool   `json:"prometheus" yaml:"prometheus" toml:"prometheus"`
	// RequireHTTP makes a failed health check of HTTPURL fatal.
	RequireHTTP bool `json:"require_http" yaml:"require_http" toml:"require_http"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	TrainRoots []string
	ValidRoots []string
	TestRoots  []string
	Synthetic  int
	SaveDir    string
	Epochs     int
	BatchSize  int
	NumWorkers int
	LR         float64
	Device     string
	Seed       int64
	LogEvery   int
	LogLevel   string
	StatusAddr string
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		SaveDir:    filepath.Join("saved", "segmentation", "ver1"),
		Height:     64,
		Width:      64,
		Mean:       []float64{0, 0, 0},
		Std:        []float64{1, 1, 1},
		BatchSize:  8,
		NumWorkers: 4,
		Hidden:     8,
		Loss:       "bce",
		Optimizer:  "adam",
		LR:         1e-3,
		Epochs:     100,
		EarlyStop:  20,
		SavePeriod: 5,
		Checkpoint: "json",
		LogLevel:   "info",
	}
}

// Load reads a Config on top of Default based on the file extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return nil, errors.New("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, cfg)
	case ".json":
		err = json.Unmarshal(b, cfg)
	case ".toml":
		err = toml.Unmarshal(b, cfg)
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if len(o.TrainRoots) > 0 {
		c.TrainRoots = o.TrainRoots
	}
	if len(o.ValidRoots) > 0 {
		c.ValidRoots = o.ValidRoots
	}
	if len(o.TestRoots) > 0 {
		c.TestRoots = o.TestRoots
	}
	if o.Synthetic > 0 {
		c.Synthetic = o.Synthetic
	}
	if o.SaveDir != "" {
		c.SaveDir = o.SaveDir
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.LR > 0 {
		c.LR = o.LR
	}
	if o.Device != "" {
		c.Device = o.Device
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if o.StatusAddr != "" {
		c.StatusAddr = o.StatusAddr
	}
}

// Validate verifies the config is runnable and fills defaults for optional
// zero values.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if len(c.TrainRoots)+len(c.ValidRoots)+len(c.TestRoots) == 0 && c.Synthetic <= 0 {
		return errors.New("no data: set train_roots, valid_roots, test_roots or synthetic")
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be > 0 (got %d)", c.Epochs)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.Height <= 0 || c.Width <= 0 {
		return fmt.Errorf("height and width must be > 0 (got %dx%d)", c.Width, c.Height)
	}
	if c.LR <= 0 {
		return fmt.Errorf("lr must be > 0 (got %g)", c.LR)
	}
	if len(c.Mean) != 3 || len(c.Std) != 3 {
		return fmt.Errorf("mean and std need 3 values (got %d and %d)", len(c.Mean), len(c.Std))
	}
	for i, s := range c.Std {
		if s == 0 {
			return fmt.Errorf("std[%d] must be non-zero", i)
		}
	}
	if _, err := loss.ByName(c.Loss); err != nil {
		return err
	}
	switch c.Optimizer {
	case "", "adam", "sgd":
	default:
		return fmt.Errorf("unknown optimizer %q", c.Optimizer)
	}
	if _, err := checkpoint.ParseFormat(c.Checkpoint); err != nil {
		return err
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.NumWorkers <= 0 {
		c.NumWorkers = 4
	}
	if c.Hidden <= 0 {
		c.Hidden = 8
	}
	if c.SaveDir == "" {
		c.SaveDir = filepath.Join("saved", "segmentation", "ver1")
	}
	if c.LogEvery < 0 {
		c.LogEvery = 0
	}
	return nil
}

// Normalization returns the per-channel input statistics.
func (c *Config) Normalization() dataset.Normalization {
	var n dataset.Normalization
	copy(n.Mean[:], c.Mean)
	copy(n.Std[:], c.Std)
	return n
}
