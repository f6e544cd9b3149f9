package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPConfig configures an HTTPTracker.
type HTTPConfig struct {
	BaseURL       string        `json:"base_url" yaml:"base_url" toml:"base_url"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
	RetryAttempts int           `json:"retry_attempts" yaml:"retry_attempts" toml:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay" yaml:"retry_delay" toml:"retry_delay"`
}

// DefaultHTTPConfig returns the defaults used for zero fields.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		BaseURL:       "http://localhost:8080",
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    time.Second,
	}
}

// HTTPTracker posts run events as JSON to a tracking service.
//
//	POST /api/runs               body: Run
//	POST /api/runs/{id}/log      body: {"step", "scalars", "examples"}
//	POST /api/runs/{id}/finish
//	GET  /health
type HTTPTracker struct {
	cfg    HTTPConfig
	client *http.Client
	run    *Run
}

// NewHTTPTracker returns a tracker for cfg; zero fields take defaults.
func NewHTTPTracker(cfg HTTPConfig) *HTTPTracker {
	def := DefaultHTTPConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = def.RetryAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPTracker{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

type logPayload struct {
	Step     int                 `json:"step"`
	Scalars  map[string]*float64 `json:"scalars"`
	Examples []Example           `json:"examples,omitempty"`
}

func (t *HTTPTracker) Start(ctx context.Context, run Run) error {
	if err := t.post(ctx, "/api/runs", run); err != nil {
		return err
	}
	t.run = &run
	return nil
}

func (t *HTTPTracker) Log(ctx context.Context, rec Record) error {
	if t.run == nil {
		return ErrNoRun
	}
	return t.post(ctx, "/api/runs/"+t.run.ID+"/log", logPayload{
		Step:     rec.Step,
		Scalars:  rec.FiniteScalars(),
		Examples: rec.Examples,
	})
}

func (t *HTTPTracker) Finish(ctx context.Context) error {
	if t.run == nil {
		return ErrNoRun
	}
	id := t.run.ID
	t.run = nil
	return t.post(ctx, "/api/runs/"+id+"/finish", struct{}{})
}

// CheckHealth returns nil when the service answers GET /health with 200.
func (t *HTTPTracker) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("tracking: health request: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("tracking: health check: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tracking: health check returned status %d", resp.StatusCode)
	}
	return nil
}

func (t *HTTPTracker) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("tracking: encode %s: %w", path, err)
	}
	var lastErr error
	for attempt := 0; attempt < t.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(t.cfg.RetryDelay):
			}
		}
		lastErr = t.send(ctx, path, data)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("tracking: post %s failed after %d attempts: %w", path, t.cfg.RetryAttempts, lastErr)
}

func (t *HTTPTracker) send(ctx context.Context, path string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "segforge")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
