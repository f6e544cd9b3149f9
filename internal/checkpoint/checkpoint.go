// Package checkpoint persists model parameter snapshots.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"segforge/internal/model"
)

// Format selects the on-disk encoding.
type Format int

const (
	FormatJSON Format = iota
	FormatBinary
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Ext returns the file extension used for the format.
func (f Format) Ext() string {
	if f == FormatBinary {
		return ".pb"
	}
	return ".json"
}

// ParseFormat maps a config value to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "json":
		return FormatJSON, nil
	case "binary", "pb", "protobuf":
		return FormatBinary, nil
	default:
		return 0, fmt.Errorf("checkpoint: unknown format %q", s)
	}
}

// ErrMismatch reports a checkpoint that does not fit the model.
var ErrMismatch = errors.New("checkpoint: parameter mismatch")

// State is a complete model snapshot plus the training progress at save time.
type State struct {
	Epoch    int      `json:"epoch"`
	Params   []Tensor `json:"params"`
	Training Training `json:"training"`
	Metadata Metadata `json:"metadata"`
}

// Tensor is one named parameter.
type Tensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// MarshalJSON writes non-finite values as the strings "NaN", "+Inf" and
// "-Inf", which encoding/json would otherwise reject.
func (t Tensor) MarshalJSON() ([]byte, error) {
	type plain Tensor
	if allFinite(t.Data) {
		return json.Marshal(plain(t))
	}
	data := make([]jsonFloat, len(t.Data))
	for i, v := range t.Data {
		data[i] = jsonFloat(v)
	}
	return json.Marshal(struct {
		Name  string      `json:"name"`
		Shape []int       `json:"shape"`
		Data  []jsonFloat `json:"data"`
	}{t.Name, t.Shape, data})
}

// UnmarshalJSON accepts numbers and the non-finite strings written by
// MarshalJSON.
func (t *Tensor) UnmarshalJSON(b []byte) error {
	var w struct {
		Name  string      `json:"name"`
		Shape []int       `json:"shape"`
		Data  []jsonFloat `json:"data"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	t.Name, t.Shape = w.Name, w.Shape
	t.Data = make([]float64, len(w.Data))
	for i, v := range w.Data {
		t.Data[i] = float64(v)
	}
	return nil
}

type jsonFloat float64

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsNaN(v):
		return []byte(`"NaN"`), nil
	case math.IsInf(v, 1):
		return []byte(`"+Inf"`), nil
	case math.IsInf(v, -1):
		return []byte(`"-Inf"`), nil
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
}

func (f *jsonFloat) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(b) > 0 && b[0] == '"' {
		var err error
		if s, err = strconv.Unquote(s); err != nil {
			return err
		}
		switch s {
		case "NaN", "+Inf", "-Inf":
		default:
			return fmt.Errorf("checkpoint: invalid tensor value %q", s)
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("checkpoint: invalid tensor value %q", s)
	}
	*f = jsonFloat(v)
	return nil
}

func allFinite(xs []float64) bool {
	for _, v := range xs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Training captures early-stopping and optimizer progress.
type Training struct {
	LearningRate float64 `json:"learning_rate"`
	BestLoss     float64 `json:"best_loss"`
	NotImproved  int     `json:"not_improved"`
}

// MarshalJSON writes a non-finite BestLoss as null.
func (t Training) MarshalJSON() ([]byte, error) {
	type wire struct {
		LearningRate float64  `json:"learning_rate"`
		BestLoss     *float64 `json:"best_loss"`
		NotImproved  int      `json:"not_improved"`
	}
	w := wire{LearningRate: t.LearningRate, NotImproved: t.NotImproved}
	if !math.IsInf(t.BestLoss, 0) && !math.IsNaN(t.BestLoss) {
		w.BestLoss = &t.BestLoss
	}
	return json.Marshal(w)
}

// UnmarshalJSON reads a null BestLoss as +Inf.
func (t *Training) UnmarshalJSON(b []byte) error {
	var w struct {
		LearningRate float64  `json:"learning_rate"`
		BestLoss     *float64 `json:"best_loss"`
		NotImproved  int      `json:"not_improved"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	t.LearningRate = w.LearningRate
	t.NotImproved = w.NotImproved
	t.BestLoss = math.Inf(1)
	if w.BestLoss != nil {
		t.BestLoss = *w.BestLoss
	}
	return nil
}

// Metadata describes who wrote the checkpoint and when.
type Metadata struct {
	Framework string    `json:"framework"`
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Tags      []string  `json:"tags,omitempty"`
}

const (
	framework = "segforge"
	version   = "1"
)

// Capture snapshots the parameters of m.
func Capture(epoch int, m model.Model, tr Training) *State {
	st := &State{
		Epoch:    epoch,
		Training: tr,
		Metadata: Metadata{Framework: framework, Version: version, CreatedAt: time.Now().UTC()},
	}
	for _, p := range m.Params() {
		st.Params = append(st.Params, Tensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float64(nil), p.Data...),
		})
	}
	return st
}

// Restore copies the snapshot into m. Every model parameter must be present
// with the same shape.
func Restore(st *State, m model.Model) error {
	byName := make(map[string]Tensor, len(st.Params))
	for _, t := range st.Params {
		byName[t.Name] = t
	}
	params := m.Params()
	for _, p := range params {
		t, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("%w: missing %s", ErrMismatch, p.Name)
		}
		if !slices.Equal(t.Shape, p.Shape) {
			return fmt.Errorf("%w: %s has shape %v, model wants %v", ErrMismatch, p.Name, t.Shape, p.Shape)
		}
		if len(t.Data) != len(p.Data) {
			return fmt.Errorf("%w: %s has %d values, model wants %d", ErrMismatch, p.Name, len(t.Data), len(p.Data))
		}
	}
	for _, p := range params {
		copy(p.Data, byName[p.Name].Data)
		p.ZeroGrad()
	}
	return nil
}

// Saver writes and reads checkpoints in one format.
type Saver struct {
	format Format
}

// NewSaver creates a saver for format.
func NewSaver(format Format) *Saver {
	return &Saver{format: format}
}

// Format returns the saver's format.
func (s *Saver) Format() Format { return s.format }

// Save writes st to path atomically.
func (s *Saver) Save(st *State, path string) error {
	var (
		data []byte
		err  error
	)
	switch s.format {
	case FormatJSON:
		data, err = json.MarshalIndent(st, "", "  ")
	case FormatBinary:
		data = marshalBinary(st)
	default:
		err = fmt.Errorf("checkpoint: unsupported format %s", s.format)
	}
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return writeAtomic(path, data)
}

// Load reads a checkpoint from path.
func (s *Saver) Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	st := &State{}
	switch s.format {
	case FormatJSON:
		err = json.Unmarshal(data, st)
	case FormatBinary:
		err = unmarshalBinary(data, st)
	default:
		err = fmt.Errorf("checkpoint: unsupported format %s", s.format)
	}
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", filepath.Base(path), err)
	}
	return st, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".ckpt-*")
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

// EpochPath returns the checkpoint path for an epoch.
func EpochPath(dir string, epoch int, f Format) string {
	return filepath.Join(dir, fmt.Sprintf("Epoch_%d%s", epoch, f.Ext()))
}

// BestPath returns the path of the best-so-far checkpoint.
func BestPath(dir string, f Format) string {
	return filepath.Join(dir, "Model_best"+f.Ext())
}
