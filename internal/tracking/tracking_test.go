package tracking

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

type recordingTracker struct {
	started, logged, finished int
	err                       error
}

func (r *recordingTracker) Start(context.Context, Run) error { r.started++; return r.err }
func (r *recordingTracker) Log(context.Context, Record) error { r.logged++; return r.err }
func (r *recordingTracker) Finish(context.Context) error { r.finished++; return r.err }

func TestMultiFansOutAndJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	a := &recordingTracker{}
	b := &recordingTracker{err: boom}
	m := Multi{a, b}
	ctx := context.Background()

	if err := m.Start(ctx, NewRun("p", "r", nil)); !errors.Is(err, boom) {
		t.Fatalf("expected joined boom error, got %v", err)
	}
	_ = m.Log(ctx, Record{Step: 1})
	_ = m.Finish(ctx)
	for i, tr := range []*recordingTracker{a, b} {
		if tr.started != 1 || tr.logged != 1 || tr.finished != 1 {
			t.Fatalf("tracker %d: unexpected call counts %+v", i, *tr)
		}
	}
}

func TestMultiNoErrors(t *testing.T) {
	m := Multi{Nop{}, &recordingTracker{}}
	if err := m.Start(context.Background(), NewRun("p", "r", nil)); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func TestNewRunIDsAreUnique(t *testing.T) {
	a := NewRun("p", "r", nil)
	b := NewRun("p", "r", nil)
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("expected distinct ids, got %q and %q", a.ID, b.ID)
	}
}

func TestFiniteScalars(t *testing.T) {
	rec := Record{Scalars: map[string]float64{"a": 1.5, "b": math.NaN(), "c": math.Inf(1)}}
	got := rec.FiniteScalars()
	if got["a"] == nil || *got["a"] != 1.5 {
		t.Fatalf("expected a=1.5, got %v", got["a"])
	}
	if got["b"] != nil || got["c"] != nil {
		t.Fatalf("expected nil for non-finite values")
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 keys, got %d", len(got))
	}
}

func TestLogTracker(t *testing.T) {
	var buf bytes.Buffer
	tr := NewLogTracker(zerolog.New(&buf))
	ctx := context.Background()
	if err := tr.Log(ctx, Record{}); !errors.Is(err, ErrNoRun) {
		t.Fatalf("expected ErrNoRun before Start, got %v", err)
	}
	if err := tr.Start(ctx, NewRun("proj", "ver1", nil)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := tr.Log(ctx, Record{Step: 3, Scalars: map[string]float64{"Train Loss": 0.25}}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if err := tr.Finish(ctx); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	out := buf.String()
	for _, want := range []string{`"run":"ver1"`, `"Train Loss":0.25`, `"step":3`, "run finished"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in log output:\n%s", want, out)
		}
	}
}
