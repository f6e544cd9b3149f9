package metrics

import (
	"math"
	"testing"
	"time"
)

func TestWindowSnapshot(t *testing.T) {
	var w Window
	w.Record(64, 20*time.Millisecond, 10*time.Millisecond, 1.2)
	w.Record(64, 10*time.Millisecond, 20*time.Millisecond, 0.8)
	snap := w.Snapshot()
	if math.Abs(snap.SamplesPerSec-2133.3333) > 1 {
		t.Fatalf("unexpected throughput %.2f", snap.SamplesPerSec)
	}
	if w.samples != 0 || w.steps != 0 {
		t.Fatalf("window was not reset")
	}
	if math.Abs(snap.MeanLoss-1.0) > 1e-12 {
		t.Fatalf("expected mean loss 1.0, got %.4f", snap.MeanLoss)
	}
	if snap.Steps != 2 || snap.Samples != 128 {
		t.Fatalf("unexpected counts steps=%d samples=%d", snap.Steps, snap.Samples)
	}
}

func TestWindowEmptySnapshot(t *testing.T) {
	var w Window
	snap := w.Snapshot()
	if snap.SamplesPerSec != 0 || snap.MeanLoss != 0 {
		t.Fatalf("expected zero snapshot, got %+v", snap)
	}
}
