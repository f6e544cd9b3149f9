package metrics

import (
	"math"
	"testing"

	"segforge/internal/model"
)

// logit +4 predicts foreground, -4 background
func batch(n int, logits, labels []float64) (model.Tensor, model.Tensor) {
	s := model.Shape{N: n, C: 1, H: 1, W: len(logits) / n}
	return model.Tensor{Shape: s, Data: logits}, model.Tensor{Shape: s, Data: labels}
}

func TestIOUPerSampleMean(t *testing.T) {
	logits, labels := batch(2,
		[]float64{4, 4, -4, -4, 4, -4, -4, -4},
		[]float64{1, 0, 0, 0, 1, 0, 0, 0},
	)
	// sample 0: inter 1, union 2 -> 0.5; sample 1: inter 1, union 1 -> 1
	if got := IOU(logits, labels); math.Abs(got-0.75) > 1e-12 {
		t.Fatalf("expected 0.75, got %f", got)
	}
}

func TestIOUSkipsEmptySamples(t *testing.T) {
	logits, labels := batch(2,
		[]float64{-4, -4, 4, 4},
		[]float64{0, 0, 1, 0},
	)
	if got := IOU(logits, labels); math.Abs(got-0.5) > 1e-12 {
		t.Fatalf("expected 0.5, got %f", got)
	}
}

func TestIOUAllEmptyIsNaN(t *testing.T) {
	logits, labels := batch(1, []float64{-1, -2}, []float64{0, 0})
	if got := IOU(logits, labels); !math.IsNaN(got) {
		t.Fatalf("expected NaN, got %f", got)
	}
}

func TestPixelAccuracyPercent(t *testing.T) {
	logits, labels := batch(1, []float64{4, -4, 4, -4}, []float64{1, 0, 0, 0})
	if got := PixelAccuracy(logits, labels); math.Abs(got-75) > 1e-12 {
		t.Fatalf("expected 75, got %f", got)
	}
}

func TestPixelAccuracyZeroLogitIsBackground(t *testing.T) {
	logits, labels := batch(1, []float64{0}, []float64{0})
	if got := PixelAccuracy(logits, labels); got != 100 {
		t.Fatalf("expected 100, got %f", got)
	}
}

func TestNanMean(t *testing.T) {
	if got := NanMean([]float64{1, math.NaN(), 3}); got != 2 {
		t.Fatalf("expected 2, got %f", got)
	}
	if got := NanMean(nil); !math.IsNaN(got) {
		t.Fatalf("expected NaN for empty input, got %f", got)
	}
}

func TestAggregatorMeans(t *testing.T) {
	fns := Default()
	agg := NewAggregator(fns)
	l1, y1 := batch(1, []float64{4, -4}, []float64{1, 0})
	l2, y2 := batch(1, []float64{-4, -4}, []float64{0, 0})
	agg.Observe(fns, l1, y1)
	agg.Observe(fns, l2, y2)

	means := agg.Means()
	if means["IOU"] != 1 {
		t.Fatalf("expected IOU 1 (empty batch skipped), got %f", means["IOU"])
	}
	if means["P.A"] != 100 {
		t.Fatalf("expected P.A 100, got %f", means["P.A"])
	}
	names := agg.Names()
	if len(names) != 2 || names[0] != "IOU" || names[1] != "P.A" {
		t.Fatalf("unexpected names %v", names)
	}
}

func TestBinarize(t *testing.T) {
	got := Binarize([]float64{-1, 0, 0.1})
	if got[0] != 0 || got[1] != 0 || got[2] != 1 {
		t.Fatalf("unexpected mask %v", got)
	}
}
