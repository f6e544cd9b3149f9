package loss

import (
	"math"
	"testing"

	"segforge/internal/model"
)

func tensorOf(data ...float64) model.Tensor {
	return model.Tensor{Shape: model.Shape{N: 1, C: 1, H: 1, W: len(data)}, Data: data}
}

func TestBCEWithLogitsKnownValue(t *testing.T) {
	l, _, err := BCEWithLogits{}.Forward(tensorOf(0, 0), tensorOf(1, 0))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if math.Abs(l-math.Ln2) > 1e-12 {
		t.Fatalf("expected ln2, got %f", l)
	}
}

func TestBCEWithLogitsStableForLargeLogits(t *testing.T) {
	l, g, err := BCEWithLogits{}.Forward(tensorOf(1000, -1000), tensorOf(1, 0))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if math.IsNaN(l) || math.IsInf(l, 0) || l > 1e-9 {
		t.Fatalf("expected ~0 loss, got %v", l)
	}
	for _, v := range g.Data {
		if math.IsNaN(v) {
			t.Fatal("gradient is NaN")
		}
	}
}

func TestCriteriaGradientsMatchFiniteDifferences(t *testing.T) {
	logits := tensorOf(0.3, -1.2, 2.0, -0.1)
	target := tensorOf(1, 0, 1, 1)
	for _, c := range []Criterion{BCEWithLogits{}, BCEWithLogits{PosWeight: 2}, SoftDice{}, Weighted{Terms: []Criterion{BCEWithLogits{}, SoftDice{}}, Weights: []float64{0.5, 0.5}}} {
		_, grad, err := c.Forward(logits, target)
		if err != nil {
			t.Fatalf("%s: %v", c.Name(), err)
		}
		const eps = 1e-6
		for i := range logits.Data {
			orig := logits.Data[i]
			logits.Data[i] = orig + eps
			plus, _, _ := c.Forward(logits, target)
			logits.Data[i] = orig - eps
			minus, _, _ := c.Forward(logits, target)
			logits.Data[i] = orig
			numeric := (plus - minus) / (2 * eps)
			if math.Abs(numeric-grad.Data[i]) > 1e-6 {
				t.Fatalf("%s grad[%d]: analytic %f numeric %f", c.Name(), i, grad.Data[i], numeric)
			}
		}
	}
}

func TestShapeMismatch(t *testing.T) {
	if _, _, err := (BCEWithLogits{}).Forward(tensorOf(1, 2), tensorOf(1)); err == nil {
		t.Fatal("expected shape mismatch error")
	}
}

func TestByName(t *testing.T) {
	for _, name := range []string{"", "bce", "dice", "bce_dice"} {
		if _, err := ByName(name); err != nil {
			t.Fatalf("ByName(%q): %v", name, err)
		}
	}
	if _, err := ByName("focal"); err == nil {
		t.Fatal("expected error for unknown criterion")
	}
}
