package metrics

import (
	"math"

	"segforge/internal/model"
)

// Threshold is the probability above which a pixel is predicted foreground.
const Threshold = 0.5

// Func is a named per-batch metric computed from logits and binary targets.
type Func struct {
	Name string
	Fn   func(logits, target model.Tensor) float64
}

// Default returns the metric set logged by the trainer: IOU then pixel accuracy.
func Default() []Func {
	return []Func{
		{Name: "IOU", Fn: IOU},
		{Name: "P.A", Fn: PixelAccuracy},
	}
}

// Binarize maps logits to {0,1} with sigmoid(x) > Threshold.
func Binarize(logits []float64) []uint8 {
	out := make([]uint8, len(logits))
	for i, x := range logits {
		if predicted(x) {
			out[i] = 1
		}
	}
	return out
}

// sigmoid(x) > 0.5 is x > 0
func predicted(logit float64) bool { return logit > 0 }

func isPositive(label float64) bool { return label == 1 }

// IOU returns the mean intersection-over-union of the foreground class over
// the samples of a batch. Samples whose prediction and target are both empty
// are excluded; the result is NaN when every sample is excluded.
func IOU(logits, target model.Tensor) float64 {
	n := logits.Shape.N
	scores := make([]float64, 0, n)
	for s := 0; s < n; s++ {
		pred := logits.Sample(s)
		lbl := target.Sample(s)
		inter, predCount, targetCount := 0, 0, 0
		for i, x := range pred {
			p := predicted(x)
			t := isPositive(lbl[i])
			if p {
				predCount++
			}
			if t {
				targetCount++
			}
			if p && t {
				inter++
			}
		}
		union := predCount + targetCount - inter
		if union == 0 {
			scores = append(scores, math.NaN())
			continue
		}
		scores = append(scores, float64(inter)/float64(union))
	}
	return NanMean(scores)
}

// PixelAccuracy returns the percentage of pixels whose thresholded
// prediction equals the label.
func PixelAccuracy(logits, target model.Tensor) float64 {
	if len(target.Data) == 0 {
		return math.NaN()
	}
	correct := 0
	for i, x := range logits.Data {
		var p float64
		if predicted(x) {
			p = 1
		}
		if p == target.Data[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(target.Data)) * 100
}

// NanMean averages values ignoring NaN; it is NaN when nothing remains.
func NanMean(values []float64) float64 {
	sum, n := 0.0, 0
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// Aggregator collects per-batch metric values for one epoch.
type Aggregator struct {
	names  []string
	values map[string][]float64
}

// NewAggregator prepares series for the given metric functions.
func NewAggregator(fns []Func) *Aggregator {
	a := &Aggregator{values: make(map[string][]float64, len(fns))}
	for _, f := range fns {
		a.names = append(a.names, f.Name)
		a.values[f.Name] = nil
	}
	return a
}

// Observe evaluates every metric on a batch and records the values.
func (a *Aggregator) Observe(fns []Func, logits, target model.Tensor) {
	for _, f := range fns {
		a.values[f.Name] = append(a.values[f.Name], f.Fn(logits, target))
	}
}

// Names returns metric names in registration order.
func (a *Aggregator) Names() []string { return append([]string(nil), a.names...) }

// Means returns the nan-mean of each series.
func (a *Aggregator) Means() map[string]float64 {
	out := make(map[string]float64, len(a.names))
	for _, name := range a.names {
		out[name] = NanMean(a.values[name])
	}
	return out
}
