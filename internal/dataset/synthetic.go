package dataset

import (
	"math/rand"

	"segforge/internal/model"
)

// Synthetic builds an in-memory loader of random bright discs on a dark,
// noisy background. The mask marks the disc pixels.
func Synthetic(samples, batchSize, h, w int, seed int64) *MemoryLoader {
	if batchSize <= 0 {
		batchSize = 1
	}
	rng := rand.New(rand.NewSource(seed))
	loader := &MemoryLoader{Shuffle: true, Seed: seed}
	for start := 0; start < samples; start += batchSize {
		n := batchSize
		if start+n > samples {
			n = samples - start
		}
		b := model.Batch{
			Inputs: model.NewTensor(model.Shape{N: n, C: 3, H: h, W: w}),
			Labels: model.NewTensor(model.Shape{N: n, C: 1, H: h, W: w}),
		}
		for i := 0; i < n; i++ {
			drawDisc(rng, b.Inputs.Sample(i), b.Labels.Sample(i), h, w)
		}
		loader.Batches = append(loader.Batches, b)
	}
	return loader
}

func drawDisc(rng *rand.Rand, input, mask []float64, h, w int) {
	minSide := h
	if w < minSide {
		minSide = w
	}
	radius := float64(minSide) * (0.15 + 0.2*rng.Float64())
	cy := radius + rng.Float64()*(float64(h)-2*radius)
	cx := radius + rng.Float64()*(float64(w)-2*radius)
	plane := h * w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			dy, dx := float64(y)-cy, float64(x)-cx
			inside := dy*dy+dx*dx <= radius*radius
			base := 0.1
			if inside {
				mask[i] = 1
				base = 0.9
			}
			for c := 0; c < 3; c++ {
				input[c*plane+i] = base + 0.05*rng.NormFloat64()
			}
		}
	}
}
