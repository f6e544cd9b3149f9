package trainer

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"sort"

	"segforge/internal/metrics"
	"segforge/internal/model"
	"segforge/internal/tracking"
)

// examples renders up to ExamplesPerBatch randomly chosen samples of b with
// their predicted and ground-truth masks.
func (t *Trainer) examples(phase string, idx int, b model.Batch, logits model.Tensor) ([]tracking.Example, error) {
	n := b.Len()
	k := t.opts.ExamplesPerBatch
	if k > n {
		k = n
	}
	h, w := b.Inputs.Shape.H, b.Inputs.Shape.W
	out := make([]tracking.Example, 0, k)
	for _, i := range t.rng.Perm(n)[:k] {
		img, err := t.renderImage(b.Inputs, i)
		if err != nil {
			return nil, fmt.Errorf("trainer: render example: %w", err)
		}
		// 0 and 1 coincide with ClassBackground and ClassDamage.
		pred := metrics.Binarize(logits.Sample(i))
		labels := b.Labels.Sample(i)
		target := make([]uint8, len(labels))
		for p, v := range labels {
			if v == 1 {
				target[p] = tracking.ClassGroundTruth
			}
		}
		out = append(out, tracking.Example{
			Caption: fmt.Sprintf("%s batch %d sample %d", phase, idx, i),
			Width:   w,
			Height:  h,
			Image:   img,
			Pred:    pred,
			Target:  target,
			Classes: tracking.Labels(),
		})
	}
	return out, nil
}

// renderImage de-normalises sample i and encodes it as PNG. Inputs with fewer
// than three channels are rendered from channel 0 as grayscale.
func (t *Trainer) renderImage(x model.Tensor, i int) ([]byte, error) {
	c, h, w := x.Shape.C, x.Shape.H, x.Shape.W
	sample := x.Sample(i)
	plane := h * w
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for xx := 0; xx < w; xx++ {
			p := y*w + xx
			var rgb [3]uint8
			for ch := 0; ch < 3; ch++ {
				src := ch
				if c < 3 {
					src = 0
				}
				rgb[ch] = toByte(t.opts.Norm.Denormalize(ch, sample[src*plane+p]))
			}
			img.SetRGBA(xx, y, color.RGBA{R: rgb[0], G: rgb[1], B: rgb[2], A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func toByte(v float64) uint8 {
	v = math.Round(v * 255)
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 255:
		return 255
	}
	return uint8(v)
}

func prefixed(prefix string, ev EvalResult) map[string]float64 {
	out := make(map[string]float64, len(ev.Metrics)+1)
	out[prefix+" Loss"] = ev.Loss
	for name, v := range ev.Metrics {
		out[prefix+" "+name] = v
	}
	return out
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
