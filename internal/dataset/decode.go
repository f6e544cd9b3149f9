package dataset

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
)

// Normalization holds per-channel RGB statistics applied after scaling to [0,1].
type Normalization struct {
	Mean [3]float64
	Std  [3]float64
}

// Identity leaves scaled pixel values unchanged.
var Identity = Normalization{Mean: [3]float64{0, 0, 0}, Std: [3]float64{1, 1, 1}}

// Denormalize inverts Normalize for channel c.
func (n Normalization) Denormalize(c int, v float64) float64 {
	return v*n.Std[c] + n.Mean[c]
}

// Decode converts a sample into a CHW RGB input of size 3 x h x w and a
// binary mask of size h x w, resampling both with nearest neighbour.
func Decode(s Sample, h, w int, norm Normalization) ([]float64, []float64, error) {
	if h <= 0 || w <= 0 {
		return nil, nil, fmt.Errorf("dataset: invalid target size %dx%d", w, h)
	}
	img, _, err := image.Decode(bytes.NewReader(s.Image))
	if err != nil {
		return nil, nil, fmt.Errorf("decode image %s: %w", s.Key, err)
	}
	mask, _, err := image.Decode(bytes.NewReader(s.Mask))
	if err != nil {
		return nil, nil, fmt.Errorf("decode mask %s: %w", s.Key, err)
	}

	input := make([]float64, 3*h*w)
	plane := h * w
	if err := resample(img, h, w, func(i int, r, g, b uint32) {
		input[i] = (float64(r)/65535.0 - norm.Mean[0]) / norm.Std[0]
		input[plane+i] = (float64(g)/65535.0 - norm.Mean[1]) / norm.Std[1]
		input[2*plane+i] = (float64(b)/65535.0 - norm.Mean[2]) / norm.Std[2]
	}); err != nil {
		return nil, nil, fmt.Errorf("image %s: %w", s.Key, err)
	}

	labels := make([]float64, plane)
	if err := resample(mask, h, w, func(i int, r, g, b uint32) {
		if r|g|b != 0 {
			labels[i] = 1
		}
	}); err != nil {
		return nil, nil, fmt.Errorf("mask %s: %w", s.Key, err)
	}
	return input, labels, nil
}

func resample(img image.Image, h, w int, set func(i int, r, g, b uint32)) error {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return errors.New("empty image")
	}
	stepX := float64(width) / float64(w)
	stepY := float64(height) / float64(h)
	for gy := 0; gy < h; gy++ {
		for gx := 0; gx < w; gx++ {
			px := bounds.Min.X + int(math.Min(float64(width-1), float64(gx)*stepX))
			py := bounds.Min.Y + int(math.Min(float64(height-1), float64(gy)*stepY))
			r, g, b, _ := img.At(px, py).RGBA()
			set(gy*w+gx, r, g, b)
		}
	}
	return nil
}
