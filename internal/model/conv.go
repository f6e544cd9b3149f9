package model

// conv2d applies a stride-1 convolution with "same" zero padding.
// w is laid out as [cout][cin][k][k].
func conv2d(x Tensor, w, b []float64, cout, k int) Tensor {
	s := x.Shape
	out := NewTensor(Shape{N: s.N, C: cout, H: s.H, W: s.W})
	pad := k / 2
	for n := 0; n < s.N; n++ {
		for co := 0; co < cout; co++ {
			outBase := (n*cout + co) * s.H * s.W
			for y := 0; y < s.H; y++ {
				for xx := 0; xx < s.W; xx++ {
					sum := b[co]
					for ci := 0; ci < s.C; ci++ {
						inBase := (n*s.C + ci) * s.H * s.W
						wBase := (co*s.C + ci) * k * k
						for ky := 0; ky < k; ky++ {
							iy := y + ky - pad
							if iy < 0 || iy >= s.H {
								continue
							}
							for kx := 0; kx < k; kx++ {
								ix := xx + kx - pad
								if ix < 0 || ix >= s.W {
									continue
								}
								sum += w[wBase+ky*k+kx] * x.Data[inBase+iy*s.W+ix]
							}
						}
					}
					out.Data[outBase+y*s.W+xx] = sum
				}
			}
		}
	}
	return out
}

// conv2dBackward accumulates dW and dB and returns dX.
func conv2dBackward(x, gradOut Tensor, w, dw, db []float64, k int) Tensor {
	s := x.Shape
	cout := gradOut.Shape.C
	dx := NewTensor(s)
	pad := k / 2
	for n := 0; n < s.N; n++ {
		for co := 0; co < cout; co++ {
			outBase := (n*cout + co) * s.H * s.W
			for y := 0; y < s.H; y++ {
				for xx := 0; xx < s.W; xx++ {
					g := gradOut.Data[outBase+y*s.W+xx]
					if g == 0 {
						continue
					}
					db[co] += g
					for ci := 0; ci < s.C; ci++ {
						inBase := (n*s.C + ci) * s.H * s.W
						wBase := (co*s.C + ci) * k * k
						for ky := 0; ky < k; ky++ {
							iy := y + ky - pad
							if iy < 0 || iy >= s.H {
								continue
							}
							for kx := 0; kx < k; kx++ {
								ix := xx + kx - pad
								if ix < 0 || ix >= s.W {
									continue
								}
								in := inBase + iy*s.W + ix
								dw[wBase+ky*k+kx] += g * x.Data[in]
								dx.Data[in] += g * w[wBase+ky*k+kx]
							}
						}
					}
				}
			}
		}
	}
	return dx
}
