package nn

import (
	"math"
	"math/rand"
)

// Param is a learnable tensor with its accumulated gradient.
type Param struct {
	Name  string
	Value *Tensor
	Grad  *Tensor
}

// Layer is one stage of the network. Backward must be called with the
// gradient of the loss w.r.t. the layer's output, after the matching
// Forward call, and returns the gradient w.r.t. the input.
type Layer interface {
	Forward(x *Tensor) *Tensor
	Backward(dy *Tensor) *Tensor
	Params() []*Param
}

// Conv2D is a 3x3, stride-1 convolution with zero padding of 1, so spatial
// dimensions are preserved.
type Conv2D struct {
	InChannels  int
	OutChannels int

	W *Param // (out, in, 3, 3)
	B *Param // (out)

	x *Tensor // saved input
}

const (
	convKernel = 3
	convPad    = 1
)

func NewConv2D(name string, in, out int, rng *rand.Rand) *Conv2D {
	w := NewTensor(out, in, convKernel, convKernel)
	// He initialization for ReLU networks.
	scale := math.Sqrt(2.0 / float64(in*convKernel*convKernel))
	for i := range w.Data {
		w.Data[i] = rng.NormFloat64() * scale
	}

	return &Conv2D{
		InChannels:  in,
		OutChannels: out,
		W:           &Param{Name: name + ".weight", Value: w, Grad: NewTensor(out, in, convKernel, convKernel)},
		B:           &Param{Name: name + ".bias", Value: NewTensor(out), Grad: NewTensor(out)},
	}
}

func (l *Conv2D) Forward(x *Tensor) *Tensor {
	l.x = x
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	f := l.OutChannels

	y := NewTensor(n, f, h, w)
	for b := 0; b < n; b++ {
		for fo := 0; fo < f; fo++ {
			for oy := 0; oy < h; oy++ {
				for ox := 0; ox < w; ox++ {
					sum := l.B.Value.Data[fo]
					for ci := 0; ci < c; ci++ {
						for ky := 0; ky < convKernel; ky++ {
							iy := oy + ky - convPad
							if iy < 0 || iy >= h {
								continue
							}
							for kx := 0; kx < convKernel; kx++ {
								ix := ox + kx - convPad
								if ix < 0 || ix >= w {
									continue
								}
								xi := ((b*c+ci)*h+iy)*w + ix
								wi := ((fo*c+ci)*convKernel+ky)*convKernel + kx
								sum += x.Data[xi] * l.W.Value.Data[wi]
							}
						}
					}
					y.Data[((b*f+fo)*h+oy)*w+ox] = sum
				}
			}
		}
	}
	return y
}

func (l *Conv2D) Backward(dy *Tensor) *Tensor {
	x := l.x
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	f := l.OutChannels

	dx := NewTensor(n, c, h, w)
	for b := 0; b < n; b++ {
		for fo := 0; fo < f; fo++ {
			for oy := 0; oy < h; oy++ {
				for ox := 0; ox < w; ox++ {
					g := dy.Data[((b*f+fo)*h+oy)*w+ox]
					if g == 0 {
						continue
					}
					l.B.Grad.Data[fo] += g
					for ci := 0; ci < c; ci++ {
						for ky := 0; ky < convKernel; ky++ {
							iy := oy + ky - convPad
							if iy < 0 || iy >= h {
								continue
							}
							for kx := 0; kx < convKernel; kx++ {
								ix := ox + kx - convPad
								if ix < 0 || ix >= w {
									continue
								}
								xi := ((b*c+ci)*h+iy)*w + ix
								wi := ((fo*c+ci)*convKernel+ky)*convKernel + kx
								l.W.Grad.Data[wi] += x.Data[xi] * g
								dx.Data[xi] += l.W.Value.Data[wi] * g
							}
						}
					}
				}
			}
		}
	}
	return dx
}

func (l *Conv2D) Params() []*Param {
	return []*Param{l.W, l.B}
}

type ReLU struct {
	mask []bool
}

func (l *ReLU) Forward(x *Tensor) *Tensor {
	y := NewTensor(x.Shape...)
	l.mask = make([]bool, len(x.Data))
	for i, v := range x.Data {
		if v > 0 {
			y.Data[i] = v
			l.mask[i] = true
		}
	}
	return y
}

func (l *ReLU) Backward(dy *Tensor) *Tensor {
	dx := NewTensor(dy.Shape...)
	for i, g := range dy.Data {
		if l.mask[i] {
			dx.Data[i] = g
		}
	}
	return dx
}

func (l *ReLU) Params() []*Param { return nil }

// MaxPool2 is a 2x2 max pool with stride 2. Input height and width must be
// even.
type MaxPool2 struct {
	inShape []int
	argmax  []int // input index of the max for each output element
}

func (l *MaxPool2) Forward(x *Tensor) *Tensor {
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh, ow := h/2, w/2
	l.inShape = x.Shape

	y := NewTensor(n, c, oh, ow)
	l.argmax = make([]int, len(y.Data))
	for b := 0; b < n; b++ {
		for ci := 0; ci < c; ci++ {
			for oy := 0; oy < oh; oy++ {
				for ox := 0; ox < ow; ox++ {
					bestIdx := ((b*c+ci)*h+oy*2)*w + ox*2
					best := x.Data[bestIdx]
					for ky := 0; ky < 2; ky++ {
						for kx := 0; kx < 2; kx++ {
							idx := ((b*c+ci)*h+oy*2+ky)*w + ox*2 + kx
							if x.Data[idx] > best {
								best = x.Data[idx]
								bestIdx = idx
							}
						}
					}
					out := ((b*c+ci)*oh+oy)*ow + ox
					y.Data[out] = best
					l.argmax[out] = bestIdx
				}
			}
		}
	}
	return y
}

func (l *MaxPool2) Backward(dy *Tensor) *Tensor {
	dx := NewTensor(l.inShape...)
	for out, in := range l.argmax {
		dx.Data[in] += dy.Data[out]
	}
	return dx
}

func (l *MaxPool2) Params() []*Param { return nil }

// Flatten collapses (N, C, H, W) to (N, C*H*W).
type Flatten struct {
	inShape []int
}

func (l *Flatten) Forward(x *Tensor) *Tensor {
	l.inShape = x.Shape
	return x.Reshape(x.Shape[0], len(x.Data)/x.Shape[0])
}

func (l *Flatten) Backward(dy *Tensor) *Tensor {
	return dy.Reshape(l.inShape...)
}

func (l *Flatten) Params() []*Param { return nil }

// Linear is a fully connected layer: y = x W^T + b.
type Linear struct {
	In, Out int

	W *Param // (out, in)
	B *Param // (out)

	x *Tensor
}

func NewLinear(name string, in, out int, rng *rand.Rand) *Linear {
	w := NewTensor(out, in)
	scale := math.Sqrt(2.0 / float64(in))
	for i := range w.Data {
		w.Data[i] = rng.NormFloat64() * scale
	}

	return &Linear{
		In:  in,
		Out: out,
		W:   &Param{Name: name + ".weight", Value: w, Grad: NewTensor(out, in)},
		B:   &Param{Name: name + ".bias", Value: NewTensor(out), Grad: NewTensor(out)},
	}
}

func (l *Linear) Forward(x *Tensor) *Tensor {
	l.x = x
	n := x.Shape[0]

	y := NewTensor(n, l.Out)
	for b := 0; b < n; b++ {
		for o := 0; o < l.Out; o++ {
			sum := l.B.Value.Data[o]
			for i := 0; i < l.In; i++ {
				sum += x.Data[b*l.In+i] * l.W.Value.Data[o*l.In+i]
			}
			y.Data[b*l.Out+o] = sum
		}
	}
	return y
}

func (l *Linear) Backward(dy *Tensor) *Tensor {
	n := dy.Shape[0]

	dx := NewTensor(n, l.In)
	for b := 0; b < n; b++ {
		for o := 0; o < l.Out; o++ {
			g := dy.Data[b*l.Out+o]
			l.B.Grad.Data[o] += g
			for i := 0; i < l.In; i++ {
				l.W.Grad.Data[o*l.In+i] += l.x.Data[b*l.In+i] * g
				dx.Data[b*l.In+i] += l.W.Value.Data[o*l.In+i] * g
			}
		}
	}
	return dx
}

func (l *Linear) Params() []*Param {
	return []*Param{l.W, l.B}
}
