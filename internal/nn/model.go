package nn

import "math/rand"

// ConvNet is the small CIFAR-10 classifier: three conv/relu/pool stages that
// reduce 3x32x32 input to 64x4x4, then a linear head over the flattened
// features.
type ConvNet struct {
	layers []Layer
	params []*Param
}

func NewConvNet(numClasses int, seed int64) *ConvNet {
	rng := rand.New(rand.NewSource(seed))

	layers := []Layer{
		NewConv2D("conv1", 3, 16, rng),
		&ReLU{},
		&MaxPool2{},
		NewConv2D("conv2", 16, 32, rng),
		&ReLU{},
		&MaxPool2{},
		NewConv2D("conv3", 32, 64, rng),
		&ReLU{},
		&MaxPool2{},
		&Flatten{},
		NewLinear("fc", 64*4*4, numClasses, rng),
	}

	var params []*Param
	for _, l := range layers {
		params = append(params, l.Params()...)
	}

	return &ConvNet{layers: layers, params: params}
}

// Forward runs a (batch, 3, 32, 32) input through the network, returning
// (batch, classes) logits.
func (m *ConvNet) Forward(x *Tensor) *Tensor {
	for _, l := range m.layers {
		x = l.Forward(x)
	}
	return x
}

// Backward propagates the loss gradient through the network, accumulating
// parameter gradients.
func (m *ConvNet) Backward(grad *Tensor) {
	for i := len(m.layers) - 1; i >= 0; i-- {
		grad = m.layers[i].Backward(grad)
	}
}

func (m *ConvNet) Params() []*Param {
	return m.params
}

func (m *ConvNet) ZeroGrad() {
	for _, p := range m.params {
		p.Grad.Zero()
	}
}
