package nn

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvNetForwardShape(t *testing.T) {
	model := NewConvNet(10, 42)

	x := NewTensor(2, 3, 32, 32)
	y := model.Forward(x)
	assert.Equal(t, []int{2, 10}, y.Shape)
}

func TestConvNetDeterministicInit(t *testing.T) {
	a := NewConvNet(10, 42)
	b := NewConvNet(10, 42)
	c := NewConvNet(10, 43)

	require.Equal(t, len(a.Params()), len(b.Params()))
	for i, p := range a.Params() {
		assert.Equal(t, p.Value.Data, b.Params()[i].Value.Data)
	}

	assert.NotEqual(t, a.Params()[0].Value.Data, c.Params()[0].Value.Data)
}

func TestConvNetParamNames(t *testing.T) {
	model := NewConvNet(10, 42)

	var names []string
	for _, p := range model.Params() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{
		"conv1.weight", "conv1.bias",
		"conv2.weight", "conv2.bias",
		"conv3.weight", "conv3.bias",
		"fc.weight", "fc.bias",
	}, names)
}

func TestConvNetZeroGrad(t *testing.T) {
	model := NewConvNet(10, 42)

	x := NewTensor(1, 3, 32, 32)
	logits := model.Forward(x)
	_, grad := SoftmaxCrossEntropy(logits, []int{0})
	model.Backward(grad)

	model.ZeroGrad()
	for _, p := range model.Params() {
		for _, g := range p.Grad.Data {
			require.Zero(t, g)
		}
	}
}

func TestConvNetOverfitsTinyBatch(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training loop in short mode")
	}

	rng := rand.New(rand.NewSource(3))
	model := NewConvNet(4, 42)
	opt := NewSGD(0.01, 0.9, 0)

	x := NewTensor(4, 3, 32, 32)
	for i := range x.Data {
		x.Data[i] = rng.NormFloat64()
	}
	labels := []int{0, 1, 2, 3}

	var first, last float64
	for step := 0; step < 30; step++ {
		model.ZeroGrad()
		logits := model.Forward(x)
		loss, grad := SoftmaxCrossEntropy(logits, labels)
		model.Backward(grad)
		opt.Step(model.Params())

		if step == 0 {
			first = loss
		}
		last = loss
	}

	assert.Less(t, last, first/2, "loss should drop while memorizing four samples")
	assert.Equal(t, labels, model.Forward(x).Argmax())
}
