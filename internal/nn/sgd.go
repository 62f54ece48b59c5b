package nn

// SGD updates parameters with classical momentum and optional decoupled L2
// weight decay.
type SGD struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64

	velocity map[*Param][]float64
}

func NewSGD(lr, momentum, weightDecay float64) *SGD {
	return &SGD{
		LearningRate: lr,
		Momentum:     momentum,
		WeightDecay:  weightDecay,
		velocity:     make(map[*Param][]float64),
	}
}

func (o *SGD) Step(params []*Param) {
	for _, p := range params {
		v, ok := o.velocity[p]
		if !ok {
			v = make([]float64, p.Value.Size())
			o.velocity[p] = v
		}

		for i := range p.Value.Data {
			g := p.Grad.Data[i] + o.WeightDecay*p.Value.Data[i]
			v[i] = o.Momentum*v[i] - o.LearningRate*g
			p.Value.Data[i] += v[i]
		}
	}
}

// DecayLR scales the learning rate, for step-decay schedules.
func (o *SGD) DecayLR(factor float64) {
	o.LearningRate *= factor
}
