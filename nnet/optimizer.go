package nnet

import (
	"math"
	"math/rand"

	"github.com/jnb666/convnet/num"
)

// Optimizer updates the network parameters by gradient descent with momentum. Gradients are averaged over
// the batch. Weight decay is applied to the weights of conv and linear layers but not to biases or to the
// batch norm scale and shift. If Rounding is non-zero the updated parameters are stochastically rounded to
// that number of mantissa bits.
type Optimizer struct {
	Eta          float64
	EtaDecay     float64
	EtaDecayStep int
	Momentum     float64
	Nesterov     bool
	Lambda       float64
	Rounding     int
	rng          *rand.Rand
	velocity     map[num.Array]num.Array
}

// NewOptimizer takes the learning parameters from the config
func NewOptimizer(conf Config, rng *rand.Rand) *Optimizer {
	return &Optimizer{
		Eta:          conf.Eta,
		EtaDecay:     conf.EtaDecay,
		EtaDecayStep: conf.EtaDecayStep,
		Momentum:     conf.Momentum,
		Nesterov:     conf.Nesterov,
		Lambda:       conf.Lambda,
		Rounding:     conf.Rounding,
		rng:          rng,
		velocity:     make(map[num.Array]num.Array),
	}
}

// LearningRate for the given epoch, starting from 1. The rate is multiplied by EtaDecay every EtaDecayStep epochs.
func (o *Optimizer) LearningRate(epoch int) float64 {
	if o.EtaDecay <= 0 || o.EtaDecay == 1 || epoch < 1 {
		return o.Eta
	}
	step := max(o.EtaDecayStep, 1)
	return o.Eta * math.Pow(o.EtaDecay, float64((epoch-1)/step))
}

// Update applies the gradients computed by the last call to Bprop.
func (o *Optimizer) Update(net *Network, epoch int) {
	q := net.Queue()
	eta := float32(o.LearningRate(epoch))
	scale := 1 / float32(net.BatchSize())
	for _, layer := range net.Layers {
		l, ok := layer.(ParamLayer)
		if !ok {
			continue
		}
		W, B := l.Params()
		dW, dB := l.ParamGrads()
		decay := float32(o.Lambda)
		if _, isBN := layer.(StatsLayer); isBN {
			decay = 0
		}
		o.update(q, W, dW, eta, decay, scale)
		if B != nil {
			o.update(q, B, dB, eta, 0, scale)
		}
	}
}

func (o *Optimizer) update(q num.Queue, w, dw num.Array, eta, decay, scale float32) {
	v, ok := o.velocity[w]
	if !ok {
		v = q.NewArrayLike(w)
		o.velocity[w] = v
	}
	q.Call(num.MomentumUpdate(w, dw, v, eta, float32(o.Momentum), decay, scale, o.Nesterov))
	if o.Rounding > 0 {
		q.Call(num.StochasticRound(w, o.Rounding, o.rng))
	}
}

