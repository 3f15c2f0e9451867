package nn

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/knights-analytics/medinfer/ops"
)

// Dropout zeroes activations with probability Rate while training and is the identity in evaluation mode.
type Dropout struct {
	base
	Rate float64
	seed uint64
	mu   sync.Mutex
	rng  *rand.Rand
}

func NewDropout(name string, rate float64, seed uint64) (*Dropout, error) {
	if rate < 0 || rate >= 1 {
		return nil, fmt.Errorf("dropout %s: rate must be in [0, 1), got %v", name, rate)
	}
	return &Dropout{base: base{name: name}, Rate: rate, seed: seed, rng: NewRand(seed)}, nil
}

func (d *Dropout) Kind() Kind { return KindDropout }

func (d *Dropout) Forward(x *ops.Tensor, _ *ops.Pool) (*ops.Tensor, error) {
	if !d.training || d.Rate == 0 {
		return x.Clone(), nil
	}
	out := x.Clone()
	keep := float32(1 / (1 - d.Rate))
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range out.Float {
		if d.rng.Float64() < d.Rate {
			out.Float[i] = 0
		} else {
			out.Float[i] *= keep
		}
	}
	return out, nil
}

func (d *Dropout) Clone() Layer {
	return &Dropout{base: d.base, Rate: d.Rate, seed: d.seed, rng: NewRand(d.seed)}
}
