package nn

import (
	"github.com/knights-analytics/medinfer/ops"
)

type ReLU struct{ base }

func NewReLU(name string) *ReLU {
	return &ReLU{base{name: name}}
}

func (r *ReLU) Kind() Kind { return KindReLU }

func (r *ReLU) Forward(x *ops.Tensor, _ *ops.Pool) (*ops.Tensor, error) {
	return ops.Relu(x)
}

func (r *ReLU) Clone() Layer {
	c := *r
	return &c
}

type Sigmoid struct{ base }

func NewSigmoid(name string) *Sigmoid {
	return &Sigmoid{base{name: name}}
}

func (s *Sigmoid) Kind() Kind { return KindSigmoid }

func (s *Sigmoid) Forward(x *ops.Tensor, _ *ops.Pool) (*ops.Tensor, error) {
	return ops.Sigmoid(x)
}

func (s *Sigmoid) Clone() Layer {
	c := *s
	return &c
}

// Softmax normalises along Axis (1, the class axis, by default).
type Softmax struct {
	base
	Axis int
}

func NewSoftmax(name string) *Softmax {
	return &Softmax{base: base{name: name}, Axis: 1}
}

func (s *Softmax) Kind() Kind { return KindSoftmax }

func (s *Softmax) Forward(x *ops.Tensor, _ *ops.Pool) (*ops.Tensor, error) {
	return ops.Softmax(x, s.Axis)
}

func (s *Softmax) Clone() Layer {
	c := *s
	return &c
}

// Flatten keeps the batch axis and collapses everything else.
type Flatten struct{ base }

func NewFlatten(name string) *Flatten {
	return &Flatten{base{name: name}}
}

func (f *Flatten) Kind() Kind { return KindFlatten }

func (f *Flatten) Forward(x *ops.Tensor, _ *ops.Pool) (*ops.Tensor, error) {
	out, err := ops.Flatten(x, 1)
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

func (f *Flatten) Clone() Layer {
	c := *f
	return &c
}
