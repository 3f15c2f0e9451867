package nn

import (
	"fmt"
	"math/rand/v2"

	"github.com/knights-analytics/medinfer/ops"
)

// Dense is a fully connected layer y = x Wᵀ + b with W stored as [out, in].
type Dense struct {
	base
	weight *ops.Tensor
	bias   *ops.Tensor
	quant  *ops.QuantizedTensor
}

func NewDense(name string, weight, bias *ops.Tensor) (*Dense, error) {
	if weight == nil || weight.Rank() != 2 {
		return nil, fmt.Errorf("dense %s: weight must be 2-D [out, in]", name)
	}
	if bias != nil && bias.Len() != weight.Shape[0] {
		return nil, fmt.Errorf("dense %s: bias has %d elements, want %d", name, bias.Len(), weight.Shape[0])
	}
	return &Dense{base: base{name: name}, weight: weight, bias: bias}, nil
}

// RandomDense initialises a layer with Xavier weights and zero bias.
func RandomDense(name string, in, out int, rng *rand.Rand) *Dense {
	return &Dense{
		base:   base{name: name},
		weight: XavierUniform(rng, in, out, out, in),
		bias:   ops.Zeros(out),
	}
}

func (d *Dense) Kind() Kind {
	return KindDense
}

func (d *Dense) In() int {
	return d.shape()[1]
}

func (d *Dense) Out() int {
	return d.shape()[0]
}

func (d *Dense) shape() []int {
	if d.quant != nil {
		return d.quant.Shape
	}
	return d.weight.Shape
}

func (d *Dense) Weights() *ops.Tensor {
	if d.quant != nil {
		return d.quant.Dequantize()
	}
	return d.weight
}

func (d *Dense) Bias() *ops.Tensor {
	return d.bias
}

func (d *Dense) Quantized() *ops.QuantizedTensor {
	return d.quant
}

func (d *Dense) WithQuantized(q *ops.QuantizedTensor) Layer {
	return &Dense{base: d.base, bias: cloneOrNil(d.bias), quant: q}
}

func (d *Dense) Forward(x *ops.Tensor, pool *ops.Pool) (*ops.Tensor, error) {
	if x.Rank() != 2 || x.Shape[1] != d.In() {
		return nil, fmt.Errorf("dense %s: expected input [N %d], got %v", d.name, d.In(), x.Shape)
	}
	return ops.Gemm(pool, x, d.Weights(), d.bias, false, true, 1, 1)
}

func (d *Dense) Clone() Layer {
	c := &Dense{base: d.base, bias: cloneOrNil(d.bias), quant: d.quant}
	if d.weight != nil {
		c.weight = d.weight.Clone()
	}
	return c
}

func cloneOrNil(t *ops.Tensor) *ops.Tensor {
	if t == nil {
		return nil
	}
	return t.Clone()
}
