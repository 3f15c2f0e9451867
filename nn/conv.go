package nn

import (
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/knights-analytics/medinfer/ops"
)

// Conv is a 2-D or 3-D convolution with weights [out, in, kernel...]. Pads use the ONNX layout
// [begin..., end...].
type Conv struct {
	base
	weight  *ops.Tensor
	bias    *ops.Tensor
	quant   *ops.QuantizedTensor
	Strides []int
	Pads    []int
}

func NewConv(name string, weight, bias *ops.Tensor, strides, pads []int) (*Conv, error) {
	if weight == nil || (weight.Rank() != 4 && weight.Rank() != 5) {
		return nil, fmt.Errorf("conv %s: weight must be [out, in, k...] with 2 or 3 spatial dims", name)
	}
	nd := weight.Rank() - 2
	if strides == nil {
		strides = slices.Repeat([]int{1}, nd)
	}
	if pads == nil {
		pads = make([]int, 2*nd)
	}
	if len(strides) != nd || len(pads) != 2*nd {
		return nil, fmt.Errorf("conv %s: strides %v / pads %v do not match %d spatial dims", name, strides, pads, nd)
	}
	if bias != nil && bias.Len() != weight.Shape[0] {
		return nil, fmt.Errorf("conv %s: bias has %d elements, want %d", name, bias.Len(), weight.Shape[0])
	}
	return &Conv{base: base{name: name}, weight: weight, bias: bias, Strides: strides, Pads: pads}, nil
}

// RandomConv builds a stride-1 convolution with "same" padding for odd kernels.
func RandomConv(name string, in, out int, kernel []int, rng *rand.Rand) *Conv {
	receptive := ops.Size(kernel)
	shape := append([]int{out, in}, kernel...)
	pads := make([]int, 2*len(kernel))
	for i, k := range kernel {
		pads[i], pads[i+len(kernel)] = k/2, k/2
	}
	return &Conv{
		base:    base{name: name},
		weight:  XavierUniform(rng, in*receptive, out*receptive, shape...),
		bias:    ops.Zeros(out),
		Strides: slices.Repeat([]int{1}, len(kernel)),
		Pads:    pads,
	}
}

func (c *Conv) Kind() Kind {
	if c.SpatialDims() == 3 {
		return KindConv3D
	}
	return KindConv2D
}

func (c *Conv) SpatialDims() int {
	return len(c.shape()) - 2
}

func (c *Conv) shape() []int {
	if c.quant != nil {
		return c.quant.Shape
	}
	return c.weight.Shape
}

func (c *Conv) Weights() *ops.Tensor {
	if c.quant != nil {
		return c.quant.Dequantize()
	}
	return c.weight
}

func (c *Conv) Bias() *ops.Tensor {
	return c.bias
}

func (c *Conv) Quantized() *ops.QuantizedTensor {
	return c.quant
}

func (c *Conv) WithQuantized(q *ops.QuantizedTensor) Layer {
	return &Conv{
		base:    c.base,
		bias:    cloneOrNil(c.bias),
		quant:   q,
		Strides: slices.Clone(c.Strides),
		Pads:    slices.Clone(c.Pads),
	}
}

func (c *Conv) Forward(x *ops.Tensor, pool *ops.Pool) (*ops.Tensor, error) {
	out, err := ops.Conv(pool, x, c.Weights(), c.bias, c.Strides, c.Pads)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.name, err)
	}
	return out, nil
}

func (c *Conv) Clone() Layer {
	l := &Conv{
		base:    c.base,
		bias:    cloneOrNil(c.bias),
		quant:   c.quant,
		Strides: slices.Clone(c.Strides),
		Pads:    slices.Clone(c.Pads),
	}
	if c.weight != nil {
		l.weight = c.weight.Clone()
	}
	return l
}
