// Package nn provides the small layer library used to describe trained models before they are
// optimized and exported. Layers run on the CPU through the kernels in package ops.
package nn

import (
	"math"
	"math/rand/v2"

	"github.com/knights-analytics/medinfer/ops"
)

type Kind string

const (
	KindDense     Kind = "dense"
	KindConv2D    Kind = "conv2d"
	KindConv3D    Kind = "conv3d"
	KindReLU      Kind = "relu"
	KindSigmoid   Kind = "sigmoid"
	KindSoftmax   Kind = "softmax"
	KindDropout   Kind = "dropout"
	KindBatchNorm Kind = "batchnorm"
	KindFlatten   Kind = "flatten"
)

// Layer is a named step of a Sequential model.
type Layer interface {
	Name() string
	Kind() Kind
	Forward(x *ops.Tensor, pool *ops.Pool) (*ops.Tensor, error)
	// Training reports whether the layer is in training mode.
	Training() bool
	SetTraining(training bool)
	Clone() Layer
}

// Weighted is implemented by the layers whose weights can be replaced by an int8 representation.
type Weighted interface {
	Layer
	// Weights returns the float weights, dequantizing them when the layer is quantized.
	Weights() *ops.Tensor
	Bias() *ops.Tensor
	Quantized() *ops.QuantizedTensor
	// WithQuantized returns a copy of the layer holding q instead of float weights.
	WithQuantized(q *ops.QuantizedTensor) Layer
}

type base struct {
	name     string
	training bool
}

func (b *base) Name() string {
	return b.name
}

func (b *base) Training() bool {
	return b.training
}

func (b *base) SetTraining(training bool) {
	b.training = training
}

// XavierUniform draws shape-sized weights from U(-a, a) with a = sqrt(6 / (fanIn + fanOut)).
func XavierUniform(rng *rand.Rand, fanIn, fanOut int, shape ...int) *ops.Tensor {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	t := ops.Zeros(shape...)
	for i := range t.Float {
		t.Float[i] = float32((rng.Float64()*2 - 1) * limit)
	}
	return t
}

// NewRand returns a deterministic generator for weight initialisation and dropout masks.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}
