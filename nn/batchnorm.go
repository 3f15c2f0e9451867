package nn

import (
	"fmt"

	"github.com/knights-analytics/medinfer/ops"
)

// BatchNorm normalises each channel of an [N, C, ...] input. In evaluation mode it uses the running
// statistics; while training it normalises with the statistics of the current batch.
type BatchNorm struct {
	base
	Scale       *ops.Tensor
	Shift       *ops.Tensor
	RunningMean *ops.Tensor
	RunningVar  *ops.Tensor
	Epsilon     float32
}

func NewBatchNorm(name string, scale, shift, mean, variance *ops.Tensor, epsilon float32) (*BatchNorm, error) {
	if scale == nil {
		return nil, fmt.Errorf("batchnorm %s: missing scale", name)
	}
	for _, p := range []*ops.Tensor{scale, shift, mean, variance} {
		if p == nil || p.Rank() != 1 || p.Len() != scale.Len() {
			return nil, fmt.Errorf("batchnorm %s: parameters must be 1-D tensors of equal length", name)
		}
	}
	if epsilon <= 0 {
		epsilon = 1e-5
	}
	return &BatchNorm{base: base{name: name}, Scale: scale, Shift: shift, RunningMean: mean, RunningVar: variance, Epsilon: epsilon}, nil
}

// IdentityBatchNorm has unit scale, zero shift and the standard normal as running statistics.
func IdentityBatchNorm(name string, channels int) *BatchNorm {
	ones := ops.Zeros(channels)
	for i := range ones.Float {
		ones.Float[i] = 1
	}
	return &BatchNorm{
		base:        base{name: name},
		Scale:       ones,
		Shift:       ops.Zeros(channels),
		RunningMean: ops.Zeros(channels),
		RunningVar:  ones.Clone(),
		Epsilon:     1e-5,
	}
}

func (b *BatchNorm) Kind() Kind { return KindBatchNorm }

func (b *BatchNorm) Forward(x *ops.Tensor, _ *ops.Pool) (*ops.Tensor, error) {
	mean, variance := b.RunningMean, b.RunningVar
	if b.training {
		if x.Rank() < 2 || x.Shape[1] != b.Scale.Len() {
			return nil, fmt.Errorf("batchnorm %s: expected %d channels, got %v", b.name, b.Scale.Len(), x.Shape)
		}
		mean, variance = ops.ChannelStats(x)
	}
	return ops.BatchNorm(x, b.Scale, b.Shift, mean, variance, b.Epsilon)
}

func (b *BatchNorm) Clone() Layer {
	return &BatchNorm{
		base:        b.base,
		Scale:       b.Scale.Clone(),
		Shift:       b.Shift.Clone(),
		RunningMean: b.RunningMean.Clone(),
		RunningVar:  b.RunningVar.Clone(),
		Epsilon:     b.Epsilon,
	}
}
