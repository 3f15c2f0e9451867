package ops

import (
	"fmt"
	"math"
)

func Relu(x *Tensor) (*Tensor, error) {
	if err := expectFloat("relu", x); err != nil {
		return nil, err
	}
	out := x.Clone()
	for i, v := range out.Float {
		if v < 0 {
			out.Float[i] = 0
		}
	}
	return out, nil
}

func Sigmoid(x *Tensor) (*Tensor, error) {
	if err := expectFloat("sigmoid", x); err != nil {
		return nil, err
	}
	out := x.Clone()
	for i, v := range out.Float {
		out.Float[i] = SigmoidScalar(v)
	}
	return out, nil
}

// SigmoidScalar is the logistic function, evaluated so that large negative inputs do not overflow.
func SigmoidScalar(v float32) float32 {
	if v >= 0 {
		return float32(1 / (1 + math.Exp(-float64(v))))
	}
	e := math.Exp(float64(v))
	return float32(e / (1 + e))
}

// Softmax normalises along axis. Negative axes count from the end.
func Softmax(x *Tensor, axis int) (*Tensor, error) {
	if err := expectFloat("softmax", x); err != nil {
		return nil, err
	}
	if axis < 0 {
		axis += x.Rank()
	}
	if axis < 0 || axis >= x.Rank() {
		return nil, fmt.Errorf("softmax: axis out of range for shape %v", x.Shape)
	}
	outer := Size(x.Shape[:axis])
	n := x.Shape[axis]
	inner := Size(x.Shape[axis+1:])
	out := x.Clone()
	for o := range outer {
		for in := range inner {
			base := o*n*inner + in
			maxV := float32(math.Inf(-1))
			for k := range n {
				maxV = max(maxV, out.Float[base+k*inner])
			}
			var sum float64
			for k := range n {
				e := math.Exp(float64(out.Float[base+k*inner] - maxV))
				out.Float[base+k*inner] = float32(e)
				sum += e
			}
			for k := range n {
				out.Float[base+k*inner] = float32(float64(out.Float[base+k*inner]) / sum)
			}
		}
	}
	return out, nil
}

// BatchNorm applies per-channel normalisation on an [N, C, ...] tensor using the given statistics.
func BatchNorm(x, scale, bias, mean, variance *Tensor, epsilon float32) (*Tensor, error) {
	if err := expectFloat("batchnorm", x); err != nil {
		return nil, err
	}
	if x.Rank() < 2 {
		return nil, fmt.Errorf("batchnorm: expected at least 2-D input, got %v", x.Shape)
	}
	channels := x.Shape[1]
	for name, p := range map[string]*Tensor{"scale": scale, "bias": bias, "mean": mean, "var": variance} {
		if err := expectFloat("batchnorm "+name, p); err != nil {
			return nil, err
		}
		if p.Len() != channels {
			return nil, fmt.Errorf("batchnorm: %s has %d elements, want %d", name, p.Len(), channels)
		}
	}
	inner := Size(x.Shape[2:])
	out := x.Clone()
	for i := range out.Float {
		c := (i / inner) % channels
		inv := float32(1 / math.Sqrt(float64(variance.Float[c])+float64(epsilon)))
		out.Float[i] = (out.Float[i]-mean.Float[c])*inv*scale.Float[c] + bias.Float[c]
	}
	return out, nil
}

// ChannelStats returns per-channel mean and (biased) variance of an [N, C, ...] tensor.
func ChannelStats(x *Tensor) (mean, variance *Tensor) {
	channels := x.Shape[1]
	inner := Size(x.Shape[2:])
	count := float64(x.Len() / channels)
	sums := make([]float64, channels)
	sq := make([]float64, channels)
	for i, v := range x.Float {
		c := (i / inner) % channels
		sums[c] += float64(v)
		sq[c] += float64(v) * float64(v)
	}
	mean, variance = Zeros(channels), Zeros(channels)
	for c := range channels {
		m := sums[c] / count
		mean.Float[c] = float32(m)
		variance.Float[c] = float32(max(sq[c]/count-m*m, 0))
	}
	return mean, variance
}

// Flatten collapses dimensions before axis into the first output dimension and the rest into the second.
func Flatten(x *Tensor, axis int) (*Tensor, error) {
	if axis < 0 {
		axis += x.Rank()
	}
	if axis < 0 || axis > x.Rank() {
		return nil, fmt.Errorf("flatten: axis out of range for shape %v", x.Shape)
	}
	return x.Reshape(Size(x.Shape[:axis]), Size(x.Shape[axis:]))
}
