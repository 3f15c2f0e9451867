package ops

import (
	"fmt"
	"math"
	"slices"

	"github.com/knights-analytics/medinfer/util/safeconv"
)

// PerTensor marks a QuantizedTensor with a single scale.
const PerTensor = -1

// QuantizedTensor is a symmetric int8 representation of a float tensor: w ≈ Values * Scale.
// With Axis == 0 there is one scale per slice along the first dimension (per output channel),
// with Axis == PerTensor a single scale covers every element. The zero point is always 0.
type QuantizedTensor struct {
	Shape  []int
	Values []int8
	Scales []float32
	Axis   int
}

// QuantizeSymmetric maps t onto int8 with scale = max|w| / 127 per channel (axis 0) or per tensor.
// Rounding error per element is at most scale/2.
func QuantizeSymmetric(t *Tensor, perChannel bool) (*QuantizedTensor, error) {
	if err := expectFloat("quantize", t); err != nil {
		return nil, err
	}
	for _, v := range t.Float {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, fmt.Errorf("quantize: tensor %v contains non-finite values", t.Shape)
		}
	}
	channels, axis := 1, PerTensor
	if perChannel && t.Rank() > 0 && t.Shape[0] > 0 {
		channels, axis = t.Shape[0], 0
	}
	inner := t.Len() / max(channels, 1)
	q := &QuantizedTensor{
		Shape:  slices.Clone(t.Shape),
		Values: make([]int8, t.Len()),
		Scales: make([]float32, channels),
		Axis:   axis,
	}
	for c := range channels {
		block := t.Float[c*inner : (c+1)*inner]
		var maxAbs float32
		for _, v := range block {
			maxAbs = max(maxAbs, float32(math.Abs(float64(v))))
		}
		scale := maxAbs / 127
		if scale == 0 {
			scale = 1
		}
		q.Scales[c] = scale
		for i, v := range block {
			q.Values[c*inner+i] = safeconv.RoundClamp[int8](float64(v)/float64(scale), -127, 127)
		}
	}
	return q, nil
}

// Dequantize expands the int8 values back to float32.
func (q *QuantizedTensor) Dequantize() *Tensor {
	out := Zeros(q.Shape...)
	inner := len(q.Values) / len(q.Scales)
	for i, v := range q.Values {
		out.Float[i] = float32(v) * q.Scales[i/inner]
	}
	return out
}

// StepSize is the largest quantization step of the tensor.
func (q *QuantizedTensor) StepSize() float32 {
	return slices.Max(q.Scales)
}

// ScaleTensor returns the scales shaped for a DequantizeLinear node.
func (q *QuantizedTensor) ScaleTensor() *Tensor {
	return &Tensor{Shape: []int{len(q.Scales)}, DType: Float32, Float: slices.Clone(q.Scales)}
}

// ValueTensor returns the int8 payload as a tensor.
func (q *QuantizedTensor) ValueTensor() *Tensor {
	return &Tensor{Shape: slices.Clone(q.Shape), DType: Int8, Int8: slices.Clone(q.Values)}
}

// DequantizeLinear implements the ONNX operator: y = (x - zero_point) * scale. Scale (and zero point)
// is either a single element or a 1-D tensor matching x.Shape[axis].
func DequantizeLinear(x, scale, zeroPoint *Tensor, axis int) (*Tensor, error) {
	if x == nil || x.DType != Int8 {
		return nil, fmt.Errorf("dequantize: expected int8 input")
	}
	if err := expectFloat("dequantize scale", scale); err != nil {
		return nil, err
	}
	if axis < 0 {
		axis += x.Rank()
	}
	out := Zeros(x.Shape...)
	zp := func(int) float32 { return 0 }
	if zeroPoint != nil {
		if zeroPoint.DType != Int8 {
			return nil, fmt.Errorf("dequantize: zero point must be int8")
		}
		zp = func(c int) float32 {
			if len(zeroPoint.Int8) == 1 {
				return float32(zeroPoint.Int8[0])
			}
			return float32(zeroPoint.Int8[c])
		}
	}
	if scale.Len() == 1 {
		for i, v := range x.Int8 {
			out.Float[i] = (float32(v) - zp(0)) * scale.Float[0]
		}
		return out, nil
	}
	if axis < 0 || axis >= x.Rank() || x.Shape[axis] != scale.Len() {
		return nil, fmt.Errorf("dequantize: scale of %d elements does not match axis %d of %v", scale.Len(), axis, x.Shape)
	}
	inner := Size(x.Shape[axis+1:])
	channels := x.Shape[axis]
	for i, v := range x.Int8 {
		c := (i / inner) % channels
		out.Float[i] = (float32(v) - zp(c)) * scale.Float[c]
	}
	return out, nil
}
