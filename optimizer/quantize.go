package optimizer

import (
	"fmt"
	"slices"

	"github.com/knights-analytics/medinfer/nn"
	"github.com/knights-analytics/medinfer/ops"
)

// Quantize returns a copy of model where every dense and 2-D/3-D convolution layer holds symmetric
// int8 weights (scale = max|w| / 127, per output channel unless WithPerTensor is given). Other layers
// are shared with the input. When no layer is eligible the input model itself is returned.
//
// Each weight moves by at most half its step size, so the output of a dense layer deviates from the
// float computation by at most ErrorBound and the output of a convolution by at most ConvErrorBound.
func Quantize(model *nn.Sequential, opts ...Option) (*nn.Sequential, error) {
	s := apply(opts)
	layers := model.Layers()
	quantized := 0
	for i, l := range layers {
		w, ok := l.(nn.Weighted)
		if !ok || w.Quantized() != nil {
			continue
		}
		q, err := ops.QuantizeSymmetric(w.Weights(), s.perChannel)
		if err != nil {
			return nil, fmt.Errorf("quantizing layer %s: %w", l.Name(), err)
		}
		layers[i] = w.WithQuantized(q)
		quantized++
		s.logger.Debug().Str("layer", l.Name()).Str("kind", string(l.Kind())).Float32("step", q.StepSize()).Msg("quantized layer")
	}
	if quantized == 0 {
		s.logger.Info().Str("model", model.Name()).Msg("no quantizable layers, model left unchanged")
		return model, nil
	}
	return model.WithLayers(layers), nil
}

// ErrorBound is the largest absolute output deviation of a dense layer with quantized weights q on
// input x ([N, in]): (s_max / 2) * max over rows of Σ|x|.
func ErrorBound(q *ops.QuantizedTensor, x *ops.Tensor) float64 {
	in := x.Shape[x.Rank()-1]
	var worst float64
	for r := 0; r < x.Len(); r += in {
		var l1 float64
		for _, v := range x.Float[r : r+in] {
			l1 += float64(max(v, -v))
		}
		worst = max(worst, l1)
	}
	return float64(q.StepSize()) / 2 * worst
}

// ConvErrorBound is the largest absolute output deviation of a convolution with quantized weights q
// ([out, in, kernel...]) on input x ([N, in, spatial...]): (s_max / 2) * max over output positions of
// Σ|x| across the receptive patch. Padded positions contribute zero.
func ConvErrorBound(q *ops.QuantizedTensor, x *ops.Tensor, strides, pads []int) (float64, error) {
	abs := x.Clone()
	for i, v := range abs.Float {
		abs.Float[i] = max(v, -v)
	}
	ones := ops.Zeros(append([]int{1}, q.Shape[1:]...)...)
	for i := range ones.Float {
		ones.Float[i] = 1
	}
	// a single all-ones filter sums the patch of every output position
	patches, err := ops.Conv(nil, abs, ones, nil, strides, pads)
	if err != nil {
		return 0, fmt.Errorf("conv error bound: %w", err)
	}
	return float64(q.StepSize()) / 2 * float64(slices.Max(patches.Float)), nil
}
