package pipelines

import (
	"context"
	"fmt"

	"gorgonia.org/tensor"
)

// Segmentation turns predictor output into a voxel mask of the preprocessing target shape.
type Segmentation struct {
	predictor Predictor
	target    [3]int
	// Threshold applies to single-channel probabilities; logits are compared against 0.
	Threshold float32
}

func NewSegmentation(predictor Predictor, target [3]int) *Segmentation {
	return &Segmentation{predictor: predictor, target: target, Threshold: 0.5}
}

func (s *Segmentation) Predictor() Predictor {
	return s.predictor
}

func (s *Segmentation) Forward(ctx context.Context, x *tensor.Dense) (*tensor.Dense, error) {
	return s.predictor.Predict(ctx, x)
}

// Postprocess converts [1, C, D, H, W] output into a uint8 [D, H, W] mask. A single channel is
// thresholded; several channels yield the index of the strongest one.
func (s *Segmentation) Postprocess(raw *tensor.Dense) (*tensor.Dense, error) {
	out, err := fromDense(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPostcondition, err)
	}
	if out.Rank() != 5 || out.Shape[0] != 1 {
		return nil, fmt.Errorf("%w: segmentation output has shape %v, expected [1, C, D, H, W]", ErrPostcondition, out.Shape)
	}
	channels := out.Shape[1]
	d, h, w := out.Shape[2], out.Shape[3], out.Shape[4]
	if [3]int{d, h, w} != s.target {
		return nil, fmt.Errorf("%w: mask shape %dx%dx%d differs from target %v", ErrPostcondition, d, h, w, s.target)
	}
	if channels < 1 || channels > 256 {
		return nil, fmt.Errorf("%w: %d segmentation channels", ErrPostcondition, channels)
	}

	spatial := d * h * w
	mask := make([]uint8, spatial)
	if channels == 1 {
		threshold := s.Threshold
		if s.predictor.Kind() == Logits {
			threshold = 0
		}
		for i, v := range out.Float {
			if v > threshold {
				mask[i] = 1
			}
		}
	} else {
		for i := range spatial {
			best := out.Float[i]
			for c := 1; c < channels; c++ {
				if v := out.Float[c*spatial+i]; v > best {
					best, mask[i] = v, uint8(c)
				}
			}
		}
	}
	return tensor.New(tensor.WithShape(d, h, w), tensor.WithBacking(mask)), nil
}
