package medinfer

import (
	"time"

	"gorgonia.org/tensor"
)

// SegmentationResult holds a uint8 [D, H, W] mask in the preprocessing target shape. Voxel values are
// 0 for background and the class index otherwise.
type SegmentationResult struct {
	Mask      *tensor.Dense `json:"-"`
	Shape     [3]int        `json:"shape"`
	Voxels    int           `json:"foreground_voxels"`
	Predictor string        `json:"predictor"`
	Fallback  bool          `json:"fallback"`
	Duration  time.Duration `json:"duration_ns"`
}

func newSegmentationResult(mask *tensor.Dense, r *request) *SegmentationResult {
	shape := mask.Shape()
	result := &SegmentationResult{
		Mask:      mask,
		Shape:     [3]int{shape[0], shape[1], shape[2]},
		Predictor: r.predictor,
		Fallback:  r.fallback,
		Duration:  r.duration,
	}
	switch data := mask.Data().(type) {
	case []uint8:
		for _, v := range data {
			if v != 0 {
				result.Voxels++
			}
		}
	case uint8:
		if data != 0 {
			result.Voxels = 1
		}
	}
	return result
}

// ClassificationResult maps every label to an independent confidence in [0, 1].
type ClassificationResult struct {
	Confidences map[string]float32 `json:"confidences"`
	Labels      []string           `json:"labels"`
	Predictor   string             `json:"predictor"`
	Fallback    bool               `json:"fallback"`
	Duration    time.Duration      `json:"duration_ns"`
}
