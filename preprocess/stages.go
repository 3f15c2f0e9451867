package preprocess

import (
	"math"
)

// Stage is one pure transformation of the pipeline. Stages never modify their input.
type Stage interface {
	Name() string
	Apply(v *Volume) (*Volume, error)
}

// SpacingStage resamples to the target voxel size (millimetres along depth, height, width).
type SpacingStage struct {
	Target [3]float64
}

func (s SpacingStage) Name() string { return "spacing" }

func (s SpacingStage) Apply(v *Volume) (*Volume, error) {
	dims := [3]int{v.D, v.H, v.W}
	for i := range dims {
		dims[i] = max(1, int(math.Round(float64(dims[i])*v.Spacing[i]/s.Target[i])))
	}
	out := v.clone()
	if dims != [3]int{v.D, v.H, v.W} {
		out = resample(v, dims[0], dims[1], dims[2])
	}
	out.Spacing = s.Target
	return out, nil
}

// ScaleIntensityStage rescales all intensities linearly into [Min, Max]. A constant volume becomes Min.
type ScaleIntensityStage struct {
	Min, Max float32
}

func (s ScaleIntensityStage) Name() string { return "scale_intensity" }

func (s ScaleIntensityStage) Apply(v *Volume) (*Volume, error) {
	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
	for _, x := range v.Data {
		lo, hi = min(lo, x), max(hi, x)
	}
	out := v.clone()
	if hi <= lo {
		for i := range out.Data {
			out.Data[i] = s.Min
		}
		return out, nil
	}
	scale := (s.Max - s.Min) / (hi - lo)
	for i, x := range v.Data {
		out.Data[i] = min(max((x-lo)*scale+s.Min, s.Min), s.Max)
	}
	return out, nil
}

// CropForegroundStage crops to the bounding box of voxels above Threshold in any channel. Without
// foreground the volume is returned whole.
type CropForegroundStage struct {
	Threshold float32
}

func (s CropForegroundStage) Name() string { return "crop_foreground" }

func (s CropForegroundStage) Apply(v *Volume) (*Volume, error) {
	lo := [3]int{v.D, v.H, v.W}
	hi := [3]int{-1, -1, -1}
	for c := range v.C {
		for z := range v.D {
			for y := range v.H {
				for x := range v.W {
					if v.At(c, z, y, x) <= s.Threshold {
						continue
					}
					p := [3]int{z, y, x}
					for i := range p {
						lo[i], hi[i] = min(lo[i], p[i]), max(hi[i], p[i])
					}
				}
			}
		}
	}
	if hi[0] < 0 {
		return v.clone(), nil
	}
	out := NewVolume(v.C, hi[0]-lo[0]+1, hi[1]-lo[1]+1, hi[2]-lo[2]+1, v.Spacing)
	for c := range out.C {
		for z := range out.D {
			for y := range out.H {
				src := v.index(c, z+lo[0], y+lo[1], lo[2])
				dst := out.index(c, z, y, 0)
				copy(out.Data[dst:dst+out.W], v.Data[src:src+out.W])
			}
		}
	}
	return out, nil
}

// ResizeStage interpolates the volume onto a fixed depth x height x width grid.
type ResizeStage struct {
	D, H, W int
}

func (s ResizeStage) Name() string { return "resize" }

func (s ResizeStage) Apply(v *Volume) (*Volume, error) {
	out := resample(v, s.D, s.H, s.W)
	for i, n := range [3][2]int{{v.D, s.D}, {v.H, s.H}, {v.W, s.W}} {
		out.Spacing[i] = v.Spacing[i] * float64(n[0]) / float64(n[1])
	}
	return out, nil
}
