package preprocess

import (
	"fmt"
	"math"
	"slices"
)

// Volume is a channel-first image: Data holds C x D x H x W intensities in row-major order.
// Spacing is the physical voxel size in millimetres along depth, height and width.
type Volume struct {
	C, D, H, W int
	Spacing    [3]float64
	Data       []float32
}

func NewVolume(c, d, h, w int, spacing [3]float64) *Volume {
	return &Volume{C: c, D: d, H: h, W: w, Spacing: spacing, Data: make([]float32, c*d*h*w)}
}

func (v *Volume) index(c, d, h, w int) int {
	return ((c*v.D+d)*v.H+h)*v.W + w
}

func (v *Volume) At(c, d, h, w int) float32 {
	return v.Data[v.index(c, d, h, w)]
}

func (v *Volume) Set(c, d, h, w int, value float32) {
	v.Data[v.index(c, d, h, w)] = value
}

func (v *Volume) Shape() []int {
	return []int{v.C, v.D, v.H, v.W}
}

func (v *Volume) validate() error {
	if v == nil || v.C < 1 || v.D < 1 || v.H < 1 || v.W < 1 {
		return fmt.Errorf("volume must have positive dimensions")
	}
	if len(v.Data) != v.C*v.D*v.H*v.W {
		return fmt.Errorf("volume %v holds %d values", v.Shape(), len(v.Data))
	}
	for _, s := range v.Spacing {
		if s <= 0 || math.IsNaN(s) || math.IsInf(s, 0) {
			return fmt.Errorf("volume spacing must be positive, got %v", v.Spacing)
		}
	}
	return nil
}

func (v *Volume) clone() *Volume {
	out := *v
	out.Data = slices.Clone(v.Data)
	return &out
}

// axisTable maps each output coordinate to two source coordinates and the weight of the second one,
// sampling pixel centres (half-pixel offsets) and clamping at the borders.
type axisTable struct {
	lo, hi []int
	t      []float32
}

func newAxisTable(in, out int) axisTable {
	tab := axisTable{lo: make([]int, out), hi: make([]int, out), t: make([]float32, out)}
	scale := float64(in) / float64(out)
	for i := range out {
		src := (float64(i)+0.5)*scale - 0.5
		src = min(max(src, 0), float64(in-1))
		lo := int(math.Floor(src))
		hi := min(lo+1, in-1)
		tab.lo[i], tab.hi[i], tab.t[i] = lo, hi, float32(src-float64(lo))
	}
	return tab
}

// resample performs trilinear interpolation of every channel onto a d x h x w grid.
func resample(v *Volume, d, h, w int) *Volume {
	out := NewVolume(v.C, d, h, w, v.Spacing)
	td, th, tw := newAxisTable(v.D, d), newAxisTable(v.H, h), newAxisTable(v.W, w)
	for c := range v.C {
		for z := range d {
			z0, z1, fz := td.lo[z], td.hi[z], td.t[z]
			for y := range h {
				y0, y1, fy := th.lo[y], th.hi[y], th.t[y]
				for x := range w {
					x0, x1, fx := tw.lo[x], tw.hi[x], tw.t[x]
					c00 := lerp(v.At(c, z0, y0, x0), v.At(c, z0, y0, x1), fx)
					c01 := lerp(v.At(c, z0, y1, x0), v.At(c, z0, y1, x1), fx)
					c10 := lerp(v.At(c, z1, y0, x0), v.At(c, z1, y0, x1), fx)
					c11 := lerp(v.At(c, z1, y1, x0), v.At(c, z1, y1, x1), fx)
					out.Set(c, z, y, x, lerp(lerp(c00, c01, fy), lerp(c10, c11, fy), fz))
				}
			}
		}
	}
	return out
}

func lerp(a, b, t float32) float32 {
	return a + (b-a)*t
}
