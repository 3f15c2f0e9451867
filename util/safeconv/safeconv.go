package safeconv

import (
	"math"

	"golang.org/x/exp/constraints"
)

// RoundClamp rounds v half away from zero and clamps the result into [lo, hi].
// NaN maps to zero.
func RoundClamp[T constraints.Signed](v float64, lo, hi T) T {
	if math.IsNaN(v) {
		return 0
	}
	r := math.Round(v)
	if r < float64(lo) {
		return lo
	}
	if r > float64(hi) {
		return hi
	}
	return T(r)
}

// Int64SliceToIntSlice converts a slice of int64 to int with clamping to the int range.
func Int64SliceToIntSlice(input []int64) []int {
	out := make([]int, len(input))
	for i, v := range input {
		switch {
		case v > math.MaxInt:
			out[i] = math.MaxInt
		case v < math.MinInt:
			out[i] = math.MinInt
		default:
			out[i] = int(v)
		}
	}
	return out
}

// IntSliceToInt64Slice widens a slice of int.
func IntSliceToInt64Slice(input []int) []int64 {
	out := make([]int64, len(input))
	for i, v := range input {
		out[i] = int64(v)
	}
	return out
}

// Float32ToUnit clamps a float into [0, 1], mapping NaN to zero.
func Float32ToUnit(v float32) float32 {
	switch {
	case v != v:
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
