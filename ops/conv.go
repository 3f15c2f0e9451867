package ops

import (
	"fmt"
	"slices"
)

// Conv computes an N-d cross-correlation (N = 1, 2 or 3 spatial dimensions) with group 1.
//
// Input  x: [batch, in_channels, spatial...]
// Weight w: [out_channels, in_channels, kernel...]
// Bias   b: [out_channels] or nil
// Pads follow the ONNX layout [begin_0, begin_1, ..., end_0, end_1, ...].
func Conv(pool *Pool, x, w, b *Tensor, strides, pads []int) (*Tensor, error) {
	if err := expectFloat("conv input", x); err != nil {
		return nil, err
	}
	if err := expectFloat("conv weight", w); err != nil {
		return nil, err
	}
	nd := x.Rank() - 2
	if nd < 1 || nd > 3 {
		return nil, fmt.Errorf("conv: unsupported input rank %d", x.Rank())
	}
	if w.Rank() != nd+2 {
		return nil, fmt.Errorf("conv: weight rank %d does not match input rank %d", w.Rank(), x.Rank())
	}
	batch, channels := x.Shape[0], x.Shape[1]
	filters := w.Shape[0]
	if w.Shape[1] != channels {
		return nil, fmt.Errorf("conv: weight expects %d input channels, input has %d", w.Shape[1], channels)
	}
	if b != nil {
		if err := expectFloat("conv bias", b); err != nil {
			return nil, err
		}
		if b.Len() != filters {
			return nil, fmt.Errorf("conv: bias has %d elements, want %d", b.Len(), filters)
		}
	}
	if len(strides) == 0 {
		strides = ones(nd)
	}
	if len(pads) == 0 {
		pads = make([]int, 2*nd)
	}
	if len(strides) != nd || len(pads) != 2*nd {
		return nil, fmt.Errorf("conv: strides %v / pads %v do not match %d spatial dims", strides, pads, nd)
	}

	in := x.Shape[2:]
	kernel := w.Shape[2:]
	outSpatial := make([]int, nd)
	for d := range nd {
		if strides[d] < 1 {
			return nil, fmt.Errorf("conv: stride must be positive, got %v", strides)
		}
		outSpatial[d] = (in[d]+pads[d]+pads[d+nd]-kernel[d])/strides[d] + 1
		if outSpatial[d] <= 0 {
			return nil, fmt.Errorf("conv: kernel %v larger than padded input %v", kernel, in)
		}
	}

	out := Zeros(append([]int{batch, filters}, outSpatial...)...)
	inSize, outSize, kernelSize := Size(in), Size(outSpatial), Size(kernel)
	inStrides, outStrides := rowStrides(in), rowStrides(outSpatial)
	kernelOffsets := multiIndices(kernel)

	pool.For(batch*filters, func(job int) {
		bi, oc := job/filters, job%filters
		dst := out.Float[job*outSize : (job+1)*outSize]
		pos := make([]int, nd)
		for o := range outSize {
			rem := o
			for d := range nd {
				pos[d] = rem / outStrides[d]
				rem %= outStrides[d]
			}
			var acc float64
			for ic := range channels {
				src := x.Float[(bi*channels+ic)*inSize:]
				weights := w.Float[(oc*channels+ic)*kernelSize:]
				for ki, kpos := range kernelOffsets {
					off := 0
					inside := true
					for d := range nd {
						p := pos[d]*strides[d] - pads[d] + kpos[d]
						if p < 0 || p >= in[d] {
							inside = false
							break
						}
						off += p * inStrides[d]
					}
					if inside {
						acc += float64(src[off]) * float64(weights[ki])
					}
				}
			}
			if b != nil {
				acc += float64(b.Float[oc])
			}
			dst[o] = float32(acc)
		}
	})
	return out, nil
}

func ones(n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = 1
	}
	return s
}

func rowStrides(shape []int) []int {
	strides := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}
	return strides
}

// multiIndices enumerates every index of shape in row-major order.
func multiIndices(shape []int) [][]int {
	total := Size(shape)
	out := make([][]int, 0, total)
	cur := make([]int, len(shape))
	for range total {
		out = append(out, slices.Clone(cur))
		for d := len(shape) - 1; d >= 0; d-- {
			cur[d]++
			if cur[d] < shape[d] {
				break
			}
			cur[d] = 0
		}
	}
	return out
}
