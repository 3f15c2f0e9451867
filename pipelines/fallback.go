package pipelines

import (
	"context"
	"fmt"
	"math"

	"gorgonia.org/tensor"
)

const otsuBins = 256

// OtsuPredictor segments without a model: voxels above the Otsu threshold of the preprocessed
// intensities are foreground. A constant volume has no foreground.
type OtsuPredictor struct{}

func (OtsuPredictor) Name() string     { return PredictorOtsu }
func (OtsuPredictor) Kind() OutputKind { return Probabilities }
func (OtsuPredictor) Fallback() bool   { return true }
func (OtsuPredictor) Weight() int64    { return 1 }

func (OtsuPredictor) Predict(_ context.Context, x *tensor.Dense) (*tensor.Dense, error) {
	shape := x.Shape()
	if len(shape) != 5 || shape[0] != 1 {
		return nil, fmt.Errorf("otsu fallback expects a [1, C, D, H, W] tensor, got %v", shape)
	}
	v, err := fromDense(x)
	if err != nil {
		return nil, err
	}
	// channels are averaged into one intensity per voxel
	c, spatial := shape[1], shape[2]*shape[3]*shape[4]
	intensity := make([]float32, spatial)
	for ch := range c {
		for i := range spatial {
			intensity[i] += v.Float[ch*spatial+i] / float32(c)
		}
	}
	out := make([]float32, spatial)
	if bin, threshold, ok := OtsuThreshold(intensity); ok {
		for i, value := range intensity {
			if bin(value) > threshold {
				out[i] = 1
			}
		}
	}
	return tensor.New(tensor.WithShape(1, 1, shape[2], shape[3], shape[4]), tensor.WithBacking(out)), nil
}

// OtsuThreshold computes the histogram bin maximising the between-class variance. Values whose
// bin(value) is above the returned threshold belong to the upper class. ok is false for constant input.
func OtsuThreshold(values []float32) (bin func(float32) int, threshold int, ok bool) {
	if len(values) == 0 {
		return nil, 0, false
	}
	lo, hi := values[0], values[0]
	for _, v := range values {
		lo, hi = min(lo, v), max(hi, v)
	}
	if hi <= lo {
		return nil, 0, false
	}
	width := float64(hi-lo) / otsuBins
	bin = func(v float32) int {
		return min(max(int(float64(v-lo)/width), 0), otsuBins-1)
	}
	var histogram [otsuBins]float64
	for _, v := range values {
		histogram[bin(v)]++
	}
	total := float64(len(values))
	var sumAll float64
	for i, count := range histogram {
		sumAll += float64(i) * count
	}

	var weightLow, sumLow float64
	best := -1.0
	for i, count := range histogram {
		weightLow += count
		if weightLow == 0 {
			continue
		}
		weightHigh := total - weightLow
		if weightHigh == 0 {
			break
		}
		sumLow += float64(i) * count
		meanLow := sumLow / weightLow
		meanHigh := (sumAll - sumLow) / weightHigh
		between := weightLow * weightHigh * math.Pow(meanLow-meanHigh, 2)
		if between > best {
			best, threshold = between, i
		}
	}
	return bin, threshold, true
}

// PriorPredictor classifies without a model by returning fixed confidences.
type PriorPredictor struct {
	labels []string
	priors []float32
}

// NewPriorPredictor uses priors[label] where given and 1/len(labels) otherwise.
func NewPriorPredictor(labels []string, priors map[string]float32) *PriorPredictor {
	p := &PriorPredictor{labels: labels, priors: make([]float32, len(labels))}
	for i, label := range labels {
		prior, ok := priors[label]
		if !ok {
			prior = 1 / float32(len(labels))
		}
		p.priors[i] = prior
	}
	return p
}

func (p *PriorPredictor) Name() string     { return PredictorPriors }
func (p *PriorPredictor) Kind() OutputKind { return Probabilities }
func (p *PriorPredictor) Fallback() bool   { return true }
func (p *PriorPredictor) Weight() int64    { return 1 }

func (p *PriorPredictor) Predict(_ context.Context, _ *tensor.Dense) (*tensor.Dense, error) {
	out := make([]float32, len(p.priors))
	copy(out, p.priors)
	return tensor.New(tensor.WithShape(1, len(out)), tensor.WithBacking(out)), nil
}
