package ops

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGemmTransposeAndBias(t *testing.T) {
	a, err := NewFloat([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	// weights stored as [out, in] like a dense layer
	w, err := NewFloat([]int{2, 3}, []float32{1, 0, 0, 0, 1, 1})
	require.NoError(t, err)
	bias, err := NewFloat([]int{2}, []float32{10, 20})
	require.NoError(t, err)

	for _, workers := range []int{1, 4} {
		out, err := Gemm(NewPool(workers), a, w, bias, false, true, 1, 1)
		require.NoError(t, err)
		assert.Equal(t, []int{2, 2}, out.Shape)
		assert.Equal(t, []float32{11, 25, 14, 31}, out.Float)
	}

	_, err = Gemm(nil, a, a, nil, false, false, 1, 0)
	assert.Error(t, err)
}

func TestConv2D(t *testing.T) {
	x, err := NewFloat([]int{1, 1, 3, 3}, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9})
	require.NoError(t, err)
	w, err := NewFloat([]int{1, 1, 2, 2}, []float32{1, 0, 0, 1})
	require.NoError(t, err)
	b, err := NewFloat([]int{1}, []float32{1})
	require.NoError(t, err)

	out, err := Conv(NewPool(2), x, w, b, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 2, 2}, out.Shape)
	assert.Equal(t, []float32{7, 9, 13, 15}, out.Float)

	padded, err := Conv(nil, x, w, nil, []int{1, 1}, []int{1, 1, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 3, 3}, padded.Shape)
	assert.Equal(t, float32(1), padded.Float[0])
}

func TestConv3DMatchesAcrossWorkers(t *testing.T) {
	x := Zeros(2, 2, 3, 4, 4)
	for i := range x.Float {
		x.Float[i] = float32(math.Sin(float64(i)))
	}
	w := Zeros(3, 2, 2, 2, 2)
	for i := range w.Float {
		w.Float[i] = float32(i%5) / 5
	}
	single, err := Conv(NewPool(1), x, w, nil, nil, []int{0, 1, 1, 0, 1, 1})
	require.NoError(t, err)
	multi, err := Conv(NewPool(8), x, w, nil, nil, []int{0, 1, 1, 0, 1, 1})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 2, 5, 5}, single.Shape)
	assert.Equal(t, single.Float, multi.Float)
}

func TestActivations(t *testing.T) {
	x, err := NewFloat([]int{1, 3}, []float32{-1, 0, 2})
	require.NoError(t, err)

	r, err := Relu(x)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 2}, r.Float)

	s, err := Sigmoid(x)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, s.Float[1], 1e-6)
	assert.InDelta(t, 0, SigmoidScalar(-1000), 1e-6)
	assert.InDelta(t, 1, SigmoidScalar(1000), 1e-6)

	sm, err := Softmax(x, -1)
	require.NoError(t, err)
	var sum float32
	for _, v := range sm.Float {
		sum += v
	}
	assert.InDelta(t, 1, sum, 1e-6)

	flat, err := Flatten(Zeros(2, 3, 4), 1)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 12}, flat.Shape)
}

func TestBatchNormWithChannelStats(t *testing.T) {
	x, err := NewFloat([]int{2, 2, 1}, []float32{1, 10, 3, 30})
	require.NoError(t, err)
	mean, variance := ChannelStats(x)
	assert.Equal(t, []float32{2, 20}, mean.Float)
	assert.Equal(t, []float32{1, 100}, variance.Float)

	scale, _ := NewFloat([]int{2}, []float32{1, 1})
	bias, _ := NewFloat([]int{2}, []float32{0, 0})
	out, err := BatchNorm(x, scale, bias, mean, variance, 0)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{-1, -1, 1, 1}, out.Float, 1e-5)
}

func TestQuantizeSymmetric(t *testing.T) {
	w, err := NewFloat([]int{2, 3}, []float32{0.6, -1, 0.25, 0, 0, 0})
	require.NoError(t, err)

	q, err := QuantizeSymmetric(w, true)
	require.NoError(t, err)
	assert.Equal(t, 0, q.Axis)
	assert.Equal(t, []int8{76, -127, 32, 0, 0, 0}, q.Values)
	assert.InDelta(t, 1.0/127, q.Scales[0], 1e-9)
	assert.Equal(t, float32(1), q.Scales[1], "an all-zero channel keeps a unit scale")

	back := q.Dequantize()
	for i, v := range w.Float {
		assert.LessOrEqual(t, math.Abs(float64(back.Float[i]-v)), float64(q.StepSize())/2+1e-7)
	}

	perTensor, err := QuantizeSymmetric(w, false)
	require.NoError(t, err)
	assert.Equal(t, PerTensor, perTensor.Axis)
	assert.Len(t, perTensor.Scales, 1)

	w.Float[0] = float32(math.NaN())
	_, err = QuantizeSymmetric(w, true)
	assert.Error(t, err)
}

func TestDequantizeLinear(t *testing.T) {
	w, err := NewFloat([]int{2, 2}, []float32{1, -2, 0.5, 0.25})
	require.NoError(t, err)
	q, err := QuantizeSymmetric(w, true)
	require.NoError(t, err)

	out, err := DequantizeLinear(q.ValueTensor(), q.ScaleTensor(), nil, 0)
	require.NoError(t, err)
	assert.Equal(t, q.Dequantize().Float, out.Float)

	zp, _ := NewInt8([]int{1}, []int8{0})
	single, _ := NewFloat([]int{1}, []float32{0.5})
	x, _ := NewInt8([]int{2}, []int8{2, -4})
	out, err = DequantizeLinear(x, single, zp, 0)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, -2}, out.Float)

	_, err = DequantizeLinear(w, single, nil, 0)
	assert.Error(t, err)
}

func TestPoolCoversEveryIndex(t *testing.T) {
	seen := make([]int, 101)
	NewPool(7).For(len(seen), func(i int) { seen[i]++ })
	for i, v := range seen {
		assert.Equal(t, 1, v, "index %d", i)
	}
	var nilPool *Pool
	assert.Equal(t, 1, nilPool.Workers())
}
