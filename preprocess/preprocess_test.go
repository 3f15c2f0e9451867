package preprocess

import (
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/medinfer/util/imageutil"
)

func writePNG(t *testing.T, name string, img image.Image) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func gradient(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetGray(x, y, color.Gray{Y: uint8((x*7 + y*13) % 256)})
		}
	}
	return img
}

func newTestPreprocessor(t *testing.T) *Preprocessor {
	t.Helper()
	p, err := New(WithTargetShape(4, 8, 8))
	require.NoError(t, err)
	return p
}

func TestOutputShapeIsConstant(t *testing.T) {
	p := newTestPreprocessor(t)
	for _, size := range [][2]int{{10, 10}, {31, 7}, {5, 40}, {64, 48}} {
		path := writePNG(t, "scan.png", gradient(size[0], size[1]))
		out, err := p.Process(path)
		require.NoError(t, err, size)
		assert.Equal(t, tensor.Shape{1, 1, 4, 8, 8}, out.Shape(), size)

		data := out.Data().([]float32)
		for _, v := range data {
			assert.GreaterOrEqual(t, v, float32(0))
			assert.LessOrEqual(t, v, float32(1))
		}
	}
}

func TestDefaultTargetShape(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	assert.Equal(t, [3]int{128, 256, 256}, p.TargetShape())
	assert.Equal(t, []int{1, 1, 128, 256, 256}, p.OutputShape(1))
	names := make([]string, 0, 4)
	for _, s := range p.Stages() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"spacing", "scale_intensity", "crop_foreground", "resize"}, names)
}

func TestConstantImageBecomesZeros(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 6, 6))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	out, err := newTestPreprocessor(t).ProcessImage(img)
	require.NoError(t, err)
	for _, v := range out.Data().([]float32) {
		assert.Zero(t, v)
	}
}

func TestSixteenBitImage(t *testing.T) {
	img := image.NewGray16(image.Rect(0, 0, 8, 8))
	for y := range 8 {
		for x := range 8 {
			img.SetGray16(x, y, color.Gray16{Y: uint16(1000 + 4000*x)})
		}
	}
	out, err := newTestPreprocessor(t).Process(writePNG(t, "ct.png", img))
	require.NoError(t, err)
	data := out.Data().([]float32)
	assert.InDelta(t, 1, data[len(data)-1], 1e-6)
}

func TestProcessIsDeterministic(t *testing.T) {
	p := newTestPreprocessor(t)
	path := writePNG(t, "scan.png", gradient(23, 17))
	a, err := p.Process(path)
	require.NoError(t, err)
	b, err := p.Process(path)
	require.NoError(t, err)
	assert.Equal(t, a.Data(), b.Data())
}

func TestUnreadableImage(t *testing.T) {
	p := newTestPreprocessor(t)
	corrupt := filepath.Join(t.TempDir(), "corrupt.png")
	require.NoError(t, os.WriteFile(corrupt, []byte("not a png"), 0o600))

	for _, path := range []string{corrupt, filepath.Join(t.TempDir(), "missing.png")} {
		_, err := p.Process(path)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnreadableImage)
		var unreadable *UnreadableImageError
		require.True(t, errors.As(err, &unreadable))
		assert.Equal(t, path, unreadable.Path)
	}
}

func TestImageAboveMaxPixels(t *testing.T) {
	path := writePNG(t, "wide.png", gradient(16, 16))
	p, err := New(WithTargetShape(1, 4, 4), WithMaxPixels(100))
	require.NoError(t, err)

	_, err = p.Process(path)
	assert.ErrorIs(t, err, ErrUnreadableImage)
	assert.ErrorIs(t, err, imageutil.ErrTooLarge)

	p, err = New(WithTargetShape(1, 4, 4), WithMaxPixels(256))
	require.NoError(t, err)
	_, err = p.Process(path)
	assert.NoError(t, err)

	_, err = New(WithMaxPixels(0))
	assert.Error(t, err)
}

func TestInvalidInputs(t *testing.T) {
	_, err := New(WithTargetShape(0, 8, 8))
	assert.Error(t, err)

	p := newTestPreprocessor(t)
	_, err = p.ProcessImage(image.NewGray(image.Rect(0, 0, 0, 0)))
	assert.ErrorIs(t, err, ErrUnreadableImage)

	_, err = p.ProcessVolume(&Volume{C: 1, D: 1, H: 2, W: 2, Spacing: [3]float64{1, 1, 1}, Data: []float32{1}})
	assert.Error(t, err)
}

func TestSpacingStage(t *testing.T) {
	v := NewVolume(1, 1, 4, 4, [3]float64{1, 2, 0.5})
	out, err := SpacingStage{Target: [3]float64{1, 1, 1}}.Apply(v)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 8, 2}, out.Shape())
	assert.Equal(t, [3]float64{1, 1, 1}, out.Spacing)
	assert.Equal(t, [3]float64{1, 2, 0.5}, v.Spacing)
}

func TestCropForegroundStage(t *testing.T) {
	v := NewVolume(1, 1, 5, 6, [3]float64{1, 1, 1})
	v.Set(0, 0, 1, 2, 0.5)
	v.Set(0, 0, 3, 4, 1)
	out, err := CropForegroundStage{}.Apply(v)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 3, 3}, out.Shape())
	assert.Equal(t, float32(0.5), out.At(0, 0, 0, 0))
	assert.Equal(t, float32(1), out.At(0, 0, 2, 2))

	empty := NewVolume(1, 1, 5, 6, [3]float64{1, 1, 1})
	out, err = CropForegroundStage{}.Apply(empty)
	require.NoError(t, err)
	assert.Equal(t, empty.Shape(), out.Shape())
}

func TestResizeStage(t *testing.T) {
	v := NewVolume(1, 1, 2, 2, [3]float64{1, 1, 1})
	copy(v.Data, []float32{0, 1, 2, 3})

	same, err := ResizeStage{D: 1, H: 2, W: 2}.Apply(v)
	require.NoError(t, err)
	assert.Equal(t, v.Data, same.Data)

	up, err := ResizeStage{D: 2, H: 4, W: 4}.Apply(v)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 4, 4}, up.Shape())
	assert.Equal(t, float32(0), up.At(0, 0, 0, 0))
	assert.Equal(t, float32(3), up.At(0, 1, 3, 3))
	assert.InDelta(t, 1.5, (up.At(0, 0, 1, 1)+up.At(0, 0, 2, 2))/2, 1e-6)
	assert.Equal(t, 0.5, up.Spacing[1])
}
