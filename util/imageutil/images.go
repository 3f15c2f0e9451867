package imageutil

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"github.com/knights-analytics/medinfer/util/fileutil"
)

// ErrTooLarge is returned when the header of an image declares more pixels than allowed.
var ErrTooLarge = errors.New("image too large")

// LoadImage reads and decodes a single image from a local path or s3:// url.
// The returned format is the name registered by the decoder ("png", "jpeg", "tiff", ...).
// The header is checked first: an image declaring more than maxPixels pixels is rejected with
// ErrTooLarge before any pixel buffer is allocated. maxPixels <= 0 disables the check.
func LoadImage(path string, maxPixels int) (image.Image, string, error) {
	b, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return nil, "", err
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(b))
	if err != nil {
		return nil, "", err
	}
	if cfg.Width < 0 || cfg.Height < 0 {
		return nil, format, fmt.Errorf("%s header declares %dx%d", format, cfg.Width, cfg.Height)
	}
	if maxPixels > 0 && cfg.Width > 0 && cfg.Height > maxPixels/cfg.Width {
		return nil, format, fmt.Errorf("%w: %s header declares %dx%d, limit is %d pixels", ErrTooLarge, format, cfg.Width, cfg.Height, maxPixels)
	}
	return image.Decode(bytes.NewReader(b))
}

// Luminance converts img to a single row-major plane of raw intensities. 8-bit images keep their
// 0-255 range and 16-bit images their 0-65535 range; colour images are reduced with the
// standard luma weights.
func Luminance(img image.Image) (width, height int, plane []float32) {
	bounds := img.Bounds()
	width, height = bounds.Dx(), bounds.Dy()
	plane = make([]float32, width*height)

	switch src := img.(type) {
	case *image.Gray:
		for y := range height {
			row := src.Pix[y*src.Stride : y*src.Stride+width]
			for x, v := range row {
				plane[y*width+x] = float32(v)
			}
		}
	case *image.Gray16:
		for y := range height {
			for x := range width {
				v := src.Gray16At(bounds.Min.X+x, bounds.Min.Y+y)
				plane[y*width+x] = float32(v.Y)
			}
		}
	default:
		for y := range height {
			for x := range width {
				g := color.Gray16Model.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray16)
				plane[y*width+x] = float32(g.Y) / 257
			}
		}
	}
	return width, height, plane
}
