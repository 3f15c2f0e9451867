package preprocess

import (
	"errors"
	"fmt"
	"image"

	"github.com/rs/zerolog"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/medinfer/util/imageutil"
)

// DefaultTargetShape is the spatial shape (depth, height, width) every preprocessed volume is resized to.
var DefaultTargetShape = [3]int{128, 256, 256}

// DefaultMaxPixels bounds the pixel count an image header may declare (a 16384x16384 slice).
const DefaultMaxPixels = 1 << 28

var ErrUnreadableImage = errors.New("unreadable image")

// UnreadableImageError reports an input that could not be read or decoded. It matches ErrUnreadableImage.
type UnreadableImageError struct {
	Path string
	Err  error
}

func (e *UnreadableImageError) Error() string {
	return fmt.Sprintf("unreadable image %s: %v", e.Path, e.Err)
}

func (e *UnreadableImageError) Unwrap() []error {
	return []error{ErrUnreadableImage, e.Err}
}

// Preprocessor turns an image into a [1, C, D, H, W] float32 tensor of constant shape.
// It holds no mutable state and is safe for concurrent use.
type Preprocessor struct {
	stages    []Stage
	target    [3]int
	maxPixels int
	logger    zerolog.Logger
}

type Option func(p *Preprocessor) error

// WithTargetShape overrides DefaultTargetShape.
func WithTargetShape(depth, height, width int) Option {
	return func(p *Preprocessor) error {
		if depth < 1 || height < 1 || width < 1 {
			return fmt.Errorf("target shape must be positive, got %dx%dx%d", depth, height, width)
		}
		p.target = [3]int{depth, height, width}
		return nil
	}
}

// WithMaxPixels overrides DefaultMaxPixels. Images whose header declares more pixels are unreadable.
func WithMaxPixels(n int) Option {
	return func(p *Preprocessor) error {
		if n < 1 {
			return fmt.Errorf("max pixels must be positive, got %d", n)
		}
		p.maxPixels = n
		return nil
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(p *Preprocessor) error {
		p.logger = logger
		return nil
	}
}

func New(opts ...Option) (*Preprocessor, error) {
	p := &Preprocessor{target: DefaultTargetShape, maxPixels: DefaultMaxPixels, logger: zerolog.Nop()}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	p.stages = []Stage{
		SpacingStage{Target: [3]float64{1, 1, 1}},
		ScaleIntensityStage{Min: 0, Max: 1},
		CropForegroundStage{Threshold: 0},
		ResizeStage{D: p.target[0], H: p.target[1], W: p.target[2]},
	}
	return p, nil
}

// TargetShape returns the spatial shape of every output.
func (p *Preprocessor) TargetShape() [3]int {
	return p.target
}

// OutputShape returns the full tensor shape for volumes with the given number of channels.
func (p *Preprocessor) OutputShape(channels int) []int {
	return []int{1, channels, p.target[0], p.target[1], p.target[2]}
}

func (p *Preprocessor) Stages() []Stage {
	return append([]Stage(nil), p.stages...)
}

// Process loads the image at path (local or s3://) and runs every stage.
func (p *Preprocessor) Process(path string) (*tensor.Dense, error) {
	v, err := Load(path, p.maxPixels)
	if err != nil {
		return nil, err
	}
	return p.ProcessVolume(v)
}

func (p *Preprocessor) ProcessImage(img image.Image) (*tensor.Dense, error) {
	v, err := FromImage(img)
	if err != nil {
		return nil, &UnreadableImageError{Path: "<image>", Err: err}
	}
	return p.ProcessVolume(v)
}

func (p *Preprocessor) ProcessVolume(v *Volume) (*tensor.Dense, error) {
	if err := v.validate(); err != nil {
		return nil, err
	}
	var err error
	for _, stage := range p.stages {
		in := v.Shape()
		if v, err = stage.Apply(v); err != nil {
			return nil, fmt.Errorf("preprocess stage %s: %w", stage.Name(), err)
		}
		p.logger.Trace().Str("stage", stage.Name()).Ints("in", in).Ints("out", v.Shape()).Msg("preprocess")
	}
	return ToTensor(v), nil
}

// Load reads and decodes path into a single-channel volume one slice deep. Images declaring more than
// maxPixels pixels are unreadable.
func Load(path string, maxPixels int) (*Volume, error) {
	img, _, err := imageutil.LoadImage(path, maxPixels)
	if err != nil {
		return nil, &UnreadableImageError{Path: path, Err: err}
	}
	v, err := FromImage(img)
	if err != nil {
		return nil, &UnreadableImageError{Path: path, Err: err}
	}
	return v, nil
}

// FromImage converts a decoded image to a channel-first volume with unit spacing.
func FromImage(img image.Image) (*Volume, error) {
	if img == nil {
		return nil, errors.New("nil image")
	}
	w, h, plane := imageutil.Luminance(img)
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("empty image %dx%d", w, h)
	}
	return &Volume{C: 1, D: 1, H: h, W: w, Spacing: [3]float64{1, 1, 1}, Data: plane}, nil
}

// ToTensor adds the batch axis and wraps the volume data without copying.
func ToTensor(v *Volume) *tensor.Dense {
	return tensor.New(tensor.WithShape(1, v.C, v.D, v.H, v.W), tensor.WithBacking(v.Data))
}
