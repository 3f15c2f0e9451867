package optimizer

import (
	"github.com/rs/zerolog"
)

// Opset is the operator set version of exported graphs.
const Opset = 13

// BatchAxisName is the symbolic name of the dynamic batch dimension.
const BatchAxisName = "batch_size"

type settings struct {
	perChannel  bool
	inputName   string
	outputName  string
	task        string
	labels      []string
	destination string
	logger      zerolog.Logger
}

func defaults() *settings {
	return &settings{
		perChannel: true,
		inputName:  "input",
		outputName: "output",
		logger:     zerolog.Nop(),
	}
}

type Option func(s *settings)

// WithPerTensor uses a single scale per weight tensor instead of one per output channel.
func WithPerTensor() Option {
	return func(s *settings) {
		s.perChannel = false
	}
}

// WithTensorNames overrides the exported graph input and output names ("input" and "output").
func WithTensorNames(input, output string) Option {
	return func(s *settings) {
		s.inputName = input
		s.outputName = output
	}
}

// WithTask records the task name in the artifact metadata.
func WithTask(task string) Option {
	return func(s *settings) {
		s.task = task
	}
}

// WithClassLabels records the class names of a classification head in the artifact metadata.
func WithClassLabels(labels []string) Option {
	return func(s *settings) {
		s.labels = labels
	}
}

// WithDestination sets the output path of PostOptimize. The default is <name>_optimized.onnx next to the input.
func WithDestination(path string) Option {
	return func(s *settings) {
		s.destination = path
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

func apply(opts []Option) *settings {
	s := defaults()
	for _, o := range opts {
		o(s)
	}
	return s
}
