package options

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/knights-analytics/medinfer/monitor"
	"github.com/knights-analytics/medinfer/nn"
	"github.com/knights-analytics/medinfer/preprocess"
	"github.com/knights-analytics/medinfer/util/fileutil"
)

const (
	BackendGo    = "GO"
	BackendGonnx = "GONNX"
	BackendORT   = "ORT"
)

type Options struct {
	Backend     string
	Execution   ExecutionConfig
	ORTOptions  *OrtOptions
	ModelsDir   string
	TargetShape [3]int
	// MaxImagePixels is the largest pixel count an input image header may declare.
	MaxImagePixels int
	// ClassLabels overrides the labels of the classification task when the artifact carries none.
	ClassLabels []string
	// FallbackPriors are the confidences reported by the classification fallback. Missing labels get 1/N.
	FallbackPriors  map[string]float32
	TrainedModels   map[string]*nn.Sequential
	MonitorOptions  []monitor.Option
	MonitorInterval time.Duration
	StateObserver   StateObserver
	Logger          zerolog.Logger
	Destroy         func() error
}

func Defaults() *Options {
	_, libraryDirDefault, libraryPathDefault := getDefaultLibraryPaths()
	return &Options{
		Backend:   BackendGo,
		Execution: DefaultExecutionConfig(),
		ORTOptions: &OrtOptions{
			LibraryDir:  &libraryDirDefault,
			LibraryPath: &libraryPathDefault,
		},
		ModelsDir:       "models/onnx",
		TargetShape:     preprocess.DefaultTargetShape,
		MaxImagePixels:  preprocess.DefaultMaxPixels,
		TrainedModels:   map[string]*nn.Sequential{},
		MonitorInterval: 5 * time.Second,
		Logger:          zerolog.Nop(),
		Destroy: func() error {
			return nil
		},
	}
}

// Apply builds the options from the defaults and the given option functions.
func Apply(opts ...WithOption) (*Options, error) {
	o := Defaults()
	var errs []error
	for _, opt := range opts {
		if err := opt(o); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return o, nil
}

func getDefaultLibraryPaths() (string, string, string) {
	switch runtime.GOOS {
	case "windows":
		return `onnxruntime.dll`, `.\`, `.\onnxruntime.dll`
	case "darwin":
		return "libonnxruntime.dylib", "/usr/local/lib", "/usr/local/lib/libonnxruntime.dylib"
	default:
		return "libonnxruntime.so", "/usr/lib", "/usr/lib/libonnxruntime.so"
	}
}

type OrtOptions struct {
	LibraryPath *string
	LibraryDir  *string
	Telemetry   *bool
	CPUMemArena *bool
	MemPattern  *bool
}

// WithOption is the interface for all option functions.
type WithOption func(o *Options) error

// WithBackend selects the execution backend: GO (native executor, default), GONNX or ORT.
// ORT requires building with the ORT or ALL tag.
func WithBackend(backend string) WithOption {
	return func(o *Options) error {
		switch b := strings.ToUpper(backend); b {
		case BackendGo, BackendGonnx, BackendORT:
			o.Backend = b
			return nil
		default:
			return fmt.Errorf("unknown backend %q", backend)
		}
	}
}

// WithOnnxLibraryPath (ORT only) sets the directory holding "libonnxruntime.so", "libonnxruntime.dylib" or "onnxruntime.dll".
func WithOnnxLibraryPath(ortLibraryPath string) WithOption {
	return func(o *Options) error {
		if o.Backend != BackendORT {
			return fmt.Errorf("WithOnnxLibraryPath is only supported for ORT backend")
		}
		libraryName, _, _ := getDefaultLibraryPaths()
		ortLibraryFullPath := fileutil.PathJoinSafe(ortLibraryPath, libraryName)
		exists, err := fileutil.FileExists(ortLibraryFullPath)
		if err != nil {
			return fmt.Errorf("error checking for existence of ONNX Runtime library file: %w", err)
		}
		if !exists {
			return fmt.Errorf("ONNX Runtime library %s does not exist at %q", libraryName, ortLibraryPath)
		}
		o.ORTOptions.LibraryPath = &ortLibraryFullPath
		o.ORTOptions.LibraryDir = &ortLibraryPath
		return nil
	}
}

// WithTelemetry (ORT only) Enables telemetry events for the onnxruntime environment. Default is off.
func WithTelemetry() WithOption {
	return func(o *Options) error {
		if o.Backend == BackendORT {
			enabled := true
			o.ORTOptions.Telemetry = &enabled
			return nil
		}
		return fmt.Errorf("WithTelemetry is only supported for ORT backend")
	}
}

// WithCPUMemArena (ORT only) Enable/Disable the usage of the memory arena on CPU.
func WithCPUMemArena(enable bool) WithOption {
	return func(o *Options) error {
		if o.Backend == BackendORT {
			o.ORTOptions.CPUMemArena = &enable
			return nil
		}
		return fmt.Errorf("WithCPUMemArena is only supported for ORT backend")
	}
}

// WithMemPattern (ORT only) Enable/Disable the memory pattern optimization.
func WithMemPattern(enable bool) WithOption {
	return func(o *Options) error {
		if o.Backend == BackendORT {
			o.ORTOptions.MemPattern = &enable
			return nil
		}
		return fmt.Errorf("WithMemPattern is only supported for ORT backend")
	}
}

// WithExecutionConfig replaces the whole session execution configuration.
func WithExecutionConfig(cfg ExecutionConfig) WithOption {
	return func(o *Options) error {
		o.Execution = cfg
		return nil
	}
}

// WithIntraOpNumThreads sets the number of threads used to parallelize execution within a graph node.
func WithIntraOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		o.Execution.IntraOpThreads = numThreads
		return nil
	}
}

// WithInterOpNumThreads sets the number of threads used to run independent graph nodes concurrently.
// It only has an effect in parallel execution mode.
func WithInterOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		o.Execution.InterOpThreads = numThreads
		return nil
	}
}

// WithExecutionMode switches between sequential and parallel node scheduling.
func WithExecutionMode(parallel bool) WithOption {
	return func(o *Options) error {
		o.Execution.Mode = ExecutionModeSequential
		if parallel {
			o.Execution.Mode = ExecutionModeParallel
		}
		return nil
	}
}

// WithGraphOptimizationLevel sets the rewrites applied to a graph when a session is created.
func WithGraphOptimizationLevel(level GraphOptimizationLevel) WithOption {
	return func(o *Options) error {
		if _, ok := levelNames[level]; !ok {
			return fmt.Errorf("unknown graph optimization level %d", level)
		}
		o.Execution.OptimizationLevel = level
		return nil
	}
}

// WithModelsDir sets the directory holding one <task>.onnx artifact per task. Default "models/onnx".
func WithModelsDir(dir string) WithOption {
	return func(o *Options) error {
		o.ModelsDir = dir
		return nil
	}
}

// WithTargetShape sets the fixed spatial shape (depth, height, width) produced by the preprocessor.
func WithTargetShape(depth, height, width int) WithOption {
	return func(o *Options) error {
		if depth < 1 || height < 1 || width < 1 {
			return fmt.Errorf("target shape must be positive, got %dx%dx%d", depth, height, width)
		}
		o.TargetShape = [3]int{depth, height, width}
		return nil
	}
}

// WithMaxImagePixels rejects input images whose header declares more than n pixels.
func WithMaxImagePixels(n int) WithOption {
	return func(o *Options) error {
		if n < 1 {
			return fmt.Errorf("max image pixels must be positive, got %d", n)
		}
		o.MaxImagePixels = n
		return nil
	}
}

// WithClassLabels sets the classification labels used when the artifact metadata has none.
func WithClassLabels(labels []string) WithOption {
	return func(o *Options) error {
		if len(labels) == 0 {
			return errors.New("class labels must not be empty")
		}
		o.ClassLabels = labels
		return nil
	}
}

// WithFallbackPriors sets the confidences returned when no classification model is available.
func WithFallbackPriors(priors map[string]float32) WithOption {
	return func(o *Options) error {
		for label, p := range priors {
			if p < 0 || p > 1 {
				return fmt.Errorf("prior for %s must be in [0, 1], got %v", label, p)
			}
		}
		o.FallbackPriors = priors
		return nil
	}
}

// WithTrainedModel registers an in-memory model for task. It is used when the task artifact is absent.
func WithTrainedModel(task string, model *nn.Sequential) WithOption {
	return func(o *Options) error {
		if model == nil {
			return fmt.Errorf("nil model for task %s", task)
		}
		o.TrainedModels[task] = model
		return nil
	}
}

// WithMonitorOptions passes options to the resource monitor.
func WithMonitorOptions(opts ...monitor.Option) WithOption {
	return func(o *Options) error {
		o.MonitorOptions = append(o.MonitorOptions, opts...)
		return nil
	}
}

// WithMonitorInterval sets how often the background coordinator checks memory pressure.
func WithMonitorInterval(interval time.Duration) WithOption {
	return func(o *Options) error {
		if interval <= 0 {
			return fmt.Errorf("monitor interval must be positive, got %s", interval)
		}
		o.MonitorInterval = interval
		return nil
	}
}

func WithLogger(logger zerolog.Logger) WithOption {
	return func(o *Options) error {
		o.Logger = logger
		return nil
	}
}

// WithStateObserver registers a callback receiving every request state transition.
func WithStateObserver(observer StateObserver) WithOption {
	return func(o *Options) error {
		o.StateObserver = observer
		return nil
	}
}
