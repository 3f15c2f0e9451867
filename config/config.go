// Package config reads processor settings from a YAML, JSON or TOML file.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/knights-analytics/medinfer/monitor"
	"github.com/knights-analytics/medinfer/options"
	"github.com/knights-analytics/medinfer/util/fileutil"
)

// Config mirrors the processor options. Zero values mean "unspecified" and keep the defaults.
type Config struct {
	Backend        string             `json:"backend" yaml:"backend" toml:"backend"`
	ModelsDir      string             `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	OnnxLibraryDir string             `json:"onnx_library_dir" yaml:"onnx_library_dir" toml:"onnx_library_dir"`
	TargetShape    []int              `json:"target_shape" yaml:"target_shape" toml:"target_shape"`
	MaxImagePixels int                `json:"max_image_pixels" yaml:"max_image_pixels" toml:"max_image_pixels"`
	ClassLabels    []string           `json:"class_labels" yaml:"class_labels" toml:"class_labels"`
	FallbackPriors map[string]float32 `json:"fallback_priors" yaml:"fallback_priors" toml:"fallback_priors"`
	Execution      Execution          `json:"execution" yaml:"execution" toml:"execution"`
	Monitor        Monitor            `json:"monitor" yaml:"monitor" toml:"monitor"`
	LogLevel       string             `json:"log_level" yaml:"log_level" toml:"log_level"`
}

type Execution struct {
	IntraOpThreads    int    `json:"intra_op_threads" yaml:"intra_op_threads" toml:"intra_op_threads"`
	InterOpThreads    int    `json:"inter_op_threads" yaml:"inter_op_threads" toml:"inter_op_threads"`
	Mode              string `json:"mode" yaml:"mode" toml:"mode"`
	OptimizationLevel string `json:"optimization_level" yaml:"optimization_level" toml:"optimization_level"`
}

// Monitor durations use time.ParseDuration syntax ("30s", "5m").
type Monitor struct {
	Threshold float64 `json:"threshold" yaml:"threshold" toml:"threshold"`
	Cooldown  string  `json:"cooldown" yaml:"cooldown" toml:"cooldown"`
	CPUWindow string  `json:"cpu_window" yaml:"cpu_window" toml:"cpu_window"`
	Interval  string  `json:"interval" yaml:"interval" toml:"interval"`
}

// Load reads a configuration file (local or s3://) based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	b, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = jsoniter.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Options translates the file into processor options. Backend comes first since the ORT-only options
// check it.
func (c Config) Options() ([]options.WithOption, error) {
	var opts []options.WithOption
	if c.Backend != "" {
		opts = append(opts, options.WithBackend(c.Backend))
	}
	if c.OnnxLibraryDir != "" {
		opts = append(opts, options.WithOnnxLibraryPath(c.OnnxLibraryDir))
	}
	if c.ModelsDir != "" {
		opts = append(opts, options.WithModelsDir(c.ModelsDir))
	}
	switch len(c.TargetShape) {
	case 0:
	case 3:
		opts = append(opts, options.WithTargetShape(c.TargetShape[0], c.TargetShape[1], c.TargetShape[2]))
	default:
		return nil, fmt.Errorf("target_shape needs depth, height and width, got %v", c.TargetShape)
	}
	if c.MaxImagePixels != 0 {
		opts = append(opts, options.WithMaxImagePixels(c.MaxImagePixels))
	}
	if len(c.ClassLabels) > 0 {
		opts = append(opts, options.WithClassLabels(c.ClassLabels))
	}
	if len(c.FallbackPriors) > 0 {
		opts = append(opts, options.WithFallbackPriors(c.FallbackPriors))
	}

	execution, err := c.Execution.options()
	if err != nil {
		return nil, err
	}
	opts = append(opts, execution...)
	monitoring, err := c.Monitor.options()
	if err != nil {
		return nil, err
	}
	return append(opts, monitoring...), nil
}

func (e Execution) options() ([]options.WithOption, error) {
	var opts []options.WithOption
	if e.IntraOpThreads != 0 {
		opts = append(opts, options.WithIntraOpNumThreads(e.IntraOpThreads))
	}
	if e.InterOpThreads != 0 {
		opts = append(opts, options.WithInterOpNumThreads(e.InterOpThreads))
	}
	if e.Mode != "" {
		mode, err := options.ParseExecutionMode(e.Mode)
		if err != nil {
			return nil, err
		}
		opts = append(opts, options.WithExecutionMode(mode == options.ExecutionModeParallel))
	}
	if e.OptimizationLevel != "" {
		level, err := options.ParseGraphOptimizationLevel(e.OptimizationLevel)
		if err != nil {
			return nil, err
		}
		opts = append(opts, options.WithGraphOptimizationLevel(level))
	}
	return opts, nil
}

func (m Monitor) options() ([]options.WithOption, error) {
	var monitorOpts []monitor.Option
	var opts []options.WithOption
	if m.Threshold != 0 {
		monitorOpts = append(monitorOpts, monitor.WithThreshold(m.Threshold))
	}
	durations := []struct {
		name  string
		value string
		apply func(time.Duration)
	}{
		{"cooldown", m.Cooldown, func(d time.Duration) { monitorOpts = append(monitorOpts, monitor.WithCooldown(d)) }},
		{"cpu_window", m.CPUWindow, func(d time.Duration) { monitorOpts = append(monitorOpts, monitor.WithCPUWindow(d)) }},
		{"interval", m.Interval, func(d time.Duration) { opts = append(opts, options.WithMonitorInterval(d)) }},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("monitor %s: %w", d.name, err)
		}
		d.apply(parsed)
	}
	if len(monitorOpts) > 0 {
		opts = append(opts, options.WithMonitorOptions(monitorOpts...))
	}
	return opts, nil
}
