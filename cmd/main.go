package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/knights-analytics/medinfer"
	"github.com/knights-analytics/medinfer/config"
	"github.com/knights-analytics/medinfer/nn"
	"github.com/knights-analytics/medinfer/ops"
	"github.com/knights-analytics/medinfer/optimizer"
	"github.com/knights-analytics/medinfer/options"
	"github.com/knights-analytics/medinfer/util/fileutil"
)

var (
	stdout io.Writer = os.Stdout
	stdin  io.Reader = os.Stdin
	json             = jsoniter.ConfigCompatibleWithStandardLibrary
)

var globalFlags = []cli.Flag{
	&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "Path to a .yaml, .json or .toml config file"},
	&cli.StringFlag{Name: "models-dir", Aliases: []string{"m"}, Usage: "Directory holding <task>.onnx artifacts"},
	&cli.StringFlag{Name: "backend", Usage: "Inference backend: GO, GONNX or ORT"},
	&cli.StringFlag{Name: "log-level", Value: "info", Usage: "zerolog level"},
}

var optimizeCommand = &cli.Command{
	Name:  "optimize",
	Usage: "Quantize a checkpoint, export it and post optimize the artifact",
	Description: `Optimize reads a YAML checkpoint, quantizes its dense and convolution weights, exports
				<models-dir>/<task>.onnx and writes the post optimized <task>_optimized.onnx next to it.`,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "checkpoint", Aliases: []string{"k"}, Usage: "Path to the YAML checkpoint", Required: true},
		&cli.StringFlag{Name: "sample-shape", Usage: "Comma separated sample input shape, e.g. 1,1,128,256,256", Required: true},
		&cli.StringFlag{Name: "task", Aliases: []string{"t"}, Usage: "Task name, defaults to the checkpoint task"},
		&cli.BoolFlag{Name: "per-tensor", Usage: "Use one quantization scale per tensor instead of per output channel"},
	},
	Action: func(c *cli.Context) error {
		logger := newLogger(c.String("log-level"))
		checkpoint, err := nn.LoadCheckpoint(c.String("checkpoint"))
		if err != nil {
			return err
		}
		shape, err := parseShape(c.String("sample-shape"))
		if err != nil {
			return err
		}
		task := c.String("task")
		if task == "" {
			task = checkpoint.Task
		}
		if task == "" {
			return errors.New("no task given and the checkpoint names none")
		}
		_, o, err := loadOptions(c, logger)
		if err != nil {
			return err
		}
		if err = fileutil.CreateDirectory(o.ModelsDir); err != nil {
			return fmt.Errorf("creating models directory: %w", err)
		}

		opts := []optimizer.Option{optimizer.WithTask(task), optimizer.WithLogger(logger)}
		if len(checkpoint.Labels) > 0 {
			opts = append(opts, optimizer.WithClassLabels(checkpoint.Labels))
		}
		if c.Bool("per-tensor") {
			opts = append(opts, optimizer.WithPerTensor())
		}
		result, err := optimizer.OptimizeModel(checkpoint.Model, ops.Zeros(shape...), o.ModelsDir, task, opts...)
		if err != nil {
			return err
		}
		return writeJSON(map[string]any{
			"task":      task,
			"exported":  artifactSummary(result.Exported.Path, result.Exported.Size, result.Exported.Fingerprint),
			"optimized": artifactSummary(result.Optimized.Path, result.Optimized.Size, result.Optimized.Fingerprint),
		})
	},
}

var imageFlag = &cli.StringSliceFlag{
	Name:    "image",
	Aliases: []string{"i"},
	Usage:   "Image to process, repeatable. If omitted, one path per line is read from stdin.",
}

var segmentCommand = &cli.Command{
	Name:  "segment",
	Usage: "Segment the lungs in one or more images",
	Flags: []cli.Flag{imageFlag},
	Action: func(c *cli.Context) error {
		return processImages(c, func(ctx context.Context, p *medinfer.Processor, path string) (any, error) {
			return p.Segment(ctx, path)
		})
	},
}

var classifyCommand = &cli.Command{
	Name:  "classify",
	Usage: "Report finding confidences for one or more chest images",
	Flags: []cli.Flag{imageFlag},
	Action: func(c *cli.Context) error {
		return processImages(c, func(ctx context.Context, p *medinfer.Processor, path string) (any, error) {
			return p.Classify(ctx, path)
		})
	},
}

var monitorCommand = &cli.Command{
	Name:  "monitor",
	Usage: "Print resource snapshots",
	Flags: []cli.Flag{
		&cli.DurationFlag{Name: "interval", Value: time.Second, Usage: "Time between snapshots"},
		&cli.IntFlag{Name: "count", Value: 1, Usage: "Number of snapshots, 0 runs until interrupted"},
	},
	Action: func(c *cli.Context) (err error) {
		interval := c.Duration("interval")
		if interval <= 0 {
			return fmt.Errorf("--interval must be positive, got %s", interval)
		}
		if c.Int("count") < 0 {
			return fmt.Errorf("--count must not be negative, got %d", c.Int("count"))
		}
		logger := newLogger(c.String("log-level"))
		opts, _, err := loadOptions(c, logger)
		if err != nil {
			return err
		}
		p, err := medinfer.NewProcessor(opts...)
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, p.Destroy())
		}()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for i := 0; c.Int("count") == 0 || i < c.Int("count"); i++ {
			if i > 0 {
				select {
				case <-c.Context.Done():
					return nil
				case <-ticker.C:
				}
			}
			if err = writeJSON(p.Stats()); err != nil {
				return err
			}
		}
		return err
	},
}

type result struct {
	Image  string `json:"image"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func processImages(c *cli.Context, run func(context.Context, *medinfer.Processor, string) (any, error)) (err error) {
	logger := newLogger(c.String("log-level"))
	paths := c.StringSlice("image")
	if len(paths) == 0 {
		if f, ok := stdin.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
			return errors.New("no --image given and nothing piped on stdin")
		}
		if paths, err = readPaths(stdin); err != nil {
			return err
		}
	}
	opts, o, err := loadOptions(c, logger)
	if err != nil {
		return err
	}
	p, err := medinfer.NewProcessor(opts...)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, p.Destroy())
	}()

	// requests run concurrently; results are written in input order
	results := make([]result, len(paths))
	failures := make([]error, len(paths))
	g, ctx := errgroup.WithContext(c.Context)
	g.SetLimit(max(o.Execution.IntraOpThreads, 1))
	for i, path := range paths {
		g.Go(func() error {
			out, runErr := run(ctx, p, path)
			results[i] = result{Image: path, Result: out}
			if runErr != nil {
				results[i] = result{Image: path, Error: runErr.Error()}
				failures[i] = fmt.Errorf("%s: %w", path, runErr)
			}
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return err
	}
	for _, r := range results {
		if err = writeJSON(r); err != nil {
			return err
		}
	}
	return errors.Join(failures...)
}

// loadOptions merges the config file with the command line flags, which take precedence. It returns the
// option functions together with the options they produce.
func loadOptions(c *cli.Context, logger zerolog.Logger) ([]options.WithOption, *options.Options, error) {
	var cfg config.Config
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, nil, err
		}
		if cfg.LogLevel != "" && !c.IsSet("log-level") {
			logger = newLogger(cfg.LogLevel)
		}
	}
	// flags replace the file values before the options are built, so the backend that the ORT-only
	// options check is the final one
	if backend := c.String("backend"); backend != "" {
		cfg.Backend = backend
	}
	if dir := c.String("models-dir"); dir != "" {
		cfg.ModelsDir = dir
	}
	opts, err := cfg.Options()
	if err != nil {
		return nil, nil, err
	}
	opts = append(opts, options.WithLogger(logger))
	o, err := options.Apply(opts...)
	return opts, o, err
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	var w io.Writer = os.Stderr
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

func parseShape(s string) ([]int, error) {
	var shape []int
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid dimension %q in shape %q", part, s)
		}
		shape = append(shape, n)
	}
	if len(shape) != 4 && len(shape) != 5 {
		return nil, fmt.Errorf("sample shape %q must have 4 or 5 dimensions", s)
	}
	return shape, nil
}

func readPaths(r io.Reader) ([]string, error) {
	var paths []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			paths = append(paths, line)
		}
	}
	return paths, scanner.Err()
}

func artifactSummary(path string, size int, fingerprint uint64) map[string]any {
	return map[string]any{"path": path, "bytes": size, "fingerprint": strconv.FormatUint(fingerprint, 16)}
}

func writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, string(b))
	return err
}

func newApp() *cli.App {
	return &cli.App{
		Name:     "medinfer",
		Usage:    "CPU inference for lung segmentation and chest classification",
		Flags:    globalFlags,
		Commands: []*cli.Command{optimizeCommand, segmentCommand, classifyCommand, monitorCommand},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
