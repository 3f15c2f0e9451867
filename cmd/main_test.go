package main

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/knights-analytics/medinfer/options"
)

func checkT(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("Test failed with error %s", err.Error())
	}
}

const checkpointYAML = `name: lung
task: lung_segmentation
seed: 3
layers:
  - kind: conv3d
    in: 1
    out: 1
    kernel: [3, 3, 3]
  - kind: sigmoid
`

const configYAML = `target_shape: [4, 8, 8]
execution:
  intra_op_threads: 1
  inter_op_threads: 1
monitor:
  interval: 1h
`

func writeImage(t *testing.T, path string) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 10, 10))
	for y := range 10 {
		for x := range 10 {
			img.SetGray(x, y, color.Gray{Y: uint8(10*x + 5*y)})
		}
	}
	f, err := os.Create(path)
	checkT(t, err)
	checkT(t, png.Encode(f, img))
	checkT(t, f.Close())
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	stdout = &out
	t.Cleanup(func() { stdout = os.Stdout })
	err := newApp().Run(append([]string{"medinfer"}, args...))
	return out.String(), err
}

func TestOptimizeThenSegment(t *testing.T) {
	dir := t.TempDir()
	models := filepath.Join(dir, "models", "onnx")
	checkpoint := filepath.Join(dir, "lung.yaml")
	checkT(t, os.WriteFile(checkpoint, []byte(checkpointYAML), 0o644))
	cfg := filepath.Join(dir, "medinfer.yaml")
	checkT(t, os.WriteFile(cfg, []byte(configYAML), 0o644))
	img := filepath.Join(dir, "chest.png")
	writeImage(t, img)

	out, err := run(t, "--models-dir", models, "--log-level", "error", "optimize", "--checkpoint", checkpoint, "--sample-shape", "1,1,4,8,8")
	checkT(t, err)
	assert.Contains(t, out, `"task":"lung_segmentation"`)
	assert.FileExists(t, filepath.Join(models, "lung_segmentation.onnx"))
	assert.FileExists(t, filepath.Join(models, "lung_segmentation_optimized.onnx"))

	out, err = run(t, "--config", cfg, "--models-dir", models, "--log-level", "error", "segment", "--image", img)
	checkT(t, err)
	var decoded result
	checkT(t, json.UnmarshalFromString(strings.TrimSpace(out), &decoded))
	assert.Equal(t, img, decoded.Image)
	assert.Empty(t, decoded.Error)
	segmentation, ok := decoded.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "optimized_session", segmentation["predictor"])
	assert.Equal(t, false, segmentation["fallback"])
	assert.Equal(t, []any{4.0, 8.0, 8.0}, segmentation["shape"])
}

func TestClassifyReportsUnreadableImages(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "medinfer.toml")
	checkT(t, os.WriteFile(cfg, []byte("target_shape = [2, 4, 4]\n[execution]\nintra_op_threads = 1\n"), 0o644))
	corrupt := filepath.Join(dir, "corrupt.png")
	checkT(t, os.WriteFile(corrupt, []byte("garbage"), 0o644))
	valid := filepath.Join(dir, "valid.png")
	writeImage(t, valid)

	out, err := run(t, "--config", cfg, "--models-dir", dir, "--log-level", "error", "classify", "-i", valid, "-i", corrupt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt.png")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"prior_fallback"`)
	assert.Contains(t, lines[1], `"error"`)
}

func TestBackendFlagOverridesConfig(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "medinfer.yaml")
	checkT(t, os.WriteFile(cfg, []byte("backend: GONNX\nmodels_dir: /srv/models\n"), 0o644))

	resolve := func(args ...string) *options.Options {
		t.Helper()
		var resolved *options.Options
		app := &cli.App{
			Name:  "medinfer",
			Flags: globalFlags,
			Action: func(c *cli.Context) error {
				_, o, err := loadOptions(c, zerolog.Nop())
				resolved = o
				return err
			},
		}
		checkT(t, app.Run(append([]string{"medinfer"}, args...)))
		return resolved
	}

	o := resolve("--config", cfg)
	assert.Equal(t, options.BackendGonnx, o.Backend)
	assert.Equal(t, "/srv/models", o.ModelsDir)

	o = resolve("--config", cfg, "--backend", "go", "--models-dir", "local")
	assert.Equal(t, options.BackendGo, o.Backend)
	assert.Equal(t, "local", o.ModelsDir)
}

func TestMonitorRejectsNonPositiveInterval(t *testing.T) {
	for _, interval := range []string{"0s", "-1s"} {
		_, err := run(t, "monitor", "--interval", interval)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--interval must be positive")
	}
	_, err := run(t, "monitor", "--count", "-1")
	assert.Error(t, err)
}

func TestReadPathsFromStdin(t *testing.T) {
	paths, err := readPaths(strings.NewReader("a.png\n\n  b.png \n"))
	checkT(t, err)
	assert.Equal(t, []string{"a.png", "b.png"}, paths)
}

func TestParseShape(t *testing.T) {
	shape, err := parseShape("1, 1, 16,32,32")
	checkT(t, err)
	assert.Equal(t, []int{1, 1, 16, 32, 32}, shape)
	_, err = parseShape("1,x,2,2")
	assert.Error(t, err)
	_, err = parseShape("1,2")
	assert.Error(t, err)
	_, err = parseShape("1,0,2,2")
	assert.Error(t, err)
}
