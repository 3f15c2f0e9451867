package medinfer

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/medinfer/monitor"
	"github.com/knights-analytics/medinfer/nn"
	"github.com/knights-analytics/medinfer/ops"
	"github.com/knights-analytics/medinfer/optimizer"
	"github.com/knights-analytics/medinfer/options"
	"github.com/knights-analytics/medinfer/pipelines"
)

func checkT(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("Test failed with error %s", err.Error())
	}
}

type steadySource struct{}

func (steadySource) Memory() (monitor.MemoryStats, error) {
	return monitor.MemoryStats{Total: 8 << 30, Used: 2 << 30, Available: 6 << 30}, nil
}

func (steadySource) CPU() (monitor.CPUTimes, error) {
	return monitor.CPUTimes{Busy: 10, Total: 100}, nil
}

type transitions struct {
	mu   sync.Mutex
	seen map[string][]State
}

func (tr *transitions) observe(task string, from, to State) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.seen[task]) == 0 {
		tr.seen[task] = append(tr.seen[task], from)
	}
	tr.seen[task] = append(tr.seen[task], to)
}

func (tr *transitions) of(task string) []State {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]State(nil), tr.seen[task]...)
}

func writeImage(t *testing.T, dir string) string {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 12, 10))
	for y := range 10 {
		for x := range 12 {
			v := uint8(20 + 3*x)
			if x >= 4 && x < 9 && y >= 3 && y < 8 {
				v = 220
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	path := filepath.Join(dir, "chest.png")
	f, err := os.Create(path)
	checkT(t, err)
	checkT(t, png.Encode(f, img))
	checkT(t, f.Close())
	return path
}

func newProcessor(t *testing.T, modelsDir string, opts ...options.WithOption) *Processor {
	t.Helper()
	base := []options.WithOption{
		options.WithModelsDir(modelsDir),
		options.WithTargetShape(4, 8, 8),
		options.WithIntraOpNumThreads(1),
		options.WithMonitorOptions(monitor.WithSource(steadySource{})),
		options.WithMonitorInterval(time.Hour),
	}
	p, err := NewProcessor(append(base, opts...)...)
	checkT(t, err)
	t.Cleanup(func() { checkT(t, p.Destroy()) })
	return p
}

func TestSegmentWithoutArtifactFallsBack(t *testing.T) {
	dir := t.TempDir()
	tr := &transitions{seen: map[string][]State{}}
	p := newProcessor(t, filepath.Join(dir, "models"), options.WithStateObserver(tr.observe))

	result, err := p.Segment(context.Background(), writeImage(t, dir))
	checkT(t, err)
	require.NotNil(t, result.Mask)
	assert.Equal(t, [3]int{4, 8, 8}, result.Shape)
	assert.True(t, result.Fallback)
	assert.Equal(t, pipelines.PredictorOtsu, result.Predictor)
	assert.Positive(t, result.Voxels)
	assert.Less(t, result.Voxels, 4*8*8)
	assert.Equal(t, []State{StateIdle, StatePreprocessing, StateFallbackInferring, StateComplete}, tr.of(TaskSegmentation))
}

func TestClassifyWithoutArtifactReportsPriors(t *testing.T) {
	dir := t.TempDir()
	p := newProcessor(t, dir)
	result, err := p.Classify(context.Background(), writeImage(t, dir))
	checkT(t, err)
	assert.True(t, result.Fallback)
	assert.Equal(t, pipelines.PredictorPriors, result.Predictor)
	assert.Equal(t, pipelines.DefaultClassLabels, result.Labels)
	require.Len(t, result.Confidences, 14)
	for _, v := range result.Confidences {
		assert.InDelta(t, 1.0/14, v, 1e-6)
	}

	p = newProcessor(t, dir,
		options.WithClassLabels([]string{"Effusion", "Mass"}),
		options.WithFallbackPriors(map[string]float32{"Mass": 0.3}),
	)
	result, err = p.Classify(context.Background(), writeImage(t, dir))
	checkT(t, err)
	assert.Equal(t, map[string]float32{"Effusion": 0.5, "Mass": 0.3}, result.Confidences)
}

func TestCorruptImageFailsOnlyItsRequest(t *testing.T) {
	dir := t.TempDir()
	p := newProcessor(t, dir)
	corrupt := filepath.Join(dir, "corrupt.png")
	checkT(t, os.WriteFile(corrupt, []byte("not an image"), 0o600))
	valid := writeImage(t, dir)

	var wg sync.WaitGroup
	var classifyErr, segmentErr error
	var segmented *SegmentationResult
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, classifyErr = p.Classify(context.Background(), corrupt)
	}()
	go func() {
		defer wg.Done()
		segmented, segmentErr = p.Segment(context.Background(), valid)
	}()
	wg.Wait()

	assert.ErrorIs(t, classifyErr, ErrUnreadableImage)
	checkT(t, segmentErr)
	assert.Equal(t, [3]int{4, 8, 8}, segmented.Shape)
}

func TestSegmentWithArtifact(t *testing.T) {
	dir := t.TempDir()
	rng := nn.NewRand(5)
	model, err := nn.NewSequential("lung",
		nn.RandomConv("conv", 1, 1, []int{3, 3, 3}, rng),
		nn.NewSigmoid("sigmoid"),
	)
	checkT(t, err)
	_, err = optimizer.Export(model, ops.Zeros(1, 1, 4, 8, 8), filepath.Join(dir, TaskSegmentation+".onnx"))
	checkT(t, err)

	tr := &transitions{seen: map[string][]State{}}
	p := newProcessor(t, dir, options.WithStateObserver(tr.observe))
	result, err := p.Segment(context.Background(), writeImage(t, dir))
	checkT(t, err)
	assert.False(t, result.Fallback)
	assert.Equal(t, pipelines.PredictorSession, result.Predictor)
	assert.Equal(t, [3]int{4, 8, 8}, result.Shape)
	assert.Equal(t, []State{StateIdle, StatePreprocessing, StateInferring, StatePostprocessing, StateComplete}, tr.of(TaskSegmentation))
}

func TestClassifyWithTrainedModel(t *testing.T) {
	dir := t.TempDir()
	rng := nn.NewRand(6)
	model, err := nn.NewSequential("chest",
		nn.NewFlatten("flatten"),
		nn.RandomDense("head", 4*8*8, 14, rng),
	)
	checkT(t, err)
	p := newProcessor(t, dir, options.WithTrainedModel(TaskClassification, model))
	result, err := p.Classify(context.Background(), writeImage(t, dir))
	checkT(t, err)
	assert.False(t, result.Fallback)
	assert.Equal(t, pipelines.PredictorTrained, result.Predictor)
	require.Len(t, result.Confidences, 14)
	for label, v := range result.Confidences {
		assert.True(t, v >= 0 && v <= 1, "%s: %v", label, v)
	}
}

func TestCancelledRequest(t *testing.T) {
	dir := t.TempDir()
	tr := &transitions{seen: map[string][]State{}}
	p := newProcessor(t, dir, options.WithStateObserver(tr.observe))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Segment(ctx, writeImage(t, dir))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []State{StateIdle, StateFailed}, tr.of(TaskSegmentation))
}

func TestInvalidExecutionConfig(t *testing.T) {
	_, err := NewProcessor(
		options.WithModelsDir(t.TempDir()),
		options.WithIntraOpNumThreads(runtime.NumCPU()+1),
		options.WithMonitorOptions(monitor.WithSource(steadySource{})),
	)
	assert.ErrorIs(t, err, options.ErrInvalidExecutionConfig)
}

func TestStats(t *testing.T) {
	p := newProcessor(t, t.TempDir())
	stats := p.Stats()
	assert.InDelta(t, 25, stats.MemoryPercent, 1e-9)
	assert.InDelta(t, 2, stats.MemoryUsedGB, 1e-9)
	assert.False(t, stats.Degraded)
}
