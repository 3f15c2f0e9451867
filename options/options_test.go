package options

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/medinfer/nn"
)

func TestApplyDefaults(t *testing.T) {
	o, err := Apply()
	require.NoError(t, err)
	assert.Equal(t, BackendGo, o.Backend)
	assert.Equal(t, "models/onnx", o.ModelsDir)
	assert.Equal(t, [3]int{128, 256, 256}, o.TargetShape)
	assert.Equal(t, 5*time.Second, o.MonitorInterval)
	assert.Equal(t, 1, o.Execution.InterOpThreads)
	assert.Equal(t, ExecutionModeSequential, o.Execution.Mode)
	assert.Equal(t, GraphOptimizationLevelEnableAll, o.Execution.OptimizationLevel)
	assert.NoError(t, o.Destroy())
}

func TestApplyCollectsErrors(t *testing.T) {
	_, err := Apply(
		WithTargetShape(0, 1, 1),
		WithClassLabels(nil),
		WithFallbackPriors(map[string]float32{"Mass": 2}),
		WithMonitorInterval(0),
		WithTrainedModel("lung_segmentation", nil),
	)
	require.Error(t, err)
	for _, part := range []string{"target shape", "class labels", "prior for Mass", "monitor interval", "nil model"} {
		assert.Contains(t, err.Error(), part)
	}
}

func TestORTOnlyOptions(t *testing.T) {
	_, err := Apply(WithTelemetry())
	assert.Error(t, err)
	_, err = Apply(WithCPUMemArena(false))
	assert.Error(t, err)
	_, err = Apply(WithMemPattern(false))
	assert.Error(t, err)

	o, err := Apply(WithBackend("ort"), WithCPUMemArena(false), WithMemPattern(true), WithTelemetry())
	require.NoError(t, err)
	assert.Equal(t, BackendORT, o.Backend)
	assert.False(t, *o.ORTOptions.CPUMemArena)
	assert.True(t, *o.ORTOptions.MemPattern)
	assert.True(t, *o.ORTOptions.Telemetry)

	_, err = Apply(WithBackend("ort"), WithOnnxLibraryPath(t.TempDir()))
	assert.Error(t, err)
}

func TestExecutionOptions(t *testing.T) {
	model, err := nn.NewSequential("m", nn.NewReLU("relu"))
	require.NoError(t, err)
	o, err := Apply(
		WithIntraOpNumThreads(2),
		WithInterOpNumThreads(3),
		WithExecutionMode(true),
		WithGraphOptimizationLevel(GraphOptimizationLevelEnableExtended),
		WithTrainedModel("chest_classification", model),
	)
	require.NoError(t, err)
	assert.Equal(t, ExecutionConfig{
		IntraOpThreads:    2,
		InterOpThreads:    3,
		Mode:              ExecutionModeParallel,
		OptimizationLevel: GraphOptimizationLevelEnableExtended,
	}, o.Execution)
	assert.Same(t, model, o.TrainedModels["chest_classification"])

	_, err = Apply(WithGraphOptimizationLevel(GraphOptimizationLevel(7)))
	assert.Error(t, err)
}

func TestExecutionConfigValidate(t *testing.T) {
	cfg := ExecutionConfig{IntraOpThreads: 2, InterOpThreads: 2, OptimizationLevel: GraphOptimizationLevelEnableBasic}
	assert.NoError(t, cfg.Validate(4))
	assert.ErrorIs(t, cfg.Validate(3), ErrInvalidExecutionConfig)
	assert.Equal(t, int64(4), cfg.Weight())

	cfg.InterOpThreads = 0
	assert.ErrorIs(t, cfg.Validate(4), ErrInvalidExecutionConfig)

	cfg = ExecutionConfig{IntraOpThreads: 1, InterOpThreads: 1, Mode: ExecutionMode(5)}
	assert.ErrorIs(t, cfg.Validate(4), ErrInvalidExecutionConfig)
	cfg = ExecutionConfig{IntraOpThreads: 1, InterOpThreads: 1, OptimizationLevel: GraphOptimizationLevel(3)}
	assert.ErrorIs(t, cfg.Validate(4), ErrInvalidExecutionConfig)

	clamped := ExecutionConfig{IntraOpThreads: 8, InterOpThreads: 4}.Clamp(6)
	assert.Equal(t, 6, clamped.IntraOpThreads)
	assert.Equal(t, 1, clamped.InterOpThreads)
	clamped = ExecutionConfig{IntraOpThreads: 2, InterOpThreads: 4}.Clamp(6)
	assert.Equal(t, 3, clamped.InterOpThreads)
}

func TestParsers(t *testing.T) {
	mode, err := ParseExecutionMode("Parallel")
	require.NoError(t, err)
	assert.Equal(t, ExecutionModeParallel, mode)
	_, err = ParseExecutionMode("eager")
	assert.Error(t, err)

	level, err := ParseGraphOptimizationLevel("extended")
	require.NoError(t, err)
	assert.Equal(t, GraphOptimizationLevelEnableExtended, level)
	level, err = ParseGraphOptimizationLevel("")
	require.NoError(t, err)
	assert.Equal(t, GraphOptimizationLevelEnableAll, level)
	assert.Equal(t, "disabled", GraphOptimizationLevelDisableAll.String())
	_, err = ParseGraphOptimizationLevel("max")
	assert.Error(t, err)
}

func TestRequestState(t *testing.T) {
	assert.Equal(t, "fallback_inferring", StateFallbackInferring.String())
	assert.Equal(t, "unknown", RequestState(42).String())
	assert.True(t, StateComplete.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateInferring.Terminal())
}
