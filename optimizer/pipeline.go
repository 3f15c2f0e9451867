package optimizer

import (
	"github.com/knights-analytics/medinfer/nn"
	"github.com/knights-analytics/medinfer/onnx"
	"github.com/knights-analytics/medinfer/ops"
	"github.com/knights-analytics/medinfer/util/fileutil"
)

// Result holds both artifacts produced by OptimizeModel.
type Result struct {
	Exported  *onnx.Artifact
	Optimized *onnx.Artifact
}

// OptimizeModel quantizes model, exports it to <dir>/<name>.onnx and post-optimizes it into
// <dir>/<name>_optimized.onnx.
func OptimizeModel(model *nn.Sequential, sampleInput *ops.Tensor, dir, name string, opts ...Option) (*Result, error) {
	quantized, err := Quantize(model, opts...)
	if err != nil {
		return nil, err
	}
	exported, err := Export(quantized, sampleInput, fileutil.PathJoinSafe(dir, name+".onnx"), opts...)
	if err != nil {
		return nil, err
	}
	// always written next to the exported artifact
	optimized, err := PostOptimize(exported.Path, append(opts, WithDestination(""))...)
	if err != nil {
		return nil, err
	}
	return &Result{Exported: exported, Optimized: optimized}, nil
}
