package backends

import (
	"context"
	"slices"

	"gorgonia.org/tensor"

	"github.com/knights-analytics/medinfer/backends/executor"
	"github.com/knights-analytics/medinfer/onnx"
	"github.com/knights-analytics/medinfer/ops"
	"github.com/knights-analytics/medinfer/options"
)

// nativeEngine runs artifacts on the built-in graph executor.
type nativeEngine struct {
	exec *executor.Executor
}

func newNativeEngine(artifact *onnx.Artifact, cfg options.ExecutionConfig) (engine, error) {
	exec, err := executor.New(artifact.Model, cfg)
	if err != nil {
		return nil, err
	}
	return &nativeEngine{exec: exec}, nil
}

func (e *nativeEngine) run(ctx context.Context, inputs []NamedTensor) ([]*tensor.Dense, error) {
	values := make(map[string]*ops.Tensor, len(inputs))
	for _, in := range inputs {
		data, err := float32Data(in.Value)
		if err != nil {
			return nil, err
		}
		t, err := ops.NewFloat(in.Value.Shape(), data)
		if err != nil {
			return nil, err
		}
		values[in.Name] = t
	}
	outputs, err := e.exec.Run(ctx, values)
	if err != nil {
		return nil, err
	}
	dense := make([]*tensor.Dense, len(outputs))
	for i, o := range outputs {
		dense[i] = toDense(o)
	}
	return dense, nil
}

func (e *nativeEngine) destroy() error {
	return nil
}

// toDense copies an ops tensor into a gorgonia tensor so callers never alias graph constants.
func toDense(t *ops.Tensor) *tensor.Dense {
	shape := slices.Clone(t.Shape)
	switch t.DType {
	case ops.Int8:
		return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(slices.Clone(t.Int8)))
	case ops.Int64:
		return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(slices.Clone(t.Int64)))
	default:
		return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(slices.Clone(t.Float)))
	}
}
