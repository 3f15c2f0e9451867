package backends

import (
	"context"
	"fmt"

	"github.com/advancedclimatesystems/gonnx"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/medinfer/onnx"
	"github.com/knights-analytics/medinfer/optimizer"
	"github.com/knights-analytics/medinfer/options"
)

// gonnxEngine runs artifacts with github.com/advancedclimatesystems/gonnx. gonnx evaluates nodes one
// by one on the calling goroutine, so only the optimization level of the configuration applies.
type gonnxEngine struct {
	model       *gonnx.Model
	outputNames []string
}

func newGonnxEngine(artifact *onnx.Artifact, cfg options.ExecutionConfig) (engine, error) {
	m := artifact.Model
	if cfg.OptimizationLevel > options.GraphOptimizationLevelDisableAll {
		clone, err := m.Clone()
		if err != nil {
			return nil, err
		}
		if err = optimizer.SimplifyGraph(clone.Graph, cfg.OptimizationLevel >= options.GraphOptimizationLevelEnableExtended); err != nil {
			return nil, err
		}
		m = clone
	}
	model, err := gonnx.NewModel(m.Proto())
	if err != nil {
		return nil, err
	}
	return &gonnxEngine{model: model, outputNames: artifact.OutputNames}, nil
}

func (e *gonnxEngine) run(_ context.Context, inputs []NamedTensor) ([]*tensor.Dense, error) {
	inputMap := map[string]tensor.Tensor{}
	for _, in := range inputs {
		data, err := float32Data(in.Value)
		if err != nil {
			return nil, err
		}
		inputMap[in.Name] = tensor.New(
			tensor.Of(tensor.Float32),
			tensor.WithShape(in.Value.Shape().Clone()...),
			tensor.WithBacking(data),
		)
	}
	results, err := e.model.Run(inputMap)
	if err != nil {
		return nil, err
	}
	outputs := make([]*tensor.Dense, len(e.outputNames))
	for i, name := range e.outputNames {
		t, ok := results[name]
		if !ok {
			return nil, fmt.Errorf("gonnx produced no output %s", name)
		}
		dense, ok := t.(*tensor.Dense)
		if !ok {
			return nil, fmt.Errorf("gonnx output %s has unexpected type %T", name, t)
		}
		outputs[i] = dense
	}
	return outputs, nil
}

func (e *gonnxEngine) destroy() error {
	return nil
}
