//go:build ORT || ALL

package backends

import (
	"context"
	"errors"
	"fmt"
	"slices"

	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/medinfer/onnx"
	"github.com/knights-analytics/medinfer/optimizer"
	"github.com/knights-analytics/medinfer/options"
	"github.com/knights-analytics/medinfer/util/fileutil"
)

// initialiseORT starts the onnxruntime environment shared by every ORT session of the process.
func initialiseORT(o *options.Options) (func() error, error) {
	if ort.IsInitialized() {
		return func() error { return nil }, nil
	}
	ortOptions := o.ORTOptions
	if ortOptions.LibraryPath != nil {
		exists, err := fileutil.FileExists(*ortOptions.LibraryPath)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("cannot find the ort library at: %s", *ortOptions.LibraryPath)
		}
		ort.SetSharedLibraryPath(*ortOptions.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, err
	}
	var err error
	if ortOptions.Telemetry != nil && *ortOptions.Telemetry {
		err = ort.EnableTelemetry()
	} else {
		err = ort.DisableTelemetry()
	}
	if err != nil {
		return nil, errors.Join(err, ort.DestroyEnvironment())
	}
	return ort.DestroyEnvironment, nil
}

type ortEngine struct {
	session        *ort.DynamicAdvancedSession
	sessionOptions *ort.SessionOptions
	outputCount    int
}

// newORTEngine maps the execution configuration onto onnxruntime session options. Graph rewrites of
// the optimization level are applied before the bytes are handed to onnxruntime.
func newORTEngine(artifact *onnx.Artifact, cfg options.ExecutionConfig, o *options.Options) (engine, error) {
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

	sessionOptions, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	configure := []func() error{
		func() error { return sessionOptions.SetIntraOpNumThreads(cfg.IntraOpThreads) },
		func() error { return sessionOptions.SetInterOpNumThreads(cfg.InterOpThreads) },
	}
	if o.ORTOptions.CPUMemArena != nil {
		configure = append(configure, func() error { return sessionOptions.SetCpuMemArena(*o.ORTOptions.CPUMemArena) })
	}
	if o.ORTOptions.MemPattern != nil {
		configure = append(configure, func() error { return sessionOptions.SetMemPattern(*o.ORTOptions.MemPattern) })
	}
	for _, set := range configure {
		if err = set(); err != nil {
			return nil, errors.Join(err, sessionOptions.Destroy())
		}
	}

	data, err := m.Marshal()
	if err != nil {
		return nil, errors.Join(err, sessionOptions.Destroy())
	}
	session, err := ort.NewDynamicAdvancedSessionWithONNXData(data, artifact.InputNames, artifact.OutputNames, sessionOptions)
	if err != nil {
		return nil, errors.Join(err, sessionOptions.Destroy())
	}
	return &ortEngine{session: session, sessionOptions: sessionOptions, outputCount: len(artifact.OutputNames)}, nil
}

func (e *ortEngine) run(_ context.Context, inputs []NamedTensor) ([]*tensor.Dense, error) {
	inputValues := make([]ort.Value, len(inputs))
	destroyInputs := func() error {
		var destroyErr error
		for _, v := range inputValues {
			if v != nil {
				destroyErr = errors.Join(destroyErr, v.Destroy())
			}
		}
		return destroyErr
	}
	for i, in := range inputs {
		data, err := float32Data(in.Value)
		if err != nil {
			return nil, errors.Join(err, destroyInputs())
		}
		shape := make([]int64, in.Value.Dims())
		for j, d := range in.Value.Shape() {
			shape[j] = int64(d)
		}
		t, err := ort.NewTensor(ort.NewShape(shape...), data)
		if err != nil {
			return nil, errors.Join(err, destroyInputs())
		}
		inputValues[i] = t
	}

	outputValues := make([]ort.Value, e.outputCount)
	if err := e.session.Run(inputValues, outputValues); err != nil {
		return nil, errors.Join(err, destroyInputs())
	}
	outputs := make([]*tensor.Dense, len(outputValues))
	var err error
	for i, v := range outputValues {
		switch t := v.(type) {
		case *ort.Tensor[float32]:
			shape := make([]int, len(t.GetShape()))
			for j, d := range t.GetShape() {
				shape[j] = int(d)
			}
			outputs[i] = tensor.New(tensor.WithShape(shape...), tensor.WithBacking(slices.Clone(t.GetData())))
		default:
			err = errors.Join(err, fmt.Errorf("output %d has unsupported type %T", i, v))
		}
		if v != nil {
			err = errors.Join(err, v.Destroy())
		}
	}
	err = errors.Join(err, destroyInputs())
	if err != nil {
		return nil, err
	}
	return outputs, nil
}

func (e *ortEngine) destroy() error {
	return errors.Join(e.session.Destroy(), e.sessionOptions.Destroy())
}
