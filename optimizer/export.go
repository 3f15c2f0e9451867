package optimizer

import (
	"errors"
	"fmt"
	"strconv"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/medinfer/nn"
	"github.com/knights-analytics/medinfer/onnx"
	"github.com/knights-analytics/medinfer/ops"
	"github.com/knights-analytics/medinfer/util/safeconv"
)

// Export traces model on sampleInput and publishes the resulting graph at destinationPath.
// The batch axis of the input and output is symbolic; every other dimension is fixed to the traced
// value. The file is written to a unique temporary name and renamed into place, so concurrent exports
// never observe each other's partial output.
func Export(model *nn.Sequential, sampleInput *ops.Tensor, destinationPath string, opts ...Option) (*onnx.Artifact, error) {
	s := apply(opts)
	if training := model.TrainingLayers(); len(training) > 0 {
		names := make([]string, len(training))
		for i, l := range training {
			names[i] = fmt.Sprintf("%s (%s)", l.Name(), l.Kind())
		}
		return nil, fmt.Errorf("%w: layers in training mode: %v", ErrEvaluationModeRequired, names)
	}
	if sampleInput == nil || sampleInput.Rank() < 2 {
		return nil, errors.New("export needs a sample input with a batch axis")
	}

	m, err := buildGraph(model, sampleInput, s)
	if err != nil {
		return nil, err
	}

	artifact, err := onnx.WriteArtifact(destinationPath, m)
	if err != nil {
		return nil, &ExportError{Path: destinationPath, Err: err}
	}
	s.logger.Info().
		Str("model", model.Name()).
		Str("path", destinationPath).
		Int("nodes", len(m.Graph.Nodes)).
		Int("bytes", artifact.Size).
		Msg("exported artifact")
	return artifact, nil
}

type graphBuilder struct {
	graph     *onnx.Graph
	quantized bool
}

func buildGraph(model *nn.Sequential, sample *ops.Tensor, s *settings) (*onnx.Model, error) {
	b := &graphBuilder{graph: &onnx.Graph{Name: model.Name()}}
	batchParam := map[int]string{0: BatchAxisName}
	b.graph.Inputs = []*onnx.ValueInfo{
		onnx.NewValueInfo(s.inputName, onnx.DataTypeFloat, safeconv.IntSliceToInt64Slice(sample.Shape), batchParam),
	}

	layers := model.Layers()
	current := s.inputName
	x := sample
	for i, l := range layers {
		y, err := l.Forward(x, nil)
		if err != nil {
			return nil, fmt.Errorf("tracing layer %s: %w", l.Name(), err)
		}
		out := l.Name() + "_output"
		if i == len(layers)-1 {
			out = s.outputName
		}
		if err = b.addLayer(l, current, out); err != nil {
			return nil, err
		}
		current, x = out, y
	}
	if len(layers) == 0 {
		b.graph.Nodes = append(b.graph.Nodes, &onnx.Node{Name: "identity", OpType: "Identity", Inputs: []string{s.inputName}, Outputs: []string{s.outputName}})
	}
	b.graph.Outputs = []*onnx.ValueInfo{
		onnx.NewValueInfo(s.outputName, onnx.DataTypeFloat, safeconv.IntSliceToInt64Slice(x.Shape), batchParam),
	}

	m := &onnx.Model{
		IRVersion:    onnx.IRVersion,
		ProducerName: "medinfer",
		OpsetImports: []onnx.OperatorSetID{{Version: Opset}},
		Graph:        b.graph,
	}
	if s.task != "" {
		m.SetMetadata(onnx.MetaTask, s.task)
	}
	if len(s.labels) > 0 {
		labels, err := jsoniter.MarshalToString(s.labels)
		if err != nil {
			return nil, err
		}
		m.SetMetadata(onnx.MetaClassLabels, labels)
	}
	m.SetMetadata(onnx.MetaQuantized, strconv.FormatBool(b.quantized))
	return m, nil
}

func (b *graphBuilder) node(name, op string, inputs []string, output string, attrs ...*onnx.Attribute) {
	b.graph.Nodes = append(b.graph.Nodes, &onnx.Node{
		Name:       name,
		OpType:     op,
		Inputs:     inputs,
		Outputs:    []string{output},
		Attributes: attrs,
	})
}

func (b *graphBuilder) initializer(name string, t *ops.Tensor) string {
	b.graph.Initializers = append(b.graph.Initializers, onnx.FromOps(name, t))
	return name
}

// weight emits the float initializer of a layer, or its int8 form followed by DequantizeLinear.
func (b *graphBuilder) weight(l nn.Weighted) string {
	name := l.Name() + ".weight"
	q := l.Quantized()
	if q == nil {
		return b.initializer(name, l.Weights())
	}
	b.quantized = true
	emitDequantize(b.graph, name, q, len(b.graph.Nodes))
	return name
}

// emitDequantize adds the int8 initializers of q and a DequantizeLinear node producing name, inserted
// at node index at.
func emitDequantize(g *onnx.Graph, name string, q *ops.QuantizedTensor, at int) {
	scale := q.ScaleTensor()
	zeroPoint := &ops.Tensor{Shape: []int{len(q.Scales)}, DType: ops.Int8, Int8: make([]int8, len(q.Scales))}
	if q.Axis == ops.PerTensor {
		scale.Shape, zeroPoint.Shape = []int{}, []int{}
	}
	g.Initializers = append(g.Initializers,
		onnx.FromOps(name+"_quantized", q.ValueTensor()),
		onnx.FromOps(name+"_scale", scale),
		onnx.FromOps(name+"_zero_point", zeroPoint),
	)
	dq := &onnx.Node{
		Name:       name + "_dequantize",
		OpType:     "DequantizeLinear",
		Inputs:     []string{name + "_quantized", name + "_scale", name + "_zero_point"},
		Outputs:    []string{name},
		Attributes: []*onnx.Attribute{onnx.IntAttr("axis", 0)},
	}
	g.Nodes = append(g.Nodes[:at], append([]*onnx.Node{dq}, g.Nodes[at:]...)...)
}

func (b *graphBuilder) addLayer(l nn.Layer, in, out string) error {
	switch layer := l.(type) {
	case *nn.Dense:
		inputs := []string{in, b.weight(layer)}
		if layer.Bias() != nil {
			inputs = append(inputs, b.initializer(l.Name()+".bias", layer.Bias()))
		}
		b.node(l.Name(), "Gemm", inputs, out, onnx.IntAttr("transB", 1))
	case *nn.Conv:
		inputs := []string{in, b.weight(layer)}
		if layer.Bias() != nil {
			inputs = append(inputs, b.initializer(l.Name()+".bias", layer.Bias()))
		}
		kernel := layer.Weights().Shape[2:]
		b.node(l.Name(), "Conv", inputs, out,
			onnx.IntsAttr("kernel_shape", safeconv.IntSliceToInt64Slice(kernel)),
			onnx.IntsAttr("pads", safeconv.IntSliceToInt64Slice(layer.Pads)),
			onnx.IntsAttr("strides", safeconv.IntSliceToInt64Slice(layer.Strides)),
		)
	case *nn.ReLU:
		b.node(l.Name(), "Relu", []string{in}, out)
	case *nn.Sigmoid:
		b.node(l.Name(), "Sigmoid", []string{in}, out)
	case *nn.Softmax:
		b.node(l.Name(), "Softmax", []string{in}, out, onnx.IntAttr("axis", int64(layer.Axis)))
	case *nn.Flatten:
		b.node(l.Name(), "Flatten", []string{in}, out, onnx.IntAttr("axis", 1))
	case *nn.Dropout:
		b.node(l.Name(), "Identity", []string{in}, out)
	case *nn.BatchNorm:
		b.node(l.Name(), "BatchNormalization", []string{
			in,
			b.initializer(l.Name()+".scale", layer.Scale),
			b.initializer(l.Name()+".bias", layer.Shift),
			b.initializer(l.Name()+".running_mean", layer.RunningMean),
			b.initializer(l.Name()+".running_var", layer.RunningVar),
		}, out, onnx.FloatAttr("epsilon", layer.Epsilon))
	default:
		return fmt.Errorf("layer %s: kind %s cannot be exported", l.Name(), l.Kind())
	}
	return nil
}
