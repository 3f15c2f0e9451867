package onnx

import (
	"errors"
	"path/filepath"
	"testing"

	pb "github.com/advancedclimatesystems/gonnx/onnx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"

	"github.com/knights-analytics/medinfer/ops"
)

func testModel(t *testing.T) *Model {
	t.Helper()
	w, err := ops.NewFloat([]int{2, 3}, []float32{1, -2, 3, -4, 5, -6})
	require.NoError(t, err)
	q, err := ops.QuantizeSymmetric(w, true)
	require.NoError(t, err)
	return &Model{
		IRVersion:    IRVersion,
		ProducerName: "medinfer",
		OpsetImports: []OperatorSetID{{Version: 13}},
		Graph: &Graph{
			Name: "dense",
			Nodes: []*Node{
				{
					Name: "dq", OpType: "DequantizeLinear",
					Inputs: []string{"w_q", "w_scale"}, Outputs: []string{"w"},
					Attributes: []*Attribute{IntAttr("axis", 0)},
				},
				{
					Name: "fc", OpType: "Gemm",
					Inputs: []string{"input", "w"}, Outputs: []string{"output"},
					Attributes: []*Attribute{
						IntAttr("transB", 1),
						FloatAttr("alpha", 1),
						IntsAttr("pads", []int64{0, -1}),
						StringAttr("note", "x"),
					},
				},
			},
			Initializers: []*Tensor{FromOps("w_q", q.ValueTensor()), FromOps("w_scale", q.ScaleTensor())},
			Inputs:       []*ValueInfo{NewValueInfo("input", DataTypeFloat, []int64{0, 3}, map[int]string{0: "batch_size"})},
			Outputs:      []*ValueInfo{NewValueInfo("output", DataTypeFloat, []int64{0, 2}, map[int]string{0: "batch_size"})},
		},
		MetadataProps: []StringStringEntry{{Key: MetaTask, Value: "classification"}},
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	m := testModel(t)
	data, err := m.Marshal()
	require.NoError(t, err)
	again, err := m.Marshal()
	require.NoError(t, err)
	assert.Equal(t, data, again, "encoding is deterministic")

	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, int64(13), decoded.Opset())
	assert.True(t, proto.Equal(m.Proto(), decoded.Proto()))
	require.Len(t, decoded.Graph.Inputs, 1)
	assert.Equal(t, []Dimension{{Param: "batch_size"}, {Value: 3}}, decoded.Graph.Inputs[0].Shape)
	assert.Equal(t, []string{"w_q", "w_scale"}, decoded.Graph.Nodes[0].Inputs)
	reencoded, err := decoded.Marshal()
	require.NoError(t, err)
	assert.Equal(t, data, reencoded)

	gemm := decoded.Graph.Nodes[1]
	assert.Equal(t, int64(1), gemm.AttrInt("transB", 0))
	assert.Equal(t, int64(0), gemm.AttrInt("transA", 0))
	assert.Equal(t, []int64{0, -1}, gemm.AttrInts("pads"))
	assert.Equal(t, "x", gemm.AttrString("note"))
	assert.Equal(t, float32(1), gemm.AttrFloat("alpha", 0))
}

// branchModel holds what the view does not model: If branches, external tensor data, local
// functions, a sequence typed output and an unknown field.
func branchModel(t *testing.T) []byte {
	t.Helper()
	tensorType := func(dims ...int64) *pb.TypeProto {
		shape := &pb.TensorShapeProto{}
		for _, d := range dims {
			shape.Dim = append(shape.Dim, &pb.TensorShapeProto_Dimension{Value: &pb.TensorShapeProto_Dimension_DimValue{DimValue: d}})
		}
		return &pb.TypeProto{Value: &pb.TypeProto_TensorType{TensorType: &pb.TypeProto_Tensor{ElemType: int32(pb.TensorProto_FLOAT), Shape: shape}}}
	}
	branch := func(op string) *pb.GraphProto {
		return &pb.GraphProto{
			Name:   op + "_branch",
			Node:   []*pb.NodeProto{{Name: op, OpType: op, Input: []string{"x"}, Output: []string{op + "_out"}}},
			Output: []*pb.ValueInfoProto{{Name: op + "_out", Type: tensorType(2)}},
		}
	}
	mp := &pb.ModelProto{
		IrVersion:   IRVersion,
		OpsetImport: []*pb.OperatorSetIdProto{{Version: 13}},
		Functions:   []*pb.FunctionProto{{Name: "local", Domain: "medinfer.test", Node: []*pb.NodeProto{{OpType: "Relu", Input: []string{"a"}, Output: []string{"b"}}}}},
		Graph: &pb.GraphProto{
			Name: "branches",
			Node: []*pb.NodeProto{{
				Name: "if", OpType: "If", Input: []string{"cond"}, Output: []string{"y"},
				Attribute: []*pb.AttributeProto{
					{Name: "then_branch", Type: pb.AttributeProto_GRAPH, G: branch("Identity")},
					{Name: "else_branch", Type: pb.AttributeProto_GRAPH, G: branch("Neg")},
				},
			}},
			Initializer: []*pb.TensorProto{{
				Name: "weights", Dims: []int64{2}, DataType: int32(pb.TensorProto_FLOAT),
				DataLocation: pb.TensorProto_EXTERNAL,
				ExternalData: []*pb.StringStringEntryProto{{Key: "location", Value: "weights.bin"}},
			}},
			Input: []*pb.ValueInfoProto{
				{Name: "cond", Type: &pb.TypeProto{Value: &pb.TypeProto_TensorType{TensorType: &pb.TypeProto_Tensor{ElemType: int32(pb.TensorProto_BOOL), Shape: &pb.TensorShapeProto{}}}}},
				{Name: "x", Type: tensorType(2)},
			},
			Output: []*pb.ValueInfoProto{
				{Name: "y", Type: tensorType(2)},
				{Name: "ys", Type: &pb.TypeProto{Value: &pb.TypeProto_SequenceType{SequenceType: &pb.TypeProto_Sequence{ElemType: tensorType(2)}}}},
			},
		},
	}
	data, err := proto.Marshal(mp)
	require.NoError(t, err)
	data = protowire.AppendTag(data, 99, protowire.BytesType)
	return protowire.AppendString(data, "future field")
}

func TestUnmarshalKeepsUnmodeledContent(t *testing.T) {
	data := branchModel(t)
	m, err := Unmarshal(data)
	require.NoError(t, err)

	ifNode := m.Graph.Nodes[0]
	assert.Equal(t, AttributeGraph, ifNode.Attr("then_branch").Type)
	require.Len(t, ifNode.Subgraphs(), 2)
	assert.Equal(t, map[string]bool{"x": true}, m.Graph.CapturedNames())
	assert.True(t, m.Graph.Initializer("weights").External())
	_, err = m.Graph.Initializer("weights").ToOps()
	assert.True(t, errors.Is(err, ErrExternalData))

	encoded, err := m.Marshal()
	require.NoError(t, err)
	want, got := &pb.ModelProto{}, &pb.ModelProto{}
	require.NoError(t, proto.Unmarshal(data, want))
	require.NoError(t, proto.Unmarshal(encoded, got))
	assert.True(t, proto.Equal(want, got), "decode and encode must not lose content")

	// edits to modelled fields keep the rest of the message
	ifNode.Name = "renamed"
	m.SetMetadata(MetaTask, "segmentation")
	edited := m.Proto()
	assert.Equal(t, "renamed", edited.GetGraph().GetNode()[0].GetName())
	assert.Equal(t, "Neg", edited.GetGraph().GetNode()[0].GetAttribute()[1].GetG().GetNode()[0].GetOpType())
	assert.Len(t, edited.GetFunctions(), 1)
	assert.Equal(t, "weights.bin", edited.GetGraph().GetInitializer()[0].GetExternalData()[0].GetValue())
	assert.NotNil(t, edited.GetGraph().GetOutput()[1].GetType().GetSequenceType())
	assert.NotEmpty(t, edited.ProtoReflect().GetUnknown())
}

func TestCloneIsIndependent(t *testing.T) {
	m := testModel(t)
	c, err := m.Clone()
	require.NoError(t, err)
	c.Graph.Nodes[1].Inputs[0] = "other"
	c.Graph.Nodes = c.Graph.Nodes[:1]
	assert.Equal(t, "input", m.Graph.Nodes[1].Inputs[0])
	assert.Len(t, m.Graph.Nodes, 2)
}

func TestUnmarshalMalformed(t *testing.T) {
	_, err := Unmarshal([]byte{0x0a, 0xff})
	assert.True(t, errors.Is(err, ErrMalformed))

	_, err = Unmarshal(nil)
	assert.True(t, errors.Is(err, ErrMalformed), "a model without a graph is rejected")
}

func TestTensorConversion(t *testing.T) {
	f, err := (&Tensor{Name: "f", Dims: []int64{2}, DataType: DataTypeFloat, FloatData: []float32{1.5, -2}}).ToOps()
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, -2}, f.Float)

	i8, err := (&Tensor{Name: "q", Dims: []int64{3}, DataType: DataTypeInt8, Int32Data: []int32{-127, 0, 5}}).ToOps()
	require.NoError(t, err)
	assert.Equal(t, []int8{-127, 0, 5}, i8.Int8)

	shape, err := ops.NewInt64([]int{2}, []int64{-1, 12})
	require.NoError(t, err)
	back, err := FromOps("shape", shape).ToOps()
	require.NoError(t, err)
	assert.Equal(t, []int64{-1, 12}, back.Int64)

	_, err = (&Tensor{Name: "bad", Dims: []int64{2}, DataType: DataTypeFloat, RawData: []byte{1, 2, 3}}).ToOps()
	assert.Error(t, err)
}

func TestArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chest_classification.onnx")
	written, err := WriteArtifact(path, testModel(t))
	require.NoError(t, err)

	read, err := ReadArtifact(path)
	require.NoError(t, err)
	assert.Equal(t, written.Fingerprint, read.Fingerprint)
	assert.Equal(t, int64(13), read.Opset)
	assert.Equal(t, []string{"input"}, read.InputNames)
	assert.Equal(t, []string{"output"}, read.OutputNames)
	assert.Equal(t, map[string]int{"input": 0, "output": 0}, read.DynamicAxes)
	assert.Equal(t, "classification", read.Metadata[MetaTask])

	_, err = ReadArtifact(filepath.Join(t.TempDir(), "missing.onnx"))
	assert.Error(t, err)
}

func TestSetMetadataKeepsOrder(t *testing.T) {
	m := testModel(t)
	m.SetMetadata(MetaQuantized, "true")
	m.SetMetadata(MetaTask, "segmentation")
	require.Len(t, m.MetadataProps, 2)
	assert.Equal(t, MetaTask, m.MetadataProps[0].Key)
	v, ok := m.Metadata(MetaTask)
	assert.True(t, ok)
	assert.Equal(t, "segmentation", v)
}
