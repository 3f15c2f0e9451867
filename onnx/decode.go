package onnx

import (
	"errors"
	"fmt"
	"slices"

	pb "github.com/advancedclimatesystems/gonnx/onnx"
	"google.golang.org/protobuf/proto"
)

var ErrMalformed = errors.New("malformed onnx model")

// Unmarshal decodes a ModelProto into its view.
func Unmarshal(b []byte) (*Model, error) {
	mp := &pb.ModelProto{}
	if err := proto.Unmarshal(b, mp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return FromProto(mp)
}

// FromProto builds the view of mp. The view keeps mp as its source, so mp must not be modified
// afterwards.
func FromProto(mp *pb.ModelProto) (*Model, error) {
	if mp.GetGraph() == nil {
		return nil, fmt.Errorf("%w: no graph", ErrMalformed)
	}
	m := &Model{
		IRVersion:       mp.GetIrVersion(),
		ProducerName:    mp.GetProducerName(),
		ProducerVersion: mp.GetProducerVersion(),
		Domain:          mp.GetDomain(),
		ModelVersion:    mp.GetModelVersion(),
		DocString:       mp.GetDocString(),
		Graph:           graphView(mp.GetGraph()),
		source:          mp,
	}
	for _, o := range mp.GetOpsetImport() {
		m.OpsetImports = append(m.OpsetImports, OperatorSetID{Domain: o.GetDomain(), Version: o.GetVersion()})
	}
	for _, e := range mp.GetMetadataProps() {
		m.MetadataProps = append(m.MetadataProps, StringStringEntry{Key: e.GetKey(), Value: e.GetValue()})
	}
	return m, nil
}

func graphView(gp *pb.GraphProto) *Graph {
	g := &Graph{Name: gp.GetName(), DocString: gp.GetDocString(), source: gp}
	for _, n := range gp.GetNode() {
		g.Nodes = append(g.Nodes, nodeView(n))
	}
	for _, t := range gp.GetInitializer() {
		g.Initializers = append(g.Initializers, tensorView(t))
	}
	for _, v := range gp.GetInput() {
		g.Inputs = append(g.Inputs, valueInfoView(v))
	}
	for _, v := range gp.GetOutput() {
		g.Outputs = append(g.Outputs, valueInfoView(v))
	}
	for _, v := range gp.GetValueInfo() {
		g.ValueInfo = append(g.ValueInfo, valueInfoView(v))
	}
	return g
}

func nodeView(np *pb.NodeProto) *Node {
	n := &Node{
		Inputs:    slices.Clone(np.GetInput()),
		Outputs:   slices.Clone(np.GetOutput()),
		Name:      np.GetName(),
		OpType:    np.GetOpType(),
		DocString: np.GetDocString(),
		Domain:    np.GetDomain(),
		source:    np,
	}
	for _, a := range np.GetAttribute() {
		n.Attributes = append(n.Attributes, attributeView(a))
	}
	return n
}

func attributeView(ap *pb.AttributeProto) *Attribute {
	a := &Attribute{
		Name:    ap.GetName(),
		Type:    AttributeType(ap.GetType()),
		F:       ap.GetF(),
		I:       ap.GetI(),
		S:       ap.GetS(),
		Floats:  slices.Clone(ap.GetFloats()),
		Ints:    slices.Clone(ap.GetInts()),
		Strings: slices.Clone(ap.GetStrings()),
		source:  ap,
	}
	if ap.GetT() != nil {
		a.T = tensorView(ap.GetT())
	}
	return a
}

func tensorView(tp *pb.TensorProto) *Tensor {
	return &Tensor{
		Dims:      slices.Clone(tp.GetDims()),
		DataType:  DataType(tp.GetDataType()),
		FloatData: tp.GetFloatData(),
		Int32Data: tp.GetInt32Data(),
		Int64Data: tp.GetInt64Data(),
		Name:      tp.GetName(),
		RawData:   tp.GetRawData(),
		source:    tp,
	}
}

func valueInfoView(vp *pb.ValueInfoProto) *ValueInfo {
	v := &ValueInfo{Name: vp.GetName(), source: vp}
	tt := vp.GetType().GetTensorType()
	if tt == nil {
		return v
	}
	v.ElemType = DataType(tt.GetElemType())
	if tt.GetShape() == nil {
		return v
	}
	v.HasShape = true
	for _, d := range tt.GetShape().GetDim() {
		v.Shape = append(v.Shape, Dimension{Value: d.GetDimValue(), Param: d.GetDimParam()})
	}
	return v
}
