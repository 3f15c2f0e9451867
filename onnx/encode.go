package onnx

import (
	"fmt"

	pb "github.com/advancedclimatesystems/gonnx/onnx"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Marshal encodes the model deterministically, so equal models always produce identical bytes.
func (m *Model) Marshal() ([]byte, error) {
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(m.build())
	if err != nil {
		return nil, fmt.Errorf("encoding model: %w", err)
	}
	return b, nil
}

// Clone returns an independent copy of the model that can be rewritten without touching m.
func (m *Model) Clone() (*Model, error) {
	return FromProto(m.Proto())
}

// Proto builds a fresh ModelProto from the view. Fields the view does not model are copied from the
// messages the view was decoded from.
func (m *Model) Proto() *pb.ModelProto {
	out, _ := proto.Clone(m.build()).(*pb.ModelProto)
	return out
}

func (m *Model) build() *pb.ModelProto {
	out := &pb.ModelProto{
		IrVersion:       m.IRVersion,
		ProducerName:    m.ProducerName,
		ProducerVersion: m.ProducerVersion,
		Domain:          m.Domain,
		ModelVersion:    m.ModelVersion,
		DocString:       m.DocString,
	}
	carry(out, m.source, "ir_version", "producer_name", "producer_version", "domain", "model_version",
		"doc_string", "graph", "opset_import", "metadata_props")
	if m.Graph != nil {
		out.Graph = m.Graph.proto()
	}
	for _, o := range m.OpsetImports {
		out.OpsetImport = append(out.OpsetImport, &pb.OperatorSetIdProto{Domain: o.Domain, Version: o.Version})
	}
	for _, e := range m.MetadataProps {
		out.MetadataProps = append(out.MetadataProps, &pb.StringStringEntryProto{Key: e.Key, Value: e.Value})
	}
	return out
}

func (g *Graph) proto() *pb.GraphProto {
	out := &pb.GraphProto{Name: g.Name, DocString: g.DocString}
	carry(out, g.source, "node", "name", "initializer", "doc_string", "input", "output", "value_info")
	for _, n := range g.Nodes {
		out.Node = append(out.Node, n.proto())
	}
	for _, t := range g.Initializers {
		out.Initializer = append(out.Initializer, t.proto())
	}
	for _, v := range g.Inputs {
		out.Input = append(out.Input, v.proto())
	}
	for _, v := range g.Outputs {
		out.Output = append(out.Output, v.proto())
	}
	for _, v := range g.ValueInfo {
		out.ValueInfo = append(out.ValueInfo, v.proto())
	}
	return out
}

func (n *Node) proto() *pb.NodeProto {
	out := &pb.NodeProto{
		Input:     n.Inputs,
		Output:    n.Outputs,
		Name:      n.Name,
		OpType:    n.OpType,
		Domain:    n.Domain,
		DocString: n.DocString,
	}
	carry(out, n.source, "input", "output", "name", "op_type", "domain", "attribute", "doc_string")
	for _, a := range n.Attributes {
		out.Attribute = append(out.Attribute, a.proto())
	}
	return out
}

func (a *Attribute) proto() *pb.AttributeProto {
	out := &pb.AttributeProto{
		Name:    a.Name,
		Type:    pb.AttributeProto_AttributeType(a.Type),
		F:       a.F,
		I:       a.I,
		S:       a.S,
		Floats:  a.Floats,
		Ints:    a.Ints,
		Strings: a.Strings,
	}
	carry(out, a.source, "name", "type", "f", "i", "s", "t", "floats", "ints", "strings")
	if a.T != nil {
		out.T = a.T.proto()
	}
	return out
}

func (t *Tensor) proto() *pb.TensorProto {
	out := &pb.TensorProto{
		Dims:      t.Dims,
		DataType:  int32(t.DataType),
		FloatData: t.FloatData,
		Int32Data: t.Int32Data,
		Int64Data: t.Int64Data,
		Name:      t.Name,
		RawData:   t.RawData,
	}
	carry(out, t.source, "dims", "data_type", "float_data", "int32_data", "int64_data", "name", "raw_data")
	return out
}

func (v *ValueInfo) proto() *pb.ValueInfoProto {
	out := &pb.ValueInfoProto{Name: v.Name}
	carry(out, v.source, "name", "type")
	srcType := v.source.GetType()
	if srcType != nil && srcType.GetTensorType() == nil {
		// sequence, map and optional types are kept as decoded
		out.Type = srcType
		return out
	}
	srcTensor := srcType.GetTensorType()
	tt := &pb.TypeProto_Tensor{ElemType: int32(v.ElemType)}
	carry(tt, srcTensor, "elem_type", "shape")
	if v.HasShape {
		shape := &pb.TensorShapeProto{}
		carry(shape, srcTensor.GetShape(), "dim")
		srcDims := srcTensor.GetShape().GetDim()
		if len(srcDims) != len(v.Shape) {
			srcDims = nil
		}
		for i, d := range v.Shape {
			dim := &pb.TensorShapeProto_Dimension{}
			switch {
			case d.Param != "":
				dim.Value = &pb.TensorShapeProto_Dimension_DimParam{DimParam: d.Param}
			case d.Value != 0 || srcDims == nil || srcDims[i].GetValue() != nil:
				dim.Value = &pb.TensorShapeProto_Dimension_DimValue{DimValue: d.Value}
			}
			if srcDims != nil {
				carry(dim, srcDims[i], "dim_value", "dim_param")
			}
			shape.Dim = append(shape.Dim, dim)
		}
		tt.Shape = shape
	}
	typ := &pb.TypeProto{Value: &pb.TypeProto_TensorType{TensorType: tt}}
	carry(typ, srcType, "tensor_type")
	out.Type = typ
	return out
}

// carry copies every populated field of src that is not listed in modelled into dst, together with
// the unknown fields of src. Nothing is copied when src is nil.
func carry[M proto.Message](dst, src M, modelled ...protoreflect.Name) {
	s := src.ProtoReflect()
	if !s.IsValid() {
		return
	}
	d := dst.ProtoReflect()
	s.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		for _, name := range modelled {
			if fd.Name() == name {
				return true
			}
		}
		d.Set(fd, v)
		return true
	})
	d.SetUnknown(s.GetUnknown())
}
