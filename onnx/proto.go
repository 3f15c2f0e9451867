// Package onnx is an editable view over the ONNX protobuf messages generated in
// github.com/advancedclimatesystems/gonnx/onnx. The view exposes the fields the optimizer rewrites
// (nodes, attributes, tensors, value infos and metadata). Every view value remembers the message it
// was decoded from, and encoding starts from that message, so subgraphs, external tensor data,
// functions, training info and unknown fields survive a decode and encode cycle untouched.
package onnx

import (
	"slices"

	pb "github.com/advancedclimatesystems/gonnx/onnx"
)

type DataType int32

const (
	DataTypeUndefined DataType = 0
	DataTypeFloat     DataType = 1
	DataTypeUint8     DataType = 2
	DataTypeInt8      DataType = 3
	DataTypeInt32     DataType = 6
	DataTypeInt64     DataType = 7
)

type AttributeType int32

const (
	AttributeFloat   AttributeType = 1
	AttributeInt     AttributeType = 2
	AttributeString  AttributeType = 3
	AttributeTensor  AttributeType = 4
	AttributeGraph   AttributeType = 5
	AttributeFloats  AttributeType = 6
	AttributeInts    AttributeType = 7
	AttributeStrings AttributeType = 8
	AttributeTensors AttributeType = 9
	AttributeGraphs  AttributeType = 10
)

// IRVersion 7 is the first IR version paired with opset 13.
const IRVersion = 7

type Model struct {
	IRVersion       int64
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *Graph
	OpsetImports    []OperatorSetID
	MetadataProps   []StringStringEntry

	source *pb.ModelProto
}

type OperatorSetID struct {
	Domain  string
	Version int64
}

type StringStringEntry struct {
	Key   string
	Value string
}

type Graph struct {
	Name         string
	Nodes        []*Node
	Initializers []*Tensor
	DocString    string
	Inputs       []*ValueInfo
	Outputs      []*ValueInfo
	ValueInfo    []*ValueInfo

	source *pb.GraphProto
}

type Node struct {
	Inputs     []string
	Outputs    []string
	Name       string
	OpType     string
	Attributes []*Attribute
	DocString  string
	Domain     string

	source *pb.NodeProto
}

type Attribute struct {
	Name    string
	Type    AttributeType
	F       float32
	I       int64
	S       []byte
	T       *Tensor
	Floats  []float32
	Ints    []int64
	Strings [][]byte

	source *pb.AttributeProto
}

// Tensor is a TensorProto. Values live either in the typed fields or in RawData (little endian).
type Tensor struct {
	Dims      []int64
	DataType  DataType
	FloatData []float32
	Int32Data []int32
	Int64Data []int64
	Name      string
	RawData   []byte

	source *pb.TensorProto
}

// ValueInfo describes a graph input or output tensor.
type ValueInfo struct {
	Name     string
	ElemType DataType
	Shape    []Dimension
	// HasShape is false when the value info carried no shape at all (unknown rank).
	HasShape bool

	source *pb.ValueInfoProto
}

// Dimension is either a fixed size or a symbolic name such as "batch_size".
type Dimension struct {
	Value int64
	Param string
}

func (d Dimension) Dynamic() bool {
	return d.Param != ""
}

// Opset returns the version imported for the default domain.
func (m *Model) Opset() int64 {
	for _, o := range m.OpsetImports {
		if o.Domain == "" || o.Domain == "ai.onnx" {
			return o.Version
		}
	}
	return 0
}

func (m *Model) Metadata(key string) (string, bool) {
	for _, e := range m.MetadataProps {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// SetMetadata replaces the value of key in place, or appends it when missing, so that key order is stable.
func (m *Model) SetMetadata(key, value string) {
	for i, e := range m.MetadataProps {
		if e.Key == key {
			m.MetadataProps[i].Value = value
			return
		}
	}
	m.MetadataProps = append(m.MetadataProps, StringStringEntry{Key: key, Value: value})
}

// GraphInputs returns the real inputs of the graph, skipping initializers that older exporters
// also list as inputs.
func (g *Graph) GraphInputs() []*ValueInfo {
	inits := make(map[string]struct{}, len(g.Initializers))
	for _, t := range g.Initializers {
		inits[t.Name] = struct{}{}
	}
	out := make([]*ValueInfo, 0, len(g.Inputs))
	for _, in := range g.Inputs {
		if _, ok := inits[in.Name]; !ok {
			out = append(out, in)
		}
	}
	return out
}

func (g *Graph) Initializer(name string) *Tensor {
	for _, t := range g.Initializers {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// Subgraphs returns the graphs held by GRAPH and GRAPHS attributes of the node (the branches of If,
// the body of Loop and Scan).
func (n *Node) Subgraphs() []*pb.GraphProto {
	var out []*pb.GraphProto
	for _, a := range n.Attributes {
		if a.source == nil {
			continue
		}
		if g := a.source.GetG(); g != nil {
			out = append(out, g)
		}
		out = append(out, a.source.GetGraphs()...)
	}
	return out
}

// CapturedNames returns the names of outer-scope values that subgraphs of the graph read. A subgraph
// may use any value visible in an enclosing scope without listing it as a node input, so these names
// must stay produced and keep their names while the subgraph exists.
func (g *Graph) CapturedNames() map[string]bool {
	captured := map[string]bool{}
	for _, n := range g.Nodes {
		for _, sub := range n.Subgraphs() {
			collectCaptured(sub, captured)
		}
	}
	return captured
}

func collectCaptured(g *pb.GraphProto, captured map[string]bool) {
	local := map[string]bool{}
	for _, in := range g.GetInput() {
		local[in.GetName()] = true
	}
	for _, t := range g.GetInitializer() {
		local[t.GetName()] = true
	}
	for _, n := range g.GetNode() {
		for _, out := range n.GetOutput() {
			local[out] = true
		}
	}
	use := func(name string) {
		if name != "" && !local[name] {
			captured[name] = true
		}
	}
	for _, n := range g.GetNode() {
		for _, in := range n.GetInput() {
			use(in)
		}
		for _, a := range n.GetAttribute() {
			nested := map[string]bool{}
			if a.GetG() != nil {
				collectCaptured(a.GetG(), nested)
			}
			for _, sub := range a.GetGraphs() {
				collectCaptured(sub, nested)
			}
			for name := range nested {
				use(name)
			}
		}
	}
	for _, out := range g.GetOutput() {
		use(out.GetName())
	}
}

func (n *Node) Attr(name string) *Attribute {
	for _, a := range n.Attributes {
		if a.Name == name {
			return a
		}
	}
	return nil
}

func (n *Node) AttrInt(name string, def int64) int64 {
	if a := n.Attr(name); a != nil && a.Type == AttributeInt {
		return a.I
	}
	return def
}

func (n *Node) AttrFloat(name string, def float32) float32 {
	if a := n.Attr(name); a != nil && a.Type == AttributeFloat {
		return a.F
	}
	return def
}

func (n *Node) AttrInts(name string) []int64 {
	if a := n.Attr(name); a != nil && a.Type == AttributeInts {
		return slices.Clone(a.Ints)
	}
	return nil
}

func (n *Node) AttrString(name string) string {
	if a := n.Attr(name); a != nil && a.Type == AttributeString {
		return string(a.S)
	}
	return ""
}

func IntAttr(name string, v int64) *Attribute {
	return &Attribute{Name: name, Type: AttributeInt, I: v}
}

func FloatAttr(name string, v float32) *Attribute {
	return &Attribute{Name: name, Type: AttributeFloat, F: v}
}

func IntsAttr(name string, v []int64) *Attribute {
	return &Attribute{Name: name, Type: AttributeInts, Ints: slices.Clone(v)}
}

func StringAttr(name, v string) *Attribute {
	return &Attribute{Name: name, Type: AttributeString, S: []byte(v)}
}

// NewValueInfo builds a float tensor description. Axes listed in params are symbolic.
func NewValueInfo(name string, elem DataType, dims []int64, params map[int]string) *ValueInfo {
	v := &ValueInfo{Name: name, ElemType: elem, HasShape: true, Shape: make([]Dimension, len(dims))}
	for i, d := range dims {
		if p, ok := params[i]; ok {
			v.Shape[i] = Dimension{Param: p}
		} else {
			v.Shape[i] = Dimension{Value: d}
		}
	}
	return v
}
