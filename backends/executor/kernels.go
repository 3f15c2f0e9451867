package executor

import (
	"errors"
	"fmt"
	"slices"

	"github.com/knights-analytics/medinfer/onnx"
	"github.com/knights-analytics/medinfer/ops"
	"github.com/knights-analytics/medinfer/util/safeconv"
)

// kernel evaluates one node. Absent optional inputs are nil.
type kernel func(pool *ops.Pool, n *onnx.Node, in []*ops.Tensor) ([]*ops.Tensor, error)

var kernels = map[string]kernel{
	"Gemm":               gemm,
	"MatMul":             matMul,
	"Conv":               conv,
	"Relu":               unary(ops.Relu),
	"Sigmoid":            unary(ops.Sigmoid),
	"Softmax":            softmax,
	"Flatten":            flatten,
	"BatchNormalization": batchNorm,
	"DequantizeLinear":   dequantizeLinear,
	"Identity":           identity,
	"Dropout":            identity,
	"Add":                binary(ops.Add),
	"Mul":                binary(ops.Mul),
	"Reshape":            reshape,
}

// Supported reports whether the executor implements opType.
func Supported(opType string) bool {
	_, ok := kernels[opType]
	return ok
}

func one(t *ops.Tensor, err error) ([]*ops.Tensor, error) {
	if err != nil {
		return nil, err
	}
	return []*ops.Tensor{t}, nil
}

func required(n *onnx.Node, in []*ops.Tensor, count int) error {
	if len(in) < count {
		return fmt.Errorf("%s: expected %d inputs, got %d", n.OpType, count, len(in))
	}
	for i := range count {
		if in[i] == nil {
			return fmt.Errorf("%s: input %d is missing", n.OpType, i)
		}
	}
	return nil
}

func optional(in []*ops.Tensor, i int) *ops.Tensor {
	if i < len(in) {
		return in[i]
	}
	return nil
}

func unary(f func(*ops.Tensor) (*ops.Tensor, error)) kernel {
	return func(_ *ops.Pool, n *onnx.Node, in []*ops.Tensor) ([]*ops.Tensor, error) {
		if err := required(n, in, 1); err != nil {
			return nil, err
		}
		return one(f(in[0]))
	}
}

func binary(f func(a, b *ops.Tensor) (*ops.Tensor, error)) kernel {
	return func(_ *ops.Pool, n *onnx.Node, in []*ops.Tensor) ([]*ops.Tensor, error) {
		if err := required(n, in, 2); err != nil {
			return nil, err
		}
		return one(f(in[0], in[1]))
	}
}

func gemm(pool *ops.Pool, n *onnx.Node, in []*ops.Tensor) ([]*ops.Tensor, error) {
	if err := required(n, in, 2); err != nil {
		return nil, err
	}
	return one(ops.Gemm(pool, in[0], in[1], optional(in, 2),
		n.AttrInt("transA", 0) != 0,
		n.AttrInt("transB", 0) != 0,
		n.AttrFloat("alpha", 1),
		n.AttrFloat("beta", 1),
	))
}

func matMul(pool *ops.Pool, n *onnx.Node, in []*ops.Tensor) ([]*ops.Tensor, error) {
	if err := required(n, in, 2); err != nil {
		return nil, err
	}
	return one(ops.MatMul(pool, in[0], in[1]))
}

func conv(pool *ops.Pool, n *onnx.Node, in []*ops.Tensor) ([]*ops.Tensor, error) {
	if err := required(n, in, 2); err != nil {
		return nil, err
	}
	if group := n.AttrInt("group", 1); group != 1 {
		return nil, fmt.Errorf("Conv %s: group %d is not supported", n.Name, group)
	}
	if pad := n.AttrString("auto_pad"); pad != "" && pad != "NOTSET" {
		return nil, fmt.Errorf("Conv %s: auto_pad %s is not supported", n.Name, pad)
	}
	for _, d := range n.AttrInts("dilations") {
		if d != 1 {
			return nil, fmt.Errorf("Conv %s: dilation %d is not supported", n.Name, d)
		}
	}
	var strides, pads []int
	if s := n.AttrInts("strides"); len(s) > 0 {
		strides = safeconv.Int64SliceToIntSlice(s)
	}
	if p := n.AttrInts("pads"); len(p) > 0 {
		pads = safeconv.Int64SliceToIntSlice(p)
	}
	return one(ops.Conv(pool, in[0], in[1], optional(in, 2), strides, pads))
}

func softmax(_ *ops.Pool, n *onnx.Node, in []*ops.Tensor) ([]*ops.Tensor, error) {
	if err := required(n, in, 1); err != nil {
		return nil, err
	}
	return one(ops.Softmax(in[0], int(n.AttrInt("axis", -1))))
}

func flatten(_ *ops.Pool, n *onnx.Node, in []*ops.Tensor) ([]*ops.Tensor, error) {
	if err := required(n, in, 1); err != nil {
		return nil, err
	}
	return one(ops.Flatten(in[0], int(n.AttrInt("axis", 1))))
}

func batchNorm(_ *ops.Pool, n *onnx.Node, in []*ops.Tensor) ([]*ops.Tensor, error) {
	if err := required(n, in, 5); err != nil {
		return nil, err
	}
	if n.AttrInt("training_mode", 0) != 0 {
		return nil, fmt.Errorf("BatchNormalization %s: training mode is not supported", n.Name)
	}
	return one(ops.BatchNorm(in[0], in[1], in[2], in[3], in[4], n.AttrFloat("epsilon", 1e-5)))
}

func dequantizeLinear(_ *ops.Pool, n *onnx.Node, in []*ops.Tensor) ([]*ops.Tensor, error) {
	if err := required(n, in, 2); err != nil {
		return nil, err
	}
	return one(ops.DequantizeLinear(in[0], in[1], optional(in, 2), int(n.AttrInt("axis", 1))))
}

func identity(_ *ops.Pool, n *onnx.Node, in []*ops.Tensor) ([]*ops.Tensor, error) {
	if err := required(n, in, 1); err != nil {
		return nil, err
	}
	return []*ops.Tensor{in[0]}, nil
}

func reshape(_ *ops.Pool, n *onnx.Node, in []*ops.Tensor) ([]*ops.Tensor, error) {
	if err := required(n, in, 2); err != nil {
		return nil, err
	}
	if in[1].DType != ops.Int64 {
		return nil, errors.New("Reshape: shape must be int64")
	}
	shape := safeconv.Int64SliceToIntSlice(in[1].Int64)
	infer := -1
	known := 1
	for i, d := range shape {
		switch {
		case d == 0 && n.AttrInt("allowzero", 0) == 0:
			if i >= in[0].Rank() {
				return nil, fmt.Errorf("Reshape %s: dimension %d copies a missing input dimension", n.Name, i)
			}
			shape[i] = in[0].Shape[i]
			known *= shape[i]
		case d == -1:
			if infer >= 0 {
				return nil, fmt.Errorf("Reshape %s: more than one inferred dimension in %v", n.Name, in[1].Int64)
			}
			infer = i
		default:
			known *= d
		}
	}
	if infer >= 0 {
		if known == 0 || in[0].Len()%known != 0 {
			return nil, fmt.Errorf("Reshape %s: cannot infer dimension of %v from %v", n.Name, in[1].Int64, in[0].Shape)
		}
		shape[infer] = in[0].Len() / known
	}
	return one(in[0].Reshape(slices.Clip(shape)...))
}
