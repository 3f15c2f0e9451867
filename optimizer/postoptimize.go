package optimizer

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/knights-analytics/medinfer/onnx"
	"github.com/knights-analytics/medinfer/ops"
)

// OptimizedSuffix is appended to the artifact name by PostOptimize.
const OptimizedSuffix = "_optimized"

// OptimizedPath returns the default PostOptimize destination for path.
func OptimizedPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + OptimizedSuffix + ext
}

// PostOptimize rewrites an exported artifact into a new one. In order it
//
//   - removes Identity and inference-mode Dropout nodes,
//   - folds BatchNormalization into the preceding Conv,
//   - replaces remaining float Gemm, MatMul and Conv weights by int8 + DequantizeLinear,
//   - drops nodes and initializers nothing depends on,
//   - stamps medinfer.post_optimized=true.
//
// Running it on its own output changes nothing: the result is byte-identical.
func PostOptimize(artifactPath string, opts ...Option) (*onnx.Artifact, error) {
	s := apply(opts)
	destination := s.destination
	if destination == "" {
		destination = OptimizedPath(artifactPath)
	}
	if filepath.Clean(destination) == filepath.Clean(artifactPath) {
		return nil, fmt.Errorf("post optimization must write a new artifact, not %s", artifactPath)
	}

	source, err := onnx.ReadArtifact(artifactPath)
	if err != nil {
		return nil, err
	}
	m := source.Model
	g := m.Graph

	passes := []struct {
		name string
		run  func(*onnx.Graph, *settings) (int, error)
	}{
		{"eliminate_identity", eliminateIdentity},
		{"fold_batchnorm", foldBatchNorm},
		{"quantize_weights", quantizeWeights},
		{"eliminate_dead", eliminateDead},
	}
	for _, p := range passes {
		changed, passErr := p.run(g, s)
		if passErr != nil {
			return nil, fmt.Errorf("%s: %w", p.name, passErr)
		}
		s.logger.Debug().Str("pass", p.name).Int("changed", changed).Msg("post optimization pass")
	}
	m.SetMetadata(onnx.MetaQuantized, strconv.FormatBool(slices.ContainsFunc(g.Nodes, func(n *onnx.Node) bool {
		return n.OpType == "DequantizeLinear"
	})))
	m.SetMetadata(onnx.MetaPostOptimized, "true")

	artifact, err := onnx.WriteArtifact(destination, m)
	if err != nil {
		return nil, &ExportError{Path: destination, Err: err}
	}
	s.logger.Info().
		Str("source", artifactPath).
		Str("path", destination).
		Int("nodes", len(g.Nodes)).
		Int("bytes", artifact.Size).
		Msg("post optimized artifact")
	return artifact, nil
}

// SimplifyGraph applies the rewrites that do not change numerics beyond float rounding, in place:
// Identity and inference Dropout removal and, when foldBN is set, Conv+BatchNormalization folding.
func SimplifyGraph(g *onnx.Graph, foldBN bool) error {
	s := apply(nil)
	if _, err := eliminateIdentity(g, s); err != nil {
		return err
	}
	if !foldBN {
		return nil
	}
	_, err := foldBatchNorm(g, s)
	return err
}

type graphIndex struct {
	producer  map[string]*onnx.Node
	consumers map[string][]*onnx.Node
	outputs   map[string]bool
	inputs    map[string]bool
	// captured holds outer values read by If, Loop and Scan bodies; they keep their name and producer.
	captured map[string]bool
}

func index(g *onnx.Graph) *graphIndex {
	idx := &graphIndex{
		producer:  map[string]*onnx.Node{},
		consumers: map[string][]*onnx.Node{},
		outputs:   map[string]bool{},
		inputs:    map[string]bool{},
		captured:  g.CapturedNames(),
	}
	for _, n := range g.Nodes {
		for _, o := range n.Outputs {
			idx.producer[o] = n
		}
		for _, in := range n.Inputs {
			if in != "" {
				idx.consumers[in] = append(idx.consumers[in], n)
			}
		}
	}
	for _, o := range g.Outputs {
		idx.outputs[o.Name] = true
	}
	for _, in := range g.Inputs {
		idx.inputs[in.Name] = true
	}
	return idx
}

func renameInputs(g *onnx.Graph, from, to string) {
	for _, n := range g.Nodes {
		for i, in := range n.Inputs {
			if in == from {
				n.Inputs[i] = to
			}
		}
	}
}

func removeNodes(g *onnx.Graph, drop map[*onnx.Node]bool) {
	g.Nodes = slices.DeleteFunc(g.Nodes, func(n *onnx.Node) bool { return drop[n] })
}

func eliminateIdentity(g *onnx.Graph, _ *settings) (int, error) {
	drop := map[*onnx.Node]bool{}
	for _, n := range g.Nodes {
		if (n.OpType != "Identity" && n.OpType != "Dropout") || len(n.Inputs) == 0 || len(n.Outputs) == 0 {
			continue
		}
		// Dropout with an explicit training_mode input is left alone.
		if n.OpType == "Dropout" && len(n.Inputs) > 2 && n.Inputs[2] != "" {
			continue
		}
		idx := index(g)
		in, out := n.Inputs[0], n.Outputs[0]
		if len(n.Outputs) > 1 && len(idx.consumers[n.Outputs[1]]) > 0 {
			continue
		}
		if idx.outputs[out] {
			producer := idx.producer[in]
			if producer == nil || idx.outputs[in] || idx.captured[in] {
				continue
			}
			for i, o := range producer.Outputs {
				if o == in {
					producer.Outputs[i] = out
				}
			}
			renameInputs(g, in, out)
		} else {
			if idx.captured[out] {
				continue
			}
			renameInputs(g, out, in)
		}
		n.Inputs = nil
		drop[n] = true
	}
	removeNodes(g, drop)
	return len(drop), nil
}

func foldBatchNorm(g *onnx.Graph, _ *settings) (int, error) {
	drop := map[*onnx.Node]bool{}
	for _, bn := range g.Nodes {
		if bn.OpType != "BatchNormalization" || len(bn.Inputs) < 5 || len(bn.Outputs) == 0 {
			continue
		}
		idx := index(g)
		conv := idx.producer[bn.Inputs[0]]
		if conv == nil || conv.OpType != "Conv" || len(idx.consumers[bn.Inputs[0]]) != 1 || idx.outputs[bn.Inputs[0]] || idx.captured[bn.Inputs[0]] {
			continue
		}
		if conv.AttrInt("group", 1) != 1 {
			continue
		}
		params := make([]*ops.Tensor, 4)
		ok := true
		for i := range params {
			init := g.Initializer(bn.Inputs[i+1])
			if init == nil || init.External() {
				ok = false
				break
			}
			t, err := init.ToOps()
			if err != nil {
				return 0, err
			}
			params[i] = t
		}
		if !ok {
			continue
		}
		weight, err := constantValue(g, idx, conv.Inputs[1])
		if err != nil {
			return 0, err
		}
		if weight == nil {
			continue
		}
		filters := weight.Shape[0]
		scale, shift, mean, variance := params[0], params[1], params[2], params[3]
		if scale.Len() != filters {
			return 0, fmt.Errorf("batch norm %s has %d channels, conv %s has %d filters", bn.Name, scale.Len(), conv.Name, filters)
		}
		var bias *ops.Tensor
		if len(conv.Inputs) > 2 && conv.Inputs[2] != "" {
			if bias, err = constantValue(g, idx, conv.Inputs[2]); err != nil {
				return 0, err
			}
			if bias == nil {
				continue
			}
		}

		eps := float64(bn.AttrFloat("epsilon", 1e-5))
		folded := weight.Clone()
		foldedBias := ops.Zeros(filters)
		inner := weight.Len() / filters
		for c := range filters {
			factor := float64(scale.Float[c]) / math.Sqrt(float64(variance.Float[c])+eps)
			for i := c * inner; i < (c+1)*inner; i++ {
				folded.Float[i] = float32(float64(folded.Float[i]) * factor)
			}
			b := 0.0
			if bias != nil {
				b = float64(bias.Float[c])
			}
			foldedBias.Float[c] = float32((b-float64(mean.Float[c]))*factor + float64(shift.Float[c]))
		}

		wName, bName := conv.Name+".weight_folded", conv.Name+".bias_folded"
		g.Initializers = append(g.Initializers, onnx.FromOps(wName, folded), onnx.FromOps(bName, foldedBias))
		conv.Inputs = []string{conv.Inputs[0], wName, bName}
		conv.Outputs = []string{bn.Outputs[0]}
		bn.Inputs = nil
		drop[bn] = true
	}
	removeNodes(g, drop)
	return len(drop), nil
}

// constantValue resolves name to a float tensor when it is an initializer or the output of a
// DequantizeLinear over initializers. It returns nil for values computed at run time.
func constantValue(g *onnx.Graph, idx *graphIndex, name string) (*ops.Tensor, error) {
	if init := g.Initializer(name); init != nil {
		if init.External() {
			return nil, nil
		}
		t, err := init.ToOps()
		if err != nil || t.DType != ops.Float32 {
			return nil, err
		}
		return t, nil
	}
	dq := idx.producer[name]
	if dq == nil || dq.OpType != "DequantizeLinear" || len(dq.Inputs) < 2 {
		return nil, nil
	}
	inputs := make([]*ops.Tensor, 3)
	for i, in := range dq.Inputs {
		if i >= 3 || in == "" {
			continue
		}
		init := g.Initializer(in)
		if init == nil || init.External() {
			return nil, nil
		}
		t, err := init.ToOps()
		if err != nil {
			return nil, err
		}
		inputs[i] = t
	}
	return ops.DequantizeLinear(inputs[0], inputs[1], inputs[2], int(dq.AttrInt("axis", 1)))
}

// weightInputs lists, per op type, which input holds the weight matrix.
var weightInputs = map[string]int{
	"Gemm":   1,
	"MatMul": 1,
	"Conv":   1,
}

func quantizeWeights(g *onnx.Graph, s *settings) (int, error) {
	done := map[string]bool{}
	changed := 0
	for i := 0; i < len(g.Nodes); i++ {
		n := g.Nodes[i]
		slot, ok := weightInputs[n.OpType]
		if !ok || len(n.Inputs) <= slot {
			continue
		}
		name := n.Inputs[slot]
		if done[name] {
			continue
		}
		init := g.Initializer(name)
		if init == nil || init.External() || init.DataType != onnx.DataTypeFloat || len(init.Dims) < 2 {
			continue
		}
		w, err := init.ToOps()
		if err != nil {
			return changed, err
		}
		q, err := ops.QuantizeSymmetric(w, s.perChannel)
		if err != nil {
			return changed, fmt.Errorf("node %s: %w", n.Name, err)
		}
		g.Initializers = slices.DeleteFunc(g.Initializers, func(t *onnx.Tensor) bool { return t.Name == name })
		emitDequantize(g, name, q, i)
		i++
		done[name] = true
		changed++
	}
	return changed, nil
}

func eliminateDead(g *onnx.Graph, _ *settings) (int, error) {
	removed := 0
	for {
		idx := index(g)
		drop := map[*onnx.Node]bool{}
		for _, n := range g.Nodes {
			live := false
			for _, o := range n.Outputs {
				if idx.outputs[o] || idx.captured[o] || len(idx.consumers[o]) > 0 {
					live = true
					break
				}
			}
			if !live {
				drop[n] = true
			}
		}
		if len(drop) == 0 {
			break
		}
		removeNodes(g, drop)
		removed += len(drop)
	}

	idx := index(g)
	dead := map[string]bool{}
	g.Initializers = slices.DeleteFunc(g.Initializers, func(t *onnx.Tensor) bool {
		if len(idx.consumers[t.Name]) > 0 || idx.outputs[t.Name] || idx.captured[t.Name] {
			return false
		}
		dead[t.Name] = true
		return true
	})
	// older exporters also list initializers as graph inputs
	g.Inputs = slices.DeleteFunc(g.Inputs, func(v *onnx.ValueInfo) bool { return dead[v.Name] })
	removed += len(dead)
	if len(g.Nodes) == 0 {
		return removed, errors.New("graph has no live nodes")
	}
	return removed, nil
}
