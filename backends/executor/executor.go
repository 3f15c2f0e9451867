// Package executor interprets ONNX graphs on the CPU with the shared ops kernels.
package executor

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/knights-analytics/medinfer/onnx"
	"github.com/knights-analytics/medinfer/ops"
	"github.com/knights-analytics/medinfer/optimizer"
	"github.com/knights-analytics/medinfer/options"
)

var (
	ErrUnsupportedOperator = errors.New("unsupported operator")
	ErrInputMismatch       = errors.New("input does not match graph")
)

// Port is a graph input or output bound to a value slot.
type Port struct {
	Name  string
	Shape []onnx.Dimension
	slot  int
}

type step struct {
	node *onnx.Node
	run  kernel
	in   []int
	out  []int
}

// Executor is a compiled graph. It is immutable after New and Run may be called concurrently.
type Executor struct {
	cfg     options.ExecutionConfig
	pool    *ops.Pool
	steps   []step
	waves   [][]int
	slots   int
	consts  map[int]*ops.Tensor
	inputs  []Port
	outputs []Port
	folded  int
}

// New compiles the graph of m for cfg. The model is not modified; rewrites for the optimization level
// are applied to a copy:
//
//   - basic: Identity and Dropout removal, constant folding (for example DequantizeLinear of weights),
//   - extended and all: additionally Conv+BatchNormalization folding.
func New(m *onnx.Model, cfg options.ExecutionConfig) (*Executor, error) {
	if m == nil || m.Graph == nil {
		return nil, errors.New("model has no graph")
	}
	g := m.Graph
	if cfg.OptimizationLevel > options.GraphOptimizationLevelDisableAll {
		clone, err := m.Clone()
		if err != nil {
			return nil, err
		}
		g = clone.Graph
		foldBN := cfg.OptimizationLevel >= options.GraphOptimizationLevelEnableExtended
		if err = optimizer.SimplifyGraph(g, foldBN); err != nil {
			return nil, err
		}
	}

	e := &Executor{cfg: cfg, pool: ops.NewPool(cfg.IntraOpThreads), consts: map[int]*ops.Tensor{}}
	slot := map[string]int{}
	slotOf := func(name string) int {
		if s, ok := slot[name]; ok {
			return s
		}
		slot[name] = e.slots
		e.slots++
		return slot[name]
	}

	for _, init := range g.Initializers {
		t, err := init.ToOps()
		if err != nil {
			return nil, fmt.Errorf("initializer %s: %w", init.Name, err)
		}
		e.consts[slotOf(init.Name)] = t
	}
	available := map[string]bool{}
	for name := range slot {
		available[name] = true
	}
	for _, in := range g.GraphInputs() {
		e.inputs = append(e.inputs, Port{Name: in.Name, Shape: in.Shape, slot: slotOf(in.Name)})
		available[in.Name] = true
	}

	ordered, err := topoSort(g.Nodes, available)
	if err != nil {
		return nil, err
	}
	for _, n := range ordered {
		run, ok := kernels[n.OpType]
		if !ok {
			return nil, fmt.Errorf("%w: %s (node %s)", ErrUnsupportedOperator, n.OpType, n.Name)
		}
		if n.OpType == "Dropout" && len(n.Outputs) > 1 && n.Outputs[1] != "" {
			return nil, fmt.Errorf("%w: Dropout mask output (node %s)", ErrUnsupportedOperator, n.Name)
		}
		s := step{node: n, run: run}
		for _, in := range n.Inputs {
			if in == "" {
				s.in = append(s.in, -1)
				continue
			}
			s.in = append(s.in, slotOf(in))
		}
		for _, out := range n.Outputs {
			s.out = append(s.out, slotOf(out))
		}
		e.steps = append(e.steps, s)
	}

	for _, out := range g.Outputs {
		if !available[out.Name] {
			return nil, fmt.Errorf("graph output %s is never produced", out.Name)
		}
		e.outputs = append(e.outputs, Port{Name: out.Name, Shape: out.Shape, slot: slotOf(out.Name)})
	}

	if cfg.OptimizationLevel > options.GraphOptimizationLevelDisableAll {
		if err = e.foldConstants(); err != nil {
			return nil, err
		}
	}
	e.schedule()
	return e, nil
}

// topoSort orders nodes so that every input is produced before it is consumed. Ties keep graph order.
func topoSort(nodes []*onnx.Node, available map[string]bool) ([]*onnx.Node, error) {
	ordered := make([]*onnx.Node, 0, len(nodes))
	pending := slices.Clone(nodes)
	for len(pending) > 0 {
		progressed := false
		pending = slices.DeleteFunc(pending, func(n *onnx.Node) bool {
			for _, in := range n.Inputs {
				if in != "" && !available[in] {
					return false
				}
			}
			for _, out := range n.Outputs {
				available[out] = true
			}
			ordered = append(ordered, n)
			progressed = true
			return true
		})
		if !progressed {
			missing := []string{}
			for _, n := range pending {
				missing = append(missing, n.Name)
			}
			return nil, fmt.Errorf("nodes %v have inputs that are never produced or form a cycle", missing)
		}
	}
	return ordered, nil
}

// foldConstants evaluates steps whose inputs are all constants once, at compile time.
func (e *Executor) foldConstants() error {
	kept := e.steps[:0]
	for _, s := range e.steps {
		in, ok := e.gather(s, e.consts)
		if !ok {
			kept = append(kept, s)
			continue
		}
		out, err := s.run(e.pool, s.node, in)
		if err != nil {
			return fmt.Errorf("folding %s: %w", s.node.Name, err)
		}
		for i, o := range out {
			if i < len(s.out) {
				e.consts[s.out[i]] = o
			}
		}
		e.folded++
	}
	e.steps = kept
	return nil
}

func (e *Executor) gather(s step, values map[int]*ops.Tensor) ([]*ops.Tensor, bool) {
	in := make([]*ops.Tensor, len(s.in))
	for i, slot := range s.in {
		if slot < 0 {
			continue
		}
		v, ok := values[slot]
		if !ok {
			return nil, false
		}
		in[i] = v
	}
	return in, true
}

// schedule groups steps into waves: every step in a wave only depends on earlier waves.
func (e *Executor) schedule() {
	level := make([]int, e.slots)
	e.waves = nil
	for i, s := range e.steps {
		l := 0
		for _, in := range s.in {
			if in >= 0 {
				l = max(l, level[in])
			}
		}
		for _, out := range s.out {
			level[out] = l + 1
		}
		for len(e.waves) <= l {
			e.waves = append(e.waves, nil)
		}
		e.waves[l] = append(e.waves[l], i)
	}
}

func (e *Executor) Inputs() []Port {
	return slices.Clone(e.inputs)
}

func (e *Executor) Outputs() []Port {
	return slices.Clone(e.outputs)
}

// Steps is the number of nodes evaluated per run after compile-time rewrites.
func (e *Executor) Steps() int {
	return len(e.steps)
}

// Folded is the number of nodes evaluated once at compile time.
func (e *Executor) Folded() int {
	return e.folded
}

// Run evaluates the graph for the named inputs and returns the graph outputs in declaration order.
// Context cancellation is only observed before evaluation starts.
func (e *Executor) Run(ctx context.Context, inputs map[string]*ops.Tensor) ([]*ops.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	values := make([]*ops.Tensor, e.slots)
	for s, t := range e.consts {
		values[s] = t
	}
	for _, p := range e.inputs {
		t, ok := inputs[p.Name]
		if !ok || t == nil {
			return nil, fmt.Errorf("%w: missing input %s", ErrInputMismatch, p.Name)
		}
		if err := checkShape(p, t); err != nil {
			return nil, err
		}
		values[p.slot] = t
	}

	var err error
	if e.cfg.Mode == options.ExecutionModeParallel && e.cfg.InterOpThreads > 1 {
		err = e.runParallel(values)
	} else {
		for _, s := range e.steps {
			if err = e.runStep(s, values); err != nil {
				break
			}
		}
	}
	if err != nil {
		return nil, err
	}

	outputs := make([]*ops.Tensor, len(e.outputs))
	for i, p := range e.outputs {
		outputs[i] = values[p.slot]
	}
	return outputs, nil
}

func (e *Executor) runParallel(values []*ops.Tensor) error {
	for _, wave := range e.waves {
		if len(wave) == 1 {
			if err := e.runStep(e.steps[wave[0]], values); err != nil {
				return err
			}
			continue
		}
		var g errgroup.Group
		g.SetLimit(e.cfg.InterOpThreads)
		for _, i := range wave {
			g.Go(func() error {
				return e.runStep(e.steps[i], values)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// runStep reads only slots written by earlier waves and writes only its own output slots.
func (e *Executor) runStep(s step, values []*ops.Tensor) error {
	in := make([]*ops.Tensor, len(s.in))
	for i, slot := range s.in {
		if slot >= 0 {
			in[i] = values[slot]
		}
	}
	out, err := s.run(e.pool, s.node, in)
	if err != nil {
		return fmt.Errorf("node %s (%s): %w", s.node.Name, s.node.OpType, err)
	}
	if len(out) < len(s.out) {
		return fmt.Errorf("node %s (%s): produced %d outputs, want %d", s.node.Name, s.node.OpType, len(out), len(s.out))
	}
	for i, slot := range s.out {
		values[slot] = out[i]
	}
	return nil
}

func checkShape(p Port, t *ops.Tensor) error {
	if len(p.Shape) == 0 {
		return nil
	}
	if t.Rank() != len(p.Shape) {
		return fmt.Errorf("%w: input %s has rank %d, graph expects %d", ErrInputMismatch, p.Name, t.Rank(), len(p.Shape))
	}
	for i, d := range p.Shape {
		if d.Dynamic() || d.Value <= 0 {
			continue
		}
		if int64(t.Shape[i]) != d.Value {
			return fmt.Errorf("%w: input %s has shape %v, dimension %d must be %d", ErrInputMismatch, p.Name, t.Shape, i, d.Value)
		}
	}
	return nil
}
