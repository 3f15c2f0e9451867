package backends

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/samber/mo"
	"golang.org/x/sync/semaphore"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/medinfer/onnx"
	"github.com/knights-analytics/medinfer/options"
)

var (
	// ErrPreconditionViolated is returned when inference is requested without a loaded session.
	ErrPreconditionViolated = errors.New("precondition violated: no inference session")
	ErrInvalidInput         = errors.New("invalid session input")
)

// NamedTensor binds a value to a graph input name.
type NamedTensor struct {
	Name  string
	Value *tensor.Dense
}

// engine is the backend specific part of a session.
type engine interface {
	run(ctx context.Context, inputs []NamedTensor) ([]*tensor.Dense, error)
	destroy() error
}

// Session is a loaded artifact bound to an execution configuration. It keeps no state between runs;
// at most one Run is in flight at a time.
type Session struct {
	Artifact *onnx.Artifact
	Config   options.ExecutionConfig
	Backend  string
	engine   engine
	sem      *semaphore.Weighted
	runs     atomic.Uint64
	busy     atomic.Int64
}

func newSession(artifact *onnx.Artifact, cfg options.ExecutionConfig, backend string, e engine) *Session {
	return &Session{Artifact: artifact, Config: cfg, Backend: backend, engine: e, sem: semaphore.NewWeighted(1)}
}

// Run executes the graph once. Outputs follow the artifact's output order. Callers queue while another
// call is in flight; ctx only bounds that wait.
func (s *Session) Run(ctx context.Context, inputs []NamedTensor) ([]*tensor.Dense, error) {
	if s == nil || s.engine == nil {
		return nil, ErrPreconditionViolated
	}
	if err := s.validate(inputs); err != nil {
		return nil, err
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	start := time.Now()
	outputs, err := s.engine.run(ctx, inputs)
	s.busy.Add(int64(time.Since(start)))
	if err != nil {
		return nil, fmt.Errorf("running %s: %w", s.Artifact.Path, err)
	}
	s.runs.Add(1)
	return outputs, nil
}

// Run executes session when present and returns ErrPreconditionViolated when it is absent.
func Run(ctx context.Context, session mo.Option[*Session], inputs []NamedTensor) ([]*tensor.Dense, error) {
	s, ok := session.Get()
	if !ok {
		return nil, ErrPreconditionViolated
	}
	return s.Run(ctx, inputs)
}

func (s *Session) InputNames() []string {
	return slices.Clone(s.Artifact.InputNames)
}

func (s *Session) OutputNames() []string {
	return slices.Clone(s.Artifact.OutputNames)
}

// InputShape returns the declared shape of the named input; -1 marks a dynamic dimension.
func (s *Session) InputShape(name string) ([]int, bool) {
	for _, in := range s.Artifact.Model.Graph.GraphInputs() {
		if in.Name != name {
			continue
		}
		shape := make([]int, len(in.Shape))
		for i, d := range in.Shape {
			shape[i] = -1
			if !d.Dynamic() && d.Value > 0 {
				shape[i] = int(d.Value)
			}
		}
		return shape, true
	}
	return nil, false
}

// Weight is the number of cores a Run may keep busy.
func (s *Session) Weight() int64 {
	return s.Config.Weight()
}

type SessionStatistics struct {
	Runs          uint64
	TotalDuration time.Duration
	AvgDuration   time.Duration
}

func (s *Session) Statistics() SessionStatistics {
	stats := SessionStatistics{Runs: s.runs.Load(), TotalDuration: time.Duration(s.busy.Load())}
	if stats.Runs > 0 {
		stats.AvgDuration = stats.TotalDuration / time.Duration(stats.Runs)
	}
	return stats
}

func (s *Session) Destroy() error {
	if s == nil || s.engine == nil {
		return nil
	}
	return s.engine.destroy()
}

func (s *Session) validate(inputs []NamedTensor) error {
	provided := map[string]*tensor.Dense{}
	for _, in := range inputs {
		if in.Value == nil {
			return fmt.Errorf("%w: input %s has no value", ErrInvalidInput, in.Name)
		}
		if !slices.Contains(s.Artifact.InputNames, in.Name) {
			return fmt.Errorf("%w: unknown input %s, graph inputs are %v", ErrInvalidInput, in.Name, s.Artifact.InputNames)
		}
		if in.Value.Dtype() != tensor.Float32 {
			return fmt.Errorf("%w: input %s must be float32, got %s", ErrInvalidInput, in.Name, in.Value.Dtype())
		}
		provided[in.Name] = in.Value
	}
	for _, name := range s.Artifact.InputNames {
		v, ok := provided[name]
		if !ok {
			return fmt.Errorf("%w: missing input %s", ErrInvalidInput, name)
		}
		shape, _ := s.InputShape(name)
		if len(shape) == 0 {
			continue
		}
		if len(shape) != v.Dims() {
			return fmt.Errorf("%w: input %s has rank %d, graph expects %d", ErrInvalidInput, name, v.Dims(), len(shape))
		}
		for i, d := range shape {
			if d > 0 && v.Shape()[i] != d {
				return fmt.Errorf("%w: input %s has shape %v, graph expects %v", ErrInvalidInput, name, v.Shape(), shape)
			}
		}
	}
	return nil
}

// float32Data returns a copy of the float32 backing data of t.
func float32Data(t *tensor.Dense) ([]float32, error) {
	switch data := t.Data().(type) {
	case []float32:
		return slices.Clone(data), nil
	case float32:
		return []float32{data}, nil
	default:
		return nil, fmt.Errorf("%w: expected float32 data, got %T", ErrInvalidInput, data)
	}
}
