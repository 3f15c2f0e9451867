package pipelines

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/sync/semaphore"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/medinfer/backends"
	"github.com/knights-analytics/medinfer/nn"
	"github.com/knights-analytics/medinfer/onnx"
	"github.com/knights-analytics/medinfer/ops"
)

// Predictor names reported in results.
const (
	PredictorSession = "optimized_session"
	PredictorTrained = "trained_model"
	PredictorOtsu    = "otsu_fallback"
	PredictorPriors  = "prior_fallback"
)

// ErrPostcondition reports model output that cannot be turned into a valid result.
var ErrPostcondition = errors.New("postcondition violated")

// OutputKind tells postprocessing how to read raw predictor output.
type OutputKind int

const (
	Logits OutputKind = iota
	Probabilities
)

func (k OutputKind) String() string {
	if k == Probabilities {
		return "probabilities"
	}
	return "logits"
}

// Predictor maps a preprocessed [1, C, D, H, W] tensor to raw task output.
type Predictor interface {
	Name() string
	Kind() OutputKind
	Fallback() bool
	// Weight is the number of cores a prediction may keep busy.
	Weight() int64
	Predict(ctx context.Context, x *tensor.Dense) (*tensor.Dense, error)
}

// SessionPredictor runs a loaded inference artifact.
type SessionPredictor struct {
	session   *backends.Session
	inputName string
	rank      int
	kind      OutputKind
}

func NewSessionPredictor(session *backends.Session) (*SessionPredictor, error) {
	if session == nil {
		return nil, backends.ErrPreconditionViolated
	}
	names := session.InputNames()
	if len(names) != 1 {
		return nil, fmt.Errorf("artifact %s has %d inputs, expected one image input", session.Artifact.Path, len(names))
	}
	shape, _ := session.InputShape(names[0])
	if r := len(shape); r != 0 && r != 4 && r != 5 {
		return nil, fmt.Errorf("artifact %s input %s has rank %d, expected 4 or 5", session.Artifact.Path, names[0], r)
	}
	return &SessionPredictor{
		session:   session,
		inputName: names[0],
		rank:      len(shape),
		kind:      graphOutputKind(session.Artifact.Model.Graph),
	}, nil
}

func (p *SessionPredictor) Name() string     { return PredictorSession }
func (p *SessionPredictor) Kind() OutputKind { return p.kind }
func (p *SessionPredictor) Fallback() bool   { return false }
func (p *SessionPredictor) Weight() int64    { return p.session.Weight() }

func (p *SessionPredictor) Session() *backends.Session {
	return p.session
}

func (p *SessionPredictor) Predict(ctx context.Context, x *tensor.Dense) (*tensor.Dense, error) {
	in, restore, err := adaptRank(x, p.rank)
	if err != nil {
		return nil, err
	}
	outputs, err := p.session.Run(ctx, []backends.NamedTensor{{Name: p.inputName, Value: in}})
	if err != nil {
		return nil, err
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("%w: artifact %s produced no output", ErrPostcondition, p.session.Artifact.Path)
	}
	return restore(outputs[0])
}

// graphOutputKind treats graphs ending in Sigmoid or Softmax as producing probabilities.
func graphOutputKind(g *onnx.Graph) OutputKind {
	if len(g.Outputs) == 0 {
		return Logits
	}
	for _, n := range g.Nodes {
		if slices.Contains(n.Outputs, g.Outputs[0].Name) && (n.OpType == "Sigmoid" || n.OpType == "Softmax") {
			return Probabilities
		}
	}
	return Logits
}

// TrainedModelPredictor runs an in-memory model in evaluation mode, one forward pass at a time.
type TrainedModelPredictor struct {
	model *nn.Sequential
	pool  *ops.Pool
	kind  OutputKind
	sem   *semaphore.Weighted
}

// NewTrainedModelPredictor evaluates a copy of model with intra-op parallelism of threads.
func NewTrainedModelPredictor(model *nn.Sequential, threads int) *TrainedModelPredictor {
	eval := model.Clone().Eval()
	kind := Logits
	if layers := eval.Layers(); len(layers) > 0 {
		switch layers[len(layers)-1].Kind() {
		case nn.KindSigmoid, nn.KindSoftmax:
			kind = Probabilities
		}
	}
	return &TrainedModelPredictor{model: eval, pool: ops.NewPool(threads), kind: kind, sem: semaphore.NewWeighted(1)}
}

func (p *TrainedModelPredictor) Name() string     { return PredictorTrained }
func (p *TrainedModelPredictor) Kind() OutputKind { return p.kind }
func (p *TrainedModelPredictor) Fallback() bool   { return false }
func (p *TrainedModelPredictor) Weight() int64    { return int64(p.pool.Workers()) }

// Predict queues behind a pass in flight; ctx only bounds that wait.
func (p *TrainedModelPredictor) Predict(ctx context.Context, x *tensor.Dense) (*tensor.Dense, error) {
	in, err := fromDense(x)
	if err != nil {
		return nil, err
	}
	if err = p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)
	out, err := p.model.Forward(in, p.pool)
	if err != nil {
		return nil, err
	}
	return toDense(out), nil
}

func fromDense(x *tensor.Dense) (*ops.Tensor, error) {
	switch data := x.Data().(type) {
	case []float32:
		return ops.NewFloat(x.Shape(), slices.Clone(data))
	case float32:
		return ops.NewFloat(x.Shape(), []float32{data})
	default:
		return nil, fmt.Errorf("expected float32 tensor, got %T", data)
	}
}

func toDense(t *ops.Tensor) *tensor.Dense {
	return tensor.New(tensor.WithShape(slices.Clone(t.Shape)...), tensor.WithBacking(t.Float))
}

// adaptRank reshapes a [1, C, D, H, W] volume for a graph of the given input rank and returns the
// function mapping the graph output back. Rank-4 graphs see the depth slices as a batch; their
// segmentation output is stacked back along depth and their classification output is averaged.
func adaptRank(x *tensor.Dense, rank int) (*tensor.Dense, func(*tensor.Dense) (*tensor.Dense, error), error) {
	identity := func(out *tensor.Dense) (*tensor.Dense, error) { return out, nil }
	shape := x.Shape()
	if rank == 0 || rank == len(shape) {
		return x, identity, nil
	}
	if rank != 4 || len(shape) != 5 || shape[0] != 1 {
		return nil, nil, fmt.Errorf("cannot feed a tensor of shape %v to a rank %d input", shape, rank)
	}
	v, err := fromDense(x)
	if err != nil {
		return nil, nil, err
	}
	c, d, h, w := shape[1], shape[2], shape[3], shape[4]
	slicesFirst := swapAxes01(v.Float, c, d, h*w)
	in := tensor.New(tensor.WithShape(d, c, h, w), tensor.WithBacking(slicesFirst))

	restore := func(out *tensor.Dense) (*tensor.Dense, error) {
		o, err := fromDense(out)
		if err != nil {
			return nil, err
		}
		switch {
		case o.Rank() == 4 && o.Shape[0] == d:
			channels := o.Shape[1]
			data := swapAxes01(o.Float, d, channels, o.Shape[2]*o.Shape[3])
			return tensor.New(tensor.WithShape(1, channels, d, o.Shape[2], o.Shape[3]), tensor.WithBacking(data)), nil
		case o.Rank() == 2 && o.Shape[0] == d:
			n := o.Shape[1]
			mean := make([]float32, n)
			for s := range d {
				for j := range n {
					mean[j] += o.Float[s*n+j] / float32(d)
				}
			}
			return tensor.New(tensor.WithShape(1, n), tensor.WithBacking(mean)), nil
		default:
			return nil, fmt.Errorf("%w: slice-wise output of shape %v for %d slices", ErrPostcondition, o.Shape, d)
		}
	}
	return in, restore, nil
}

// swapAxes01 transposes the two leading axes of an [a, b, inner] buffer.
func swapAxes01(data []float32, a, b, inner int) []float32 {
	out := make([]float32, len(data))
	for i := range a {
		for j := range b {
			copy(out[(j*a+i)*inner:(j*a+i+1)*inner], data[(i*b+j)*inner:(i*b+j+1)*inner])
		}
	}
	return out
}
