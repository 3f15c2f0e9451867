package nn

import (
	"fmt"
	"slices"

	"github.com/knights-analytics/medinfer/ops"
)

// Sequential chains layers in order. Layer names are unique within a model.
type Sequential struct {
	name   string
	layers []Layer
}

func NewSequential(name string, layers ...Layer) (*Sequential, error) {
	seen := make(map[string]struct{}, len(layers))
	for _, l := range layers {
		if l == nil {
			return nil, fmt.Errorf("model %s: nil layer", name)
		}
		if _, ok := seen[l.Name()]; ok {
			return nil, fmt.Errorf("model %s: duplicate layer name %q", name, l.Name())
		}
		seen[l.Name()] = struct{}{}
	}
	return &Sequential{name: name, layers: slices.Clone(layers)}, nil
}

func (s *Sequential) Name() string {
	return s.name
}

// Layers returns the layers in execution order. The slice is a copy; the layers are shared.
func (s *Sequential) Layers() []Layer {
	return slices.Clone(s.layers)
}

func (s *Sequential) Forward(x *ops.Tensor, pool *ops.Pool) (*ops.Tensor, error) {
	var err error
	for _, l := range s.layers {
		x, err = l.Forward(x, pool)
		if err != nil {
			return nil, fmt.Errorf("layer %s (%s): %w", l.Name(), l.Kind(), err)
		}
	}
	return x, nil
}

// Eval switches every layer to evaluation mode.
func (s *Sequential) Eval() *Sequential {
	for _, l := range s.layers {
		l.SetTraining(false)
	}
	return s
}

// Train switches every layer to training mode.
func (s *Sequential) Train() *Sequential {
	for _, l := range s.layers {
		l.SetTraining(true)
	}
	return s
}

// TrainingLayers lists the layers still in training mode.
func (s *Sequential) TrainingLayers() []Layer {
	var out []Layer
	for _, l := range s.layers {
		if l.Training() {
			out = append(out, l)
		}
	}
	return out
}

// WithLayers returns a new model with the same name and the given layers.
func (s *Sequential) WithLayers(layers []Layer) *Sequential {
	return &Sequential{name: s.name, layers: slices.Clone(layers)}
}

func (s *Sequential) Clone() *Sequential {
	layers := make([]Layer, len(s.layers))
	for i, l := range s.layers {
		layers[i] = l.Clone()
	}
	return &Sequential{name: s.name, layers: layers}
}
