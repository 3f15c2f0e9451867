package nn

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/knights-analytics/medinfer/ops"
	"github.com/knights-analytics/medinfer/util/fileutil"
)

// Checkpoint is a model together with the task it was trained for.
type Checkpoint struct {
	Task   string
	Labels []string
	Model  *Sequential
}

type checkpointFile struct {
	Name   string      `yaml:"name"`
	Task   string      `yaml:"task,omitempty"`
	Labels []string    `yaml:"labels,omitempty"`
	Seed   uint64      `yaml:"seed,omitempty"`
	Layers []layerSpec `yaml:"layers"`
}

// layerSpec is the on-disk form of a layer. Dense and convolution layers either carry their
// weights or only their sizes (in, out, kernel), in which case weights are drawn from the seed.
type layerSpec struct {
	Name     string    `yaml:"name"`
	Kind     Kind      `yaml:"kind"`
	Training bool      `yaml:"training,omitempty"`
	In       int       `yaml:"in,omitempty"`
	Out      int       `yaml:"out,omitempty"`
	Kernel   []int     `yaml:"kernel,omitempty"`
	Shape    []int     `yaml:"shape,omitempty"`
	Weights  []float32 `yaml:"weights,omitempty,flow"`
	Bias     []float32 `yaml:"bias,omitempty,flow"`
	Strides  []int     `yaml:"strides,omitempty,flow"`
	Pads     []int     `yaml:"pads,omitempty,flow"`
	Rate     float64   `yaml:"rate,omitempty"`
	Axis     *int      `yaml:"axis,omitempty"`
	Scale    []float32 `yaml:"scale,omitempty,flow"`
	Shift    []float32 `yaml:"shift,omitempty,flow"`
	Mean     []float32 `yaml:"mean,omitempty,flow"`
	Var      []float32 `yaml:"var,omitempty,flow"`
	Epsilon  float32   `yaml:"epsilon,omitempty"`
	Channels int       `yaml:"channels,omitempty"`
}

func LoadCheckpoint(path string) (*Checkpoint, error) {
	b, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint %s: %w", path, err)
	}
	c, err := ParseCheckpoint(b)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	return c, nil
}

func ParseCheckpoint(b []byte) (*Checkpoint, error) {
	var f checkpointFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	if len(f.Layers) == 0 {
		return nil, fmt.Errorf("no layers")
	}
	layers := make([]Layer, 0, len(f.Layers))
	for i, spec := range f.Layers {
		if spec.Name == "" {
			spec.Name = fmt.Sprintf("%s_%d", spec.Kind, i)
		}
		l, err := spec.build(f.Seed + uint64(i))
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", i, spec.Name, err)
		}
		l.SetTraining(spec.Training)
		layers = append(layers, l)
	}
	name := f.Name
	if name == "" {
		name = f.Task
	}
	model, err := NewSequential(name, layers...)
	if err != nil {
		return nil, err
	}
	return &Checkpoint{Task: f.Task, Labels: f.Labels, Model: model}, nil
}

func (s layerSpec) build(seed uint64) (Layer, error) {
	switch s.Kind {
	case KindDense:
		if s.Weights == nil {
			if s.In <= 0 || s.Out <= 0 {
				return nil, fmt.Errorf("dense layer needs weights or in/out sizes")
			}
			return RandomDense(s.Name, s.In, s.Out, NewRand(seed)), nil
		}
		w, b, err := s.tensors()
		if err != nil {
			return nil, err
		}
		return NewDense(s.Name, w, b)
	case KindConv2D, KindConv3D:
		if s.Weights == nil {
			want := 2
			if s.Kind == KindConv3D {
				want = 3
			}
			if s.In <= 0 || s.Out <= 0 || len(s.Kernel) != want {
				return nil, fmt.Errorf("%s layer needs weights or in/out/kernel sizes", s.Kind)
			}
			return RandomConv(s.Name, s.In, s.Out, s.Kernel, NewRand(seed)), nil
		}
		w, b, err := s.tensors()
		if err != nil {
			return nil, err
		}
		return NewConv(s.Name, w, b, s.Strides, s.Pads)
	case KindReLU:
		return NewReLU(s.Name), nil
	case KindSigmoid:
		return NewSigmoid(s.Name), nil
	case KindSoftmax:
		l := NewSoftmax(s.Name)
		if s.Axis != nil {
			l.Axis = *s.Axis
		}
		return l, nil
	case KindFlatten:
		return NewFlatten(s.Name), nil
	case KindDropout:
		return NewDropout(s.Name, s.Rate, seed)
	case KindBatchNorm:
		if s.Scale == nil && s.Channels > 0 {
			return IdentityBatchNorm(s.Name, s.Channels), nil
		}
		n := len(s.Scale)
		if n == 0 {
			return nil, fmt.Errorf("batchnorm layer needs parameters or a channel count")
		}
		vec := func(v []float32) *ops.Tensor {
			t, err := ops.NewFloat([]int{len(v)}, v)
			if err != nil || len(v) != n {
				return nil
			}
			return t
		}
		return NewBatchNorm(s.Name, vec(s.Scale), vec(s.Shift), vec(s.Mean), vec(s.Var), s.Epsilon)
	}
	return nil, fmt.Errorf("unknown layer kind %q", s.Kind)
}

func (s layerSpec) tensors() (*ops.Tensor, *ops.Tensor, error) {
	w, err := ops.NewFloat(s.Shape, s.Weights)
	if err != nil {
		return nil, nil, fmt.Errorf("weights: %w", err)
	}
	if s.Bias == nil {
		return w, nil, nil
	}
	b, err := ops.NewFloat([]int{len(s.Bias)}, s.Bias)
	if err != nil {
		return nil, nil, fmt.Errorf("bias: %w", err)
	}
	return w, b, nil
}

// Marshal serialises the checkpoint with explicit weights. Quantized layers are written dequantized.
func (c *Checkpoint) Marshal() ([]byte, error) {
	f := checkpointFile{Name: c.Model.Name(), Task: c.Task, Labels: c.Labels}
	for _, l := range c.Model.Layers() {
		spec := layerSpec{Name: l.Name(), Kind: l.Kind(), Training: l.Training()}
		switch layer := l.(type) {
		case *Dense:
			w := layer.Weights()
			spec.Shape, spec.Weights = w.Shape, w.Float
			if layer.Bias() != nil {
				spec.Bias = layer.Bias().Float
			}
		case *Conv:
			w := layer.Weights()
			spec.Shape, spec.Weights = w.Shape, w.Float
			if layer.Bias() != nil {
				spec.Bias = layer.Bias().Float
			}
			spec.Strides, spec.Pads = layer.Strides, layer.Pads
		case *Softmax:
			axis := layer.Axis
			spec.Axis = &axis
		case *Dropout:
			spec.Rate = layer.Rate
		case *BatchNorm:
			spec.Scale, spec.Shift = layer.Scale.Float, layer.Shift.Float
			spec.Mean, spec.Var = layer.RunningMean.Float, layer.RunningVar.Float
			spec.Epsilon = layer.Epsilon
		}
		f.Layers = append(f.Layers, spec)
	}
	return yaml.Marshal(&f)
}

func SaveCheckpoint(path string, c *Checkpoint) error {
	b, err := c.Marshal()
	if err != nil {
		return err
	}
	return fileutil.WriteFileAtomic(path, b)
}
