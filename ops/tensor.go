// Package ops holds the numeric kernels shared by the nn forward pass and the native graph executor.
// Both paths run the same code so that an exported graph reproduces the in-memory model.
package ops

import (
	"fmt"
	"slices"
)

type DType int

const (
	Float32 DType = iota
	Int8
	Int64
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Int8:
		return "int8"
	case Int64:
		return "int64"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// Tensor is a dense row-major tensor. Exactly one of the backing slices is populated, selected by DType.
type Tensor struct {
	Shape []int
	DType DType
	Float []float32
	Int8  []int8
	Int64 []int64
}

// Size returns the number of elements described by shape.
func Size(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func NewFloat(shape []int, data []float32) (*Tensor, error) {
	if data == nil {
		data = make([]float32, Size(shape))
	}
	if len(data) != Size(shape) {
		return nil, fmt.Errorf("shape %v needs %d elements, got %d", shape, Size(shape), len(data))
	}
	return &Tensor{Shape: slices.Clone(shape), DType: Float32, Float: data}, nil
}

// Zeros allocates a float tensor. It panics on negative dimensions only.
func Zeros(shape ...int) *Tensor {
	return &Tensor{Shape: slices.Clone(shape), DType: Float32, Float: make([]float32, Size(shape))}
}

func NewInt8(shape []int, data []int8) (*Tensor, error) {
	if len(data) != Size(shape) {
		return nil, fmt.Errorf("shape %v needs %d elements, got %d", shape, Size(shape), len(data))
	}
	return &Tensor{Shape: slices.Clone(shape), DType: Int8, Int8: data}, nil
}

func NewInt64(shape []int, data []int64) (*Tensor, error) {
	if len(data) != Size(shape) {
		return nil, fmt.Errorf("shape %v needs %d elements, got %d", shape, Size(shape), len(data))
	}
	return &Tensor{Shape: slices.Clone(shape), DType: Int64, Int64: data}, nil
}

func (t *Tensor) Len() int {
	return Size(t.Shape)
}

func (t *Tensor) Rank() int {
	return len(t.Shape)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape: slices.Clone(t.Shape),
		DType: t.DType,
		Float: slices.Clone(t.Float),
		Int8:  slices.Clone(t.Int8),
		Int64: slices.Clone(t.Int64),
	}
}

// Reshape returns a view sharing the backing data with a new shape.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if Size(shape) != t.Len() {
		return nil, fmt.Errorf("cannot reshape %v into %v", t.Shape, shape)
	}
	out := *t
	out.Shape = slices.Clone(shape)
	return &out, nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%s, %v)", t.DType, t.Shape)
}

func expectFloat(name string, t *Tensor) error {
	if t == nil {
		return fmt.Errorf("%s: missing tensor", name)
	}
	if t.DType != Float32 {
		return fmt.Errorf("%s: expected float32 tensor, got %s", name, t.DType)
	}
	return nil
}
