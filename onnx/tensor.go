package onnx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	pb "github.com/advancedclimatesystems/gonnx/onnx"

	"github.com/knights-analytics/medinfer/ops"
	"github.com/knights-analytics/medinfer/util/safeconv"
)

// FromOps converts a kernel tensor into an initializer. Values are stored as raw little-endian data.
func FromOps(name string, t *ops.Tensor) *Tensor {
	out := &Tensor{Name: name, Dims: safeconv.IntSliceToInt64Slice(t.Shape)}
	switch t.DType {
	case ops.Float32:
		out.DataType = DataTypeFloat
		out.RawData = make([]byte, 4*len(t.Float))
		for i, v := range t.Float {
			binary.LittleEndian.PutUint32(out.RawData[4*i:], math.Float32bits(v))
		}
	case ops.Int8:
		out.DataType = DataTypeInt8
		out.RawData = make([]byte, len(t.Int8))
		for i, v := range t.Int8 {
			out.RawData[i] = byte(v)
		}
	case ops.Int64:
		out.DataType = DataTypeInt64
		out.RawData = make([]byte, 8*len(t.Int64))
		for i, v := range t.Int64 {
			binary.LittleEndian.PutUint64(out.RawData[8*i:], uint64(v))
		}
	}
	return out
}

// ErrExternalData is returned when the values of a tensor live in a file next to the model.
var ErrExternalData = errors.New("tensor data is stored externally")

// External reports whether the tensor values are stored outside the model file.
func (t *Tensor) External() bool {
	return t.source.GetDataLocation() == pb.TensorProto_EXTERNAL
}

// ToOps decodes the tensor values from whichever field the producer used.
func (t *Tensor) ToOps() (*ops.Tensor, error) {
	if t.External() {
		return nil, fmt.Errorf("tensor %s: %w", t.Name, ErrExternalData)
	}
	shape := safeconv.Int64SliceToIntSlice(t.Dims)
	n := ops.Size(shape)
	switch t.DataType {
	case DataTypeFloat:
		data := t.FloatData
		if len(t.RawData) > 0 {
			if len(t.RawData) != 4*n {
				return nil, fmt.Errorf("tensor %s: raw data has %d bytes, want %d", t.Name, len(t.RawData), 4*n)
			}
			data = make([]float32, n)
			for i := range data {
				data[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.RawData[4*i:]))
			}
		}
		return ops.NewFloat(shape, append([]float32(nil), data...))
	case DataTypeInt8, DataTypeUint8:
		data := make([]int8, 0, n)
		if len(t.RawData) > 0 {
			for _, v := range t.RawData {
				if t.DataType == DataTypeUint8 && v > math.MaxInt8 {
					return nil, fmt.Errorf("tensor %s: uint8 value %d does not fit int8", t.Name, v)
				}
				data = append(data, int8(v))
			}
		} else {
			for _, v := range t.Int32Data {
				data = append(data, int8(v))
			}
		}
		return ops.NewInt8(shape, data)
	case DataTypeInt64:
		data := append([]int64(nil), t.Int64Data...)
		if len(t.RawData) > 0 {
			if len(t.RawData) != 8*n {
				return nil, fmt.Errorf("tensor %s: raw data has %d bytes, want %d", t.Name, len(t.RawData), 8*n)
			}
			data = make([]int64, n)
			for i := range data {
				data[i] = int64(binary.LittleEndian.Uint64(t.RawData[8*i:]))
			}
		}
		return ops.NewInt64(shape, data)
	}
	return nil, fmt.Errorf("tensor %s: unsupported data type %d", t.Name, t.DataType)
}
