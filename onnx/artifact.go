package onnx

import (
	"fmt"
	"maps"

	"github.com/zeebo/xxh3"

	"github.com/knights-analytics/medinfer/util/fileutil"
)

// Metadata keys written into artifacts.
const (
	MetaTask          = "medinfer.task"
	MetaClassLabels   = "medinfer.class_labels"
	MetaQuantized     = "medinfer.quantized"
	MetaPostOptimized = "medinfer.post_optimized"
)

// Artifact describes a published model file. It is a read-only view; the file it points at is never
// modified once written.
type Artifact struct {
	Path        string
	Opset       int64
	InputNames  []string
	OutputNames []string
	// DynamicAxes maps a tensor name to the index of its symbolic (batch) axis.
	DynamicAxes map[string]int
	Metadata    map[string]string
	Fingerprint uint64
	Size        int
	Model       *Model
}

// Describe builds the artifact view of an encoded model.
func Describe(path string, data []byte, m *Model) *Artifact {
	a := &Artifact{
		Path:        path,
		Opset:       m.Opset(),
		DynamicAxes: map[string]int{},
		Metadata:    make(map[string]string, len(m.MetadataProps)),
		Fingerprint: xxh3.Hash(data),
		Size:        len(data),
		Model:       m,
	}
	for _, in := range m.Graph.GraphInputs() {
		a.InputNames = append(a.InputNames, in.Name)
		a.addDynamic(in)
	}
	for _, out := range m.Graph.Outputs {
		a.OutputNames = append(a.OutputNames, out.Name)
		a.addDynamic(out)
	}
	for _, e := range m.MetadataProps {
		a.Metadata[e.Key] = e.Value
	}
	return a
}

func (a *Artifact) addDynamic(v *ValueInfo) {
	for i, d := range v.Shape {
		if d.Dynamic() {
			a.DynamicAxes[v.Name] = i
			return
		}
	}
}

// MetadataCopy returns a copy of the metadata table.
func (a *Artifact) MetadataCopy() map[string]string {
	return maps.Clone(a.Metadata)
}

// ReadArtifact loads and decodes the model at path (local or s3://).
func ReadArtifact(path string) (*Artifact, error) {
	data, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return nil, err
	}
	m, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return Describe(path, data, m), nil
}

// WriteArtifact encodes m and publishes it atomically at path.
func WriteArtifact(path string, m *Model) (*Artifact, error) {
	data, err := m.Marshal()
	if err != nil {
		return nil, err
	}
	if err = fileutil.WriteFileAtomic(path, data); err != nil {
		return nil, err
	}
	return Describe(path, data, m), nil
}
