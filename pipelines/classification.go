package pipelines

import (
	"context"
	"fmt"
	"math"

	jsoniter "github.com/json-iterator/go"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/medinfer/onnx"
	"github.com/knights-analytics/medinfer/ops"
)

// DefaultClassLabels are the chest X-ray findings reported when neither the artifact nor the options
// name the classes.
var DefaultClassLabels = []string{
	"Atelectasis", "Cardiomegaly", "Effusion", "Infiltration", "Mass", "Nodule", "Pneumonia",
	"Pneumothorax", "Consolidation", "Edema", "Emphysema", "Fibrosis", "Pleural_Thickening", "Hernia",
}

// ResolveLabels picks the class labels from artifact metadata, then configured, then DefaultClassLabels.
func ResolveLabels(metadata map[string]string, configured []string) ([]string, error) {
	if raw, ok := metadata[onnx.MetaClassLabels]; ok && raw != "" {
		var labels []string
		if err := jsoniter.UnmarshalFromString(raw, &labels); err != nil {
			return nil, fmt.Errorf("decoding %s metadata: %w", onnx.MetaClassLabels, err)
		}
		if len(labels) > 0 {
			return labels, nil
		}
	}
	if len(configured) > 0 {
		return configured, nil
	}
	return DefaultClassLabels, nil
}

// Classification turns predictor output into independent per-label confidences.
type Classification struct {
	predictor Predictor
	labels    []string
}

func NewClassification(predictor Predictor, labels []string) *Classification {
	return &Classification{predictor: predictor, labels: labels}
}

func (c *Classification) Predictor() Predictor {
	return c.predictor
}

func (c *Classification) Labels() []string {
	return append([]string(nil), c.labels...)
}

func (c *Classification) Forward(ctx context.Context, x *tensor.Dense) (*tensor.Dense, error) {
	return c.predictor.Predict(ctx, x)
}

// Postprocess maps a [1, N] output onto the labels. Logits go through a sigmoid each, so the
// confidences need not sum to one.
func (c *Classification) Postprocess(raw *tensor.Dense) (map[string]float32, error) {
	out, err := fromDense(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPostcondition, err)
	}
	if out.Len() != len(c.labels) || (out.Rank() > 0 && out.Shape[0] != 1) {
		return nil, fmt.Errorf("%w: classification output %v does not match %d labels", ErrPostcondition, out.Shape, len(c.labels))
	}
	confidences := make(map[string]float32, len(c.labels))
	for i, label := range c.labels {
		v := out.Float[i]
		if c.predictor.Kind() == Logits {
			v = ops.SigmoidScalar(v)
		}
		if math.IsNaN(float64(v)) || v < 0 || v > 1 {
			return nil, fmt.Errorf("%w: confidence %v for %s outside [0, 1]", ErrPostcondition, v, label)
		}
		confidences[label] = v
	}
	return confidences, nil
}
