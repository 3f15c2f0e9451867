//go:build !ORT && !ALL

package backends

import (
	"errors"

	"github.com/knights-analytics/medinfer/onnx"
	"github.com/knights-analytics/medinfer/options"
)

var errORTDisabled = errors.New("ORT is not enabled: build with the ORT or ALL tag")

func initialiseORT(_ *options.Options) (func() error, error) {
	return nil, errORTDisabled
}

func newORTEngine(_ *onnx.Artifact, _ options.ExecutionConfig, _ *options.Options) (engine, error) {
	return nil, errORTDisabled
}
