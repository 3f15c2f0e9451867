package optimizer

import (
	"errors"
	"fmt"
)

// ErrEvaluationModeRequired is returned when a model with layers still in training mode is exported.
var ErrEvaluationModeRequired = errors.New("model must be in evaluation mode")

// ExportError reports a failure to publish an artifact. No file is left at Path when it is returned.
type ExportError struct {
	Path string
	Err  error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("exporting artifact to %s: %s", e.Path, e.Err)
}

func (e *ExportError) Unwrap() error {
	return e.Err
}

func IsExportError(err error) bool {
	var e *ExportError
	return errors.As(err, &e)
}
