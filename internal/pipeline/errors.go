package pipeline

import (
	"errors"
	"fmt"

	"car-forecast/internal/common"
	"car-forecast/internal/features"
	"car-forecast/internal/ml"
)

// ErrEmptyInput is returned by one-shot mode when no request was supplied.
var ErrEmptyInput = errors.New(common.ErrMsgNoInput)

// MalformedRequestError reports a request that is not a single JSON object.
type MalformedRequestError struct {
	Err error
}

func (e *MalformedRequestError) Error() string {
	return fmt.Sprintf("malformed request: %v", e.Err)
}

func (e *MalformedRequestError) Unwrap() error {
	return e.Err
}

// IsClientError reports whether err was caused by the request rather than the model.
func IsClientError(err error) bool {
	var ve *features.ValidationError
	var me *MalformedRequestError
	return errors.As(err, &ve) || errors.As(err, &me) || errors.Is(err, ErrEmptyInput)
}

// IsInferenceError reports whether err came from the preprocessor or classifier.
func IsInferenceError(err error) bool {
	var ie *ml.InferenceError
	return errors.As(err, &ie)
}
