package launcher

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError means the spec was rejected before any OS call. It is never retried.
type ValidationError struct {
	Name     string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("process %s failed validation: %s", e.Name, strings.Join(e.Problems, "; "))
}

// StartError means the OS refused to create the process. It is retryable.
type StartError struct {
	Name     string
	Attempts int
	Err      error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start %s (attempt %d): %v", e.Name, e.Attempts, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsStart(err error) bool {
	var se *StartError
	return errors.As(err, &se)
}
