package validator

import (
	"errors"
	"fmt"
)

// PermissionError means the daemon lacks rights to a file or process.
// It is a warning; callers continue.
type PermissionError struct {
	Path string
	Err  error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied for %s: %v", e.Path, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

func IsPermission(err error) bool {
	var pe *PermissionError
	return errors.As(err, &pe)
}
