package inventory

import (
	"errors"
	"fmt"
)

// ConfigurationError reports that the inventory file could not be read or parsed.
type ConfigurationError struct {
	Path string
	Err  error
}

func (e *ConfigurationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("inventory: %v", e.Err)
	}
	return fmt.Sprintf("inventory %s: %v", e.Path, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// IsConfiguration reports whether err is or wraps a *ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
