// internal/core/errors.go
package core

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every HTM component.
var (
	// ErrConfiguration is returned when hyperparameters are missing or inconsistent.
	// No component is built when it occurs.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrOutOfRange is returned by a strict encoder for values outside [min, max].
	ErrOutOfRange = errors.New("input out of range")

	// ErrOutOfOrder is returned when strict ordering is on and a timestamp goes backwards.
	ErrOutOfOrder = errors.New("input out of order")

	// ErrInvalidColumn is returned when a column id does not exist.
	ErrInvalidColumn = errors.New("invalid column id")

	// ErrInputWidth is returned when a pattern does not match the configured width.
	ErrInputWidth = errors.New("input width mismatch")

	// ErrSnapshot is returned when a checkpoint cannot be decoded or does not fit the model.
	ErrSnapshot = errors.New("invalid snapshot")
)

// ConfigError - a single rejected configuration field
type ConfigError struct {
	Component string
	Field     string
	Reason    string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s.%s: %s", ErrConfiguration, e.Component, e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrConfiguration) match any ConfigError.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

// NewConfigError - shorthand used by the Validate methods
func NewConfigError(component, field, format string, args ...any) *ConfigError {
	return &ConfigError{
		Component: component,
		Field:     field,
		Reason:    fmt.Sprintf(format, args...),
	}
}
