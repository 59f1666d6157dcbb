package nn

import (
	"errors"
	"fmt"
)

// Sentinel errors returned (wrapped) by layer construction and passes.
var (
	// ErrPrecondition reports a bad argument detected before any work ran.
	ErrPrecondition = errors.New("precondition violated")

	// ErrInvalidConfig reports a configuration a layer cannot be built for.
	ErrInvalidConfig = errors.New("invalid layer configuration")

	// ErrUnknownHandle reports a handle no layer was created under.
	ErrUnknownHandle = errors.New("unknown layer handle")

	// ErrDevice reports a failure inside a primitive. The pass that hit it
	// produced no usable result.
	ErrDevice = errors.New("device failure")
)

// PreconditionError describes which argument of which operation was rejected.
type PreconditionError struct {
	Op     string // operation, e.g. "transformer forward"
	Arg    string // argument name, e.g. "input"
	Reason string
}

// Error implements the error interface.
func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Arg, e.Reason)
}

// Unwrap returns ErrPrecondition.
func (e *PreconditionError) Unwrap() error {
	return ErrPrecondition
}

// ConfigError describes an invalid configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

// Unwrap returns ErrInvalidConfig.
func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}
