package dynamo

import (
	"errors"
	"fmt"
)

// Domain errors for simulation operations.
var (
	// ErrModel indicates physically invalid parameters or a singular mass matrix.
	ErrModel = errors.New("dynamo: invalid model")

	// ErrConfiguration indicates bad configuration or a non-stabilizing gain.
	ErrConfiguration = errors.New("dynamo: invalid configuration")

	// ErrDiverged indicates the state became non-finite during a tick.
	ErrDiverged = errors.New("dynamo: simulation diverged (NaN or Inf detected)")

	// ErrInsufficientHistory indicates the delay buffer does not yet span the delay.
	ErrInsufficientHistory = errors.New("dynamo: insufficient delay history")
)

// ModelError reports invalid physical parameters or a numerically singular
// mass matrix. It is fatal and surfaced at construction.
type ModelError struct {
	Field  string
	Reason string
}

func (e *ModelError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %s", ErrModel, e.Reason)
	}
	return fmt.Sprintf("%v: %s: %s", ErrModel, e.Field, e.Reason)
}

func (e *ModelError) Unwrap() error { return ErrModel }

// ConfigurationError reports a bad configuration value or a gain that does
// not stabilize the linearized plant. The run never starts.
type ConfigurationError struct {
	Field   string
	Reason  string
	Wrapped error
}

func (e *ConfigurationError) Error() string {
	msg := ErrConfiguration.Error()
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() []error {
	if e.Wrapped == nil {
		return []error{ErrConfiguration}
	}
	return []error{ErrConfiguration, e.Wrapped}
}

// Configf builds a ConfigurationError for field.
func Configf(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// DivergenceError wraps a non-finite state with simulation context.
// It always terminates the run; there is no retry.
type DivergenceError struct {
	Step  int
	Time  float64
	State State
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("step %d (t=%.4f): %v", e.Step, e.Time, ErrDiverged)
}

func (e *DivergenceError) Unwrap() error { return ErrDiverged }

// InsufficientHistoryError is recoverable: the caller falls back to the raw
// observation for this tick.
type InsufficientHistoryError struct {
	Have int
	Need int
}

func (e *InsufficientHistoryError) Error() string {
	return fmt.Sprintf("%v: have %d samples, need %d", ErrInsufficientHistory, e.Have, e.Need)
}

func (e *InsufficientHistoryError) Unwrap() error { return ErrInsufficientHistory }

// IsFatal reports whether err must terminate a running simulation.
func IsFatal(err error) bool {
	return errors.Is(err, ErrDiverged) || errors.Is(err, ErrConfiguration) || errors.Is(err, ErrModel)
}
