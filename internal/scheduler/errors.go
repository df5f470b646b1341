package scheduler

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrAlreadyInState is returned by a Provider when a transition is requested for an
// instance that is already in, or already moving to, the requested state.
var ErrAlreadyInState = errors.New("instance already in requested state")

// ConfigurationError reports malformed or missing invocation input. It is always returned
// before any provider call is made.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "invalid invocation: " + e.Reason
	}
	return fmt.Sprintf("invalid invocation field %q: %s", e.Field, e.Reason)
}

func configErrorf(field, format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ProviderQueryError reports that listing instances for a phase failed.
type ProviderQueryError struct {
	Phase Phase
	Err   error
}

func (e *ProviderQueryError) Error() string {
	return fmt.Sprintf("cannot list instances for %s phase: %v", e.Phase, e.Err)
}

// Unwrap returns the underlying provider error.
func (e *ProviderQueryError) Unwrap() error { return e.Err }

// ProviderTransitionError reports that a single stop or start command failed.
type ProviderTransitionError struct {
	Instance InstanceRef
	Action   Action
	Err      error
}

func (e *ProviderTransitionError) Error() string {
	return fmt.Sprintf("cannot %s instance %s: %v", e.Action, e.Instance, e.Err)
}

// Unwrap returns the underlying provider error.
func (e *ProviderTransitionError) Unwrap() error { return e.Err }
