package plugins

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyRegistered   = errors.New("plugin already registered")
	ErrNotRegistered       = errors.New("plugin not registered")
	ErrInvalidPlugin       = errors.New("invalid plugin")
	ErrDependencyNotFound  = errors.New("dependency not found")
	ErrCoreVersionMismatch = errors.New("core version mismatch")
	ErrInvalidTransition   = errors.New("invalid state transition")
)

// ValidationError names the metadata field that failed validation.
type ValidationError struct {
	PluginID string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.PluginID == "" {
		return fmt.Sprintf("invalid plugin: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid plugin %s: %s %s", e.PluginID, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidPlugin }

// TransitionError is returned when an operation is not allowed from the
// entry's current state. The entry is left untouched.
type TransitionError struct {
	PluginID string
	From     State
	Op       string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("plugin %s: cannot %s from state %s", e.PluginID, e.Op, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// PluginError represents an error that occurred in a plugin.
type PluginError struct {
	PluginID  string
	Function  string
	Message   string
	Cause     error
	IsTimeout bool
	IsPanic   bool
}

func (e *PluginError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("plugin %s: function %s: %s: %v", e.PluginID, e.Function, e.Message, e.Cause)
	}
	return fmt.Sprintf("plugin %s: function %s: %s", e.PluginID, e.Function, e.Message)
}

func (e *PluginError) Unwrap() error {
	return e.Cause
}
