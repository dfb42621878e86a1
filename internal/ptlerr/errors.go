// Package ptlerr defines the failure taxonomy shared by the benchmark core.
// Every error here is fatal to a run.
package ptlerr

import (
	"fmt"

	"github.com/piwi3910/ptlbench/internal/transport/portals"
)

// TransportCallError reports a transport API call that returned a non-success
// status.
type TransportCallError struct {
	Call string
	Err  error
}

func (e *TransportCallError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Call, e.Err)
}

func (e *TransportCallError) Unwrap() error {
	return e.Err
}

// Call wraps err as a TransportCallError for the named call. A nil err stays
// nil.
func Call(call string, err error) error {
	if err == nil {
		return nil
	}

	return &TransportCallError{Call: call, Err: err}
}

// CompletionFailure reports a completion that carried a failure: a non-zero
// counter failure count or an event with a non-OK status.
type CompletionFailure struct {
	Kind     portals.EventKind
	FailType portals.NIFailType
	Failures uint64
	Counting bool
}

func (e *CompletionFailure) Error() string {
	if e.Counting {
		return fmt.Sprintf("completion counter reported %d failures", e.Failures)
	}

	return fmt.Sprintf("%s event failed with %s", e.Kind, e.FailType)
}

// LinkFailure reports a target registration whose confirmation was not a
// successful link event.
type LinkFailure struct {
	Kind     portals.EventKind
	FailType portals.NIFailType
}

func (e *LinkFailure) Error() string {
	if e.Kind != portals.EventLink {
		return fmt.Sprintf("expected LINK event, got %s", e.Kind)
	}

	return fmt.Sprintf("entry link failed with %s", e.FailType)
}

// ConfigurationError reports an invalid parameter.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Config builds a ConfigurationError.
func Config(field, format string, args ...interface{}) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
