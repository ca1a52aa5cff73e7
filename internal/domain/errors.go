package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a deployment or project id is unknown.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a status update would move backwards.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError reports bad caller input. No record is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ErrorKind classifies pipeline failures.
type ErrorKind string

const (
	KindSource    ErrorKind = "SourceError"
	KindBuild     ErrorKind = "BuildError"
	KindRegistry  ErrorKind = "RegistryError"
	KindCluster   ErrorKind = "ClusterError"
	KindCancelled ErrorKind = "CancelledError"
)

// StepError is a classified failure raised by a pipeline step.
type StepError struct {
	Kind ErrorKind
	Step string
	Err  error
}

func (e *StepError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// NewStepError wraps err with a kind and step name.
func NewStepError(kind ErrorKind, step string, err error) *StepError {
	return &StepError{Kind: kind, Step: step, Err: err}
}

// KindOf returns the kind of a wrapped StepError, or "" when err is unclassified.
func KindOf(err error) ErrorKind {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Kind
	}
	return ""
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
