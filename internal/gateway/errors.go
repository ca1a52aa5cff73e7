package gateway

import (
	"context"
	"errors"
	"fmt"
)

// Kind tells the pipeline whether a failed operation may be retried.
type Kind int

const (
	Fatal Kind = iota
	Transient
)

func (k Kind) String() string {
	if k == Transient {
		return "transient"
	}
	return "fatal"
}

// Error is returned by every Gateway operation.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a gateway error worth retrying.
func IsTransient(err error) bool {
	var gwErr *Error
	return errors.As(err, &gwErr) && gwErr.Kind == Transient
}

func wrap(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	// A cancelled caller is never retried.
	if errors.Is(err, context.Canceled) {
		kind = Fatal
	}
	return &Error{Op: op, Kind: kind, Err: err}
}
