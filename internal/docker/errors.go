package docker

import "fmt"

// DaemonError wraps a failure talking to the Docker daemon itself, before any
// build or push output was produced.
type DaemonError struct {
	Op  string
	Err error
}

func (e *DaemonError) Error() string { return fmt.Sprintf("docker %s: %v", e.Op, e.Err) }

func (e *DaemonError) Unwrap() error { return e.Err }

// StreamError is an error reported inside the daemon's message stream, such
// as a failing Dockerfile step or a rejected registry upload.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string { return e.Message }
