package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a workflow, job or runtime does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyRunning rejects a second run of a workflow that is running.
	ErrAlreadyRunning = errors.New("workflow is already running")

	// ErrInvalidState is returned for an engine operation illegal in its
	// current state.
	ErrInvalidState = errors.New("invalid engine state")
)

// ValidationError rejects a malformed or cyclic graph at load.
type ValidationError struct {
	WorkflowID string
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid workflow %s: %s", e.WorkflowID, e.Reason)
}

// DispatchErrorKind classifies a dispatch failure.
type DispatchErrorKind string

const (
	DispatchKindNode        DispatchErrorKind = "node"
	DispatchKindUnreachable DispatchErrorKind = "unreachable"
	DispatchKindTimeout     DispatchErrorKind = "timeout"
	DispatchKindMalformed   DispatchErrorKind = "malformed"
	DispatchKindDependency  DispatchErrorKind = "dependency"
)

// DispatchError is scoped to one node.
type DispatchError struct {
	NodeID string
	Kind   DispatchErrorKind
	Reason string
	Err    error
}

func (e *DispatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "node %s dispatch failed (%s)", e.NodeID, e.Kind)
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *DispatchError) Unwrap() error { return e.Err }

// ResourceError aborts a run before any node executes.
type ResourceError struct {
	Sandbox string
	Reason  string
	Err     error
}

func (e *ResourceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sandbox %s: %s: %v", e.Sandbox, e.Reason, e.Err)
	}
	return fmt.Sprintf("sandbox %s: %s", e.Sandbox, e.Reason)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// MonitorSampleError marks one unusable stats frame. It is logged and
// skipped, never fatal.
type MonitorSampleError struct {
	Sandbox string
	Reason  string
	Err     error
}

func (e *MonitorSampleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bad stats sample from %s: %s: %v", e.Sandbox, e.Reason, e.Err)
	}
	return fmt.Sprintf("bad stats sample from %s: %s", e.Sandbox, e.Reason)
}

func (e *MonitorSampleError) Unwrap() error { return e.Err }

// IsInfrastructure reports whether err should stop the whole run rather
// than only the dependent subgraph.
func IsInfrastructure(err error) bool {
	var re *ResourceError
	return errors.As(err, &re)
}
