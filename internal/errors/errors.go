// Package errors defines the pipeline error taxonomy: every failure in the
// ingestion and analysis path is classified so workers can decide between
// retry, dead-letter, discard, and component shutdown.
package errors

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrTimeout          = errors.New("timeout")
	ErrInvalidInput     = errors.New("invalid input")
	ErrConnectionFailed = errors.New("connection failed")
	ErrPoisonMessage    = errors.New("poison message")
	ErrStaleTimestamp   = errors.New("stale timestamp")
	ErrNotPending       = errors.New("suggestion is not pending")
	ErrShuttingDown     = errors.New("shutting down")
	ErrQueueFull        = errors.New("queue full")
)

// Kind categorizes a failure and implies its handling policy.
type Kind string

const (
	// KindTransient covers remote failures worth retrying with backoff.
	KindTransient Kind = "transient"
	// KindPoison covers undecodable or persistently unresolvable messages
	// that must go to the DLQ with their offset committed.
	KindPoison Kind = "poison"
	// KindContract covers invariant breaches rejected at ingress.
	KindContract Kind = "contract"
	// KindIntegrity covers silently discarded writes, e.g. a stale
	// current-value update. Counted, never propagated.
	KindIntegrity Kind = "integrity"
	// KindFatal covers configuration and authentication failures that stop
	// the affected component only.
	KindFatal Kind = "fatal"
	// KindCancelled covers context cancellation; unwind without commit.
	KindCancelled Kind = "cancelled"
)

// PipelineError is a structured error for pipeline operations.
type PipelineError struct {
	Kind      Kind
	Op        string // operation that failed, e.g. "resolve_point", "poll_source"
	Component string // component name, e.g. "ingest", "correlation"
	Subject   string // point address, data source, topic, etc.
	Err       error
	Timestamp time.Time
}

func (e *PipelineError) Error() string {
	if e.Subject != "" {
		return fmt.Sprintf("%s: %s failed for %s: %v", e.Component, e.Op, e.Subject, e.Err)
	}
	if e.Component != "" {
		return fmt.Sprintf("%s: %s failed: %v", e.Component, e.Op, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Is implements errors.Is for the base error types.
func (e *PipelineError) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTransient && errors.Is(e.Err, ErrTimeout)
	case ErrConnectionFailed:
		return e.Kind == KindTransient
	case ErrPoisonMessage:
		return e.Kind == KindPoison
	case ErrUnauthorized:
		return e.Kind == KindFatal
	}
	return errors.Is(e.Err, target)
}

// New creates a PipelineError of the given kind.
func New(kind Kind, component, op string, err error) *PipelineError {
	return &PipelineError{
		Kind:      kind,
		Op:        op,
		Component: component,
		Err:       err,
		Timestamp: time.Now().UTC(),
	}
}

// WithSubject attaches the failing subject (address, topic, id).
func (e *PipelineError) WithSubject(subject string) *PipelineError {
	e.Subject = subject
	return e
}

// Transient wraps a retryable remote failure.
func Transient(component, op string, err error) *PipelineError {
	return New(KindTransient, component, op, err)
}

// Poison wraps an error that must dead-letter the triggering message.
func Poison(component, op string, err error) *PipelineError {
	return New(KindPoison, component, op, err)
}

// Fatal wraps an error that stops the affected component.
func Fatal(component, op string, err error) *PipelineError {
	return New(KindFatal, component, op, err)
}

// KindOf extracts the Kind from err, defaulting by inspection.
func KindOf(err error) Kind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindTransient
}

// IsRetryable reports whether the error is worth retrying with backoff.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient:
		return true
	default:
		return false
	}
}

// IsCancelled reports whether err stems from context cancellation.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}

// IsAuthError reports whether err represents an authentication failure,
// which is fatal to the owning adapter.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	var pe *PipelineError
	if errors.As(err, &pe) && pe.Kind == KindFatal && errors.Is(pe.Err, ErrUnauthorized) {
		return true
	}
	return errors.Is(err, ErrUnauthorized)
}
