// Package faults defines the failure taxonomy shared by the orchestrator,
// the session pool, and the visual verifier, and the classifier that maps
// raw failures onto retry policy.
package faults

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies the concrete failure that occurred.
type Kind string

const (
	// KindPreconditionTimeout means a step's precondition never matched
	// within the step timeout.
	KindPreconditionTimeout Kind = "precondition_timeout"

	// KindPostconditionTimeout means a step's action ran but its
	// postcondition never matched within the step timeout.
	KindPostconditionTimeout Kind = "postcondition_timeout"

	// KindSessionUnavailable means no browser instance could be attached
	// or launched within the pool's acquire timeout.
	KindSessionUnavailable Kind = "session_unavailable"

	// KindPoolExhausted means the pool's concurrency bound was reached
	// and no session freed up in time.
	KindPoolExhausted Kind = "pool_exhausted"

	// KindRecognitionError is an engine-level fault in the verifier
	// (corrupt frame, unreadable template). "Not matched" is never an
	// error; this is reserved for the machinery itself breaking.
	KindRecognitionError Kind = "recognition_error"

	// KindEnvironmentError means a required external dependency is
	// missing or unusable (browser binary, OCR backend).
	KindEnvironmentError Kind = "environment_error"

	// KindActionContractViolation means a non-retryable action reported
	// failure, or a step's retry budget was exhausted.
	KindActionContractViolation Kind = "action_contract_violation"
)

// Class is the retry-policy bucket a failure falls into.
type Class string

const (
	// ClassTransient failures are retried within the step's budget.
	ClassTransient Class = "transient"
	// ClassEnvironment failures are surfaced immediately as a setup
	// problem; retrying cannot fix a missing dependency.
	ClassEnvironment Class = "environment"
	// ClassFatal failures terminate the run.
	ClassFatal Class = "fatal"
)

// Error is a classified failure. It wraps the raw cause so callers can
// still use errors.Is/As against the underlying error.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// New wraps cause with a failure kind. A nil cause is allowed for
// failures that are fully described by their kind.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// Newf wraps a formatted message with a failure kind.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Cause: fmt.Errorf(format, args...)}
}

// KindOf extracts the failure kind from err, or "" if err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Classify maps a failure onto its retry-policy class. It is pure and
// deterministic: the same cause signature always yields the same class,
// which keeps retry behavior testable.
//
// Unclassified errors are treated as transient: raw session and network
// hiccups during navigation are recoverable, and anything genuinely
// unrecoverable will exhaust the step's retry budget and escalate.
func Classify(err error) Class {
	switch KindOf(err) {
	case KindPreconditionTimeout, KindPostconditionTimeout,
		KindSessionUnavailable, KindPoolExhausted:
		return ClassTransient
	case KindRecognitionError, KindEnvironmentError:
		return ClassEnvironment
	case KindActionContractViolation:
		return ClassFatal
	default:
		return ClassTransient
	}
}

// Record is one append-only diagnostic entry for a failed step attempt.
// Records are never mutated; the attempt counter doubles as the retry
// accounting for the step.
type Record struct {
	RunID     string    `json:"run_id"`
	StepIndex int       `json:"step_index"`
	Class     Class     `json:"class"`
	Kind      Kind      `json:"kind"`
	Cause     string    `json:"cause"`
	Attempt   int       `json:"attempt"`
	CreatedAt time.Time `json:"created_at"`
}

// NewRecord builds a Record from a classified failure.
func NewRecord(runID string, stepIndex, attempt int, err error) Record {
	return Record{
		RunID:     runID,
		StepIndex: stepIndex,
		Class:     Classify(err),
		Kind:      KindOf(err),
		Cause:     err.Error(),
		Attempt:   attempt,
		CreatedAt: time.Now().UTC(),
	}
}
