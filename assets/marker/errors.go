package marker

import (
	"fmt"

	"github.com/google/uuid"
)

// ConstructionReason classifies why an auto-construct attempt failed.
type ConstructionReason int

const (
	ReasonUnknown ConstructionReason = iota
	ReasonUnsupportedVersion
	ReasonFormatNotUnderstood
	ReasonMissingFile
)

func (r ConstructionReason) String() string {
	switch r {
	case ReasonUnsupportedVersion:
		return "unsupported-version"
	case ReasonFormatNotUnderstood:
		return "format-not-understood"
	case ReasonMissingFile:
		return "missing-file"
	default:
		return "unknown"
	}
}

// DepValHandle is the minimal surface ConstructionError needs from
// assets/depval without importing it (depval does not depend on marker).
type DepValHandle interface {
	ID() uint64
}

// ConstructionError is captured by a marker when its deserializer fails
// during auto-construct. It carries enough context (§7) to decide whether a
// recompile attempt (ReasonUnsupportedVersion, §4.6 path 6) makes sense.
type ConstructionError struct {
	Reason       ConstructionReason
	DepVal       DepValHandle
	Log          string
	CorrelationID uuid.UUID

	// AttemptedVersion/RequiredVersion are populated only for
	// ReasonUnsupportedVersion failures (SPEC_FULL.md §5.2 supplement).
	AttemptedVersion, RequiredVersion uint32
}

func (e *ConstructionError) Error() string {
	if e.Reason == ReasonUnsupportedVersion {
		return fmt.Sprintf("construction error [%s]: version %d unsupported, need %d (%s)",
			e.Reason, e.AttemptedVersion, e.RequiredVersion, e.CorrelationID)
	}
	return fmt.Sprintf("construction error [%s]: %s (%s)", e.Reason, e.Log, e.CorrelationID)
}

// NewConstructionError stamps a fresh correlation id for diagnostic joins.
func NewConstructionError(reason ConstructionReason, dv DepValHandle, log string) *ConstructionError {
	return &ConstructionError{Reason: reason, DepVal: dv, Log: log, CorrelationID: uuid.New()}
}

// InvalidAssetError reports that a marker is terminally Invalid.
type InvalidAssetError struct {
	Initializer string
	DepVal      DepValHandle
	Log         string
}

func (e *InvalidAssetError) Error() string {
	return fmt.Sprintf("invalid asset %q: %s", e.Initializer, e.Log)
}

// PendingAssetError is returned when a caller asserts Ready via Actualize
// while the marker is still Pending.
type PendingAssetError struct {
	Initializer string
}

func (e *PendingAssetError) Error() string {
	return fmt.Sprintf("asset %q is still pending", e.Initializer)
}

// RetrievalError reports a failed heap-level lookup.
type RetrievalError struct {
	Initializer string
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieval failed for %q", e.Initializer)
}

// FormatException reports a text-parser failure with a source location.
type FormatException struct {
	Line, Column int
	Message      string
}

func (e *FormatException) Error() string {
	return fmt.Sprintf("format error at %d:%d: %s", e.Line, e.Column, e.Message)
}

// ExceptionWithDepVal wraps a generic error with an attached dep-val so the
// caller can still register for invalidation on repair.
type ExceptionWithDepVal struct {
	Cause  error
	DepVal DepValHandle
}

func (e *ExceptionWithDepVal) Error() string { return e.Cause.Error() }
func (e *ExceptionWithDepVal) Unwrap() error { return e.Cause }

// ShutdownError is surfaced to any waiter inside a Table or executor that is
// torn down mid-wait.
type ShutdownError struct {
	Component string
}

func (e *ShutdownError) Error() string {
	return fmt.Sprintf("%s: shut down while a caller was waiting", e.Component)
}
