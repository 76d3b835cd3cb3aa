// Package engineerr implements the error taxonomy from the download
// engine's error handling design: a closed set of typed errors grouped
// into classes, with a Classify function that renders the compact
// {kind, message} wire object callers see in progress events.
package engineerr

import (
	"errors"
	"fmt"
)

// Class is one of the six taxonomy buckets.
type Class string

const (
	ClassValidation Class = "validation"
	ClassUpstream   Class = "upstream"
	ClassTransport  Class = "transport"
	ClassLocalIO    Class = "local_io"
	ClassTooling    Class = "tooling"
	ClassState      Class = "state"
)

// Sentinel errors for errors.Is comparisons.
var (
	ErrNotFound     = errors.New("not found")
	ErrWrongState   = errors.New("wrong state")
	ErrNotRemovable = errors.New("not removable: job is running")
)

// --- Validation ---

type InvalidPresetError struct{ Field, Reason string }

func (e *InvalidPresetError) Error() string {
	return fmt.Sprintf("invalid preset: %s: %s", e.Field, e.Reason)
}

type BadPositionError struct{ Position, QueueLength int }

func (e *BadPositionError) Error() string {
	return fmt.Sprintf("bad position %d (queue length %d)", e.Position, e.QueueLength)
}

type BadRetentionError struct{ Days int }

func (e *BadRetentionError) Error() string {
	return fmt.Sprintf("bad retention override: %d (must be null or 1..365)", e.Days)
}

type PathEscapeError struct{ Requested string }

func (e *PathEscapeError) Error() string {
	return fmt.Sprintf("path escapes downloads root: %s", e.Requested)
}

// --- Upstream ---

type NoMediaPlaylistError struct{ URL string }

func (e *NoMediaPlaylistError) Error() string {
	return fmt.Sprintf("no media playlist entry found in master playlist: %s", e.URL)
}

type UpstreamError struct{ Message string }

func (e *UpstreamError) Error() string { return "upstream error: " + e.Message }

type UnexpectedContentTypeError struct{ ContentType string }

func (e *UnexpectedContentTypeError) Error() string {
	return "unexpected content type: " + e.ContentType
}

// --- Transport ---

type TimeoutError struct{ URL string }

func (e *TimeoutError) Error() string { return "timeout fetching " + e.URL }

type NetworkError struct{ Cause error }

func (e *NetworkError) Error() string { return fmt.Sprintf("network error: %v", e.Cause) }
func (e *NetworkError) Unwrap() error { return e.Cause }

type EmptyResponseError struct{ URL string }

func (e *EmptyResponseError) Error() string { return "empty response from " + e.URL }

type ValidationFailedError struct{ Reason string }

func (e *ValidationFailedError) Error() string { return "segment validation failed: " + e.Reason }

// --- Local I/O ---

type ConcatIOError struct{ Cause error }

func (e *ConcatIOError) Error() string { return fmt.Sprintf("concat I/O error: %v", e.Cause) }
func (e *ConcatIOError) Unwrap() error { return e.Cause }

type CheckpointWriteError struct{ Cause error }

func (e *CheckpointWriteError) Error() string {
	return fmt.Sprintf("checkpoint write error: %v", e.Cause)
}
func (e *CheckpointWriteError) Unwrap() error { return e.Cause }

// --- Tooling ---

type RemuxFailedError struct {
	ExitCode int
	StderrTail string
}

func (e *RemuxFailedError) Error() string {
	return fmt.Sprintf("remux failed (exit %d): %s", e.ExitCode, e.StderrTail)
}

type ToolMissingError struct{ Tool, InstallHint string }

func (e *ToolMissingError) Error() string {
	return fmt.Sprintf("external tool %q not found: %s", e.Tool, e.InstallHint)
}

// --- Pipeline ---

// SegmentFailedError wraps a fetch failure for a specific segment index;
// it is what the Parallel Segment Pipeline surfaces to the scheduler.
type SegmentFailedError struct {
	Index int
	Cause error
}

func (e *SegmentFailedError) Error() string {
	return fmt.Sprintf("segment %d failed: %v", e.Index, e.Cause)
}
func (e *SegmentFailedError) Unwrap() error { return e.Cause }

// --- State ---

type WrongStateError struct {
	JobID, Have, Want string
}

func (e *WrongStateError) Error() string {
	return fmt.Sprintf("job %s: wrong state: have %s, want %s", e.JobID, e.Have, e.Want)
}
func (e *WrongStateError) Unwrap() error { return ErrWrongState }

type NotFoundError struct{ JobID string }

func (e *NotFoundError) Error() string { return "job not found: " + e.JobID }
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

type NotRemovableError struct{ JobID string }

func (e *NotRemovableError) Error() string { return "job not removable (running): " + e.JobID }
func (e *NotRemovableError) Unwrap() error { return ErrNotRemovable }

// Classify maps an error to its taxonomy class for the wire {kind, message}
// object (spec.md §7 "Propagation policy").
func Classify(err error) Class {
	if err == nil {
		return ""
	}
	switch err.(type) {
	case *InvalidPresetError, *BadPositionError, *BadRetentionError, *PathEscapeError:
		return ClassValidation
	case *NoMediaPlaylistError, *UpstreamError, *UnexpectedContentTypeError:
		return ClassUpstream
	case *TimeoutError, *NetworkError, *EmptyResponseError, *ValidationFailedError:
		return ClassTransport
	case *ConcatIOError, *CheckpointWriteError:
		return ClassLocalIO
	case *RemuxFailedError, *ToolMissingError:
		return ClassTooling
	case *WrongStateError, *NotFoundError, *NotRemovableError:
		return ClassState
	case *SegmentFailedError:
		return Classify(errors.Unwrap(err))
	default:
		return ClassLocalIO
	}
}

// Kind returns the compact machine-readable kind string for the wire
// object, e.g. "InvalidPreset", "RemuxFailed".
func Kind(err error) string {
	switch err.(type) {
	case *InvalidPresetError:
		return "InvalidPreset"
	case *BadPositionError:
		return "BadPosition"
	case *BadRetentionError:
		return "BadRetention"
	case *PathEscapeError:
		return "PathEscape"
	case *NoMediaPlaylistError:
		return "NoMediaPlaylist"
	case *UpstreamError:
		return "UpstreamError"
	case *UnexpectedContentTypeError:
		return "UnexpectedContentType"
	case *TimeoutError:
		return "Timeout"
	case *NetworkError:
		return "NetworkError"
	case *EmptyResponseError:
		return "EmptyResponse"
	case *ValidationFailedError:
		return "ValidationFailed"
	case *ConcatIOError:
		return "ConcatIOError"
	case *CheckpointWriteError:
		return "CheckpointWriteError"
	case *RemuxFailedError:
		return "RemuxFailed"
	case *ToolMissingError:
		return "ToolMissing"
	case *SegmentFailedError:
		return "SegmentFailed"
	case *WrongStateError:
		return "WrongState"
	case *NotFoundError:
		return "NotFound"
	case *NotRemovableError:
		return "NotRemovable"
	default:
		return "Internal"
	}
}

// Wire is the compact error object exposed to callers in progress events
// and command responses (spec.md §7 "Callers see a compact error object").
type Wire struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ToWire renders err as the compact wire object, or the zero value if err is nil.
func ToWire(err error) *Wire {
	if err == nil {
		return nil
	}
	return &Wire{Kind: Kind(err), Message: err.Error()}
}
