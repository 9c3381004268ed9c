package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrSuperseded rejects a pending job replaced by a newer request
	// before it started.
	ErrSuperseded = errors.New("superseded by a newer request")

	// ErrCancelled rejects a job cancelled by its caller.
	ErrCancelled = errors.New("compile cancelled")

	// ErrClosed rejects jobs submitted to, or still queued in, a closed
	// scheduler.
	ErrClosed = errors.New("scheduler closed")

	// ErrEngineUnavailable matches every *EngineError.
	ErrEngineUnavailable = errors.New("engine unavailable")
)

// CompileError is a diagnostic failure: the engine ran and rejected the
// input. Log is the compiler output, verbatim.
type CompileError struct {
	Status int
	Log    string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile failed with status %d", e.Status)
}

// DecodeError means the compile succeeded but the output could not be
// opened as a document.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "decode output: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// EngineError is a fault of the engine itself, including a failed
// bootstrap. It matches ErrEngineUnavailable.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string { return "engine " + e.Op + ": " + e.Err.Error() }
func (e *EngineError) Unwrap() error { return e.Err }

func (e *EngineError) Is(target error) bool { return target == ErrEngineUnavailable }

// IsSuperseded reports whether err is a silent rejection that must not
// reach the user.
func IsSuperseded(err error) bool {
	return errors.Is(err, ErrSuperseded)
}
