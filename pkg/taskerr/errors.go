// Package taskerr defines the engine's error taxonomy: stable machine codes
// with human messages and optional structured details, following the
// sentinel-error-plus-typed-wrapper shape used throughout the corpus
// (e.g. a rate limiter's ErrRateLimitExceeded + RateLimitError pair).
package taskerr

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable error identifier (spec §7).
type Code string

const (
	// NotFound
	CodeTaskNotFound       Code = "TaskNotFound"
	CodeWorkerNotFound     Code = "WorkerNotFound"
	CodeDependencyNotFound Code = "DependencyNotFound"
	CodeFileMarkNotFound   Code = "FileMarkNotFound"

	// Conflict
	CodeAlreadyClaimed    Code = "AlreadyClaimed"
	CodeWorkerIDTaken     Code = "WorkerIdTaken"
	CodeCycleDetected     Code = "CycleDetected"
	CodeInvalidTransition Code = "InvalidTransition"
	CodeGateUnsatisfied   Code = "GateUnsatisfied"

	// PreconditionFailed
	CodeNotOwner          Code = "NotOwner"
	CodeBlocked           Code = "Blocked"
	CodeClaimLimitReached Code = "ClaimLimitReached"
	CodeMissingAffinity   Code = "MissingAffinity"
	CodeTerminalState     Code = "TerminalState"

	// InvalidArgument
	CodeInvalidState Code = "InvalidState"
	CodeInvalidPhase Code = "InvalidPhase"
	CodeInvalidTag   Code = "InvalidTag"
	CodeInvalidID    Code = "InvalidId"
	CodeEmptyField   Code = "EmptyField"

	// Internal
	CodeStorageError   Code = "StorageError"
	CodePoisonedLock   Code = "PoisonedLock"
	CodeMigrationError Code = "MigrationError"
)

// Class groups codes into the broad categories spec §7 defines.
type Class string

const (
	ClassNotFound           Class = "NotFound"
	ClassConflict           Class = "Conflict"
	ClassPreconditionFailed Class = "PreconditionFailed"
	ClassInvalidArgument    Class = "InvalidArgument"
	ClassInternal           Class = "Internal"
)

var classByCode = map[Code]Class{
	CodeTaskNotFound:       ClassNotFound,
	CodeWorkerNotFound:     ClassNotFound,
	CodeDependencyNotFound: ClassNotFound,
	CodeFileMarkNotFound:   ClassNotFound,

	CodeAlreadyClaimed:    ClassConflict,
	CodeWorkerIDTaken:     ClassConflict,
	CodeCycleDetected:     ClassConflict,
	CodeInvalidTransition: ClassConflict,
	CodeGateUnsatisfied:   ClassConflict,

	CodeNotOwner:          ClassPreconditionFailed,
	CodeBlocked:           ClassPreconditionFailed,
	CodeClaimLimitReached: ClassPreconditionFailed,
	CodeMissingAffinity:   ClassPreconditionFailed,
	CodeTerminalState:     ClassPreconditionFailed,

	CodeInvalidState: ClassInvalidArgument,
	CodeInvalidPhase: ClassInvalidArgument,
	CodeInvalidTag:   ClassInvalidArgument,
	CodeInvalidID:    ClassInvalidArgument,
	CodeEmptyField:   ClassInvalidArgument,

	CodeStorageError:   ClassInternal,
	CodePoisonedLock:   ClassInternal,
	CodeMigrationError: ClassInternal,
}

// ClassOf returns the class a code belongs to.
func ClassOf(code Code) Class {
	return classByCode[code]
}

// Error is the engine's structured error type: a stable Code, a
// human-readable Message, and optional Details (e.g. missing tag lists,
// unsatisfied gate types).
type Error struct {
	Code    Code
	Message string
	Details map[string]any

	// Warning marks an error as a soft/warning-class condition rather than
	// a hard failure (spec §7: "Warnings ... are distinguishable from hard
	// errors"). Callers may choose to proceed past a warning.
	Warning bool
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap lets errors.Is match against the sentinel for this code.
func (e *Error) Unwrap() error {
	return sentinelFor(e.Code)
}

// New builds an *Error for code with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches structured details and returns the same error for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// AsWarning marks the error as warning-class and returns it for chaining.
func (e *Error) AsWarning() *Error {
	e.Warning = true
	return e
}

// sentinels, one per code, so plain errors.Is(err, taskerr.ErrNotOwner) works
// without unwrapping to *Error first.
var (
	ErrTaskNotFound       = errors.New(string(CodeTaskNotFound))
	ErrWorkerNotFound     = errors.New(string(CodeWorkerNotFound))
	ErrDependencyNotFound = errors.New(string(CodeDependencyNotFound))
	ErrFileMarkNotFound   = errors.New(string(CodeFileMarkNotFound))

	ErrAlreadyClaimed    = errors.New(string(CodeAlreadyClaimed))
	ErrWorkerIDTaken     = errors.New(string(CodeWorkerIDTaken))
	ErrCycleDetected     = errors.New(string(CodeCycleDetected))
	ErrInvalidTransition = errors.New(string(CodeInvalidTransition))
	ErrGateUnsatisfied   = errors.New(string(CodeGateUnsatisfied))

	ErrNotOwner          = errors.New(string(CodeNotOwner))
	ErrBlocked           = errors.New(string(CodeBlocked))
	ErrClaimLimitReached = errors.New(string(CodeClaimLimitReached))
	ErrMissingAffinity   = errors.New(string(CodeMissingAffinity))
	ErrTerminalState     = errors.New(string(CodeTerminalState))

	ErrInvalidState = errors.New(string(CodeInvalidState))
	ErrInvalidPhase = errors.New(string(CodeInvalidPhase))
	ErrInvalidTag   = errors.New(string(CodeInvalidTag))
	ErrInvalidID    = errors.New(string(CodeInvalidID))
	ErrEmptyField   = errors.New(string(CodeEmptyField))

	ErrStorageError   = errors.New(string(CodeStorageError))
	ErrPoisonedLock   = errors.New(string(CodePoisonedLock))
	ErrMigrationError = errors.New(string(CodeMigrationError))
)

func sentinelFor(code Code) error {
	switch code {
	case CodeTaskNotFound:
		return ErrTaskNotFound
	case CodeWorkerNotFound:
		return ErrWorkerNotFound
	case CodeDependencyNotFound:
		return ErrDependencyNotFound
	case CodeFileMarkNotFound:
		return ErrFileMarkNotFound
	case CodeAlreadyClaimed:
		return ErrAlreadyClaimed
	case CodeWorkerIDTaken:
		return ErrWorkerIDTaken
	case CodeCycleDetected:
		return ErrCycleDetected
	case CodeInvalidTransition:
		return ErrInvalidTransition
	case CodeGateUnsatisfied:
		return ErrGateUnsatisfied
	case CodeNotOwner:
		return ErrNotOwner
	case CodeBlocked:
		return ErrBlocked
	case CodeClaimLimitReached:
		return ErrClaimLimitReached
	case CodeMissingAffinity:
		return ErrMissingAffinity
	case CodeTerminalState:
		return ErrTerminalState
	case CodeInvalidState:
		return ErrInvalidState
	case CodeInvalidPhase:
		return ErrInvalidPhase
	case CodeInvalidTag:
		return ErrInvalidTag
	case CodeInvalidID:
		return ErrInvalidID
	case CodeEmptyField:
		return ErrEmptyField
	case CodeStorageError:
		return ErrStorageError
	case CodePoisonedLock:
		return ErrPoisonedLock
	case CodeMigrationError:
		return ErrMigrationError
	default:
		return errors.New(string(code))
	}
}

// Is reports whether err carries the given code, at any wrap depth.
func Is(err error, code Code) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Code == code
	}
	return errors.Is(err, sentinelFor(code))
}

// As extracts an *Error from err, following the errors.As convention.
func As(err error) (*Error, bool) {
	var te *Error
	ok := errors.As(err, &te)
	return te, ok
}
