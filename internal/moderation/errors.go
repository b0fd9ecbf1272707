package moderation

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a class of engine error for operators and admin tooling.
type ErrorCode string

const (
	CodeConfigUnavailable ErrorCode = "CONFIG_UNAVAILABLE"
	CodeInvalidPhaseRange ErrorCode = "INVALID_PHASE_RANGE"
	CodePhaseSkip         ErrorCode = "PHASE_SKIP"
	CodeMalformedEvent    ErrorCode = "MALFORMED_EVENT"
	CodeUserNotFound      ErrorCode = "USER_NOT_FOUND"
)

var (
	ErrConfigUnavailable = errors.New(string(CodeConfigUnavailable))
	ErrInvalidPhaseRange = errors.New(string(CodeInvalidPhaseRange))
	ErrPhaseSkip         = errors.New(string(CodePhaseSkip))
	ErrMalformedEvent    = errors.New(string(CodeMalformedEvent))
	ErrUserNotFound      = errors.New(string(CodeUserNotFound))

	// ErrSkipWrite is returned from an UpdateCounters callback to abort the
	// update without writing. Stores treat it as success.
	ErrSkipWrite = errors.New("skip write")

	// ErrReservedDeployment is returned when an admin write names a
	// deployment reserved for engine records such as AuthorityRecord.
	ErrReservedDeployment = errors.New("reserved deployment name")
)

// TransitionError is returned when an administrative phase transition is rejected.
type TransitionError struct {
	Code    ErrorCode
	Current int
	Target  int
}

func (e *TransitionError) Error() string {
	switch e.Code {
	case CodePhaseSkip:
		return fmt.Sprintf("rollout transition rejected (%s): cannot move from phase %d to %d, phases advance one step at a time", e.Code, e.Current, e.Target)
	default:
		return fmt.Sprintf("rollout transition rejected (%s): phase %d is outside [0, %d]", e.Code, e.Target, MaxPhase)
	}
}

// Unwrap lets errors.Is match the sentinel for the error's code.
func (e *TransitionError) Unwrap() error {
	switch e.Code {
	case CodePhaseSkip:
		return ErrPhaseSkip
	case CodeInvalidPhaseRange:
		return ErrInvalidPhaseRange
	}
	return nil
}

// CodeOf returns the ErrorCode carried by err, or "" when err is not an engine error.
func CodeOf(err error) ErrorCode {
	var te *TransitionError
	if errors.As(err, &te) {
		return te.Code
	}
	for _, sentinel := range []error{ErrConfigUnavailable, ErrInvalidPhaseRange, ErrPhaseSkip, ErrMalformedEvent, ErrUserNotFound} {
		if errors.Is(err, sentinel) {
			return ErrorCode(sentinel.Error())
		}
	}
	return ""
}
