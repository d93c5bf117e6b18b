package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures. Kinds are stable strings persisted in
// run records and returned to callers.
type ErrorKind string

const (
	KindInvalidDefinition    ErrorKind = "invalid_definition"
	KindDatasetNotFound      ErrorKind = "dataset_not_found"
	KindLogicExecutionFailed ErrorKind = "logic_execution_failed"
	KindExecutionTimeout     ErrorKind = "execution_timeout"
	KindResultTooLarge       ErrorKind = "result_too_large"
	KindEvidenceExportFailed ErrorKind = "evidence_export_failed"
	KindCancelled            ErrorKind = "cancelled"
	KindInternal             ErrorKind = "internal"
)

// Sentinels for errors.Is; they match any *Error of the same kind.
var (
	ErrInvalidDefinition    = &Error{Kind: KindInvalidDefinition}
	ErrDatasetNotFound      = &Error{Kind: KindDatasetNotFound}
	ErrLogicExecutionFailed = &Error{Kind: KindLogicExecutionFailed}
	ErrExecutionTimeout     = &Error{Kind: KindExecutionTimeout}
	ErrResultTooLarge       = &Error{Kind: KindResultTooLarge}
	ErrEvidenceExportFailed = &Error{Kind: KindEvidenceExportFailed}
	ErrCancelled            = &Error{Kind: KindCancelled}
)

type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// KindOf returns the kind of the first *Error in the chain, or KindInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Kind
	}
	return KindInternal
}

// RunError is the persisted failure of a run.
type RunError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func RunErrorFrom(err error) *RunError {
	if err == nil {
		return nil
	}
	return &RunError{Kind: KindOf(err), Message: err.Error()}
}
