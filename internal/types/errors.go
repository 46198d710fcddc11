package types

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every error returned by the ledger, snapshot store and
// controllers matches exactly one of these with errors.Is.
var (
	// ErrValidation is returned when a change set is rejected before any mutation.
	ErrValidation = errors.New("validation failed")

	// ErrIO is returned when snapshot capture or restore fails on a path.
	ErrIO = errors.New("i/o failure")

	// ErrPersistence is returned when a durable write of the ledger or
	// handover log fails.
	ErrPersistence = errors.New("persistence failure")

	// ErrNotFound is returned for an unknown commit or snapshot id.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned on double rollback or a missing snapshot reference.
	ErrInvalidState = errors.New("invalid state")

	// ErrIllegalTransition is returned when the transition graph rejects a handover.
	ErrIllegalTransition = errors.New("illegal transition")

	// ErrCommit is returned when a micro-commit fails after validation passed.
	ErrCommit = errors.New("commit failed")
)

// Error carries the kind of failure plus where it happened.
type Error struct {
	Kind      error
	Op        string
	Path      string
	Validator string
	Msg       string
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Validator != "" {
		fmt.Fprintf(&b, " [%s]", e.Validator)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " %s", e.Path)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NotFoundf builds an ErrNotFound error.
func NotFoundf(op, format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// InvalidStatef builds an ErrInvalidState error.
func InvalidStatef(op, format string, args ...any) error {
	return &Error{Kind: ErrInvalidState, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// IOErr wraps a filesystem failure on path.
func IOErr(op, path string, err error) error {
	return &Error{Kind: ErrIO, Op: op, Path: path, Err: err}
}

// ValidationErr builds an ErrValidation error attributed to a validator.
func ValidationErr(validator, path, reason string) error {
	return &Error{Kind: ErrValidation, Op: "validate", Validator: validator, Path: path, Msg: reason}
}

// ValidatorName returns the validator that rejected a change set, if any.
func ValidatorName(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind == ErrValidation {
		return e.Validator
	}
	return ""
}

// KindName returns a short label for the kind of err, or "other".
func KindName(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrIllegalTransition):
		return "illegal_transition"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	case errors.Is(err, ErrIO):
		return "io"
	case errors.Is(err, ErrCommit):
		return "commit"
	default:
		return "other"
	}
}
