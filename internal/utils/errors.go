package utils

import (
	"errors"
	"fmt"
)

// Kind classifies failures surfaced by the triage core.
type Kind string

const (
	// KindValidation is malformed or empty caller input; never retried.
	KindValidation Kind = "validation"
	// KindAnalysis is a permanent failure of the AI capability or its output.
	KindAnalysis Kind = "analysis"
	// KindLedger is a permanent failure writing to the incident ledger.
	KindLedger Kind = "ledger"
	// KindPartial is a best-effort step that failed without failing its operation.
	KindPartial Kind = "partial"
)

// AppError wraps an operation, human-facing message, and underlying error.
type AppError struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(kind Kind, op, msg string, err error) error {
	return &AppError{Kind: kind, Op: op, Msg: msg, Err: err}
}

// NewValidationError reports bad caller input.
func NewValidationError(op, msg string) error {
	return NewAppError(KindValidation, op, msg, nil)
}

// NewAnalysisError reports a permanent AI failure.
func NewAnalysisError(op, msg string, err error) error {
	return NewAppError(KindAnalysis, op, msg, err)
}

// NewLedgerError reports a permanent ledger write failure.
func NewLedgerError(op, msg string, err error) error {
	return NewAppError(KindLedger, op, msg, err)
}

// NewPartialFailure records a failed best-effort step.
func NewPartialFailure(op, msg string, err error) error {
	return NewAppError(KindPartial, op, msg, err)
}

// KindOf returns the kind of the outermost AppError in err's chain, or "".
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
