package utils

import (
	"errors"
	"fmt"
)

// Code is a stable, user-visible error identifier.
type Code string

const (
	CodeSchemaViolation       Code = "schema_violation"
	CodeConfigViolation       Code = "config_violation"
	CodeDetectorInconsistency Code = "detector_inconsistency"
	CodeCandidateNotFound     Code = "candidate_not_found"
	CodeInvalidRequest        Code = "invalid_request"
	CodeInvalidTransition     Code = "invalid_transition"
	CodeInternal              Code = "internal_error"

	CodeDailyLimit     Code = "llm_daily_limit_reached"
	CodeLLMTimeout     Code = "llm_timeout"
	CodeLLMRequest     Code = "llm_request_failed"
	CodeLLMRateLimited Code = "llm_rate_limited"
	CodeLLMUpstream    Code = "llm_upstream_error"
	CodeLLMBadRequest  Code = "llm_bad_request"
	CodeLLMBadResponse Code = "llm_bad_response"
	CodeLLMSchema      Code = "llm_schema_invalid"
	CodeLLMCancelled   Code = "llm_cancelled"
)

// AppError wraps an operation, a stable code, a human-facing message and the underlying error.
type AppError struct {
	Op   string
	Code Code
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

// NewAppError constructs an AppError carrying CodeInternal.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Code: CodeInternal, Msg: msg, Err: err}
}

// NewCodedError constructs an AppError with an explicit code.
func NewCodedError(code Code, op, msg string, err error) error {
	return &AppError{Op: op, Code: code, Msg: msg, Err: err}
}

// CodeOf returns the code of the outermost AppError in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Code != "" {
		return appErr.Code
	}
	return CodeInternal
}

// MessageOf returns the human message of the outermost AppError, falling back to err.Error().
func MessageOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Msg != "" {
		return appErr.Msg
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
