package models

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode classifies a stage failure.
type ErrorCode string

const (
	ErrCodeNetwork     ErrorCode = "network"      // connection failed
	ErrCodeTimeout     ErrorCode = "timeout"      // deadline exceeded
	ErrCodeRateLimited ErrorCode = "rate_limited" // HTTP 429 or limiter starvation
	ErrCodeHTTPClient  ErrorCode = "http_client"  // 4xx other than 429
	ErrCodeHTTPServer  ErrorCode = "http_server"  // 5xx
	ErrCodeValidation  ErrorCode = "validation"   // malformed/missing data
	ErrCodePermanent   ErrorCode = "permanent"    // domain mismatch, not-found
)

// Retryable is the default retry class for a code. Stage collaborators may
// override it per error when they know a later stage can still succeed.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrCodeNetwork, ErrCodeTimeout, ErrCodeRateLimited, ErrCodeHTTPServer:
		return true
	}
	return false
}

// StageError is a classified stage failure. The collaborator that produced
// the error sets both the code and the retry class; the orchestrator only
// routes on Retryable, it never re-classifies.
type StageError struct {
	Code      ErrorCode
	Message   string
	Retryable bool
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewStageError builds a StageError with the code's default retry class.
func NewStageError(code ErrorCode, format string, args ...any) *StageError {
	return &StageError{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Retryable: code.Retryable(),
	}
}

// AsStageError coerces any error into a classified StageError. Errors that a
// collaborator did not classify are treated as permanent failures with the
// message preserved, except context deadline/cancel which map to timeout.
func AsStageError(err error) *StageError {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewStageError(ErrCodeTimeout, "%v", err)
	}
	return NewStageError(ErrCodePermanent, "%v", err)
}
