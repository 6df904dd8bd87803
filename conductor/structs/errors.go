// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"errors"
	"fmt"
)

const (
	// ErrCodeLocked means the per-application lock is held elsewhere. Always
	// recoverable: the pipeline retries until the lock budget runs out.
	ErrCodeLocked = "LOCKED"

	ErrCodeConfigParse      = "CONFIG_PARSE_ERROR"
	ErrCodeConfigValidation = "CONFIG_VALIDATION_ERROR"
	ErrCodeConfig           = "CONFIG_ERROR"

	// ErrCodeDeployFailed means a deployer rejected a request or stayed
	// unreachable past the retry budget.
	ErrCodeDeployFailed = "DEPLOY_REQUEST_FAILED"

	// ErrCodeHooksFailed means a gating hook reported failure, so the job
	// can never become ready.
	ErrCodeHooksFailed = "HOOKS_FAILED"

	ErrCodeInternal = "INTERNAL"
)

// CodedError is a domain error carrying a stable machine readable code and
// an optional details document. Recoverable marks errors the pipeline may
// retry instead of routing to the failure path.
type CodedError struct {
	Code        string
	Message     string
	Details     map[string]any
	Recoverable bool
}

func NewCodedError(code, msg string) *CodedError {
	return &CodedError{Code: code, Message: msg}
}

func (e *CodedError) Error() string { return e.Message }

func (e *CodedError) IsRecoverable() bool { return e.Recoverable }

// WithDetail attaches one key to the details document and returns the error
// for chaining at construction sites.
func (e *CodedError) WithDetail(key string, value any) *CodedError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// NewLockedError is the recoverable error returned while another pipeline
// holds the application lock.
func NewLockedError(key string) *CodedError {
	err := NewCodedError(ErrCodeLocked, fmt.Sprintf("application locked: %s", key))
	err.Recoverable = true
	return err.WithDetail("key", key)
}

// WithJobID stamps the owning job onto an error crossing the task boundary
// so the error router can mark that job failed. Recoverability is
// preserved.
func WithJobID(err error, jobID string) error {
	if err == nil || jobID == "" {
		return err
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		tagged := *coded
		tagged.Details = make(map[string]any, len(coded.Details)+1)
		for k, v := range coded.Details {
			tagged.Details[k] = v
		}
		tagged.Details["job-id"] = jobID
		return &tagged
	}
	wrapped := NewCodedError(ErrCodeInternal, err.Error()).WithDetail("job-id", jobID)
	wrapped.Recoverable = IsRecoverable(err)
	return wrapped
}

// Recoverable is the interface errors implement to steer retry handling.
type Recoverable interface {
	error
	IsRecoverable() bool
}

// IsRecoverable reports whether err or anything it wraps says it may be
// retried.
func IsRecoverable(err error) bool {
	var r Recoverable
	if errors.As(err, &r) {
		return r.IsRecoverable()
	}
	return false
}

// WrapRecoverable tags an arbitrary error as retryable without losing its
// message.
func WrapRecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &recoverableError{err: err}
}

type recoverableError struct {
	err error
}

func (r *recoverableError) Error() string       { return r.err.Error() }
func (r *recoverableError) Unwrap() error       { return r.err }
func (r *recoverableError) IsRecoverable() bool { return true }

// ErrorDetail is the normalized wire form of any error: what failed
// (message), how to react (code) and context (details). Traceback is only
// present when a stack was captured, such as on a recovered panic.
type ErrorDetail struct {
	Message   string         `json:"message"`
	Code      string         `json:"code"`
	Details   map[string]any `json:"details,omitempty"`
	Traceback string         `json:"traceback,omitempty"`
}

// NormalizeError converts any error into its wire form. Coded errors keep
// their code and details; everything else becomes INTERNAL.
func NormalizeError(err error) *ErrorDetail {
	if err == nil {
		return nil
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return &ErrorDetail{
			Message: coded.Message,
			Code:    coded.Code,
			Details: coded.Details,
		}
	}
	var panicked *PanicError
	if errors.As(err, &panicked) {
		return &ErrorDetail{
			Message:   panicked.Error(),
			Code:      ErrCodeInternal,
			Traceback: panicked.Stack,
		}
	}
	return &ErrorDetail{Message: err.Error(), Code: ErrCodeInternal}
}

// ToMap renders the detail for event documents.
func (d *ErrorDetail) ToMap() map[string]any {
	if d == nil {
		return nil
	}
	out := map[string]any{
		"message": d.Message,
		"code":    d.Code,
	}
	if d.Details != nil {
		out["details"] = d.Details
	}
	if d.Traceback != "" {
		out["traceback"] = d.Traceback
	}
	return out
}

// PanicError carries the recovered value and stack of a panicking task so
// the failure path can report where it blew up.
type PanicError struct {
	Value any
	Stack string
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("task panic: %v", p.Value)
}
