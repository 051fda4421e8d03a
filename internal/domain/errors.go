package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrRateLimited     = errors.New("rate limited")
	ErrQuotaExceeded   = errors.New("quota exceeded")
	ErrInternal        = errors.New("internal error")

	ErrQueueEmpty      = errors.New("queue empty")
	ErrLeaseNotFound   = errors.New("lease not found")
	ErrLockBusy        = errors.New("lock busy")
	ErrLockLost        = errors.New("lock lost")
	ErrStaleToken      = errors.New("stale fencing token")
	ErrStorageConflict = errors.New("storage conflict")
	ErrBreakerOpen     = errors.New("circuit breaker open")
)

// ErrorCode is the stable machine code carried on job errors and API
// error envelopes. Codes are part of the public contract; never rename.
type ErrorCode string

const (
	// Validation — surfaced at admission; no job created.
	CodeInvalidInput           ErrorCode = "INVALID_INPUT"
	CodeInvalidPath            ErrorCode = "INVALID_PATH"
	CodePathOutOfScope         ErrorCode = "PATH_OUT_OF_SCOPE"
	CodeInputTooLarge          ErrorCode = "INPUT_TOO_LARGE"
	CodeCodecContainerMismatch ErrorCode = "CODEC_CONTAINER_MISMATCH"
	CodeLimitExceeded          ErrorCode = "LIMIT_EXCEEDED"
	CodeInvalidBitrate         ErrorCode = "INVALID_BITRATE"
	CodeInvalidOperation       ErrorCode = "INVALID_OPERATION"
	CodeWebhookForbidden       ErrorCode = "WEBHOOK_FORBIDDEN"

	// Auth / quota
	CodeUnauthorized  ErrorCode = "UNAUTHORIZED"
	CodeQuotaExceeded ErrorCode = "QUOTA_EXCEEDED"
	CodeRateLimited   ErrorCode = "RATE_LIMITED"

	// Storage
	CodeStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"
	CodeStorageNotFound    ErrorCode = "STORAGE_NOT_FOUND"
	CodeStorageConflict    ErrorCode = "STORAGE_CONFLICT"

	// Transcoder
	CodeTranscoderTimeout      ErrorCode = "TRANSCODER_TIMEOUT"
	CodeTranscoderCrash        ErrorCode = "TRANSCODER_CRASH"
	CodeTranscoderInvalidMedia ErrorCode = "TRANSCODER_INVALID_MEDIA"

	// System
	CodeLockLost ErrorCode = "LOCK_LOST"
	CodeInternal ErrorCode = "INTERNAL"

	CodeNotFound ErrorCode = "NOT_FOUND"
	CodeConflict ErrorCode = "CONFLICT"
)

// ErrorKind groups codes for clients that branch on category rather
// than individual code.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindAuth       ErrorKind = "auth"
	KindStorage    ErrorKind = "storage"
	KindTranscoder ErrorKind = "transcoder"
	KindSystem     ErrorKind = "system"
)

// Kind returns the taxonomy group of c.
func (c ErrorCode) Kind() ErrorKind {
	switch c {
	case CodeInvalidInput, CodeInvalidPath, CodePathOutOfScope, CodeInputTooLarge,
		CodeCodecContainerMismatch, CodeLimitExceeded, CodeInvalidBitrate,
		CodeInvalidOperation, CodeWebhookForbidden:
		return KindValidation
	case CodeUnauthorized, CodeQuotaExceeded, CodeRateLimited:
		return KindAuth
	case CodeStorageUnavailable, CodeStorageNotFound, CodeStorageConflict:
		return KindStorage
	case CodeTranscoderTimeout, CodeTranscoderCrash, CodeTranscoderInvalidMedia:
		return KindTranscoder
	default:
		return KindSystem
	}
}

// Retryable reports whether a worker failure with this code may be
// retried via the queue. Validation and auth codes never reach the
// worker, but the mapping is total anyway.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeStorageUnavailable, CodeStorageConflict,
		CodeTranscoderCrash,
		CodeLockLost, CodeInternal:
		return true
	}
	return false
}

// CodedError pairs a sentinel error with the stable machine code the API
// envelope and webhook payloads carry. Unwrap keeps errors.Is working
// against the sentinel.
type CodedError struct {
	Code ErrorCode
	Err  error
}

func (e *CodedError) Error() string { return string(e.Code) + ": " + e.Err.Error() }

func (e *CodedError) Unwrap() error { return e.Err }

// WithCode attaches a machine code to err.
func WithCode(code ErrorCode, err error) error {
	return &CodedError{Code: code, Err: err}
}

// Codef attaches a machine code to a formatted error wrapping sentinel.
func Codef(code ErrorCode, sentinel error, format string, args ...any) error {
	args = append(args, sentinel)
	return &CodedError{Code: code, Err: fmt.Errorf(format+": %w", args...)}
}

// CodeOf extracts the machine code from an error chain, falling back to
// the sentinel mapping and finally to INTERNAL.
func CodeOf(err error) ErrorCode {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidInput
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrQuotaExceeded):
		return CodeQuotaExceeded
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrLockLost):
		return CodeLockLost
	}
	return CodeInternal
}

// NewJobError builds the sanitized error record for a job. Callers are
// responsible for keeping paths, argv, and subprocess output out of msg.
func NewJobError(code ErrorCode, msg string) *JobError {
	return &JobError{Kind: string(code.Kind()), Code: code, Message: msg}
}

// WithSuggestion attaches a remediation hint and returns e for chaining.
func (e *JobError) WithSuggestion(s string) *JobError {
	e.Suggestion = s
	return e
}
