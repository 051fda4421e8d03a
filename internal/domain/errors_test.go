package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCodeKind(t *testing.T) {
	t.Parallel()
	assert.Equal(t, KindValidation, CodeInvalidBitrate.Kind())
	assert.Equal(t, KindValidation, CodeWebhookForbidden.Kind())
	assert.Equal(t, KindAuth, CodeQuotaExceeded.Kind())
	assert.Equal(t, KindStorage, CodeStorageNotFound.Kind())
	assert.Equal(t, KindTranscoder, CodeTranscoderCrash.Kind())
	assert.Equal(t, KindSystem, CodeLockLost.Kind())
	assert.Equal(t, KindSystem, CodeInternal.Kind())
}

func TestErrorCodeRetryable(t *testing.T) {
	t.Parallel()
	retryable := []ErrorCode{
		CodeStorageUnavailable, CodeStorageConflict,
		CodeTranscoderCrash, CodeLockLost, CodeInternal,
	}
	for _, c := range retryable {
		assert.True(t, c.Retryable(), string(c))
	}
	permanent := []ErrorCode{
		CodeStorageNotFound, CodeTranscoderTimeout, CodeTranscoderInvalidMedia,
		CodeCodecContainerMismatch, CodeInvalidInput,
	}
	for _, c := range permanent {
		assert.False(t, c.Retryable(), string(c))
	}
}

func TestCodeOf(t *testing.T) {
	t.Parallel()
	err := Codef(CodePathOutOfScope, ErrInvalidArgument, "input %q escapes roots", "x")
	assert.Equal(t, CodePathOutOfScope, CodeOf(err))
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	// Wrapping keeps the code reachable.
	wrapped := fmt.Errorf("op=usecase.Submit: %w", err)
	assert.Equal(t, CodePathOutOfScope, CodeOf(wrapped))

	// Plain sentinels fall back to their default codes.
	assert.Equal(t, CodeNotFound, CodeOf(ErrNotFound))
	assert.Equal(t, CodeConflict, CodeOf(ErrConflict))
	assert.Equal(t, CodeQuotaExceeded, CodeOf(ErrQuotaExceeded))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
}

func TestNewJobError(t *testing.T) {
	t.Parallel()
	e := NewJobError(CodeTranscoderCrash, "transcoder exited abnormally").
		WithSuggestion("retry the job")
	assert.Equal(t, "transcoder", e.Kind)
	assert.Equal(t, CodeTranscoderCrash, e.Code)
	assert.Equal(t, "retry the job", e.Suggestion)
}
