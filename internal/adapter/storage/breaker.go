package storage

import (
	"context"
	"errors"
	"io"

	"github.com/rendiffdev/ffmpeg-api-sub000/internal/domain"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/observability"
)

// BreakerBackend wraps a backend so sustained failures trip a circuit
// instead of hammering a dead store. Expected per-object verdicts (bad
// paths, missing objects, output conflicts) pass through without
// counting; only availability failures feed the breaker. An open
// circuit reads as the store being unavailable, which the worker's
// retry classification already handles.
type BreakerBackend struct {
	inner domain.Storage
	br    *observability.Breaker
}

// WithBreaker wraps inner with the given breaker.
func WithBreaker(inner domain.Storage, br *observability.Breaker) *BreakerBackend {
	return &BreakerBackend{inner: inner, br: br}
}

func (b *BreakerBackend) Scheme() string { return b.inner.Scheme() }

// countable reports whether err is a backend-health failure rather than
// a per-object verdict.
func countable(err error) bool {
	code := domain.CodeOf(err)
	if code.Kind() == domain.KindValidation {
		return false
	}
	return code != domain.CodeStorageNotFound && code != domain.CodeStorageConflict
}

func (b *BreakerBackend) do(op func() error) error {
	var verdict error
	err := b.br.Do(func() error {
		if err := op(); err != nil {
			if !countable(err) {
				verdict = err
				return nil
			}
			return err
		}
		return nil
	})
	if errors.Is(err, domain.ErrBreakerOpen) {
		return domain.WithCode(domain.CodeStorageUnavailable, err)
	}
	if err != nil {
		return err
	}
	return verdict
}

func (b *BreakerBackend) Stat(ctx context.Context, locator string) (domain.StatInfo, error) {
	var info domain.StatInfo
	err := b.do(func() error {
		var err error
		info, err = b.inner.Stat(ctx, locator)
		return err
	})
	return info, err
}

func (b *BreakerBackend) OpenRead(ctx context.Context, locator string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := b.do(func() error {
		var err error
		rc, err = b.inner.OpenRead(ctx, locator)
		return err
	})
	return rc, err
}

func (b *BreakerBackend) OpenWrite(ctx context.Context, locator string) (io.WriteCloser, error) {
	var wc io.WriteCloser
	err := b.do(func() error {
		var err error
		wc, err = b.inner.OpenWrite(ctx, locator)
		return err
	})
	return wc, err
}

func (b *BreakerBackend) Exists(ctx context.Context, locator string) (bool, error) {
	var ok bool
	err := b.do(func() error {
		var err error
		ok, err = b.inner.Exists(ctx, locator)
		return err
	})
	return ok, err
}

var _ domain.Storage = (*BreakerBackend)(nil)
