package storage

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendiffdev/ffmpeg-api-sub000/internal/domain"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/observability"
)

// scriptedBackend answers every call with a fixed error and counts hits.
type scriptedBackend struct {
	calls int
	err   error
}

func (s *scriptedBackend) Scheme() string { return "s3" }

func (s *scriptedBackend) Stat(context.Context, string) (domain.StatInfo, error) {
	s.calls++
	return domain.StatInfo{}, s.err
}

func (s *scriptedBackend) OpenRead(context.Context, string) (io.ReadCloser, error) {
	s.calls++
	return nil, s.err
}

func (s *scriptedBackend) OpenWrite(context.Context, string) (io.WriteCloser, error) {
	s.calls++
	return nil, s.err
}

func (s *scriptedBackend) Exists(context.Context, string) (bool, error) {
	s.calls++
	return false, s.err
}

func TestBreakerOpensOnSustainedStorageFailures(t *testing.T) {
	t.Parallel()

	inner := &scriptedBackend{err: domain.Codef(domain.CodeStorageUnavailable, domain.ErrInternal,
		"op=s3.stat: endpoint down")}
	b := WithBreaker(inner, observability.NewBreaker("storage-test", 3, time.Hour))

	for i := 0; i < 3; i++ {
		_, err := b.Stat(context.Background(), "s3://bucket/in.mp4")
		require.Error(t, err)
		assert.Equal(t, domain.CodeStorageUnavailable, domain.CodeOf(err))
	}

	// Circuit open: the next call is refused without reaching the client.
	_, err := b.Stat(context.Background(), "s3://bucket/in.mp4")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrBreakerOpen))
	assert.Equal(t, domain.CodeStorageUnavailable, domain.CodeOf(err))
	assert.Equal(t, 3, inner.calls)
}

func TestBreakerRecoversAfterCoolDown(t *testing.T) {
	t.Parallel()

	inner := &scriptedBackend{err: domain.Codef(domain.CodeStorageUnavailable, domain.ErrInternal,
		"op=s3.read: endpoint down")}
	br := observability.NewBreaker("storage-recover", 2, 10*time.Millisecond)
	b := WithBreaker(inner, br)

	for i := 0; i < 2; i++ {
		_, err := b.OpenRead(context.Background(), "s3://bucket/in.mp4")
		require.Error(t, err)
	}
	require.Equal(t, observability.StateOpen, br.State())

	// Half-open probe after the cool-down succeeds and closes the circuit.
	time.Sleep(15 * time.Millisecond)
	inner.err = nil
	_, err := b.Exists(context.Background(), "s3://bucket/in.mp4")
	require.NoError(t, err)
	assert.Equal(t, observability.StateClosed, br.State())
}

func TestBreakerIgnoresPerObjectVerdicts(t *testing.T) {
	t.Parallel()

	inner := &scriptedBackend{err: errNotFound("s3.Stat", "s3://bucket/missing.mp4")}
	br := observability.NewBreaker("storage-verdicts", 2, time.Hour)
	b := WithBreaker(inner, br)

	// Missing objects and write conflicts are answers, not outages; the
	// circuit stays closed no matter how many arrive.
	for i := 0; i < 10; i++ {
		_, err := b.Stat(context.Background(), "s3://bucket/missing.mp4")
		require.Error(t, err)
		assert.Equal(t, domain.CodeStorageNotFound, domain.CodeOf(err))
	}
	assert.Equal(t, observability.StateClosed, br.State())
	assert.Equal(t, 10, inner.calls)

	inner.err = domain.Codef(domain.CodeStorageConflict, domain.ErrStorageConflict,
		"op=s3.write: output exists")
	for i := 0; i < 10; i++ {
		_, err := b.OpenWrite(context.Background(), "s3://bucket/out.mp4")
		require.Error(t, err)
	}
	assert.Equal(t, observability.StateClosed, br.State())
}
