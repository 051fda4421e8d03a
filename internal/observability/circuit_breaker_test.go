package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendiffdev/ffmpeg-api-sub000/internal/domain"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	b := NewBreaker("storage", 3, time.Minute)
	require.Equal(t, StateClosed, b.State())

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		err := b.Do(func() error { return boom })
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, StateOpen, b.State())

	err := b.Do(func() error { return nil })
	assert.ErrorIs(t, err, domain.ErrBreakerOpen)
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	t.Parallel()
	b := NewBreaker("webhook:example.com", 1, 10*time.Millisecond)
	_ = b.Do(func() error { return errors.New("boom") })
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	// Cool-down elapsed: one probe is allowed and closes the circuit.
	err := b.Do(func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	b := NewBreaker("s3", 1, 10*time.Millisecond)
	_ = b.Do(func() error { return errors.New("boom") })
	time.Sleep(20 * time.Millisecond)

	_ = b.Do(func() error { return errors.New("still down") })
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	b := NewBreaker("x", 2, time.Minute)
	_ = b.Do(func() error { return errors.New("boom") })
	require.NoError(t, b.Do(func() error { return nil }))
	_ = b.Do(func() error { return errors.New("boom") })
	// One failure after a success is below the threshold of two.
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerSetSharesPerTarget(t *testing.T) {
	t.Parallel()
	set := NewBreakerSet(1, time.Minute)
	a := set.For("host-a")
	assert.Same(t, a, set.For("host-a"))
	assert.NotSame(t, a, set.For("host-b"))

	_ = a.Do(func() error { return errors.New("boom") })
	assert.Equal(t, StateOpen, set.For("host-a").State())
	assert.Equal(t, StateClosed, set.For("host-b").State())
}
