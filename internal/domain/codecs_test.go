package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecsMatrixLoads(t *testing.T) {
	t.Parallel()
	m := Codecs()
	require.NotEmpty(t, m.Containers)
	assert.True(t, m.KnownContainer("mp4"))
	assert.True(t, m.KnownContainer("MP4"))
	assert.False(t, m.KnownContainer("avi3000"))
}

func TestCodecsCompatibility(t *testing.T) {
	t.Parallel()
	m := Codecs()
	assert.True(t, m.VideoAllowed("mp4", "h264"))
	assert.True(t, m.VideoAllowed("webm", "vp9"))
	assert.False(t, m.VideoAllowed("webm", "h264"))
	assert.True(t, m.AudioAllowed("mkv", "flac"))
	assert.False(t, m.AudioAllowed("mp4", "flac"))
}

func TestCheckOperation(t *testing.T) {
	t.Parallel()
	m := Codecs()

	ok := Operation{Type: OpTranscode, Params: map[string]string{"video_codec": "h264", "audio_codec": "aac"}}
	require.NoError(t, m.CheckOperation("mp4", ok))

	// Empty codec params defer to transcoder defaults.
	require.NoError(t, m.CheckOperation("mp4", Operation{Type: OpTrim}))

	bad := Operation{Type: OpTranscode, Params: map[string]string{"video_codec": "h264"}}
	err := m.CheckOperation("webm", bad)
	assert.ErrorIs(t, err, ErrConflict)

	err = m.CheckOperation("nope", ok)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
