package transcoder

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleProgress = `frame=100
fps=25.0
bitrate=1500.0kbits/s
out_time_ms=4000000
speed=1.5x
progress=continue
frame=250
fps=24.8
bitrate=1480.2kbits/s
out_time_ms=10000000
speed=1.4x
progress=end
`

func TestParseProgressBlocks(t *testing.T) {
	t.Parallel()
	var got []Update
	err := parseProgress(strings.NewReader(sampleProgress), func(u Update) {
		got = append(got, u)
	})
	require.NoError(t, err)
	require.Len(t, got, 2)

	// out_time_ms is microseconds on the wire.
	assert.EqualValues(t, 4000, got[0].OutTimeMS)
	assert.EqualValues(t, 100, got[0].Frame)
	assert.InDelta(t, 25.0, got[0].FPS, 0.01)
	assert.EqualValues(t, 1500000, got[0].BitrateBps)
	assert.False(t, got[0].Done)

	assert.EqualValues(t, 10000, got[1].OutTimeMS)
	assert.True(t, got[1].Done)
}

func TestParseProgressIgnoresNA(t *testing.T) {
	t.Parallel()
	var got []Update
	err := parseProgress(strings.NewReader("bitrate=N/A\nout_time_ms=1000000\nprogress=end\n"), func(u Update) {
		got = append(got, u)
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Zero(t, got[0].BitrateBps)
	assert.EqualValues(t, 1000, got[0].OutTimeMS)
}

func TestPercentageClampsAndHandlesZeroDuration(t *testing.T) {
	t.Parallel()
	// Unknown duration holds the last known value via the -1 sentinel.
	assert.EqualValues(t, -1, Percentage(5000, 0))

	assert.InDelta(t, 50, Percentage(5000, 10), 0.01)
	assert.EqualValues(t, 100, Percentage(20000, 10))
	assert.EqualValues(t, 0, Percentage(-5, 10))
}

func TestETA(t *testing.T) {
	t.Parallel()
	// 10s of 60s done at 2x leaves 25s of wall clock.
	assert.EqualValues(t, 25, ETA(10000, 60, 2))
	assert.Zero(t, ETA(10000, 0, 2))
	assert.Zero(t, ETA(70000, 60, 2))
}

func TestWorkDirReleaseIsIdempotent(t *testing.T) {
	t.Parallel()
	wd, err := NewWorkDir(t.TempDir(), "01ABC")
	require.NoError(t, err)

	p := wd.Path("in.mov")
	assert.Contains(t, p, "in.mov")

	wd.Release()
	wd.Release()
	assert.NoDirExists(t, wd.Path())
}
