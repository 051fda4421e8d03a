package transcoder

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// Update is one accumulated progress block from the ffmpeg progress
// pipe. ffmpeg emits key=value lines and flushes a block with a final
// progress=continue|end line.
type Update struct {
	OutTimeMS  int64
	Frame      int64
	FPS        float64
	BitrateBps int64
	Speed      float64
	Done       bool
}

// parseProgress consumes the progress pipe line by line, never loading
// the stream into memory, and invokes onUpdate at each block boundary.
func parseProgress(r io.Reader, onUpdate func(Update)) error {
	sc := bufio.NewScanner(r)
	var cur Update
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch key {
		case "out_time_ms":
			// Despite the name this field is microseconds in ffmpeg.
			if n, err := strconv.ParseInt(val, 10, 64); err == nil {
				cur.OutTimeMS = n / 1000
			}
		case "out_time_us":
			if n, err := strconv.ParseInt(val, 10, 64); err == nil {
				cur.OutTimeMS = n / 1000
			}
		case "frame":
			if n, err := strconv.ParseInt(val, 10, 64); err == nil {
				cur.Frame = n
			}
		case "fps":
			if f, err := strconv.ParseFloat(val, 64); err == nil {
				cur.FPS = f
			}
		case "bitrate":
			// "1234.5kbits/s" or "N/A".
			if bps, ok := parseBitrateField(val); ok {
				cur.BitrateBps = bps
			}
		case "speed":
			if f, err := strconv.ParseFloat(strings.TrimSuffix(val, "x"), 64); err == nil {
				cur.Speed = f
			}
		case "progress":
			cur.Done = val == "end"
			onUpdate(cur)
			if cur.Done {
				return sc.Err()
			}
		}
	}
	return sc.Err()
}

func parseBitrateField(val string) (int64, bool) {
	val = strings.TrimSuffix(val, "kbits/s")
	f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
	if err != nil {
		return 0, false
	}
	return int64(f * 1000), true
}

// Percentage converts elapsed output time to a clamped percentage.
// A zero or unknown total duration yields -1, meaning "hold the last
// known value and emit stage updates only" — never a division by zero.
func Percentage(outTimeMS int64, totalDurationSec float64) float64 {
	if totalDurationSec <= 0 {
		return -1
	}
	pct := float64(outTimeMS) / 1000 / totalDurationSec * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// ETA estimates remaining wall-clock seconds from the encode speed.
func ETA(outTimeMS int64, totalDurationSec, speed float64) int64 {
	if totalDurationSec <= 0 || speed <= 0 {
		return 0
	}
	remaining := totalDurationSec - float64(outTimeMS)/1000
	if remaining <= 0 {
		return 0
	}
	return int64(remaining / speed)
}
