package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// OperationType tags an operation variant. Unknown tags are rejected at
// admission, never silently skipped.
type OperationType string

const (
	OpTranscode OperationType = "transcode"
	OpTrim      OperationType = "trim"
	OpFilter    OperationType = "filter"
	OpAnalyze   OperationType = "analyze"
	OpStream    OperationType = "stream"
	OpWatermark OperationType = "watermark"
)

// Valid reports whether t is a known operation tag.
func (t OperationType) Valid() bool {
	switch t {
	case OpTranscode, OpTrim, OpFilter, OpAnalyze, OpStream, OpWatermark:
		return true
	}
	return false
}

// Operation is one step of a job's pipeline. Params hold the variant's
// knobs (video_codec, crf, start, duration, filter, bitrate, …) as
// strings; typed access goes through the accessors below.
type Operation struct {
	Type   OperationType     `json:"type"`
	Params map[string]string `json:"params,omitempty"`
}

// Param returns the named parameter or "".
func (o Operation) Param(key string) string {
	return o.Params[key]
}

// VideoCodec returns the demanded video codec or "" when unset.
func (o Operation) VideoCodec() string { return o.Params["video_codec"] }

// AudioCodec returns the demanded audio codec or "" when unset.
func (o Operation) AudioCodec() string { return o.Params["audio_codec"] }

const maxBitrateBps = int64(1) << 40 // 1 Tbps, far above any plan ceiling

// ParseBitrate parses a bitrate string like "5000k", "8M" or "800000"
// into bits per second. Parsing is overflow-safe: values that would
// overflow int64 after unit scaling fail instead of truncating.
func ParseBitrate(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("op=domain.ParseBitrate: empty: %w", ErrInvalidArgument)
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'k':
		mult, s = 1_000, s[:len(s)-1]
	case 'm':
		mult, s = 1_000_000, s[:len(s)-1]
	case 'g':
		mult, s = 1_000_000_000, s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("op=domain.ParseBitrate: %q: %w", s, ErrInvalidArgument)
	}
	if n > maxBitrateBps/mult {
		return 0, fmt.Errorf("op=domain.ParseBitrate: %q overflows: %w", s, ErrInvalidArgument)
	}
	return n * mult, nil
}

// ParseResolution parses "1920x1080" into width and height.
func ParseResolution(s string) (w, h int, err error) {
	parts := strings.SplitN(strings.ToLower(strings.TrimSpace(s)), "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("op=domain.ParseResolution: %q: %w", s, ErrInvalidArgument)
	}
	w, err = strconv.Atoi(parts[0])
	if err == nil {
		h, err = strconv.Atoi(parts[1])
	}
	if err != nil || w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("op=domain.ParseResolution: %q: %w", s, ErrInvalidArgument)
	}
	return w, h, nil
}
