package transcoder

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/rendiffdev/ffmpeg-api-sub000/internal/domain"
)

// MediaInfo is the subset of the ffprobe report the orchestrator needs.
type MediaInfo struct {
	DurationSec float64 `json:"duration_sec"`
	Container   string  `json:"container"`
	VideoCodec  string  `json:"video_codec,omitempty"`
	AudioCodec  string  `json:"audio_codec,omitempty"`
	Width       int     `json:"width,omitempty"`
	Height      int     `json:"height,omitempty"`
	BitrateBps  int64   `json:"bitrate_bps,omitempty"`
}

type ffprobeReport struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		BitRate    string `json:"bit_rate"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

// Probe inspects a local media file via ffprobe. A duration the probe
// cannot determine stays zero; callers treat zero as unknown.
func (inv *Invoker) Probe(ctx context.Context, path string) (MediaInfo, error) {
	cmd := exec.CommandContext(ctx, inv.FFprobe,
		"-v", "error",
		"-print_format", "json",
		"-show_format", "-show_streams",
		path)
	out, err := cmd.Output()
	if err != nil {
		return MediaInfo{}, domain.Codef(domain.CodeTranscoderInvalidMedia, domain.ErrInvalidArgument,
			"op=transcoder.Probe: media not readable")
	}
	var rep ffprobeReport
	if err := json.Unmarshal(out, &rep); err != nil {
		return MediaInfo{}, fmt.Errorf("op=transcoder.Probe: report: %w", err)
	}

	info := MediaInfo{Container: rep.Format.FormatName}
	if rep.Format.Duration != "" {
		info.DurationSec, _ = strconv.ParseFloat(rep.Format.Duration, 64)
	}
	if rep.Format.BitRate != "" {
		info.BitrateBps, _ = strconv.ParseInt(rep.Format.BitRate, 10, 64)
	}
	for _, s := range rep.Streams {
		switch s.CodecType {
		case "video":
			if info.VideoCodec == "" {
				info.VideoCodec = s.CodecName
				info.Width, info.Height = s.Width, s.Height
			}
		case "audio":
			if info.AudioCodec == "" {
				info.AudioCodec = s.CodecName
			}
		}
	}
	return info, nil
}

// AnalyzeToJSON runs the probe and returns the report as JSON bytes,
// used by analyze operations whose output is the report itself.
func (inv *Invoker) AnalyzeToJSON(ctx context.Context, path string) ([]byte, error) {
	info, err := inv.Probe(ctx, path)
	if err != nil {
		return nil, err
	}
	b, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("op=transcoder.AnalyzeToJSON: %w", err)
	}
	return b, nil
}
