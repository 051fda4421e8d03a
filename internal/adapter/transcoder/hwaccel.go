// Package transcoder invokes the external ffmpeg binary with a direct
// argv exec, parses its progress pipe, and enforces wall-clock and
// inactivity ceilings. No string ever passes through a shell.
package transcoder

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Capabilities is the hardware-encoder probe result, taken once at
// process start and cached for every job.
type Capabilities struct {
	encoders map[string]bool
}

// hwPreference ranks encoder families best first; the last entry per
// codec is the software fallback and is always assumed present.
var hwPreference = map[string][]string{
	"h264": {"h264_nvenc", "h264_qsv", "h264_vaapi", "h264_videotoolbox", "libx264"},
	"hevc": {"hevc_nvenc", "hevc_qsv", "hevc_vaapi", "hevc_videotoolbox", "libx265"},
	"h265": {"hevc_nvenc", "hevc_qsv", "hevc_vaapi", "hevc_videotoolbox", "libx265"},
	"vp9":  {"vp9_qsv", "libvpx-vp9"},
	"av1":  {"av1_nvenc", "av1_qsv", "libaom-av1"},
}

// ProbeCapabilities runs `ffmpeg -encoders` once and records which
// encoder names are available.
func ProbeCapabilities(ctx context.Context, ffmpegPath string) (Capabilities, error) {
	cmd := exec.CommandContext(ctx, ffmpegPath, "-hide_banner", "-encoders")
	out, err := cmd.Output()
	if err != nil {
		return Capabilities{}, fmt.Errorf("op=transcoder.ProbeCapabilities: %w", err)
	}
	return parseEncoderList(strings.NewReader(string(out))), nil
}

func parseEncoderList(r *strings.Reader) Capabilities {
	caps := Capabilities{encoders: make(map[string]bool)}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		// Lines look like " V....D h264_nvenc   NVIDIA NVENC H.264 encoder".
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		flags := fields[0]
		if !strings.ContainsAny(flags, "VA") {
			continue
		}
		caps.encoders[fields[1]] = true
	}
	return caps
}

// Has reports whether the named encoder was probed as available.
func (c Capabilities) Has(encoder string) bool { return c.encoders[encoder] }

// EncoderFor picks the highest-ranked available encoder for the codec,
// falling back to the software implementation. Unknown codecs are
// returned verbatim and left to ffmpeg to reject.
func (c Capabilities) EncoderFor(codec string) string {
	prefs, ok := hwPreference[strings.ToLower(codec)]
	if !ok {
		return codec
	}
	for _, enc := range prefs {
		if c.Has(enc) {
			return enc
		}
	}
	sw := prefs[len(prefs)-1]
	slog.Debug("no probed encoder for codec, using software fallback",
		slog.String("codec", codec), slog.String("encoder", sw))
	return sw
}

// SoftwareOnly returns capabilities with every hardware family absent.
// Used when the probe fails; jobs still run on software encoders.
func SoftwareOnly() Capabilities {
	return Capabilities{encoders: map[string]bool{}}
}
