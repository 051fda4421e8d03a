package transcoder

import (
	"fmt"
	"strings"

	"github.com/rendiffdev/ffmpeg-api-sub000/internal/domain"
)

// InvocationSpec is everything needed to build one ffmpeg argv.
type InvocationSpec struct {
	InputPath  string
	OutputPath string
	Container  string
	Operations []domain.Operation
	// OverlayPath is the resolved local path of a watermark image, when
	// any watermark operation is present.
	OverlayPath string
}

// BuildArgs assembles the argv (excluding the binary name) for one
// invocation. Every value lands in its own argv element; nothing is ever
// joined into a shell line. The progress pipe rides on descriptor 3.
func BuildArgs(caps Capabilities, spec InvocationSpec) ([]string, error) {
	args := []string{"-hide_banner", "-nostdin", "-y", "-progress", "pipe:3"}

	var (
		inputOpts  []string
		outputOpts []string
		vfilters   []string
		useOverlay bool
	)

	for _, op := range spec.Operations {
		switch op.Type {
		case domain.OpTranscode:
			if vc := op.VideoCodec(); vc != "" {
				outputOpts = append(outputOpts, "-c:v", caps.EncoderFor(vc))
			}
			if ac := op.AudioCodec(); ac != "" {
				outputOpts = append(outputOpts, "-c:a", ac)
			}
			if crf := op.Param("crf"); crf != "" {
				outputOpts = append(outputOpts, "-crf", crf)
			}
			if br := op.Param("bitrate"); br != "" {
				if _, err := domain.ParseBitrate(br); err != nil {
					return nil, fmt.Errorf("op=transcoder.BuildArgs: %w", err)
				}
				outputOpts = append(outputOpts, "-b:v", br)
			}
			if preset := op.Param("preset"); preset != "" {
				if err := validateToken(preset); err != nil {
					return nil, err
				}
				outputOpts = append(outputOpts, "-preset", preset)
			}
			if res := op.Param("resolution"); res != "" {
				w, h, err := domain.ParseResolution(res)
				if err != nil {
					return nil, fmt.Errorf("op=transcoder.BuildArgs: %w", err)
				}
				vfilters = append(vfilters, fmt.Sprintf("scale=%d:%d", w, h))
			}
		case domain.OpTrim:
			if start := op.Param("start"); start != "" {
				if err := validateToken(start); err != nil {
					return nil, err
				}
				inputOpts = append(inputOpts, "-ss", start)
			}
			if dur := op.Param("duration"); dur != "" {
				if err := validateToken(dur); err != nil {
					return nil, err
				}
				outputOpts = append(outputOpts, "-t", dur)
			}
		case domain.OpFilter:
			if f := op.Param("filter"); f != "" {
				if err := validateFilterExpr(f); err != nil {
					return nil, err
				}
				vfilters = append(vfilters, f)
			}
		case domain.OpWatermark:
			if spec.OverlayPath == "" {
				return nil, fmt.Errorf("op=transcoder.BuildArgs: watermark without overlay: %w", domain.ErrInvalidArgument)
			}
			useOverlay = true
		case domain.OpStream:
			seg := op.Param("segment_seconds")
			if seg == "" {
				seg = "6"
			}
			if err := validateToken(seg); err != nil {
				return nil, err
			}
			outputOpts = append(outputOpts,
				"-f", "hls",
				"-hls_time", seg,
				"-hls_playlist_type", "vod")
		case domain.OpAnalyze:
			// Analysis runs through ffprobe, not this argv.
			continue
		default:
			return nil, fmt.Errorf("op=transcoder.BuildArgs: operation %q: %w", op.Type, domain.ErrInvalidArgument)
		}

		// Metadata values ride as discrete "-metadata" "k=v" pairs.
		for k, v := range op.Params {
			if !strings.HasPrefix(k, "meta_") {
				continue
			}
			name := strings.TrimPrefix(k, "meta_")
			if err := validateToken(name); err != nil {
				return nil, err
			}
			if err := validateMetaValue(v); err != nil {
				return nil, err
			}
			outputOpts = append(outputOpts, "-metadata", name+"="+v)
		}
	}

	args = append(args, inputOpts...)
	args = append(args, "-i", spec.InputPath)
	if useOverlay {
		args = append(args, "-i", spec.OverlayPath)
		chain := "overlay=W-w-10:H-h-10"
		if len(vfilters) > 0 {
			chain = strings.Join(vfilters, ",") + "," + chain
		}
		args = append(args, "-filter_complex", "[0:v][1:v]"+chain)
	} else if len(vfilters) > 0 {
		args = append(args, "-vf", strings.Join(vfilters, ","))
	}
	args = append(args, outputOpts...)
	args = append(args, spec.OutputPath)
	return args, nil
}

// validateToken accepts short option values: letters, digits and a few
// punctuation runes ffmpeg expects (timecodes, preset names).
func validateToken(s string) error {
	if s == "" || len(s) > 64 {
		return fmt.Errorf("op=transcoder.validateToken: length: %w", domain.ErrInvalidArgument)
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == ':', r == '-', r == '_':
		default:
			return fmt.Errorf("op=transcoder.validateToken: %q: %w", r, domain.ErrInvalidArgument)
		}
	}
	return nil
}

// validateMetaValue rejects control bytes in metadata values; everything
// else is safe because the value never touches a shell.
func validateMetaValue(s string) error {
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("op=transcoder.validateMetaValue: control byte: %w", domain.ErrInvalidArgument)
		}
	}
	return nil
}

// validateFilterExpr bounds free-form filter expressions: no control
// bytes, no newlines. ffmpeg's own parser handles the rest.
func validateFilterExpr(s string) error {
	if len(s) > 512 {
		return fmt.Errorf("op=transcoder.validateFilterExpr: too long: %w", domain.ErrInvalidArgument)
	}
	return validateMetaValue(s)
}
