package transcoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/rendiffdev/ffmpeg-api-sub000/internal/domain"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/observability"
)

// Invoker spawns ffmpeg with a progress pipe on descriptor 3 and
// supervises the invocation: absolute wall-clock ceiling, inactivity
// watchdog, graceful-then-hard termination.
type Invoker struct {
	FFmpeg  string
	FFprobe string
	// WallClock is the absolute ceiling per invocation.
	WallClock time.Duration
	// Stall kills an invocation that emits no progress line.
	Stall time.Duration
	// KillGrace is how long a signalled process may linger before the
	// hard kill.
	KillGrace time.Duration

	Caps Capabilities
}

// NewInvoker applies defaults for zero-valued supervision knobs.
func NewInvoker(ffmpeg, ffprobe string, wallClock, stall time.Duration, caps Capabilities) *Invoker {
	if wallClock <= 0 {
		wallClock = 6 * time.Hour
	}
	if stall <= 0 {
		stall = 5 * time.Minute
	}
	return &Invoker{
		FFmpeg:    ffmpeg,
		FFprobe:   ffprobe,
		WallClock: wallClock,
		Stall:     stall,
		KillGrace: 10 * time.Second,
		Caps:      caps,
	}
}

// stderrTail keeps the last chunk of child stderr for server-side logs.
// The public error never carries any of it.
type stderrTail struct {
	buf bytes.Buffer
}

func (t *stderrTail) Write(p []byte) (int, error) {
	const keep = 4096
	t.buf.Write(p)
	if t.buf.Len() > keep {
		b := t.buf.Bytes()
		t.buf.Reset()
		t.buf.Write(b[len(b)-keep:])
	}
	return len(p), nil
}

// Run executes one invocation and streams progress updates to
// onProgress. The returned error, when non-nil, carries a classified
// machine code; raw stderr goes to the local log only.
func (inv *Invoker) Run(ctx context.Context, spec InvocationSpec, onProgress func(Update)) error {
	args, err := BuildArgs(inv.Caps, spec)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(ctx, inv.WallClock)
	defer cancel()

	progR, progW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("op=transcoder.Run: progress pipe: %w", err)
	}
	defer progR.Close()

	var tail stderrTail
	cmd := exec.CommandContext(runCtx, inv.FFmpeg, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = &tail
	// fd 3 in the child; see "-progress pipe:3" in BuildArgs.
	cmd.ExtraFiles = []*os.File{progW}
	cmd.Cancel = func() error {
		// Graceful first; WaitDelay escalates to SIGKILL.
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = inv.KillGrace

	if err := cmd.Start(); err != nil {
		progW.Close()
		observability.TranscoderInvocationsTotal.WithLabelValues("spawn_error").Inc()
		return domain.Codef(domain.CodeTranscoderCrash, domain.ErrInternal,
			"op=transcoder.Run: spawn failed")
	}
	// The parent's write end must close so the reader sees EOF when the
	// child exits.
	progW.Close()

	// Inactivity watchdog: any progress line rearms it.
	stalled := make(chan struct{})
	watchdog := time.AfterFunc(inv.Stall, func() { close(stalled) })
	defer watchdog.Stop()

	parseDone := make(chan error, 1)
	go func() {
		parseDone <- parseProgress(progR, func(u Update) {
			watchdog.Reset(inv.Stall)
			if onProgress != nil {
				onProgress(u)
			}
		})
	}()

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	var timedOut, wasStalled bool
	var waitErr error
	select {
	case waitErr = <-waitDone:
	case <-stalled:
		wasStalled = true
		cancel()
		waitErr = <-waitDone
	}
	<-parseDone

	if waitErr == nil {
		observability.TranscoderInvocationsTotal.WithLabelValues("ok").Inc()
		return nil
	}
	timedOut = runCtx.Err() != nil && ctx.Err() == nil && !wasStalled

	slog.Error("transcoder invocation failed",
		slog.String("input", spec.InputPath),
		slog.Bool("timed_out", timedOut),
		slog.Bool("stalled", wasStalled),
		slog.String("stderr_tail", tail.buf.String()),
		slog.Any("error", waitErr))

	switch {
	case ctx.Err() != nil:
		// Caller cancellation (job cancel or shutdown), not a failure of
		// the transcoder itself.
		observability.TranscoderInvocationsTotal.WithLabelValues("cancelled").Inc()
		return ctx.Err()
	case wasStalled:
		observability.TranscoderInvocationsTotal.WithLabelValues("stalled").Inc()
		return domain.Codef(domain.CodeTranscoderTimeout, domain.ErrInternal,
			"op=transcoder.Run: no progress for %s", inv.Stall)
	case timedOut:
		observability.TranscoderInvocationsTotal.WithLabelValues("timeout").Inc()
		return domain.Codef(domain.CodeTranscoderTimeout, domain.ErrInternal,
			"op=transcoder.Run: exceeded wall-clock ceiling %s", inv.WallClock)
	case isInvalidMedia(&tail):
		observability.TranscoderInvocationsTotal.WithLabelValues("invalid_media").Inc()
		return domain.Codef(domain.CodeTranscoderInvalidMedia, domain.ErrInvalidArgument,
			"op=transcoder.Run: input not decodable")
	default:
		observability.TranscoderInvocationsTotal.WithLabelValues("crash").Inc()
		var exitErr *exec.ExitError
		code := -1
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
		return domain.Codef(domain.CodeTranscoderCrash, domain.ErrInternal,
			"op=transcoder.Run: exit status %d", code)
	}
}

func isInvalidMedia(t *stderrTail) bool {
	s := t.buf.String()
	return bytes.Contains([]byte(s), []byte("Invalid data found")) ||
		bytes.Contains([]byte(s), []byte("moov atom not found")) ||
		bytes.Contains([]byte(s), []byte("Invalid argument"))
}

// Healthy probes the binary. Used by the readiness endpoint.
func (inv *Invoker) Healthy(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, inv.FFmpeg, "-version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("op=transcoder.Healthy: %w", err)
	}
	return nil
}
