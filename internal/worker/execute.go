package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendiffdev/ffmpeg-api-sub000/internal/adapter/storage"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/adapter/transcoder"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/domain"
)

// Transcoder is the invocation surface the runtime needs; satisfied by
// *transcoder.Invoker.
type Transcoder interface {
	Run(ctx context.Context, spec transcoder.InvocationSpec, onProgress func(transcoder.Update)) error
	Probe(ctx context.Context, path string) (transcoder.MediaInfo, error)
	AnalyzeToJSON(ctx context.Context, path string) ([]byte, error)
}

// execute runs one job end to end inside its work directory: stage the
// input locally, invoke the transcoder with debounced reporting, then
// commit the output to its destination.
func (r *Runtime) execute(ctx context.Context, j domain.Job, rep *reporter) error {
	wd, err := transcoder.NewWorkDir(r.TempDir, j.ID)
	if err != nil {
		return domain.WithCode(domain.CodeInternal, err)
	}
	defer wd.Release()

	rep.stage(ctx, "downloading")
	inPath, err := r.stageInput(ctx, wd, j.Input, "input"+pathExt(j.Input))
	if err != nil {
		return err
	}

	info, err := r.Trans.Probe(ctx, inPath)
	if err != nil {
		return err
	}
	rep.durationSec = info.DurationSec

	if err := r.preValidate(j, info); err != nil {
		return err
	}

	if analyzeOnly(j) {
		return r.runAnalyze(ctx, j, inPath)
	}

	overlay, err := r.stageOverlay(ctx, wd, j)
	if err != nil {
		return err
	}

	outName := "output" + pathExt(j.Output)
	spec := transcoder.InvocationSpec{
		InputPath:   inPath,
		OutputPath:  wd.Path(outName),
		Container:   containerOf(j),
		Operations:  j.Operations,
		OverlayPath: overlay,
	}
	if err := r.Trans.Run(ctx, spec, func(u transcoder.Update) { rep.onUpdate(ctx, u) }); err != nil {
		return err
	}

	rep.stage(ctx, "uploading")
	return r.commitOutput(ctx, wd.Path(outName), j.Output)
}

// stageInput makes the input available as a local file. file:// inputs
// are used in place; remote schemes stream into the work directory.
func (r *Runtime) stageInput(ctx context.Context, wd *transcoder.WorkDir, locator, localName string) (string, error) {
	backend, err := r.Store.For(locator)
	if err != nil {
		return "", err
	}
	if fb, ok := backend.(*storage.FileBackend); ok {
		return fb.Resolve(locator)
	}

	rc, err := backend.OpenRead(ctx, locator)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	local := wd.Path(localName)
	f, err := os.Create(local)
	if err != nil {
		return "", domain.Codef(domain.CodeInternal, domain.ErrInternal,
			"op=worker.stageInput: temp file: %v", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, rc); err != nil {
		return "", domain.Codef(domain.CodeStorageUnavailable, domain.ErrInternal,
			"op=worker.stageInput: copy failed")
	}
	return local, nil
}

// stageOverlay resolves the watermark image when a watermark operation
// is present.
func (r *Runtime) stageOverlay(ctx context.Context, wd *transcoder.WorkDir, j domain.Job) (string, error) {
	for _, op := range j.Operations {
		if op.Type != domain.OpWatermark {
			continue
		}
		loc := op.Param("image")
		if loc == "" {
			return "", domain.Codef(domain.CodeInvalidOperation, domain.ErrInvalidArgument,
				"op=worker.stageOverlay: watermark without image")
		}
		return r.stageInput(ctx, wd, loc, "overlay"+pathExt(loc))
	}
	return "", nil
}

// runAnalyze writes the probe report to the output locator, or just
// succeeds when the job has no output.
func (r *Runtime) runAnalyze(ctx context.Context, j domain.Job, inPath string) error {
	report, err := r.Trans.AnalyzeToJSON(ctx, inPath)
	if err != nil {
		return err
	}
	if j.Output == "" {
		return nil
	}
	backend, err := r.Store.For(j.Output)
	if err != nil {
		return err
	}
	w, err := backend.OpenWrite(ctx, j.Output)
	if err != nil {
		return err
	}
	if _, err := w.Write(report); err != nil {
		_ = w.Close()
		return domain.Codef(domain.CodeStorageUnavailable, domain.ErrInternal,
			"op=worker.runAnalyze: write failed")
	}
	return w.Close()
}

// commitOutput moves the finished artifact to its destination through
// the backend's conflict-safe writer.
func (r *Runtime) commitOutput(ctx context.Context, localPath, locator string) error {
	backend, err := r.Store.For(locator)
	if err != nil {
		return err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return domain.Codef(domain.CodeInternal, domain.ErrInternal,
			"op=worker.commitOutput: artifact missing: %v", err)
	}
	defer src.Close()

	dst, err := backend.OpenWrite(ctx, locator)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return domain.Codef(domain.CodeStorageUnavailable, domain.ErrInternal,
			"op=worker.commitOutput: copy failed")
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("op=worker.commitOutput: %w", err)
	}
	return nil
}

// preValidate refuses work the probe already disproves: a stream job
// whose source codecs cannot ride in HLS while no re-encode is demanded.
func (r *Runtime) preValidate(j domain.Job, info transcoder.MediaInfo) error {
	matrix := domain.Codecs()
	for _, op := range j.Operations {
		if op.Type != domain.OpStream {
			continue
		}
		if op.VideoCodec() == "" && info.VideoCodec != "" && !matrix.VideoAllowed("hls", info.VideoCodec) {
			return domain.Codef(domain.CodeCodecContainerMismatch, domain.ErrConflict,
				"op=worker.preValidate: source video codec cannot stream without transcode")
		}
		if op.AudioCodec() == "" && info.AudioCodec != "" && !matrix.AudioAllowed("hls", info.AudioCodec) {
			return domain.Codef(domain.CodeCodecContainerMismatch, domain.ErrConflict,
				"op=worker.preValidate: source audio codec cannot stream without transcode")
		}
	}
	return nil
}

func analyzeOnly(j domain.Job) bool {
	for _, op := range j.Operations {
		if op.Type != domain.OpAnalyze {
			return false
		}
	}
	return len(j.Operations) > 0
}

func containerOf(j domain.Job) string {
	for _, op := range j.Operations {
		if c := op.Param("container"); c != "" {
			return strings.ToLower(c)
		}
	}
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(j.Output), "."))
}

// pathExt keeps the artifact extension so ffmpeg's muxer inference still
// works on the staged copy.
func pathExt(locator string) string {
	return filepath.Ext(locator)
}
