// Package usecase contains the application services behind the HTTP
// surface: admission of new jobs, queries, and cancellation.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/rendiffdev/ffmpeg-api-sub000/internal/adapter/storage"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/adapter/webhook"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/domain"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/observability"
)

// Limits holds the admission ceilings. All are per-request, not
// per-owner; the owner dimension is the in-flight quota.
type Limits struct {
	MaxInputBytes int64
	MaxBitrateBps int64
	MaxWidth      int
	MaxHeight     int
	// DefaultQuota applies when a key row carries no in-flight quota.
	DefaultQuota int
}

// SubmitRequest is the admitted shape of one submission, after transport
// decoding but before validation.
type SubmitRequest struct {
	Owner           domain.APIKey
	Input           string
	Output          string
	Operations      []domain.Operation
	Options         map[string]string
	Priority        domain.Priority
	WebhookURL      string
	ProgressWebhook bool
	IdemKey         string
}

// SubmitService runs the admission pipeline: structural checks, path
// confinement, size, codec compatibility, webhook target, then the
// transactional quota-checked insert. Checks run in that fixed order and
// the first failure is the verdict.
type SubmitService struct {
	Jobs   domain.JobRepository
	Queue  domain.TaskQueue
	Store  *storage.Resolver
	Guard  *webhook.Guard
	Limits Limits
}

// NewSubmitService constructs a SubmitService.
func NewSubmitService(jobs domain.JobRepository, q domain.TaskQueue, st *storage.Resolver, g *webhook.Guard, lim Limits) SubmitService {
	return SubmitService{Jobs: jobs, Queue: q, Store: st, Guard: g, Limits: lim}
}

// Submit admits one job. On success the job is durably queued and its id
// returned; a replayed Idempotency-Key returns the original job instead
// of creating a second one.
func (s SubmitService) Submit(ctx context.Context, req SubmitRequest) (domain.Job, error) {
	if req.IdemKey != "" {
		if j, err := s.Jobs.FindByIdempotencyKey(ctx, req.Owner.ID, req.IdemKey); err == nil {
			return j, nil
		}
	}

	if err := s.admit(ctx, &req); err != nil {
		observability.JobsRejectedTotal.WithLabelValues(string(domain.CodeOf(err))).Inc()
		return domain.Job{}, err
	}

	j := domain.Job{
		OwnerID:         req.Owner.ID,
		Operations:      req.Operations,
		Input:           req.Input,
		Output:          req.Output,
		Options:         req.Options,
		Priority:        req.Priority,
		WebhookURL:      req.WebhookURL,
		ProgressWebhook: req.ProgressWebhook,
		Status:          domain.JobQueued,
	}
	if req.IdemKey != "" {
		j.IdemKey = &req.IdemKey
	}

	quota := req.Owner.Quota
	if quota <= 0 {
		quota = s.Limits.DefaultQuota
	}
	id, err := s.Jobs.CreateWithQuota(ctx, j, quota)
	if errors.Is(err, domain.ErrConflict) && req.IdemKey != "" {
		// Lost a concurrent replay race; the winner's row is committed.
		return s.Jobs.FindByIdempotencyKey(ctx, req.Owner.ID, req.IdemKey)
	}
	if err != nil {
		observability.JobsRejectedTotal.WithLabelValues(string(domain.CodeOf(err))).Inc()
		return domain.Job{}, err
	}

	// The row is committed; enqueue may fail independently. A job that
	// cannot be scheduled fails terminally rather than lingering queued
	// forever.
	if err := s.Queue.Enqueue(ctx, id, req.Priority); err != nil {
		slog.Error("enqueue after commit failed",
			slog.String("job_id", id), slog.Any("error", err))
		if _, terr := s.Jobs.TransitionTerminal(ctx, id, 0, domain.JobFailed,
			domain.NewJobError(domain.CodeInternal, "job could not be scheduled")); terr != nil {
			slog.Error("failed-to-schedule transition failed",
				slog.String("job_id", id), slog.Any("error", terr))
		}
		return domain.Job{}, fmt.Errorf("op=submit.enqueue: %w", err)
	}

	observability.JobsSubmittedTotal.WithLabelValues(string(req.Priority)).Inc()
	slog.Info("job admitted",
		slog.String("job_id", id),
		slog.String("owner", req.Owner.ID),
		slog.String("priority", string(req.Priority)))
	return s.Jobs.Get(ctx, id)
}

// BatchResult is the per-item verdict of a batch submission.
type BatchResult struct {
	Job domain.Job
	Err error
}

// SubmitBatch admits each item independently through the same pipeline.
// One bad item does not block its siblings.
func (s SubmitService) SubmitBatch(ctx context.Context, reqs []SubmitRequest) []BatchResult {
	out := make([]BatchResult, len(reqs))
	for i, req := range reqs {
		j, err := s.Submit(ctx, req)
		out[i] = BatchResult{Job: j, Err: err}
	}
	return out
}

// admit runs the ordered validation pipeline. req.Priority is defaulted
// in place.
func (s SubmitService) admit(ctx context.Context, req *SubmitRequest) error {
	// 1. Structural.
	if len(req.Operations) == 0 {
		return domain.Codef(domain.CodeInvalidInput, domain.ErrInvalidArgument,
			"op=submit.admit: at least one operation required")
	}
	for _, op := range req.Operations {
		if !op.Type.Valid() {
			return domain.Codef(domain.CodeInvalidOperation, domain.ErrInvalidArgument,
				"op=submit.admit: unknown operation %q", op.Type)
		}
	}
	if req.Priority == "" {
		req.Priority = domain.PriorityNormal
	}
	if !req.Priority.Valid() {
		return domain.Codef(domain.CodeInvalidInput, domain.ErrInvalidArgument,
			"op=submit.admit: unknown priority %q", req.Priority)
	}
	analyzeOnly := true
	for _, op := range req.Operations {
		if op.Type != domain.OpAnalyze {
			analyzeOnly = false
		}
	}
	if req.Output == "" && !analyzeOnly {
		return domain.Codef(domain.CodeInvalidInput, domain.ErrInvalidArgument,
			"op=submit.admit: output required")
	}

	// 2. Paths. Canonicalization and confinement live in the backend.
	inStore, err := s.Store.For(req.Input)
	if err != nil {
		return err
	}
	stat, err := inStore.Stat(ctx, req.Input)
	if err != nil {
		return err
	}
	if req.Output != "" {
		outStore, err := s.Store.For(req.Output)
		if err != nil {
			return err
		}
		// Resolve output through the same confinement rules; existence
		// conflicts are judged transactionally at write time, not here.
		if _, err := outStore.Exists(ctx, req.Output); err != nil && domain.CodeOf(err).Kind() == domain.KindValidation {
			return err
		}
	}

	// 3. Size.
	if s.Limits.MaxInputBytes > 0 && stat.Size > s.Limits.MaxInputBytes {
		return domain.Codef(domain.CodeInputTooLarge, domain.ErrInvalidArgument,
			"op=submit.admit: input size %d exceeds limit", stat.Size)
	}

	// 4. Codec/container compatibility and numeric ceilings.
	if err := s.checkOperations(*req); err != nil {
		return err
	}

	// 5. Webhook target.
	if req.WebhookURL != "" {
		if err := s.Guard.Validate(ctx, req.WebhookURL); err != nil {
			return err
		}
	}

	// Advisory content sniff; a mismatch is logged, never fatal, since
	// the demuxer is the real judge.
	s.sniffInput(ctx, inStore, req.Input)
	return nil
}

func (s SubmitService) checkOperations(req SubmitRequest) error {
	matrix := domain.Codecs()
	container := TargetContainer(req)
	for _, op := range req.Operations {
		switch op.Type {
		case domain.OpAnalyze:
			continue
		case domain.OpStream:
			// Stream output is judged against the HLS codec set, not the
			// playlist extension.
			if err := matrix.CheckOperation("hls", op); err != nil {
				return codecVerdict(err)
			}
		default:
			if container != "" {
				if err := matrix.CheckOperation(container, op); err != nil {
					return codecVerdict(err)
				}
			}
		}

		if br := op.Param("bitrate"); br != "" {
			bps, err := domain.ParseBitrate(br)
			if err != nil {
				return domain.Codef(domain.CodeInvalidBitrate, domain.ErrInvalidArgument,
					"op=submit.admit: bitrate %q", br)
			}
			if s.Limits.MaxBitrateBps > 0 && bps > s.Limits.MaxBitrateBps {
				return domain.Codef(domain.CodeLimitExceeded, domain.ErrInvalidArgument,
					"op=submit.admit: bitrate above plan ceiling")
			}
		}
		if res := op.Param("resolution"); res != "" {
			w, h, err := domain.ParseResolution(res)
			if err != nil {
				return domain.Codef(domain.CodeInvalidInput, domain.ErrInvalidArgument,
					"op=submit.admit: resolution %q", res)
			}
			if (s.Limits.MaxWidth > 0 && w > s.Limits.MaxWidth) ||
				(s.Limits.MaxHeight > 0 && h > s.Limits.MaxHeight) {
				return domain.Codef(domain.CodeLimitExceeded, domain.ErrInvalidArgument,
					"op=submit.admit: resolution above plan ceiling")
			}
		}
	}
	return nil
}

// codecVerdict maps a matrix rejection to its machine code: unknown
// containers are plain invalid input, disallowed codecs are the
// dedicated mismatch code.
func codecVerdict(err error) error {
	if errors.Is(err, domain.ErrInvalidArgument) {
		return domain.WithCode(domain.CodeInvalidInput, err)
	}
	return domain.WithCode(domain.CodeCodecContainerMismatch, err)
}

// TargetContainer derives the output container: an explicit container
// param wins, else the output extension decides.
func TargetContainer(req SubmitRequest) string {
	for _, op := range req.Operations {
		if c := op.Param("container"); c != "" {
			return strings.ToLower(c)
		}
	}
	ext := strings.TrimPrefix(path.Ext(req.Output), ".")
	return strings.ToLower(ext)
}

// sniffInput reads the input head and logs when the detected type is not
// audio/video. Best effort: any error here is swallowed.
func (s SubmitService) sniffInput(ctx context.Context, st domain.Storage, locator string) {
	rc, err := st.OpenRead(ctx, locator)
	if err != nil {
		return
	}
	defer rc.Close()
	mt, err := mimetype.DetectReader(io.LimitReader(rc, 3072))
	if err != nil {
		return
	}
	kind := mt.String()
	if !strings.HasPrefix(kind, "video/") && !strings.HasPrefix(kind, "audio/") &&
		kind != "application/octet-stream" {
		slog.Warn("input does not sniff as media",
			slog.String("mime", kind))
	}
}
