package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/rendiffdev/ffmpeg-api-sub000/internal/config"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/domain"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/service/ratelimiter"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/usecase"
)

const maxBodyBytes = 1 << 20 // JSON bodies only; media never rides the API

// Submitter is the admission surface the handlers call.
type Submitter interface {
	Submit(ctx context.Context, req usecase.SubmitRequest) (domain.Job, error)
	SubmitBatch(ctx context.Context, reqs []usecase.SubmitRequest) []usecase.BatchResult
}

// JobReader answers queries and cancellations.
type JobReader interface {
	Get(ctx context.Context, owner, id string) (domain.Job, error)
	List(ctx context.Context, f domain.ListFilter) ([]domain.Job, int64, error)
	Stats(ctx context.Context, owner string) (domain.JobStats, error)
	Cancel(ctx context.Context, owner, id string) (domain.Job, error)
}

// Server aggregates handler dependencies.
type Server struct {
	Cfg     config.Config
	Submit  Submitter
	Jobs    JobReader
	Keys    domain.KeyStore
	Bus     domain.ProgressBus
	Limiter ratelimiter.Limiter
	// Checks are the readiness probes aggregated by HealthHandler.
	Checks map[string]func(context.Context) error
}

// NewServer constructs the handler set.
func NewServer(cfg config.Config, submit Submitter, jobs JobReader, keys domain.KeyStore,
	bus domain.ProgressBus, lim ratelimiter.Limiter, checks map[string]func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Submit: submit, Jobs: jobs, Keys: keys, Bus: bus, Limiter: lim, Checks: checks}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type operationDTO struct {
	Type   string            `json:"type" validate:"required"`
	Params map[string]string `json:"params"`
}

type submissionDTO struct {
	Input           string            `json:"input" validate:"required"`
	Output          string            `json:"output"`
	Operations      []operationDTO    `json:"operations" validate:"dive"`
	Options         map[string]string `json:"options"`
	Priority        string            `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
	WebhookURL      string            `json:"webhook_url" validate:"omitempty,url"`
	ProgressWebhook bool              `json:"progress_webhook"`
}

func (d submissionDTO) toRequest(owner domain.APIKey, idemKey string) usecase.SubmitRequest {
	ops := make([]domain.Operation, 0, len(d.Operations))
	for _, op := range d.Operations {
		ops = append(ops, domain.Operation{Type: domain.OperationType(op.Type), Params: op.Params})
	}
	return usecase.SubmitRequest{
		Owner:           owner,
		Input:           d.Input,
		Output:          d.Output,
		Operations:      ops,
		Options:         d.Options,
		Priority:        domain.Priority(d.Priority),
		WebhookURL:      d.WebhookURL,
		ProgressWebhook: d.ProgressWebhook,
		IdemKey:         idemKey,
	}
}

type jobLinks struct {
	Self   string `json:"self"`
	Events string `json:"events"`
}

type jobDTO struct {
	ID         string             `json:"id"`
	Status     domain.JobStatus   `json:"status"`
	Priority   domain.Priority    `json:"priority"`
	Operations []domain.Operation `json:"operations"`
	Progress   float64            `json:"progress"`
	Stage      string             `json:"stage,omitempty"`
	FPS        float64            `json:"fps,omitempty"`
	ETASeconds int64              `json:"eta_seconds,omitempty"`
	Error      *domain.JobError   `json:"error,omitempty"`
	Attempt    int                `json:"attempt"`
	CreatedAt  time.Time          `json:"created_at"`
	StartedAt  *time.Time         `json:"started_at,omitempty"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
	Links      jobLinks           `json:"links"`
}

func toJobDTO(j domain.Job) jobDTO {
	return jobDTO{
		ID:         j.ID,
		Status:     j.Status,
		Priority:   j.Priority,
		Operations: j.Operations,
		Progress:   j.Progress,
		Stage:      j.Stage,
		FPS:        j.FPS,
		ETASeconds: j.ETASeconds,
		Error:      j.Error,
		Attempt:    j.Attempt,
		CreatedAt:  j.CreatedAt,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
		Links: jobLinks{
			Self:   "/api/v1/jobs/" + j.ID,
			Events: "/api/v1/jobs/" + j.ID + "/events",
		},
	}
}

// decodeSubmission parses and validates one submission body. A false
// return means the error response was already written.
func decodeSubmission(w http.ResponseWriter, r *http.Request) (submissionDTO, bool) {
	var dto submissionDTO
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&dto); err != nil {
		writeError(w, r, domain.Codef(domain.CodeInvalidInput, domain.ErrInvalidArgument,
			"op=http.submit: invalid json"), map[string]string{"decode": err.Error()})
		return submissionDTO{}, false
	}
	if err := getValidator().Struct(dto); err != nil {
		details := map[string]string{}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				details[fe.Field()] = fe.Tag()
			}
		}
		writeError(w, r, domain.Codef(domain.CodeInvalidInput, domain.ErrInvalidArgument,
			"op=http.submit: validation failed"), details)
		return submissionDTO{}, false
	}
	return dto, true
}

// submit runs one decoded submission through admission and renders the
// accepted job.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, dto submissionDTO) {
	key, ok := KeyFrom(r.Context())
	if !ok {
		writeError(w, r, domain.Codef(domain.CodeUnauthorized, domain.ErrUnauthorized,
			"op=http.submit: no authenticated key"), nil)
		return
	}
	j, err := s.Submit.Submit(r.Context(), dto.toRequest(key, r.Header.Get("Idempotency-Key")))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": toJobDTO(j)})
}

// ConvertHandler submits a job with explicit operations.
func (s *Server) ConvertHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dto, ok := decodeSubmission(w, r)
		if !ok {
			return
		}
		s.submit(w, r, dto)
	}
}

// AnalyzeHandler submits an analyze job; a bare body gets the default
// analyze operation.
func (s *Server) AnalyzeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dto, ok := decodeSubmission(w, r)
		if !ok {
			return
		}
		if len(dto.Operations) == 0 {
			dto.Operations = []operationDTO{{Type: string(domain.OpAnalyze)}}
		}
		s.submit(w, r, dto)
	}
}

// StreamHandler submits a streaming-packaging job; a bare body gets the
// default stream operation.
func (s *Server) StreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dto, ok := decodeSubmission(w, r)
		if !ok {
			return
		}
		if len(dto.Operations) == 0 {
			dto.Operations = []operationDTO{{Type: string(domain.OpStream)}}
		}
		s.submit(w, r, dto)
	}
}

const maxBatchItems = 20

// BatchHandler admits each item independently; one bad item does not
// block its siblings. The response carries a per-item verdict in order.
func (s *Server) BatchHandler() http.HandlerFunc {
	type batchBody struct {
		Jobs []submissionDTO `json:"jobs" validate:"required,min=1,dive"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := KeyFrom(r.Context())
		if !ok {
			writeError(w, r, domain.Codef(domain.CodeUnauthorized, domain.ErrUnauthorized,
				"op=http.batch: no authenticated key"), nil)
			return
		}
		var body batchBody
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, r, domain.Codef(domain.CodeInvalidInput, domain.ErrInvalidArgument,
				"op=http.batch: invalid json"), nil)
			return
		}
		if err := getValidator().Struct(body); err != nil {
			writeError(w, r, domain.Codef(domain.CodeInvalidInput, domain.ErrInvalidArgument,
				"op=http.batch: validation failed"), nil)
			return
		}
		if len(body.Jobs) > maxBatchItems {
			writeError(w, r, domain.Codef(domain.CodeLimitExceeded, domain.ErrInvalidArgument,
				"op=http.batch: at most %d items", maxBatchItems), nil)
			return
		}

		reqs := make([]usecase.SubmitRequest, len(body.Jobs))
		for i, dto := range body.Jobs {
			// Idempotency-Key covers the whole batch, not items.
			reqs[i] = dto.toRequest(key, "")
		}
		results := s.Submit.SubmitBatch(r.Context(), reqs)

		type itemVerdict struct {
			Job   *jobDTO   `json:"job,omitempty"`
			Error *apiError `json:"error,omitempty"`
		}
		out := make([]itemVerdict, len(results))
		for i, res := range results {
			if res.Err != nil {
				out[i] = itemVerdict{Error: &apiError{
					Code:    string(domain.CodeOf(res.Err)),
					Message: res.Err.Error(),
				}}
				continue
			}
			dto := toJobDTO(res.Job)
			out[i] = itemVerdict{Job: &dto}
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"results": out})
	}
}

// ListJobsHandler returns one page of the owner's jobs.
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, _ := KeyFrom(r.Context())
		q := r.URL.Query()

		page := 1
		if v := q.Get("page"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeError(w, r, domain.Codef(domain.CodeInvalidInput, domain.ErrInvalidArgument,
					"op=http.list: page %q", v), nil)
				return
			}
			page = n
		}
		perPage := 20
		if v := q.Get("per_page"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 100 {
				writeError(w, r, domain.Codef(domain.CodeInvalidInput, domain.ErrInvalidArgument,
					"op=http.list: per_page must be 1..100"), nil)
				return
			}
			perPage = n
		}

		jobs, total, err := s.Jobs.List(r.Context(), domain.ListFilter{
			Owner:   key.ID,
			Status:  domain.JobStatus(q.Get("status")),
			Page:    page,
			PerPage: perPage,
			Sort:    q.Get("sort"),
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]jobDTO, len(jobs))
		for i, j := range jobs {
			out[i] = toJobDTO(j)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"jobs":     out,
			"total":    total,
			"page":     page,
			"per_page": perPage,
		})
	}
}

// GetJobHandler returns the full job record.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, _ := KeyFrom(r.Context())
		j, err := s.Jobs.Get(r.Context(), key.ID, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"job": toJobDTO(j)})
	}
}

// CancelJobHandler cancels a job and returns its current state. A
// terminal job refuses with 409.
func (s *Server) CancelJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, _ := KeyFrom(r.Context())
		j, err := s.Jobs.Cancel(r.Context(), key.ID, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, map[string]any{"status": j.Status})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"job": toJobDTO(j)})
	}
}

// StatsHandler returns the owner's per-status counts.
func (s *Server) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, _ := KeyFrom(r.Context())
		stats, err := s.Jobs.Stats(r.Context(), key.ID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// HealthHandler aggregates the readiness probes: store, queue, lock,
// storage, transcoder. Any failing component degrades the whole answer
// to 503.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		components := map[string]string{}
		healthy := true
		for name, check := range s.Checks {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			err := check(ctx)
			cancel()
			if err != nil {
				healthy = false
				components[name] = err.Error()
				continue
			}
			components[name] = "ok"
		}
		status := http.StatusOK
		overall := "ok"
		if !healthy {
			status = http.StatusServiceUnavailable
			overall = "degraded"
		}
		writeJSON(w, status, map[string]any{"status": overall, "components": components})
	}
}
