package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendiffdev/ffmpeg-api-sub000/internal/domain"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body,
// keyed by the owner's per-key secret.
const SignatureHeader = "X-Webhook-Signature"

// EventPayload is the wire shape POSTed to webhook targets. The error
// object is the sanitized record only; raw transcoder output never
// leaves the server.
type EventPayload struct {
	Event     string           `json:"event"`
	JobID     string           `json:"job_id"`
	Status    domain.JobStatus `json:"status"`
	Progress  float64          `json:"progress"`
	Stage     string           `json:"stage,omitempty"`
	Error     *domain.JobError `json:"error,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// BuildPayload serializes the event for a job snapshot.
func BuildPayload(j domain.Job, kind domain.WebhookEventKind) ([]byte, error) {
	p := EventPayload{
		Event:     string(kind),
		JobID:     j.ID,
		Status:    j.Status,
		Progress:  j.Progress,
		Stage:     j.Stage,
		Error:     j.Error,
		Timestamp: time.Now().UTC(),
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("op=webhook.BuildPayload: %w", err)
	}
	return b, nil
}

// NewDelivery builds the at-least-once delivery record for a job event,
// due immediately.
func NewDelivery(j domain.Job, kind domain.WebhookEventKind) (domain.WebhookDelivery, error) {
	body, err := BuildPayload(j, kind)
	if err != nil {
		return domain.WebhookDelivery{}, err
	}
	return domain.WebhookDelivery{
		JobID:       j.ID,
		OwnerID:     j.OwnerID,
		Event:       kind,
		URL:         j.WebhookURL,
		Payload:     body,
		NextAttempt: time.Now().UTC(),
		Terminal:    kind != domain.WebhookEventProgress,
	}, nil
}

// Sign computes the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
