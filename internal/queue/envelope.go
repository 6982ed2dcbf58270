package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/parcelpost/relay/internal/domain"
)

// Envelope wraps a job payload with the bookkeeping the queue needs. The
// payload stays opaque JSON; each job class's processor decodes its own
// type.
type Envelope struct {
	ID       string          `json:"id"`
	TenantID string          `json:"tenant_id"`
	Class    domain.JobClass `json:"class"`
	Payload  json.RawMessage `json:"payload"`

	// Priority orders jobs within one queue; lower runs sooner.
	Priority   int       `json:"priority"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	LastError  string    `json:"last_error,omitempty"`
}

// DecodePayload unmarshals the payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload for job %s: %w", e.Class, e.ID, err)
	}
	return nil
}

func (e *Envelope) encode() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode job %s: %w", e.ID, err)
	}
	return string(data), nil
}

func decodeEnvelope(raw string) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("decode queue envelope: %w", err)
	}
	return &env, nil
}

// score orders the ready set: priority dominates, enqueue time breaks ties.
func (e *Envelope) score() float64 {
	return float64(e.Priority)*1e12 + float64(e.EnqueuedAt.Unix())
}
