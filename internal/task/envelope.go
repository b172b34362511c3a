package task

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Envelope is one dispatchable attempt of a stage for a job. The payload is
// opaque to the orchestrator; stage handlers interpret it. Envelopes are
// value types: re-emission for a retry produces a new envelope via Next
// rather than mutating the delivered one.
type Envelope struct {
	JobID          string          `json:"job_id"`
	Stage          string          `json:"stage"`
	Queue          string          `json:"queue"`
	Priority       Priority        `json:"priority"`
	Attempt        int             `json:"attempt"`
	MaxAttempts    int             `json:"max_attempts"`
	IdempotencyKey string          `json:"idempotency_key"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
}

// New builds a first-attempt envelope. The idempotency key is derived from
// the job and stage only, so every retry of the same logical unit carries
// the same key.
func New(jobID, stage, queue string, priority Priority, maxAttempts int, payload json.RawMessage) Envelope {
	return Envelope{
		JobID:          jobID,
		Stage:          stage,
		Queue:          queue,
		Priority:       priority,
		Attempt:        1,
		MaxAttempts:    maxAttempts,
		IdempotencyKey: Key(jobID, stage),
		Payload:        payload,
		EnqueuedAt:     time.Now().UTC(),
	}
}

// Key derives the stable idempotency key for a (job, stage) pair. Attempt
// numbers are deliberately excluded: retries of the same logical work share
// the key so downstream consumers can discard duplicates.
func Key(jobID, stage string) string {
	sum := sha256.Sum256([]byte(jobID + ":" + stage))
	return hex.EncodeToString(sum[:])[:16]
}

// Next returns a copy of the envelope describing the following attempt.
func (e Envelope) Next() Envelope {
	e.Attempt++
	e.EnqueuedAt = time.Now().UTC()
	return e
}

// Validate checks the structural invariants an envelope must satisfy before
// it may be pushed or dispatched.
func (e Envelope) Validate() error {
	if e.JobID == "" {
		return errors.New("envelope missing job id")
	}
	if e.Stage == "" {
		return errors.New("envelope missing stage")
	}
	if e.Queue == "" {
		return errors.New("envelope missing queue")
	}
	if !e.Priority.Valid() {
		return fmt.Errorf("envelope has unknown priority class %q", e.Priority)
	}
	if e.Attempt < 1 {
		return fmt.Errorf("envelope attempt must be at least 1, got %d", e.Attempt)
	}
	if e.MaxAttempts < 1 {
		return fmt.Errorf("envelope max attempts must be at least 1, got %d", e.MaxAttempts)
	}
	if e.Attempt > e.MaxAttempts {
		return fmt.Errorf("envelope attempt %d exceeds max attempts %d", e.Attempt, e.MaxAttempts)
	}
	if e.IdempotencyKey == "" {
		return errors.New("envelope missing idempotency key")
	}
	return nil
}

// Encode serializes the envelope for the broker.
func (e Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode parses and validates an envelope received from the broker.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
