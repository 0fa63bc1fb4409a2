// Package events publishes job and material lifecycle notifications.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"amplified/pkg/domain"
)

// Event is one lifecycle notification. Type doubles as the routing key,
// e.g. "job.failed" or "material.approved".
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	SessionID  string    `json:"session_id,omitempty"`
	JobID      string    `json:"job_id,omitempty"`
	JobType    string    `json:"job_type,omitempty"`
	MaterialID string    `json:"material_id,omitempty"`
	Status     string    `json:"status"`
	Message    string    `json:"message,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	At         time.Time `json:"at"`
}

// Publisher delivers events. Publishing is best effort: callers log failures
// and never roll back the state change that produced the event.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// ForJob builds the event for a job's current state.
func ForJob(eventID string, job domain.ProcessingJob, at time.Time) Event {
	return Event{
		ID:        eventID,
		Type:      "job." + string(job.Status),
		SessionID: job.SessionID,
		JobID:     job.ID,
		JobType:   string(job.Type),
		Status:    string(job.Status),
		Message:   job.LastEvent,
		Attempt:   job.AttemptCount,
		At:        at,
	}
}

// ForMaterial builds the event for a material's current status.
func ForMaterial(eventID string, m domain.StudyMaterial, at time.Time) Event {
	e := Event{
		ID:         eventID,
		Type:       "material." + string(m.Status),
		SessionID:  m.SessionID,
		MaterialID: m.ID,
		Status:     string(m.Status),
		At:         at,
	}
	if m.ReviewComment != nil {
		e.Message = *m.ReviewComment
	}
	return e
}

// Encode renders the wire payload.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// LogPublisher writes events to a structured logger. Used when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher builds a publisher over logger, or slog.Default() when nil.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger.With("component", "events")}
}

func (p *LogPublisher) Publish(ctx context.Context, e Event) error {
	p.logger.InfoContext(ctx, "lifecycle event",
		"event_id", e.ID,
		"type", e.Type,
		"session_id", e.SessionID,
		"job_id", e.JobID,
		"material_id", e.MaterialID,
		"message", e.Message,
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
