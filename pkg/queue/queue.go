// Package queue owns the lifecycle of processing jobs: enqueue, atomic claim,
// heartbeat, terminal reports, cancellation and explicit retry.
package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"amplified/pkg/domain"
)

const (
	defaultMaxAttempts = 3
	defaultBackoffBase = 2 * time.Second
	defaultBackoffMax  = time.Minute
)

// Queue is the durable job queue consumed by the scheduler and the transport layer.
type Queue interface {
	Enqueue(ctx context.Context, sessionID string, jobType domain.JobType, opts ...EnqueueOption) (domain.ProcessingJob, error)
	// DequeueNext atomically claims the oldest eligible queued job. ok is false
	// when nothing is eligible.
	DequeueNext(ctx context.Context, claim Claim) (job domain.ProcessingJob, ok bool, err error)
	Complete(ctx context.Context, lease Lease) (domain.ProcessingJob, error)
	// Fail re-queues the job with backoff when retryable and attempts remain,
	// otherwise marks it failed.
	Fail(ctx context.Context, lease Lease, reason string, retryable bool) (domain.ProcessingJob, error)
	// Cancel cancels a queued job immediately and flags a running one.
	Cancel(ctx context.Context, jobID string) (domain.ProcessingJob, error)
	// AcknowledgeCancel finalizes a cooperative cancellation observed by the worker.
	AcknowledgeCancel(ctx context.Context, lease Lease) (domain.ProcessingJob, error)
	// Heartbeat records progress and reports whether cancellation was requested.
	Heartbeat(ctx context.Context, lease Lease) (cancelRequested bool, err error)
	Retry(ctx context.Context, jobID string) (domain.ProcessingJob, error)
	Get(ctx context.Context, jobID string) (domain.ProcessingJob, error)
	List(ctx context.Context, filter Filter) ([]domain.ProcessingJob, error)
	Events(ctx context.Context, jobID string) ([]domain.JobEvent, error)
	// Stale lists running jobs whose last heartbeat is older than before.
	Stale(ctx context.Context, before time.Time) ([]domain.ProcessingJob, error)
}

// Claim describes who is claiming and under which limits.
type Claim struct {
	Worker        string
	MaxPerSession int
}

// Lease identifies one claim of a job. Reports made with a lease that no
// longer matches the job fail with domain.ErrConcurrencyConflict.
type Lease struct {
	JobID   string
	Worker  string
	Attempt int
}

// LeaseOf returns the lease held by the worker that claimed job.
func LeaseOf(job domain.ProcessingJob) Lease {
	worker := ""
	if job.AssignedTo != nil {
		worker = *job.AssignedTo
	}
	return Lease{JobID: job.ID, Worker: worker, Attempt: job.AttemptCount}
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status    *domain.JobStatus
	Type      *domain.JobType
	SessionID string
	Limit     int
}

func (f Filter) match(job domain.ProcessingJob) bool {
	if f.Status != nil && job.Status != *f.Status {
		return false
	}
	if f.Type != nil && job.Type != *f.Type {
		return false
	}
	if f.SessionID != "" && job.SessionID != f.SessionID {
		return false
	}
	return true
}

// EnqueueOption customizes a new job.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	materialType *domain.MaterialType
	maxAttempts  int
}

// WithMaterialType sets the material kind for generate_material jobs.
func WithMaterialType(t domain.MaterialType) EnqueueOption {
	return func(o *enqueueOptions) {
		o.materialType = &t
	}
}

// WithMaxAttempts overrides the queue default for one job.
func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) {
		o.maxAttempts = n
	}
}

// Config holds queue-wide policy shared by all implementations.
type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Now         func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts < 0 {
		c.MaxAttempts = 0
	} else if c.MaxAttempts == 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaultBackoffMax
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// Backoff returns the delay before the retry that follows the given attempt.
func (c Config) Backoff(attempt int) time.Duration {
	d := c.BackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	return d
}

func buildJob(cfg Config, id, sessionID string, jobType domain.JobType, opts []EnqueueOption) (domain.ProcessingJob, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.ProcessingJob{}, fmt.Errorf("%w: session id required", domain.ErrValidation)
	}
	if !jobType.Valid() {
		return domain.ProcessingJob{}, fmt.Errorf("%w: unknown job type %q", domain.ErrValidation, jobType)
	}
	o := enqueueOptions{maxAttempts: cfg.MaxAttempts}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if jobType == domain.JobGenerateMaterial {
		if o.materialType == nil || !o.materialType.Valid() {
			return domain.ProcessingJob{}, fmt.Errorf("%w: generate_material requires a material type", domain.ErrValidation)
		}
	} else {
		o.materialType = nil
	}
	if o.maxAttempts < 0 {
		o.maxAttempts = 0
	}
	return domain.ProcessingJob{
		ID:           id,
		Type:         jobType,
		SessionID:    sessionID,
		MaterialType: o.materialType,
		Status:       domain.JobQueued,
		QueuedAt:     cfg.Now(),
		LastEvent:    queuedMessage(jobType, o.materialType),
		AttemptCount: 0,
		MaxAttempts:  o.maxAttempts,
	}, nil
}

func queuedMessage(jobType domain.JobType, mt *domain.MaterialType) string {
	if mt != nil {
		return fmt.Sprintf("Job queued (%s: %s)", jobType, *mt)
	}
	return fmt.Sprintf("Job queued (%s)", jobType)
}

func retryMessage(attempt, maxAttempts int, delay time.Duration, reason string) string {
	return fmt.Sprintf("Retry %d/%d in %s: %s", attempt, maxAttempts, delay, reason)
}

func failedMessage(reason string) string {
	return "Error: " + reason
}

func invalid(job domain.ProcessingJob, to domain.JobStatus) error {
	return &domain.TransitionError{Entity: "job", ID: job.ID, From: string(job.Status), To: string(to)}
}

func staleLease(lease Lease) error {
	return fmt.Errorf("job %s: lease %s/%d no longer held: %w", lease.JobID, lease.Worker, lease.Attempt, domain.ErrConcurrencyConflict)
}

func timePtr(t time.Time) *time.Time {
	return &t
}
