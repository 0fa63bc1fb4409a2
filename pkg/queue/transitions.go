package queue

import (
	"fmt"
	"strings"
	"time"

	"amplified/internal/util"
	"amplified/pkg/domain"
)

// The functions below compute job transitions without touching storage.
// Both queue implementations apply them: MemoryQueue under its mutex,
// RedisQueue as a compare-and-swap against the state it read.

func newEvent(jobID string, status domain.JobStatus, message string, now time.Time) domain.JobEvent {
	return domain.JobEvent{
		ID:        util.NewID(),
		JobID:     jobID,
		Type:      status,
		Message:   message,
		Timestamp: now,
	}
}

func checkLease(job domain.ProcessingJob, lease Lease) error {
	if job.Status != domain.JobRunning || job.AssignedTo == nil ||
		*job.AssignedTo != lease.Worker || job.AttemptCount != lease.Attempt {
		return staleLease(lease)
	}
	return nil
}

func claimedMessage(worker string) string {
	return fmt.Sprintf("Worker %s picked up job", worker)
}

func applyClaim(job domain.ProcessingJob, worker string, now time.Time) (domain.ProcessingJob, domain.JobEvent) {
	job.Status = domain.JobRunning
	job.StartedAt = timePtr(now)
	job.FinishedAt = nil
	job.AssignedTo = &worker
	job.HeartbeatAt = timePtr(now)
	job.NotBefore = nil
	job.LastEvent = claimedMessage(worker)
	return job, newEvent(job.ID, domain.JobRunning, job.LastEvent, now)
}

func applyComplete(job domain.ProcessingJob, lease Lease, now time.Time) (domain.ProcessingJob, domain.JobEvent, error) {
	if err := checkLease(job, lease); err != nil {
		return job, domain.JobEvent{}, err
	}
	job.Status = domain.JobCompleted
	job.FinishedAt = timePtr(now)
	job.CancelRequested = false
	job.LastEvent = "Completed successfully"
	return job, newEvent(job.ID, domain.JobCompleted, job.LastEvent, now), nil
}

func applyFail(cfg Config, job domain.ProcessingJob, lease Lease, reason string, retryable bool, now time.Time) (domain.ProcessingJob, domain.JobEvent, error) {
	if err := checkLease(job, lease); err != nil {
		return job, domain.JobEvent{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unknown error"
	}
	if job.CancelRequested {
		job.Status = domain.JobCanceled
		job.FinishedAt = timePtr(now)
		job.LastEvent = "Canceled after error: " + reason
		return job, newEvent(job.ID, domain.JobCanceled, job.LastEvent, now), nil
	}
	if retryable && job.AttemptCount < job.MaxAttempts {
		delay := cfg.Backoff(job.AttemptCount)
		job.AttemptCount++
		job.Status = domain.JobQueued
		job.QueuedAt = now
		job.StartedAt = nil
		job.FinishedAt = nil
		job.AssignedTo = nil
		job.HeartbeatAt = nil
		job.NotBefore = timePtr(now.Add(delay))
		job.LastEvent = retryMessage(job.AttemptCount, job.MaxAttempts, delay, reason)
		return job, newEvent(job.ID, domain.JobQueued, job.LastEvent, now), nil
	}
	job.Status = domain.JobFailed
	job.FinishedAt = timePtr(now)
	job.LastEvent = failedMessage(reason)
	return job, newEvent(job.ID, domain.JobFailed, job.LastEvent, now), nil
}

// applyCancel returns changed=false when a cancel was already pending.
func applyCancel(job domain.ProcessingJob, now time.Time) (domain.ProcessingJob, domain.JobEvent, bool, error) {
	switch job.Status {
	case domain.JobQueued:
		job.Status = domain.JobCanceled
		job.StartedAt = timePtr(now)
		job.FinishedAt = timePtr(now)
		job.NotBefore = nil
		job.LastEvent = "Canceled before start"
		return job, newEvent(job.ID, domain.JobCanceled, job.LastEvent, now), true, nil
	case domain.JobRunning:
		if job.CancelRequested {
			return job, domain.JobEvent{}, false, nil
		}
		job.CancelRequested = true
		job.LastEvent = "Cancellation requested; waiting for next checkpoint"
		return job, newEvent(job.ID, domain.JobRunning, job.LastEvent, now), true, nil
	default:
		return job, domain.JobEvent{}, false, invalid(job, domain.JobCanceled)
	}
}

func applyAcknowledgeCancel(job domain.ProcessingJob, lease Lease, now time.Time) (domain.ProcessingJob, domain.JobEvent, error) {
	if err := checkLease(job, lease); err != nil {
		return job, domain.JobEvent{}, err
	}
	if !job.CancelRequested {
		return job, domain.JobEvent{}, invalid(job, domain.JobCanceled)
	}
	job.Status = domain.JobCanceled
	job.FinishedAt = timePtr(now)
	job.LastEvent = "Canceled at checkpoint"
	return job, newEvent(job.ID, domain.JobCanceled, job.LastEvent, now), nil
}

func applyHeartbeat(job domain.ProcessingJob, lease Lease, now time.Time) (domain.ProcessingJob, error) {
	if err := checkLease(job, lease); err != nil {
		return job, err
	}
	job.HeartbeatAt = timePtr(now)
	return job, nil
}

func applyRetry(job domain.ProcessingJob, now time.Time) (domain.ProcessingJob, domain.JobEvent, error) {
	if job.Status != domain.JobFailed && job.Status != domain.JobCanceled {
		return job, domain.JobEvent{}, invalid(job, domain.JobQueued)
	}
	job.Status = domain.JobQueued
	job.QueuedAt = now
	job.StartedAt = nil
	job.FinishedAt = nil
	job.AssignedTo = nil
	job.HeartbeatAt = nil
	job.NotBefore = nil
	job.CancelRequested = false
	job.AttemptCount = 0
	job.LastEvent = "Re-queued by operator"
	return job, newEvent(job.ID, domain.JobQueued, job.LastEvent, now), nil
}

// invalidatedStages lists the completion markers a fresh run of t voids for
// its session: downstream gates must wait for the new run.
func invalidatedStages(t domain.JobType) []domain.JobType {
	switch t {
	case domain.JobTranscribe:
		return []domain.JobType{domain.JobTranscribe, domain.JobChunkEmbed}
	case domain.JobChunkEmbed:
		return []domain.JobType{domain.JobChunkEmbed}
	}
	return nil
}

func cloneJob(job domain.ProcessingJob) domain.ProcessingJob {
	out := job
	if job.MaterialType != nil {
		mt := *job.MaterialType
		out.MaterialType = &mt
	}
	if job.AssignedTo != nil {
		w := *job.AssignedTo
		out.AssignedTo = &w
	}
	out.StartedAt = cloneTime(job.StartedAt)
	out.FinishedAt = cloneTime(job.FinishedAt)
	out.HeartbeatAt = cloneTime(job.HeartbeatAt)
	out.NotBefore = cloneTime(job.NotBefore)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
