package queue

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"amplified/internal/util"
	"amplified/pkg/domain"
)

// MemoryQueue is an in-process Queue. A single mutex makes every claim and
// report atomic; it is never held while a stage runs.
type MemoryQueue struct {
	cfg Config

	mu     sync.Mutex
	jobs   map[string]*domain.ProcessingJob
	seq    map[string]uint64
	next   uint64
	events map[string][]domain.JobEvent
	done   map[string]map[domain.JobType]bool
}

// NewMemoryQueue builds an empty in-memory queue.
func NewMemoryQueue(cfg Config) *MemoryQueue {
	return &MemoryQueue{
		cfg:    cfg.withDefaults(),
		jobs:   make(map[string]*domain.ProcessingJob),
		seq:    make(map[string]uint64),
		events: make(map[string][]domain.JobEvent),
		done:   make(map[string]map[domain.JobType]bool),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, sessionID string, jobType domain.JobType, opts ...EnqueueOption) (domain.ProcessingJob, error) {
	job, err := buildJob(q.cfg, util.NewID(), sessionID, jobType, opts)
	if err != nil {
		return domain.ProcessingJob{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.invalidate(job.SessionID, job.Type)
	q.store(job)
	q.events[job.ID] = append(q.events[job.ID], newEvent(job.ID, domain.JobQueued, job.LastEvent, job.QueuedAt))
	return cloneJob(job), nil
}

func (q *MemoryQueue) DequeueNext(_ context.Context, claim Claim) (domain.ProcessingJob, bool, error) {
	worker := strings.TrimSpace(claim.Worker)
	if worker == "" {
		worker = "worker"
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.cfg.Now()

	var best *domain.ProcessingJob
	for _, job := range q.jobs {
		if !q.eligible(job, now, claim.MaxPerSession) {
			continue
		}
		if best == nil || q.before(job, best) {
			best = job
		}
	}
	if best == nil {
		return domain.ProcessingJob{}, false, nil
	}
	updated, event := applyClaim(*best, worker, now)
	q.commit(updated, event)
	return cloneJob(updated), true, nil
}

func (q *MemoryQueue) Complete(_ context.Context, lease Lease) (domain.ProcessingJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.lookup(lease.JobID)
	if err != nil {
		return domain.ProcessingJob{}, err
	}
	updated, event, err := applyComplete(job, lease, q.cfg.Now())
	if err != nil {
		return domain.ProcessingJob{}, err
	}
	q.commit(updated, event)
	q.markDone(updated.SessionID, updated.Type)
	return cloneJob(updated), nil
}

func (q *MemoryQueue) Fail(_ context.Context, lease Lease, reason string, retryable bool) (domain.ProcessingJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.lookup(lease.JobID)
	if err != nil {
		return domain.ProcessingJob{}, err
	}
	updated, event, err := applyFail(q.cfg, job, lease, reason, retryable, q.cfg.Now())
	if err != nil {
		return domain.ProcessingJob{}, err
	}
	if updated.Status == domain.JobQueued {
		q.next++
		q.seq[updated.ID] = q.next
	}
	q.commit(updated, event)
	return cloneJob(updated), nil
}

func (q *MemoryQueue) Cancel(_ context.Context, jobID string) (domain.ProcessingJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.lookup(jobID)
	if err != nil {
		return domain.ProcessingJob{}, err
	}
	updated, event, changed, err := applyCancel(job, q.cfg.Now())
	if err != nil {
		return domain.ProcessingJob{}, err
	}
	if changed {
		q.commit(updated, event)
	}
	return cloneJob(updated), nil
}

func (q *MemoryQueue) AcknowledgeCancel(_ context.Context, lease Lease) (domain.ProcessingJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.lookup(lease.JobID)
	if err != nil {
		return domain.ProcessingJob{}, err
	}
	updated, event, err := applyAcknowledgeCancel(job, lease, q.cfg.Now())
	if err != nil {
		return domain.ProcessingJob{}, err
	}
	q.commit(updated, event)
	return cloneJob(updated), nil
}

func (q *MemoryQueue) Heartbeat(_ context.Context, lease Lease) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.lookup(lease.JobID)
	if err != nil {
		return false, err
	}
	updated, err := applyHeartbeat(job, lease, q.cfg.Now())
	if err != nil {
		return false, err
	}
	q.store(updated)
	return updated.CancelRequested, nil
}

func (q *MemoryQueue) Retry(_ context.Context, jobID string) (domain.ProcessingJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.lookup(jobID)
	if err != nil {
		return domain.ProcessingJob{}, err
	}
	updated, event, err := applyRetry(job, q.cfg.Now())
	if err != nil {
		return domain.ProcessingJob{}, err
	}
	q.invalidate(updated.SessionID, updated.Type)
	q.next++
	q.seq[updated.ID] = q.next
	q.commit(updated, event)
	return cloneJob(updated), nil
}

func (q *MemoryQueue) Get(_ context.Context, jobID string) (domain.ProcessingJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.lookup(jobID)
	if err != nil {
		return domain.ProcessingJob{}, err
	}
	return cloneJob(job), nil
}

func (q *MemoryQueue) List(_ context.Context, filter Filter) ([]domain.ProcessingJob, error) {
	q.mu.Lock()
	out := make([]domain.ProcessingJob, 0, len(q.jobs))
	for _, job := range q.jobs {
		if filter.match(*job) {
			out = append(out, cloneJob(*job))
		}
	}
	q.mu.Unlock()
	sortNewestFirst(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (q *MemoryQueue) Events(_ context.Context, jobID string) ([]domain.JobEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := q.lookup(jobID); err != nil {
		return nil, err
	}
	events := q.events[jobID]
	out := make([]domain.JobEvent, len(events))
	copy(out, events)
	return out, nil
}

func (q *MemoryQueue) Stale(_ context.Context, before time.Time) ([]domain.ProcessingJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []domain.ProcessingJob
	for _, job := range q.jobs {
		if job.Status != domain.JobRunning || job.HeartbeatAt == nil {
			continue
		}
		if job.HeartbeatAt.Before(before) {
			out = append(out, cloneJob(*job))
		}
	}
	return out, nil
}

func (q *MemoryQueue) lookup(jobID string) (domain.ProcessingJob, error) {
	job, ok := q.jobs[strings.TrimSpace(jobID)]
	if !ok {
		return domain.ProcessingJob{}, domain.NotFoundError("job", jobID)
	}
	return *job, nil
}

func (q *MemoryQueue) store(job domain.ProcessingJob) {
	if _, ok := q.seq[job.ID]; !ok {
		q.next++
		q.seq[job.ID] = q.next
	}
	j := cloneJob(job)
	q.jobs[job.ID] = &j
}

func (q *MemoryQueue) commit(job domain.ProcessingJob, event domain.JobEvent) {
	q.store(job)
	q.events[job.ID] = append(q.events[job.ID], event)
}

func (q *MemoryQueue) eligible(job *domain.ProcessingJob, now time.Time, maxPerSession int) bool {
	if job.Status != domain.JobQueued {
		return false
	}
	if job.NotBefore != nil && now.Before(*job.NotBefore) {
		return false
	}
	if prereq, ok := job.Type.Prerequisite(); ok && !q.done[job.SessionID][prereq] {
		return false
	}
	if maxPerSession > 0 && q.runningFor(job.SessionID) >= maxPerSession {
		return false
	}
	return true
}

func (q *MemoryQueue) runningFor(sessionID string) int {
	n := 0
	for _, job := range q.jobs {
		if job.SessionID == sessionID && job.Status == domain.JobRunning {
			n++
		}
	}
	return n
}

func (q *MemoryQueue) before(a, b *domain.ProcessingJob) bool {
	if !a.QueuedAt.Equal(b.QueuedAt) {
		return a.QueuedAt.Before(b.QueuedAt)
	}
	return q.seq[a.ID] < q.seq[b.ID]
}

func (q *MemoryQueue) markDone(sessionID string, t domain.JobType) {
	stages, ok := q.done[sessionID]
	if !ok {
		stages = make(map[domain.JobType]bool)
		q.done[sessionID] = stages
	}
	stages[t] = true
}

func (q *MemoryQueue) invalidate(sessionID string, t domain.JobType) {
	for _, stage := range invalidatedStages(t) {
		delete(q.done[sessionID], stage)
	}
}

func sortNewestFirst(jobs []domain.ProcessingJob) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if !jobs[i].QueuedAt.Equal(jobs[j].QueuedAt) {
			return jobs[i].QueuedAt.After(jobs[j].QueuedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}
