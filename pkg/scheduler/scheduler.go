// Package scheduler claims queued jobs, runs their stages on a bounded worker
// pool and reports outcomes back to the queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"amplified/internal/util"
	"amplified/pkg/domain"
	"amplified/pkg/events"
	"amplified/pkg/pipeline"
	"amplified/pkg/queue"
)

const (
	defaultWorkers          = 4
	defaultPollInterval     = time.Second
	defaultLivenessDeadline = 2 * time.Minute
	defaultReapInterval     = 30 * time.Second
	defaultStageTimeout     = 15 * time.Minute
	reportTimeout           = 10 * time.Second

	reasonLiveness = "liveness deadline exceeded"
)

// Config tunes the scheduler.
type Config struct {
	// WorkerID names this process in assigned_to. Defaults to hostname-pid.
	WorkerID         string
	Workers          int
	MaxPerSession    int
	PollInterval     time.Duration
	LivenessDeadline time.Duration
	// HeartbeatInterval paces the lease keep-alive while a stage runs. It
	// must stay below LivenessDeadline; defaults to a third of it.
	HeartbeatInterval time.Duration
	ReapInterval      time.Duration
	StageTimeout      time.Duration
	// MaterialTypes are enqueued after chunk_embed completes.
	MaterialTypes []domain.MaterialType
	Now           func() time.Time
}

func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		c.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.LivenessDeadline <= 0 {
		c.LivenessDeadline = defaultLivenessDeadline
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.LivenessDeadline {
		c.HeartbeatInterval = c.LivenessDeadline / 3
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = defaultReapInterval
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = defaultStageTimeout
	}
	if c.MaterialTypes == nil {
		c.MaterialTypes = append([]domain.MaterialType(nil), domain.MaterialTypes...)
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// Scheduler runs jobs from a Queue through a pipeline.Registry.
type Scheduler struct {
	queue     queue.Queue
	stages    pipeline.Registry
	publisher events.Publisher
	cfg       Config
	logger    *slog.Logger

	slots chan struct{}
	wake  chan struct{}
}

// New builds a Scheduler. A nil publisher discards events.
func New(q queue.Queue, stages pipeline.Registry, publisher events.Publisher, cfg Config, logger *slog.Logger) *Scheduler {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Scheduler{
		queue:     q,
		stages:    stages,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With("component", "scheduler", "worker", cfg.WorkerID),
		slots:     make(chan struct{}, cfg.Workers),
		wake:      make(chan struct{}, 1),
	}
}

// Notify wakes the dispatcher, e.g. after an enqueue.
func (s *Scheduler) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run dispatches jobs until ctx is canceled, then waits for in-flight stages.
func (s *Scheduler) Run(ctx context.Context) error {
	pool, err := ants.NewPool(s.cfg.Workers)
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}
	defer pool.Release()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.reapLoop(ctx)
	}()

	s.logger.Info("scheduler started", "workers", s.cfg.Workers, "max_per_session", s.cfg.MaxPerSession)
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			s.logger.Info("scheduler stopped")
			return nil
		case s.slots <- struct{}{}:
		}

		job, ok, err := s.queue.DequeueNext(ctx, queue.Claim{Worker: s.cfg.WorkerID, MaxPerSession: s.cfg.MaxPerSession})
		if err != nil || !ok {
			<-s.slots
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("claim failed", "err", err)
			}
			s.idle(ctx)
			continue
		}
		s.publish(ctx, job)

		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			defer func() { <-s.slots }()
			s.execute(ctx, job)
		}); err != nil {
			wg.Done()
			<-s.slots
			s.logger.Error("submit job failed", "job_id", job.ID, "err", err)
			s.report(ctx, job, func(rctx context.Context) (domain.ProcessingJob, error) {
				return s.queue.Fail(rctx, queue.LeaseOf(job), "worker pool unavailable", true)
			})
		}
	}
}

func (s *Scheduler) idle(ctx context.Context) {
	timer := time.NewTimer(s.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-s.wake:
	case <-timer.C:
	}
}

// execute runs one claimed job and translates its outcome into a queue report.
func (s *Scheduler) execute(ctx context.Context, job domain.ProcessingJob) {
	logger := s.logger.With("job_id", job.ID, "job_type", job.Type, "session_id", job.SessionID, "attempt", job.AttemptCount)
	lease := queue.LeaseOf(job)

	stage, err := s.stages.Lookup(job.Type)
	if err != nil {
		s.report(ctx, job, func(rctx context.Context) (domain.ProcessingJob, error) {
			return s.queue.Fail(rctx, lease, err.Error(), false)
		})
		return
	}

	runCtx, lost := context.WithCancelCause(util.ContextWithLogger(ctx, logger))
	defer lost(nil)
	stageCtx, cancel := context.WithTimeout(runCtx, s.cfg.StageTimeout)
	defer cancel()
	stopKeepAlive := s.keepAlive(stageCtx, lease, lost, logger)
	start := time.Now()
	err = stage.Run(stageCtx, job, s.checkpoint(lease, logger))
	stopKeepAlive()
	if cause := context.Cause(runCtx); errors.Is(cause, domain.ErrConcurrencyConflict) {
		err = cause
	}
	logger.Info("stage finished", "duration_ms", time.Since(start).Milliseconds(), "err", err)

	switch {
	case err == nil:
		done, ok := s.report(ctx, job, func(rctx context.Context) (domain.ProcessingJob, error) {
			return s.queue.Complete(rctx, lease)
		})
		if ok {
			s.enqueueFollowUps(ctx, done)
		}
	case errors.Is(err, pipeline.ErrCanceled):
		s.report(ctx, job, func(rctx context.Context) (domain.ProcessingJob, error) {
			return s.queue.AcknowledgeCancel(rctx, lease)
		})
	case errors.Is(err, domain.ErrConcurrencyConflict):
		logger.Warn("lease lost while running, dropping result")
	case ctx.Err() != nil:
		s.report(ctx, job, func(rctx context.Context) (domain.ProcessingJob, error) {
			return s.queue.Fail(rctx, lease, "worker shutting down", true)
		})
	case errors.Is(err, context.DeadlineExceeded) && stageCtx.Err() != nil:
		s.report(ctx, job, func(rctx context.Context) (domain.ProcessingJob, error) {
			return s.queue.Fail(rctx, lease, fmt.Sprintf("stage timed out after %s", s.cfg.StageTimeout), true)
		})
	default:
		s.report(ctx, job, func(rctx context.Context) (domain.ProcessingJob, error) {
			return s.queue.Fail(rctx, lease, err.Error(), pipeline.Retryable(err))
		})
	}
}

// keepAlive heartbeats the lease every HeartbeatInterval until stop is
// called, so a long provider call between checkpoints is not reaped. Losing
// the lease cancels the stage with the conflict as cause.
func (s *Scheduler) keepAlive(ctx context.Context, lease queue.Lease, lost context.CancelCauseFunc, logger *slog.Logger) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if _, err := s.queue.Heartbeat(ctx, lease); err != nil {
				if errors.Is(err, domain.ErrConcurrencyConflict) {
					lost(err)
					return
				}
				if ctx.Err() == nil {
					logger.Warn("keep-alive heartbeat failed", "err", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// checkpoint heartbeats the lease and stops the stage once cancellation is
// requested or the lease is gone.
func (s *Scheduler) checkpoint(lease queue.Lease, logger *slog.Logger) pipeline.Checkpoint {
	return func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		cancelRequested, err := s.queue.Heartbeat(ctx, lease)
		if err != nil {
			if errors.Is(err, domain.ErrConcurrencyConflict) {
				return err
			}
			logger.Warn("heartbeat failed", "err", err)
			return nil
		}
		if cancelRequested {
			return pipeline.ErrCanceled
		}
		return nil
	}
}

// report applies a queue transition with a context that survives shutdown and
// publishes the resulting state.
func (s *Scheduler) report(ctx context.Context, job domain.ProcessingJob, apply func(context.Context) (domain.ProcessingJob, error)) (domain.ProcessingJob, bool) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	updated, err := apply(rctx)
	if err != nil {
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			s.logger.Warn("report lost race", "job_id", job.ID, "err", err)
		} else {
			s.logger.Error("report failed", "job_id", job.ID, "err", err)
		}
		return job, false
	}
	s.publish(rctx, updated)
	return updated, true
}

func (s *Scheduler) enqueueFollowUps(ctx context.Context, done domain.ProcessingJob) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	enqueue := func(t domain.JobType, opts ...queue.EnqueueOption) {
		job, err := s.queue.Enqueue(rctx, done.SessionID, t, opts...)
		if err != nil {
			s.logger.Error("enqueue follow-up failed", "job_id", done.ID, "next", t, "err", err)
			return
		}
		s.publish(rctx, job)
	}
	switch done.Type {
	case domain.JobTranscribe:
		enqueue(domain.JobChunkEmbed)
	case domain.JobChunkEmbed:
		for _, mt := range s.cfg.MaterialTypes {
			enqueue(domain.JobGenerateMaterial, queue.WithMaterialType(mt))
		}
	default:
		return
	}
	s.Notify()
}

func (s *Scheduler) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Reap(ctx); n > 0 {
				s.Notify()
			}
		}
	}
}

// Reap fails running jobs whose heartbeat is older than the liveness deadline
// and returns how many were reaped.
func (s *Scheduler) Reap(ctx context.Context) int {
	stale, err := s.queue.Stale(ctx, s.cfg.Now().Add(-s.cfg.LivenessDeadline))
	if err != nil {
		s.logger.Warn("list stale jobs failed", "err", err)
		return 0
	}
	reaped := 0
	for _, job := range stale {
		if _, ok := s.report(ctx, job, func(rctx context.Context) (domain.ProcessingJob, error) {
			return s.queue.Fail(rctx, queue.LeaseOf(job), reasonLiveness, true)
		}); ok {
			reaped++
			s.logger.Warn("reaped stale job", "job_id", job.ID, "assigned_to", deref(job.AssignedTo))
		}
	}
	return reaped
}

func (s *Scheduler) publish(ctx context.Context, job domain.ProcessingJob) {
	if err := s.publisher.Publish(ctx, events.ForJob(util.NewID(), job, s.cfg.Now())); err != nil {
		s.logger.Warn("publish job event failed", "job_id", job.ID, "err", err)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
