package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"amplified/pkg/domain"
	"amplified/pkg/events"
	"amplified/pkg/pipeline"
	"amplified/pkg/queue"
)

type recordingPublisher struct {
	mu    sync.Mutex
	types []string
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, e.Type)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.types {
		if t == eventType {
			n++
		}
	}
	return n
}

func okStage() pipeline.Stage {
	return pipeline.StageFunc(func(context.Context, domain.ProcessingJob, pipeline.Checkpoint) error { return nil })
}

func testConfig() Config {
	return Config{
		WorkerID:      "w1",
		Workers:       2,
		PollInterval:  5 * time.Millisecond,
		ReapInterval:  time.Hour,
		StageTimeout:  time.Second,
		MaterialTypes: []domain.MaterialType{domain.MaterialSummary, domain.MaterialQuiz},
	}
}

func start(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("scheduler did not stop")
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func ptr[T any](v T) *T { return &v }

func jobStatus(q queue.Queue, id string) domain.JobStatus {
	job, err := q.Get(context.Background(), id)
	if err != nil {
		return ""
	}
	return job.Status
}

func TestSchedulerRunsPipelineWithFollowUps(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue(queue.Config{})
	var mu sync.Mutex
	var order []domain.JobType
	record := pipeline.StageFunc(func(_ context.Context, job domain.ProcessingJob, cp pipeline.Checkpoint) error {
		if err := cp(context.Background()); err != nil {
			return err
		}
		mu.Lock()
		order = append(order, job.Type)
		mu.Unlock()
		return nil
	})
	stages := pipeline.Registry{
		domain.JobTranscribe:       record,
		domain.JobChunkEmbed:       record,
		domain.JobGenerateMaterial: record,
	}
	pub := &recordingPublisher{}
	s := New(q, stages, pub, testConfig(), nil)
	if _, err := q.Enqueue(ctx, "s1", domain.JobTranscribe); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	start(t, s)

	waitFor(t, "four completed jobs", func() bool {
		jobs, _ := q.List(ctx, queue.Filter{Status: ptr(domain.JobCompleted)})
		return len(jobs) == 4
	})
	mu.Lock()
	defer mu.Unlock()
	if order[0] != domain.JobTranscribe || order[1] != domain.JobChunkEmbed {
		t.Fatalf("stages ran out of order: %v", order)
	}
	materials, _ := q.List(ctx, queue.Filter{Type: ptr(domain.JobGenerateMaterial)})
	seen := map[domain.MaterialType]bool{}
	for _, j := range materials {
		seen[*j.MaterialType] = true
	}
	if !seen[domain.MaterialSummary] || !seen[domain.MaterialQuiz] || len(materials) != 2 {
		t.Fatalf("unexpected material jobs: %+v", materials)
	}
	if pub.count("job.completed") != 4 {
		t.Fatalf("expected 4 completion events, got %v", pub.types)
	}
}

func TestSchedulerRetriesTransientUntilTerminal(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue(queue.Config{MaxAttempts: 2, BackoffBase: time.Millisecond, BackoffMax: 2 * time.Millisecond})
	var runs atomic.Int32
	stages := pipeline.Registry{
		domain.JobTranscribe: pipeline.StageFunc(func(context.Context, domain.ProcessingJob, pipeline.Checkpoint) error {
			runs.Add(1)
			return pipeline.Transient("transcribe", errors.New("provider unavailable"))
		}),
	}
	s := New(q, stages, nil, testConfig(), nil)
	job, _ := q.Enqueue(ctx, "s1", domain.JobTranscribe)
	start(t, s)

	waitFor(t, "terminal failure", func() bool { return jobStatus(q, job.ID) == domain.JobFailed })
	got, _ := q.Get(ctx, job.ID)
	if runs.Load() != 3 || got.AttemptCount != 2 {
		t.Fatalf("runs=%d attempt_count=%d", runs.Load(), got.AttemptCount)
	}
	if follow, _ := q.List(ctx, queue.Filter{Type: ptr(domain.JobChunkEmbed)}); len(follow) != 0 {
		t.Fatalf("failed job must not enqueue follow-ups")
	}
}

func TestSchedulerPermanentFailureDoesNotRetry(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue(queue.Config{BackoffBase: time.Millisecond})
	stages := pipeline.Registry{
		domain.JobTranscribe: pipeline.StageFunc(func(context.Context, domain.ProcessingJob, pipeline.Checkpoint) error {
			return pipeline.Permanent("transcribe", errors.New("session has no media"))
		}),
	}
	s := New(q, stages, nil, testConfig(), nil)
	job, _ := q.Enqueue(ctx, "s1", domain.JobTranscribe)
	start(t, s)

	waitFor(t, "failure", func() bool { return jobStatus(q, job.ID) == domain.JobFailed })
	got, _ := q.Get(ctx, job.ID)
	if got.AttemptCount != 0 {
		t.Fatalf("permanent failure should not consume retries: %+v", got)
	}
}

func TestSchedulerCancelsRunningJobAtCheckpoint(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue(queue.Config{})
	started := make(chan struct{})
	var once sync.Once
	stages := pipeline.Registry{
		domain.JobTranscribe: pipeline.StageFunc(func(ctx context.Context, _ domain.ProcessingJob, cp pipeline.Checkpoint) error {
			once.Do(func() { close(started) })
			for {
				if err := cp(ctx); err != nil {
					return err
				}
				time.Sleep(2 * time.Millisecond)
			}
		}),
	}
	pub := &recordingPublisher{}
	s := New(q, stages, pub, testConfig(), nil)
	job, _ := q.Enqueue(ctx, "s1", domain.JobTranscribe)
	start(t, s)

	<-started
	if _, err := q.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitFor(t, "cancel", func() bool { return jobStatus(q, job.ID) == domain.JobCanceled })
	if pub.count("job.canceled") != 1 {
		t.Fatalf("expected one cancel event, got %v", pub.types)
	}
}

func TestSchedulerStageTimeoutIsTransient(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue(queue.Config{MaxAttempts: -1})
	stages := pipeline.Registry{
		domain.JobTranscribe: pipeline.StageFunc(func(ctx context.Context, _ domain.ProcessingJob, _ pipeline.Checkpoint) error {
			<-ctx.Done()
			return pipeline.Transient("transcribe", ctx.Err())
		}),
	}
	cfg := testConfig()
	cfg.StageTimeout = 20 * time.Millisecond
	s := New(q, stages, nil, cfg, nil)
	job, _ := q.Enqueue(ctx, "s1", domain.JobTranscribe)
	start(t, s)

	waitFor(t, "timeout failure", func() bool { return jobStatus(q, job.ID) == domain.JobFailed })
	got, _ := q.Get(ctx, job.ID)
	if got.LastEvent == "" {
		t.Fatalf("expected a failure message")
	}
}

func TestReapFailsStaleJobs(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue(queue.Config{})
	job, _ := q.Enqueue(ctx, "s1", domain.JobTranscribe)
	if _, ok, err := q.DequeueNext(ctx, queue.Claim{Worker: "crashed"}); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	cfg := testConfig()
	cfg.Now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	s := New(q, pipeline.Registry{domain.JobTranscribe: okStage()}, nil, cfg, nil)
	if n := s.Reap(ctx); n != 1 {
		t.Fatalf("reaped %d jobs, want 1", n)
	}
	got, _ := q.Get(ctx, job.ID)
	if got.Status != domain.JobQueued || got.AttemptCount != 1 || got.AssignedTo != nil {
		t.Fatalf("unexpected reaped job: %+v", got)
	}

	fresh := New(q, nil, nil, testConfig(), nil)
	if n := fresh.Reap(ctx); n != 0 {
		t.Fatalf("queued job must not be reaped, got %d", n)
	}
}

func TestSchedulerKeepsLongStageAlive(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue(queue.Config{MaxAttempts: 2, BackoffBase: time.Millisecond})
	stages := pipeline.Registry{
		domain.JobTranscribe: pipeline.StageFunc(func(ctx context.Context, _ domain.ProcessingJob, cp pipeline.Checkpoint) error {
			if err := cp(ctx); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(150 * time.Millisecond):
			}
			return cp(ctx)
		}),
		domain.JobChunkEmbed: okStage(),
	}
	cfg := testConfig()
	cfg.LivenessDeadline = 40 * time.Millisecond
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.ReapInterval = 10 * time.Millisecond
	s := New(q, stages, nil, cfg, nil)
	job, _ := q.Enqueue(ctx, "s1", domain.JobTranscribe)
	start(t, s)

	waitFor(t, "completion", func() bool { return jobStatus(q, job.ID) == domain.JobCompleted })
	got, _ := q.Get(ctx, job.ID)
	if got.AttemptCount != 0 {
		t.Fatalf("long stage was reaped and retried: %+v", got)
	}
}

func TestSchedulerLostLeaseStopsStage(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue(queue.Config{})
	running := make(chan domain.ProcessingJob, 1)
	causes := make(chan error, 1)
	stages := pipeline.Registry{
		domain.JobTranscribe: pipeline.StageFunc(func(ctx context.Context, job domain.ProcessingJob, _ pipeline.Checkpoint) error {
			running <- job
			<-ctx.Done()
			causes <- context.Cause(ctx)
			return ctx.Err()
		}),
	}
	cfg := testConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	cfg.LivenessDeadline = time.Minute
	s := New(q, stages, nil, cfg, nil)
	job, _ := q.Enqueue(ctx, "s1", domain.JobTranscribe)
	start(t, s)

	claimed := <-running
	if _, err := q.Fail(ctx, queue.LeaseOf(claimed), "taken over", false); err != nil {
		t.Fatalf("fail: %v", err)
	}
	select {
	case cause := <-causes:
		if !errors.Is(cause, domain.ErrConcurrencyConflict) {
			t.Fatalf("expected lease conflict as cause, got %v", cause)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("stage was not stopped after losing its lease")
	}
	if status := jobStatus(q, job.ID); status != domain.JobFailed {
		t.Fatalf("dropped result must leave the job failed, got %s", status)
	}
}

func TestSchedulerCancelAfterLastCheckpointCompletes(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue(queue.Config{})
	passed := make(chan struct{})
	release := make(chan struct{})
	stages := pipeline.Registry{
		domain.JobTranscribe: pipeline.StageFunc(func(ctx context.Context, _ domain.ProcessingJob, cp pipeline.Checkpoint) error {
			if err := cp(ctx); err != nil {
				return err
			}
			close(passed)
			<-release
			return nil
		}),
		domain.JobChunkEmbed: okStage(),
	}
	pub := &recordingPublisher{}
	s := New(q, stages, pub, testConfig(), nil)
	job, _ := q.Enqueue(ctx, "s1", domain.JobTranscribe)
	start(t, s)

	<-passed
	if _, err := q.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	close(release)

	waitFor(t, "completion", func() bool { return jobStatus(q, job.ID) == domain.JobCompleted })
	waitFor(t, "follow-up", func() bool {
		follow, _ := q.List(ctx, queue.Filter{Type: ptr(domain.JobChunkEmbed)})
		return len(follow) == 1
	})
	if pub.count("job.canceled") != 0 {
		t.Fatalf("late cancel must not cancel the job, got %v", pub.types)
	}
}

func TestConfigHeartbeatIntervalBelowDeadline(t *testing.T) {
	cfg := Config{LivenessDeadline: 30 * time.Second, HeartbeatInterval: time.Minute}.withDefaults()
	if cfg.HeartbeatInterval != 10*time.Second {
		t.Fatalf("heartbeat interval not clamped: %v", cfg.HeartbeatInterval)
	}
	cfg = Config{}.withDefaults()
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatInterval >= cfg.LivenessDeadline {
		t.Fatalf("default heartbeat interval %v vs deadline %v", cfg.HeartbeatInterval, cfg.LivenessDeadline)
	}
}
