package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"amplified/pkg/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// forEachQueue runs fn against every Queue implementation.
func forEachQueue(t *testing.T, cfg Config, fn func(t *testing.T, q Queue, clock *fakeClock)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		clock := newFakeClock()
		c := cfg
		c.Now = clock.Now
		fn(t, NewMemoryQueue(c), clock)
	})
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		clock := newFakeClock()
		c := cfg
		c.Now = clock.Now
		q, err := NewRedisQueue(RedisQueueConfig{Addr: mr.Addr(), Prefix: "test:jobs", Queue: c})
		if err != nil {
			t.Fatalf("new redis queue: %v", err)
		}
		t.Cleanup(func() { _ = q.Close() })
		fn(t, q, clock)
	})
}

func mustEnqueue(t *testing.T, q Queue, sessionID string, jobType domain.JobType, opts ...EnqueueOption) domain.ProcessingJob {
	t.Helper()
	job, err := q.Enqueue(context.Background(), sessionID, jobType, opts...)
	if err != nil {
		t.Fatalf("enqueue %s: %v", jobType, err)
	}
	return job
}

func mustClaim(t *testing.T, q Queue, worker string) domain.ProcessingJob {
	t.Helper()
	job, ok, err := q.DequeueNext(context.Background(), Claim{Worker: worker})
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if !ok {
		t.Fatalf("expected a job to be claimable")
	}
	return job
}

func expectNothing(t *testing.T, q Queue, claim Claim) {
	t.Helper()
	job, ok, err := q.DequeueNext(context.Background(), claim)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if ok {
		t.Fatalf("expected no eligible job, got %s (%s)", job.ID, job.Type)
	}
}

func TestQueueEnqueueValidation(t *testing.T) {
	forEachQueue(t, Config{}, func(t *testing.T, q Queue, _ *fakeClock) {
		ctx := context.Background()
		if _, err := q.Enqueue(ctx, " ", domain.JobTranscribe); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("expected validation error for blank session, got %v", err)
		}
		if _, err := q.Enqueue(ctx, "s1", domain.JobType("ocr")); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("expected validation error for unknown type, got %v", err)
		}
		if _, err := q.Enqueue(ctx, "s1", domain.JobGenerateMaterial); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("expected validation error without material type, got %v", err)
		}
		job := mustEnqueue(t, q, "s1", domain.JobGenerateMaterial, WithMaterialType(domain.MaterialQuiz))
		if job.Status != domain.JobQueued || job.AttemptCount != 0 || job.MaxAttempts != defaultMaxAttempts {
			t.Fatalf("unexpected new job: %+v", job)
		}
		if job.StartedAt != nil || job.FinishedAt != nil || job.AssignedTo != nil {
			t.Fatalf("new job must not carry run fields: %+v", job)
		}
		got, err := q.Get(ctx, job.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.MaterialType == nil || *got.MaterialType != domain.MaterialQuiz {
			t.Fatalf("material type not persisted: %+v", got)
		}
		if _, err := q.Get(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}

func TestQueuePrerequisiteGate(t *testing.T) {
	forEachQueue(t, Config{}, func(t *testing.T, q Queue, _ *fakeClock) {
		ctx := context.Background()
		transcribe := mustEnqueue(t, q, "s1", domain.JobTranscribe)
		embed := mustEnqueue(t, q, "s1", domain.JobChunkEmbed)
		summary := mustEnqueue(t, q, "s1", domain.JobGenerateMaterial, WithMaterialType(domain.MaterialSummary))

		got := mustClaim(t, q, "w1")
		if got.ID != transcribe.ID {
			t.Fatalf("expected transcribe first, got %s", got.Type)
		}
		if got.Status != domain.JobRunning || got.StartedAt == nil || got.AssignedTo == nil || *got.AssignedTo != "w1" {
			t.Fatalf("claim did not mark job running: %+v", got)
		}
		expectNothing(t, q, Claim{Worker: "w2"})

		if _, err := q.Complete(ctx, LeaseOf(got)); err != nil {
			t.Fatalf("complete transcribe: %v", err)
		}
		got = mustClaim(t, q, "w2")
		if got.ID != embed.ID {
			t.Fatalf("expected chunk_embed after transcribe, got %s", got.Type)
		}
		expectNothing(t, q, Claim{Worker: "w3"})
		if _, err := q.Complete(ctx, LeaseOf(got)); err != nil {
			t.Fatalf("complete chunk_embed: %v", err)
		}
		got = mustClaim(t, q, "w3")
		if got.ID != summary.ID {
			t.Fatalf("expected generate_material last, got %s", got.Type)
		}
	})
}

func TestQueueNewTranscribeResetsGate(t *testing.T) {
	forEachQueue(t, Config{}, func(t *testing.T, q Queue, _ *fakeClock) {
		ctx := context.Background()
		mustEnqueue(t, q, "s1", domain.JobTranscribe)
		first := mustClaim(t, q, "w1")
		if _, err := q.Complete(ctx, LeaseOf(first)); err != nil {
			t.Fatalf("complete: %v", err)
		}

		rerun := mustEnqueue(t, q, "s1", domain.JobTranscribe)
		mustEnqueue(t, q, "s1", domain.JobChunkEmbed)
		got := mustClaim(t, q, "w1")
		if got.ID != rerun.ID {
			t.Fatalf("expected re-run transcribe, got %s", got.Type)
		}
		expectNothing(t, q, Claim{Worker: "w2"})
	})
}

func TestQueueMaxPerSession(t *testing.T) {
	forEachQueue(t, Config{}, func(t *testing.T, q Queue, _ *fakeClock) {
		ctx := context.Background()
		mustEnqueue(t, q, "s1", domain.JobTranscribe)
		mustEnqueue(t, q, "s1", domain.JobTranscribe)
		other := mustEnqueue(t, q, "s2", domain.JobTranscribe)

		claim := Claim{Worker: "w1", MaxPerSession: 1}
		first, ok, err := q.DequeueNext(ctx, claim)
		if err != nil || !ok || first.SessionID != "s1" {
			t.Fatalf("first claim = %+v ok=%v err=%v", first, ok, err)
		}
		second, ok, err := q.DequeueNext(ctx, claim)
		if err != nil || !ok {
			t.Fatalf("second claim ok=%v err=%v", ok, err)
		}
		if second.ID != other.ID {
			t.Fatalf("expected session s2 to be served while s1 is busy, got %s", second.SessionID)
		}
		expectNothing(t, q, claim)
	})
}

func TestQueueNoDoubleClaim(t *testing.T) {
	forEachQueue(t, Config{}, func(t *testing.T, q Queue, _ *fakeClock) {
		const jobs = 24
		for i := 0; i < jobs; i++ {
			mustEnqueue(t, q, fmt.Sprintf("s%d", i), domain.JobTranscribe)
		}

		var (
			mu      sync.Mutex
			claimed = make(map[string]int)
			wg      sync.WaitGroup
		)
		for w := 0; w < 6; w++ {
			wg.Add(1)
			go func(worker string) {
				defer wg.Done()
				for {
					job, ok, err := q.DequeueNext(context.Background(), Claim{Worker: worker})
					if err != nil {
						t.Errorf("dequeue: %v", err)
						return
					}
					if !ok {
						return
					}
					mu.Lock()
					claimed[job.ID]++
					mu.Unlock()
				}
			}(fmt.Sprintf("w%d", w))
		}
		wg.Wait()

		if len(claimed) != jobs {
			t.Fatalf("expected %d distinct claims, got %d", jobs, len(claimed))
		}
		for id, n := range claimed {
			if n != 1 {
				t.Fatalf("job %s claimed %d times", id, n)
			}
		}
	})
}

func TestQueueRetryBackoffThenTerminalFailure(t *testing.T) {
	cfg := Config{MaxAttempts: 2, BackoffBase: time.Second, BackoffMax: time.Minute}
	forEachQueue(t, cfg, func(t *testing.T, q Queue, clock *fakeClock) {
		ctx := context.Background()
		job := mustEnqueue(t, q, "s1", domain.JobTranscribe)

		running := mustClaim(t, q, "w1")
		requeued, err := q.Fail(ctx, LeaseOf(running), "provider timeout", true)
		if err != nil {
			t.Fatalf("fail: %v", err)
		}
		if requeued.Status != domain.JobQueued || requeued.AttemptCount != 1 {
			t.Fatalf("expected re-queued attempt 1, got %+v", requeued)
		}
		if requeued.NotBefore == nil || !requeued.NotBefore.Equal(clock.Now().Add(time.Second)) {
			t.Fatalf("unexpected backoff: %v", requeued.NotBefore)
		}
		if requeued.StartedAt != nil || requeued.AssignedTo != nil {
			t.Fatalf("re-queued job kept run fields: %+v", requeued)
		}
		expectNothing(t, q, Claim{Worker: "w1"})

		clock.Advance(time.Second)
		running = mustClaim(t, q, "w1")
		if running.ID != job.ID || running.AttemptCount != 1 {
			t.Fatalf("unexpected second claim: %+v", running)
		}
		requeued, err = q.Fail(ctx, LeaseOf(running), "provider timeout", true)
		if err != nil {
			t.Fatalf("fail: %v", err)
		}
		if requeued.AttemptCount != 2 || !requeued.NotBefore.Equal(clock.Now().Add(2*time.Second)) {
			t.Fatalf("expected doubled backoff, got %+v", requeued)
		}

		clock.Advance(2 * time.Second)
		running = mustClaim(t, q, "w2")
		failed, err := q.Fail(ctx, LeaseOf(running), "provider timeout", true)
		if err != nil {
			t.Fatalf("fail: %v", err)
		}
		if failed.Status != domain.JobFailed || failed.FinishedAt == nil {
			t.Fatalf("expected terminal failure, got %+v", failed)
		}
		if failed.LastEvent != "Error: provider timeout" {
			t.Fatalf("unexpected last event %q", failed.LastEvent)
		}
		expectNothing(t, q, Claim{Worker: "w1"})
	})
}

func TestQueuePermanentFailureAndRetry(t *testing.T) {
	forEachQueue(t, Config{}, func(t *testing.T, q Queue, _ *fakeClock) {
		ctx := context.Background()
		mustEnqueue(t, q, "s1", domain.JobTranscribe)
		running := mustClaim(t, q, "w1")
		failed, err := q.Fail(ctx, LeaseOf(running), "unsupported media", false)
		if err != nil {
			t.Fatalf("fail: %v", err)
		}
		if failed.Status != domain.JobFailed || failed.AttemptCount != 0 {
			t.Fatalf("expected immediate failure, got %+v", failed)
		}

		retried, err := q.Retry(ctx, failed.ID)
		if err != nil {
			t.Fatalf("retry: %v", err)
		}
		if retried.Status != domain.JobQueued || retried.AttemptCount != 0 || retried.FinishedAt != nil {
			t.Fatalf("unexpected retried job: %+v", retried)
		}
		if _, err := q.Retry(ctx, failed.ID); !errors.Is(err, domain.ErrInvalidTransition) {
			t.Fatalf("expected invalid transition retrying a queued job, got %v", err)
		}
		if _, err := q.Retry(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
		mustClaim(t, q, "w1")
	})
}

func TestQueueCancel(t *testing.T) {
	forEachQueue(t, Config{}, func(t *testing.T, q Queue, _ *fakeClock) {
		ctx := context.Background()
		queued := mustEnqueue(t, q, "s1", domain.JobTranscribe)
		canceled, err := q.Cancel(ctx, queued.ID)
		if err != nil {
			t.Fatalf("cancel queued: %v", err)
		}
		if canceled.Status != domain.JobCanceled || canceled.StartedAt == nil || canceled.FinishedAt == nil {
			t.Fatalf("unexpected canceled job: %+v", canceled)
		}
		if _, err := q.Cancel(ctx, queued.ID); !errors.Is(err, domain.ErrInvalidTransition) {
			t.Fatalf("expected invalid transition, got %v", err)
		}
		expectNothing(t, q, Claim{Worker: "w1"})

		mustEnqueue(t, q, "s2", domain.JobTranscribe)
		running := mustClaim(t, q, "w1")
		flagged, err := q.Cancel(ctx, running.ID)
		if err != nil {
			t.Fatalf("cancel running: %v", err)
		}
		if flagged.Status != domain.JobRunning || !flagged.CancelRequested {
			t.Fatalf("running job should be flagged, got %+v", flagged)
		}
		if _, err := q.Cancel(ctx, running.ID); err != nil {
			t.Fatalf("repeat cancel should be a no-op: %v", err)
		}
		requested, err := q.Heartbeat(ctx, LeaseOf(running))
		if err != nil {
			t.Fatalf("heartbeat: %v", err)
		}
		if !requested {
			t.Fatalf("heartbeat should report the cancel request")
		}
		done, err := q.AcknowledgeCancel(ctx, LeaseOf(running))
		if err != nil {
			t.Fatalf("acknowledge: %v", err)
		}
		if done.Status != domain.JobCanceled || done.FinishedAt == nil {
			t.Fatalf("unexpected acknowledged job: %+v", done)
		}
	})
}

func TestQueueCancelWinsOverRetryableFailure(t *testing.T) {
	forEachQueue(t, Config{}, func(t *testing.T, q Queue, _ *fakeClock) {
		ctx := context.Background()
		mustEnqueue(t, q, "s1", domain.JobTranscribe)
		running := mustClaim(t, q, "w1")
		if _, err := q.Cancel(ctx, running.ID); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		got, err := q.Fail(ctx, LeaseOf(running), "context canceled", true)
		if err != nil {
			t.Fatalf("fail: %v", err)
		}
		if got.Status != domain.JobCanceled {
			t.Fatalf("expected canceled, got %s", got.Status)
		}
	})
}

func TestQueueCancelAfterLastCheckpointCompletes(t *testing.T) {
	forEachQueue(t, Config{}, func(t *testing.T, q Queue, _ *fakeClock) {
		ctx := context.Background()
		mustEnqueue(t, q, "s1", domain.JobTranscribe)
		running := mustClaim(t, q, "w1")
		if _, err := q.Cancel(ctx, running.ID); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		done, err := q.Complete(ctx, LeaseOf(running))
		if err != nil {
			t.Fatalf("complete: %v", err)
		}
		if done.Status != domain.JobCompleted || done.CancelRequested {
			t.Fatalf("expected completed without pending cancel, got %+v", done)
		}
		mustEnqueue(t, q, "s1", domain.JobChunkEmbed)
		next := mustClaim(t, q, "w1")
		if next.Type != domain.JobChunkEmbed {
			t.Fatalf("follow-up should be claimable, got %s", next.Type)
		}
	})
}

// interleaveHook runs before once, just ahead of the first Lua script call
// on the client it is attached to.
type interleaveHook struct {
	once   sync.Once
	before func()
}

func (h *interleaveHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *interleaveHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func (h *interleaveHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if name := cmd.Name(); name == "evalsha" || name == "eval" {
			h.once.Do(h.before)
		}
		return next(ctx, cmd)
	}
}

func newRacingRedisQueues(t *testing.T) (*RedisQueue, *RedisQueue) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := RedisQueueConfig{Addr: mr.Addr(), Prefix: "test:jobs"}
	q, err := NewRedisQueue(cfg)
	if err != nil {
		t.Fatalf("new redis queue: %v", err)
	}
	other, err := NewRedisQueue(cfg)
	if err != nil {
		t.Fatalf("new redis queue: %v", err)
	}
	t.Cleanup(func() {
		_ = q.Close()
		_ = other.Close()
	})
	return q, other
}

func TestRedisQueueCompleteRacingCancel(t *testing.T) {
	ctx := context.Background()
	q, other := newRacingRedisQueues(t)
	mustEnqueue(t, q, "s1", domain.JobTranscribe)
	running := mustClaim(t, q, "w1")

	q.client.AddHook(&interleaveHook{before: func() {
		if _, err := other.Cancel(ctx, running.ID); err != nil {
			t.Errorf("cancel: %v", err)
		}
	}})
	done, err := q.Complete(ctx, LeaseOf(running))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != domain.JobCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}
	stored, err := other.Get(ctx, running.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != domain.JobCompleted || stored.CancelRequested {
		t.Fatalf("unexpected stored job: %+v", stored)
	}
	mustEnqueue(t, other, "s1", domain.JobChunkEmbed)
	mustClaim(t, other, "w2")
}

func TestRedisQueueHeartbeatRacingCancel(t *testing.T) {
	ctx := context.Background()
	q, other := newRacingRedisQueues(t)
	mustEnqueue(t, q, "s1", domain.JobTranscribe)
	running := mustClaim(t, q, "w1")

	q.client.AddHook(&interleaveHook{before: func() {
		if _, err := other.Cancel(ctx, running.ID); err != nil {
			t.Errorf("cancel: %v", err)
		}
	}})
	requested, err := q.Heartbeat(ctx, LeaseOf(running))
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !requested {
		t.Fatalf("heartbeat should report the cancel that raced it")
	}
}

func TestRedisQueueLostLeaseStillConflicts(t *testing.T) {
	ctx := context.Background()
	q, other := newRacingRedisQueues(t)
	mustEnqueue(t, q, "s1", domain.JobTranscribe)
	running := mustClaim(t, q, "w1")

	q.client.AddHook(&interleaveHook{before: func() {
		if _, err := other.Fail(ctx, LeaseOf(running), "liveness deadline exceeded", false); err != nil {
			t.Errorf("fail: %v", err)
		}
	}})
	if _, err := q.Complete(ctx, LeaseOf(running)); !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict after the lease was taken away, got %v", err)
	}
}

func TestQueueStaleLeaseRejected(t *testing.T) {
	forEachQueue(t, Config{BackoffBase: time.Second}, func(t *testing.T, q Queue, clock *fakeClock) {
		ctx := context.Background()
		mustEnqueue(t, q, "s1", domain.JobTranscribe)
		first := mustClaim(t, q, "w1")
		if _, err := q.Fail(ctx, LeaseOf(first), "lost worker", true); err != nil {
			t.Fatalf("fail: %v", err)
		}
		clock.Advance(time.Second)
		second := mustClaim(t, q, "w2")

		if _, err := q.Complete(ctx, LeaseOf(first)); !errors.Is(err, domain.ErrConcurrencyConflict) {
			t.Fatalf("expected conflict for stale lease, got %v", err)
		}
		if _, err := q.Heartbeat(ctx, LeaseOf(first)); !errors.Is(err, domain.ErrConcurrencyConflict) {
			t.Fatalf("expected conflict for stale heartbeat, got %v", err)
		}
		if _, err := q.Complete(ctx, LeaseOf(second)); err != nil {
			t.Fatalf("complete with current lease: %v", err)
		}
		if _, err := q.Complete(ctx, LeaseOf(second)); !errors.Is(err, domain.ErrConcurrencyConflict) {
			t.Fatalf("expected conflict completing twice, got %v", err)
		}
	})
}

func TestQueueStaleDetection(t *testing.T) {
	forEachQueue(t, Config{}, func(t *testing.T, q Queue, clock *fakeClock) {
		ctx := context.Background()
		mustEnqueue(t, q, "s1", domain.JobTranscribe)
		running := mustClaim(t, q, "w1")

		clock.Advance(5 * time.Minute)
		stale, err := q.Stale(ctx, clock.Now().Add(-time.Minute))
		if err != nil {
			t.Fatalf("stale: %v", err)
		}
		if len(stale) != 1 || stale[0].ID != running.ID {
			t.Fatalf("expected running job to be stale, got %+v", stale)
		}

		if _, err := q.Heartbeat(ctx, LeaseOf(running)); err != nil {
			t.Fatalf("heartbeat: %v", err)
		}
		stale, err = q.Stale(ctx, clock.Now().Add(-time.Minute))
		if err != nil {
			t.Fatalf("stale: %v", err)
		}
		if len(stale) != 0 {
			t.Fatalf("heartbeat should clear staleness, got %d", len(stale))
		}
	})
}

func TestQueueEventsAndList(t *testing.T) {
	forEachQueue(t, Config{}, func(t *testing.T, q Queue, clock *fakeClock) {
		ctx := context.Background()
		first := mustEnqueue(t, q, "s1", domain.JobTranscribe)
		clock.Advance(time.Second)
		second := mustEnqueue(t, q, "s2", domain.JobTranscribe)

		running := mustClaim(t, q, "w1")
		if running.ID != first.ID {
			t.Fatalf("expected oldest job first")
		}
		if _, err := q.Complete(ctx, LeaseOf(running)); err != nil {
			t.Fatalf("complete: %v", err)
		}

		events, err := q.Events(ctx, first.ID)
		if err != nil {
			t.Fatalf("events: %v", err)
		}
		want := []domain.JobStatus{domain.JobQueued, domain.JobRunning, domain.JobCompleted}
		if len(events) != len(want) {
			t.Fatalf("expected %d events, got %+v", len(want), events)
		}
		for i, ev := range events {
			if ev.Type != want[i] || ev.JobID != first.ID {
				t.Fatalf("event %d = %+v, want %s", i, ev, want[i])
			}
		}
		if _, err := q.Events(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}

		all, err := q.List(ctx, Filter{})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(all) != 2 || all[0].ID != second.ID {
			t.Fatalf("expected newest first, got %+v", all)
		}
		status := domain.JobCompleted
		done, err := q.List(ctx, Filter{Status: &status})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(done) != 1 || done[0].ID != first.ID {
			t.Fatalf("unexpected filtered list: %+v", done)
		}
		bySession, err := q.List(ctx, Filter{SessionID: "s2", Limit: 5})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(bySession) != 1 || bySession[0].ID != second.ID {
			t.Fatalf("unexpected session list: %+v", bySession)
		}
		limited, err := q.List(ctx, Filter{Limit: 1})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(limited) != 1 {
			t.Fatalf("limit not applied: %d", len(limited))
		}
	})
}

func TestBackoffCapped(t *testing.T) {
	cfg := Config{BackoffBase: time.Second, BackoffMax: 5 * time.Second}.withDefaults()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for attempt, w := range want {
		if got := cfg.Backoff(attempt); got != w {
			t.Fatalf("Backoff(%d) = %s, want %s", attempt, got, w)
		}
	}
}
