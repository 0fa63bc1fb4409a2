package review

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"amplified/pkg/domain"
	"amplified/pkg/events"
	"amplified/pkg/store"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func setup(t *testing.T, status domain.MaterialStatus) (*Workflow, *store.MemoryStore, *recordingPublisher) {
	t.Helper()
	st := store.NewMemoryStore()
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	if err := st.SaveMaterial(context.Background(), domain.StudyMaterial{
		ID: "m1", SessionID: "s1", Type: domain.MaterialQuiz, Title: "Quiz", Content: "Q1", Status: status, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("save material: %v", err)
	}
	pub := &recordingPublisher{}
	return New(st, pub, WithClock(func() time.Time { return now.Add(time.Hour) })), st, pub
}

func TestFullReviewFlow(t *testing.T) {
	ctx := context.Background()
	w, _, pub := setup(t, domain.MaterialDraft)

	steps := []struct {
		name string
		run  func() (domain.StudyMaterial, error)
		want domain.MaterialStatus
	}{
		{"submit", func() (domain.StudyMaterial, error) { return w.Submit(ctx, "m1") }, domain.MaterialPendingReview},
		{"approve", func() (domain.StudyMaterial, error) { return w.Approve(ctx, "m1") }, domain.MaterialApproved},
		{"publish", func() (domain.StudyMaterial, error) { return w.Publish(ctx, "m1") }, domain.MaterialPublished},
	}
	for _, step := range steps {
		m, err := step.run()
		if err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		if m.Status != step.want {
			t.Fatalf("%s: status = %s, want %s", step.name, m.Status, step.want)
		}
	}
	if len(pub.events) != 3 || pub.events[2].Type != "material.published" {
		t.Fatalf("unexpected events: %+v", pub.events)
	}
}

func TestRejectReturnsToDraftWithLatestComment(t *testing.T) {
	ctx := context.Background()
	w, _, _ := setup(t, domain.MaterialPendingReview)

	if _, err := w.Reject(ctx, "m1", "  "); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	m, err := w.Reject(ctx, "m1", "question 2 is wrong")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if m.Status != domain.MaterialDraft || m.ReviewComment == nil || *m.ReviewComment != "question 2 is wrong" {
		t.Fatalf("unexpected material: %+v", m)
	}
	if _, err := w.Submit(ctx, "m1"); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	m, err = w.Reject(ctx, "m1", "still wrong")
	if err != nil {
		t.Fatalf("second reject: %v", err)
	}
	if *m.ReviewComment != "still wrong" {
		t.Fatalf("expected latest comment, got %q", *m.ReviewComment)
	}
}

func TestInvalidTransitionsDoNotMutate(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		from domain.MaterialStatus
		op   func(w *Workflow) error
	}{
		{domain.MaterialDraft, func(w *Workflow) error { _, err := w.Approve(ctx, "m1"); return err }},
		{domain.MaterialDraft, func(w *Workflow) error { _, err := w.Publish(ctx, "m1"); return err }},
		{domain.MaterialPendingReview, func(w *Workflow) error { _, err := w.Publish(ctx, "m1"); return err }},
		{domain.MaterialApproved, func(w *Workflow) error { _, err := w.Reject(ctx, "m1", "late"); return err }},
		{domain.MaterialPublished, func(w *Workflow) error { _, err := w.Submit(ctx, "m1"); return err }},
	}
	for _, tc := range cases {
		w, st, pub := setup(t, tc.from)
		if err := tc.op(w); !errors.Is(err, domain.ErrInvalidTransition) {
			t.Fatalf("from %s: expected invalid transition, got %v", tc.from, err)
		}
		m, _, _ := st.GetMaterial(ctx, "m1")
		if m.Status != tc.from || m.ReviewComment != nil {
			t.Fatalf("from %s: material mutated: %+v", tc.from, m)
		}
		if len(pub.events) != 0 {
			t.Fatalf("from %s: unexpected events %+v", tc.from, pub.events)
		}
	}
	w, _, _ := setup(t, domain.MaterialDraft)
	if _, err := w.Submit(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConcurrentReviewersOneWins(t *testing.T) {
	ctx := context.Background()
	w, _, _ := setup(t, domain.MaterialPendingReview)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); _, errs[0] = w.Approve(ctx, "m1") }()
	go func() { defer wg.Done(); _, errs[1] = w.Reject(ctx, "m1", "no") }()
	wg.Wait()

	ok := 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrConcurrencyConflict), errors.Is(err, domain.ErrInvalidTransition):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one success, got %d (%v)", ok, errs)
	}
}
