// Package review drives study materials through draft, pending_review,
// approved and published.
package review

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"amplified/internal/util"
	"amplified/pkg/domain"
	"amplified/pkg/events"
	"amplified/pkg/store"
)

// Workflow applies review transitions. Each transition is a compare-and-swap
// on the status the material was read in, so concurrent reviewers cannot both
// succeed.
type Workflow struct {
	store     store.Store
	publisher events.Publisher
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Workflow) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// New builds a Workflow. A nil publisher discards events.
func New(st store.Store, publisher events.Publisher, opts ...Option) *Workflow {
	if publisher == nil {
		publisher = events.Nop{}
	}
	w := &Workflow{
		store:     st,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "review")
	return w
}

// Submit moves a draft to pending_review.
func (w *Workflow) Submit(ctx context.Context, id string) (domain.StudyMaterial, error) {
	return w.transition(ctx, id, domain.MaterialPendingReview, nil)
}

// Approve moves a pending material to approved.
func (w *Workflow) Approve(ctx context.Context, id string) (domain.StudyMaterial, error) {
	return w.transition(ctx, id, domain.MaterialApproved, nil)
}

// Reject sends a pending material back to draft with a comment. Only the
// latest comment is kept.
func (w *Workflow) Reject(ctx context.Context, id, comment string) (domain.StudyMaterial, error) {
	comment = strings.TrimSpace(comment)
	if comment == "" {
		return domain.StudyMaterial{}, fmt.Errorf("%w: reject comment required", domain.ErrValidation)
	}
	return w.transition(ctx, id, domain.MaterialDraft, &comment)
}

// Publish moves an approved material to published.
func (w *Workflow) Publish(ctx context.Context, id string) (domain.StudyMaterial, error) {
	return w.transition(ctx, id, domain.MaterialPublished, nil)
}

// Get returns one material.
func (w *Workflow) Get(ctx context.Context, id string) (domain.StudyMaterial, error) {
	m, ok, err := w.store.GetMaterial(ctx, id)
	if err != nil {
		return domain.StudyMaterial{}, fmt.Errorf("load material: %w", err)
	}
	if !ok {
		return domain.StudyMaterial{}, domain.NotFoundError("material", id)
	}
	return m, nil
}

func (w *Workflow) transition(ctx context.Context, id string, to domain.MaterialStatus, comment *string) (domain.StudyMaterial, error) {
	current, err := w.Get(ctx, id)
	if err != nil {
		return domain.StudyMaterial{}, err
	}
	if !current.Status.CanTransitionTo(to) {
		return domain.StudyMaterial{}, &domain.TransitionError{
			Entity: "material",
			ID:     id,
			From:   string(current.Status),
			To:     string(to),
		}
	}
	now := w.now()
	updated, err := w.store.TransitionMaterial(ctx, id, current.Status, store.MaterialChange{
		To:            to,
		ReviewComment: comment,
		At:            now,
	})
	if err != nil {
		return domain.StudyMaterial{}, err
	}
	logger := util.LoggerFromContext(ctx)
	logger.Info("material transitioned", "material_id", id, "from", current.Status, "to", to)
	if err := w.publisher.Publish(ctx, events.ForMaterial(util.NewID(), updated, now)); err != nil {
		w.logger.Warn("publish material event failed", "material_id", id, "err", err)
	}
	return updated, nil
}
