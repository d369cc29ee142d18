package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/vietddude/taskpilot/internal/core/domain"
	"github.com/vietddude/taskpilot/internal/infra/storage"
)

// Handler mirrors failure records into storage and feeds the pattern counter.
type Handler struct {
	repo     storage.FailureRepository
	patterns *PatternCounter
	log      *slog.Logger
}

// NewHandler creates a handler. repo and patterns may be nil.
func NewHandler(repo storage.FailureRepository, patterns *PatternCounter) *Handler {
	return &Handler{
		repo:     repo,
		patterns: patterns,
		log:      slog.Default().With("component", "recovery"),
	}
}

// HandleFailure is called by the run loop for every recorded failure.
func (h *Handler) HandleFailure(ctx context.Context, taskID string, rec domain.FailureRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if h.patterns != nil {
		h.patterns.Learn(rec.Error)
	}
	if h.repo == nil {
		return nil
	}

	if err := h.repo.Add(ctx, taskID, rec); err != nil {
		return fmt.Errorf("failed to add failure record: %w", err)
	}
	h.log.Debug("Failure recorded", "task_id", taskID, "step", rec.Step, "id", rec.ID)
	return nil
}

// Failures returns the mirrored failure records of a task.
func (h *Handler) Failures(ctx context.Context, taskID string) ([]domain.FailureRecord, error) {
	if h.repo == nil {
		return nil, nil
	}
	recs, err := h.repo.GetAll(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to get failure records: %w", err)
	}
	return recs, nil
}
