package storage

import (
	"context"
	"errors"
	"sort"

	"github.com/vietddude/taskpilot/internal/core/domain"
)

var (
	// ErrNotFound is returned when no execution record exists for a task.
	ErrNotFound = errors.New("execution record not found")
)

// ExecutionRepository stores finished task executions keyed by task id.
type ExecutionRepository interface {
	// Save inserts or replaces the record for rec.TaskID
	Save(ctx context.Context, rec *domain.ExecutionRecord) error

	// Load retrieves the record for a task
	Load(ctx context.Context, taskID string) (*domain.ExecutionRecord, error)

	// List returns all records, newest first
	List(ctx context.Context) ([]*domain.ExecutionRecord, error)

	// Delete removes the record for a task
	Delete(ctx context.Context, taskID string) error
}

// FailureRepository mirrors per-task failure records
type FailureRepository interface {
	// Add appends a failure record to a task
	Add(ctx context.Context, taskID string, rec domain.FailureRecord) error

	// GetAll returns a task's failure records in step order
	GetAll(ctx context.Context, taskID string) ([]domain.FailureRecord, error)

	// Count returns the number of failure records for a task
	Count(ctx context.Context, taskID string) (int, error)

	// Delete removes all failure records of a task
	Delete(ctx context.Context, taskID string) error
}

// Summary aggregates a set of execution records.
type Summary struct {
	TotalExecutions int                     `json:"total_executions"`
	Successful      int                     `json:"successful"`
	Failed          int                     `json:"failed"`
	SuccessRate     float64                 `json:"success_rate"`
	Latest          *domain.ExecutionRecord `json:"latest,omitempty"`
}

// Summarize computes totals over records.
func Summarize(records []*domain.ExecutionRecord) Summary {
	var s Summary
	for _, r := range records {
		s.TotalExecutions++
		if r.Success {
			s.Successful++
		} else {
			s.Failed++
		}
		if s.Latest == nil || r.Timestamp.After(s.Latest.Timestamp) {
			s.Latest = r
		}
	}
	if s.TotalExecutions > 0 {
		s.SuccessRate = float64(s.Successful) / float64(s.TotalExecutions) * 100
	}
	return s
}

// SortNewestFirst orders records by descending timestamp, then task id.
func SortNewestFirst(records []*domain.ExecutionRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].TaskID < records[j].TaskID
		}
		return records[i].Timestamp.After(records[j].Timestamp)
	})
}
