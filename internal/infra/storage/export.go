package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/vietddude/taskpilot/internal/core/domain"
)

// ExportEntry is the listing form of an execution record.
type ExportEntry struct {
	TaskID    string           `json:"task_id"`
	Timestamp time.Time        `json:"timestamp"`
	State     domain.TaskState `json:"state"`
	Success   bool             `json:"success"`
	Steps     int              `json:"steps"`
	Failures  int              `json:"failures"`
}

// Entry converts a record into its listing form.
func Entry(rec *domain.ExecutionRecord) ExportEntry {
	e := ExportEntry{
		TaskID:    rec.TaskID,
		Timestamp: rec.Timestamp,
		State:     rec.State,
		Success:   rec.Success,
		Failures:  rec.Failures.TotalFailures,
	}
	if rec.Metrics != nil {
		e.Steps = rec.Metrics.TotalSteps
	}
	return e
}

// Export writes every record in repo to w as an indented JSON array, newest
// first. It returns the number of entries written.
func Export(ctx context.Context, repo ExecutionRepository, w io.Writer) (int, error) {
	records, err := repo.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list executions: %w", err)
	}

	entries := make([]ExportEntry, len(records))
	for i, rec := range records {
		entries[i] = Entry(rec)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		return 0, fmt.Errorf("failed to encode executions: %w", err)
	}
	return len(entries), nil
}
