package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/taskpilot/internal/core/domain"
	"github.com/vietddude/taskpilot/internal/infra/storage"
)

// FailureRepo implements storage.FailureRepository using PostgreSQL.
type FailureRepo struct {
	db *DB
}

var _ storage.FailureRepository = (*FailureRepo)(nil)

// NewFailureRepo creates a new PostgreSQL failure repository.
func NewFailureRepo(db *DB) *FailureRepo {
	return &FailureRepo{db: db}
}

// Add inserts a failure record. Records without an id get one.
func (r *FailureRepo) Add(ctx context.Context, taskID string, rec domain.FailureRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}

	query := `
		INSERT INTO failures (id, task_id, step, error_msg, model_output, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query,
		rec.ID,
		taskID,
		rec.Step,
		rec.Error,
		rec.Output,
		rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add failure record: %w", err)
	}
	return nil
}

// GetAll returns a task's failure records in step order.
func (r *FailureRepo) GetAll(ctx context.Context, taskID string) ([]domain.FailureRecord, error) {
	query := `
		SELECT id, step, error_msg, model_output, recorded_at
		FROM failures
		WHERE task_id = $1
		ORDER BY step ASC, recorded_at ASC
	`

	var rows []struct {
		ID          string    `db:"id"`
		Step        int       `db:"step"`
		ErrorMsg    string    `db:"error_msg"`
		ModelOutput string    `db:"model_output"`
		RecordedAt  time.Time `db:"recorded_at"`
	}
	if err := r.db.SelectContext(ctx, &rows, query, taskID); err != nil {
		return nil, fmt.Errorf("failed to get failure records: %w", err)
	}

	recs := make([]domain.FailureRecord, 0, len(rows))
	for _, row := range rows {
		recs = append(recs, domain.FailureRecord{
			ID:         row.ID,
			Step:       row.Step,
			Error:      row.ErrorMsg,
			Output:     row.ModelOutput,
			RecordedAt: row.RecordedAt,
		})
	}
	return recs, nil
}

// Count returns the number of failure records of a task.
func (r *FailureRepo) Count(ctx context.Context, taskID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM failures WHERE task_id = $1`, taskID)
	if err != nil {
		return 0, fmt.Errorf("failed to count failure records: %w", err)
	}
	return count, nil
}

// Delete removes all failure records of a task.
func (r *FailureRepo) Delete(ctx context.Context, taskID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM failures WHERE task_id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete failure records: %w", err)
	}
	return nil
}
