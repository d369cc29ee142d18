package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/vietddude/taskpilot/internal/core/domain"
	"github.com/vietddude/taskpilot/internal/infra/storage"
)

// ExecutionRepo implements storage.ExecutionRepository using PostgreSQL.
type ExecutionRepo struct {
	db *DB
}

var _ storage.ExecutionRepository = (*ExecutionRepo)(nil)

// NewExecutionRepo creates a new PostgreSQL execution repository.
func NewExecutionRepo(db *DB) *ExecutionRepo {
	return &ExecutionRepo{db: db}
}

type executionRow struct {
	TaskID          string         `db:"task_id"`
	ExecutedAt      time.Time      `db:"executed_at"`
	State           string         `db:"state"`
	Success         bool           `db:"success"`
	TotalSteps      int            `db:"total_steps"`
	ErrorCategories pq.StringArray `db:"error_categories"`
	Record          []byte         `db:"record"`
}

// Save upserts the record for rec.TaskID.
func (r *ExecutionRepo) Save(ctx context.Context, rec *domain.ExecutionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}

	steps := 0
	if rec.Metrics != nil {
		steps = rec.Metrics.TotalSteps
	}
	categories := rec.ErrorCategories()
	if categories == nil {
		categories = []string{}
	}

	query := `
		INSERT INTO executions (task_id, executed_at, state, success, total_steps, error_categories, record)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (task_id) DO UPDATE SET
			executed_at = EXCLUDED.executed_at,
			state = EXCLUDED.state,
			success = EXCLUDED.success,
			total_steps = EXCLUDED.total_steps,
			error_categories = EXCLUDED.error_categories,
			record = EXCLUDED.record
	`
	_, err = r.db.ExecContext(ctx, query,
		rec.TaskID,
		rec.Timestamp,
		string(rec.State),
		rec.Success,
		steps,
		pq.Array(categories),
		data,
	)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

// Load retrieves the record for a task.
func (r *ExecutionRepo) Load(ctx context.Context, taskID string) (*domain.ExecutionRecord, error) {
	var row executionRow
	err := r.db.GetContext(ctx, &row, `SELECT * FROM executions WHERE task_id = $1`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}
	return row.decode()
}

// List returns all records, newest first.
func (r *ExecutionRepo) List(ctx context.Context) ([]*domain.ExecutionRecord, error) {
	var rows []executionRow
	err := r.db.SelectContext(ctx, &rows, `SELECT * FROM executions ORDER BY executed_at DESC, task_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	out := make([]*domain.ExecutionRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ListByCategory returns records with at least one failure in category.
func (r *ExecutionRepo) ListByCategory(ctx context.Context, category string) ([]*domain.ExecutionRecord, error) {
	var rows []executionRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM executions WHERE $1 = ANY(error_categories) ORDER BY executed_at DESC, task_id ASC`,
		category,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions by category: %w", err)
	}

	out := make([]*domain.ExecutionRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Delete removes the record for a task.
func (r *ExecutionRepo) Delete(ctx context.Context, taskID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM executions WHERE task_id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (row executionRow) decode() (*domain.ExecutionRecord, error) {
	var rec domain.ExecutionRecord
	if err := json.Unmarshal(row.Record, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution %s: %w", row.TaskID, err)
	}
	return &rec, nil
}
