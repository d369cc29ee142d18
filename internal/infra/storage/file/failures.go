package file

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/vietddude/taskpilot/internal/core/domain"
	"github.com/vietddude/taskpilot/internal/infra/storage"
)

// FailureRepo appends failure records as JSON lines, one file per task, in
// the failures subdirectory.
type FailureRepo struct {
	dir string
	mu  sync.Mutex
}

var _ storage.FailureRepository = (*FailureRepo)(nil)

// NewFailureRepo creates <dir>/failures if needed.
func NewFailureRepo(dir string) (*FailureRepo, error) {
	sub := filepath.Join(dir, "failures")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create failures dir: %w", err)
	}
	return &FailureRepo{dir: sub}, nil
}

func (r *FailureRepo) path(taskID string) (string, error) {
	if !validID(taskID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTaskID, taskID)
	}
	return filepath.Join(r.dir, taskID+".jsonl"), nil
}

func (r *FailureRepo) Add(ctx context.Context, taskID string, rec domain.FailureRecord) error {
	path, err := r.path(taskID)
	if err != nil {
		return err
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal failure record: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open failures file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append failure record: %w", err)
	}
	return nil
}

func (r *FailureRepo) GetAll(ctx context.Context, taskID string) ([]domain.FailureRecord, error) {
	path, err := r.path(taskID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open failures file: %w", err)
	}
	defer f.Close()

	var recs []domain.FailureRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var rec domain.FailureRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read failures file: %w", err)
	}
	return recs, nil
}

func (r *FailureRepo) Count(ctx context.Context, taskID string) (int, error) {
	recs, err := r.GetAll(ctx, taskID)
	return len(recs), err
}

func (r *FailureRepo) Delete(ctx context.Context, taskID string) error {
	path, err := r.path(taskID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete failures file: %w", err)
	}
	return nil
}
