// Package file keeps one JSON document per task in a directory.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/vietddude/taskpilot/internal/core/domain"
	"github.com/vietddude/taskpilot/internal/infra/storage"
)

// ErrInvalidTaskID is returned for ids that cannot be used as file names.
var ErrInvalidTaskID = errors.New("invalid task id")

// ExecutionRepo implements storage.ExecutionRepository on the file system.
type ExecutionRepo struct {
	dir string
	mu  sync.RWMutex
}

var _ storage.ExecutionRepository = (*ExecutionRepo)(nil)

// NewExecutionRepo creates dir if needed.
func NewExecutionRepo(dir string) (*ExecutionRepo, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history dir: %w", err)
	}
	return &ExecutionRepo{dir: dir}, nil
}

// Dir returns the history directory.
func (r *ExecutionRepo) Dir() string { return r.dir }

func validID(taskID string) bool {
	return taskID != "" && taskID != "." && taskID != ".." && !strings.ContainsAny(taskID, `/\`)
}

func (r *ExecutionRepo) path(taskID string) (string, error) {
	if !validID(taskID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTaskID, taskID)
	}
	return filepath.Join(r.dir, taskID+".json"), nil
}

// Save writes the record atomically through a temp file.
func (r *ExecutionRepo) Save(ctx context.Context, rec *domain.ExecutionRecord) error {
	path, err := r.path(rec.TaskID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tmp, err := os.CreateTemp(r.dir, ".tmp-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write execution: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to move execution into place: %w", err)
	}

	slog.Debug("Execution history saved", "path", path)
	return nil
}

func (r *ExecutionRepo) Load(ctx context.Context, taskID string) (*domain.ExecutionRecord, error) {
	path, err := r.path(taskID)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return readRecord(path)
}

// List skips unreadable files with a warning.
func (r *ExecutionRepo) List(ctx context.Context) ([]*domain.ExecutionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read history dir: %w", err)
	}

	var out []*domain.ExecutionRecord
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		rec, err := readRecord(filepath.Join(r.dir, name))
		if err != nil {
			slog.Warn("Skipping unreadable execution history", "file", name, "error", err)
			continue
		}
		out = append(out, rec)
	}

	storage.SortNewestFirst(out)
	return out, nil
}

func (r *ExecutionRepo) Delete(ctx context.Context, taskID string) error {
	path, err := r.path(taskID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("failed to delete execution: %w", err)
	}
	return nil
}

func readRecord(path string) (*domain.ExecutionRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read execution: %w", err)
	}
	var rec domain.ExecutionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}
	return &rec, nil
}
