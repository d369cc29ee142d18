package memory

import (
	"context"
	"sync"

	"github.com/vietddude/taskpilot/internal/core/domain"
	"github.com/vietddude/taskpilot/internal/infra/storage"
)

// MemoryStorage is the in-process store behind the memory repositories.
type MemoryStorage struct {
	executions map[string]*domain.ExecutionRecord
	failures   map[string][]domain.FailureRecord
	mu         sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		executions: make(map[string]*domain.ExecutionRecord),
		failures:   make(map[string][]domain.FailureRecord),
	}
}

// -----------------------------------------------------------------------------
// Execution Repository
// -----------------------------------------------------------------------------

type ExecutionRepo struct {
	store *MemoryStorage
}

var _ storage.ExecutionRepository = (*ExecutionRepo)(nil)

func NewExecutionRepo(store *MemoryStorage) *ExecutionRepo {
	return &ExecutionRepo{store: store}
}

func (r *ExecutionRepo) Save(ctx context.Context, rec *domain.ExecutionRecord) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *rec
	r.store.executions[rec.TaskID] = &cp
	return nil
}

func (r *ExecutionRepo) Load(ctx context.Context, taskID string) (*domain.ExecutionRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	rec, ok := r.store.executions[taskID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *ExecutionRepo) List(ctx context.Context) ([]*domain.ExecutionRecord, error) {
	r.store.mu.RLock()
	out := make([]*domain.ExecutionRecord, 0, len(r.store.executions))
	for _, rec := range r.store.executions {
		cp := *rec
		out = append(out, &cp)
	}
	r.store.mu.RUnlock()

	storage.SortNewestFirst(out)
	return out, nil
}

func (r *ExecutionRepo) Delete(ctx context.Context, taskID string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.executions[taskID]; !ok {
		return storage.ErrNotFound
	}
	delete(r.store.executions, taskID)
	return nil
}

// -----------------------------------------------------------------------------
// Failure Repository
// -----------------------------------------------------------------------------

type FailureRepo struct {
	store *MemoryStorage
}

var _ storage.FailureRepository = (*FailureRepo)(nil)

func NewFailureRepo(store *MemoryStorage) *FailureRepo {
	return &FailureRepo{store: store}
}

func (r *FailureRepo) Add(ctx context.Context, taskID string, rec domain.FailureRecord) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.failures[taskID] = append(r.store.failures[taskID], rec)
	return nil
}

func (r *FailureRepo) GetAll(ctx context.Context, taskID string) ([]domain.FailureRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	recs := r.store.failures[taskID]
	out := make([]domain.FailureRecord, len(recs))
	copy(out, recs)
	return out, nil
}

func (r *FailureRepo) Count(ctx context.Context, taskID string) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return len(r.store.failures[taskID]), nil
}

func (r *FailureRepo) Delete(ctx context.Context, taskID string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	delete(r.store.failures, taskID)
	return nil
}
