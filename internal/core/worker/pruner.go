package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/taskpilot/internal/infra/storage"
)

// Pruner deletes execution history older than the retention period.
type Pruner struct {
	retention  time.Duration
	executions storage.ExecutionRepository
	failures   storage.FailureRepository
	now        func() time.Time
}

// NewPruner creates a new Pruner worker.
func NewPruner(
	retention time.Duration,
	executions storage.ExecutionRepository,
	failures storage.FailureRepository,
) *Pruner {
	return &Pruner{
		retention:  retention,
		executions: executions,
		failures:   failures,
		now:        time.Now,
	}
}

// Start runs the pruner loop.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return // Retention disabled
	}

	// Check at 10% of the retention period, clamped to [1m, 1h]
	interval := min(p.retention/10, 1*time.Hour)
	interval = max(interval, 1*time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial prune
	p.prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

func (p *Pruner) prune(ctx context.Context) {
	n, err := p.PruneOnce(ctx)
	if err != nil {
		slog.Error("[Pruner] failed to prune history", "error", err)
		return
	}
	if n > 0 {
		slog.Info("[Pruner] pruned history", "deleted", n)
	}
}

// PruneOnce deletes every record older than the retention period together
// with its failures and returns how many records were removed.
func (p *Pruner) PruneOnce(ctx context.Context) (int, error) {
	if p.retention <= 0 {
		return 0, nil
	}
	threshold := p.now().Add(-p.retention)

	records, err := p.executions.List(ctx)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, r := range records {
		if !r.Timestamp.Before(threshold) {
			continue
		}
		if err := p.executions.Delete(ctx, r.TaskID); err != nil {
			slog.Warn("[Pruner] failed to delete execution", "task_id", r.TaskID, "error", err)
			continue
		}
		if err := p.failures.Delete(ctx, r.TaskID); err != nil {
			slog.Warn("[Pruner] failed to delete failures", "task_id", r.TaskID, "error", err)
		}
		deleted++
	}
	return deleted, nil
}
