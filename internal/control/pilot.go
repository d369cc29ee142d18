package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/taskpilot/internal/core/config"
	"github.com/vietddude/taskpilot/internal/core/domain"
	"github.com/vietddude/taskpilot/internal/core/lifecycle"
	"github.com/vietddude/taskpilot/internal/core/worker"
	"github.com/vietddude/taskpilot/internal/execution/health"
	"github.com/vietddude/taskpilot/internal/execution/metrics"
	"github.com/vietddude/taskpilot/internal/execution/perf"
	"github.com/vietddude/taskpilot/internal/execution/recovery"
	"github.com/vietddude/taskpilot/internal/execution/runner"
	redisclient "github.com/vietddude/taskpilot/internal/infra/redis"
	"github.com/vietddude/taskpilot/internal/infra/storage"
	"github.com/vietddude/taskpilot/internal/infra/storage/file"
	"github.com/vietddude/taskpilot/internal/infra/storage/memory"
	"github.com/vietddude/taskpilot/internal/infra/storage/postgres"
)

// ErrDuplicateTask is returned when a task id is already running.
var ErrDuplicateTask = errors.New("task already running")

// Pilot is the main application struct that wires storage, metrics and
// health around the run loop.
type Pilot struct {
	cfg          *config.AppConfig
	executions   storage.ExecutionRepository
	failures     storage.FailureRepository
	db           *postgres.DB
	redisClient  *redisclient.Client
	registry     *prometheus.Registry
	metrics      *metrics.Collector
	aggregate    *perf.Aggregate
	patterns     *recovery.PatternCounter
	handler      *recovery.Handler
	recoverers   *recovery.Recoverers
	healthMon    *health.Monitor
	healthServer *health.Server
	pruner       *worker.Pruner
	log          *slog.Logger

	mu          sync.Mutex
	controllers map[string]*lifecycle.Controller
}

// Task is one unit of work for RunTask.
type Task struct {
	ID              string
	MaxSteps        int // overrides runner.max_steps when set
	InitialActions  []domain.Action
	Oracle          runner.Oracle
	Actuator        runner.Actuator
	OutputValidator runner.OutputValidator
	OnStepStart     runner.Hook
	OnStepEnd       runner.Hook
}

// NewPilot creates a Pilot with all dependencies initialized.
func NewPilot(ctx context.Context, cfg *config.AppConfig) (*Pilot, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	p := &Pilot{
		cfg:         cfg,
		registry:    prometheus.NewRegistry(),
		aggregate:   perf.NewAggregate(),
		patterns:    recovery.NewPatternCounter(),
		log:         slog.Default(),
		controllers: make(map[string]*lifecycle.Controller),
	}
	p.metrics = metrics.NewCollector(p.registry)

	// 1. Initialize Storage
	if err := p.initStorage(ctx); err != nil {
		return nil, err
	}
	p.handler = recovery.NewHandler(p.failures, p.patterns)
	p.recoverers = recovery.DefaultRecoverers(p.log)
	p.pruner = worker.NewPruner(cfg.Storage.Retention, p.executions, p.failures)

	// 2. Initialize Health Monitor
	p.healthMon = health.NewMonitor(p.aggregate)
	if cfg.Server.Port > 0 {
		p.healthServer = health.NewServer(p.healthMon, cfg.Server.Port, p.registry)
	}

	return p, nil
}

func (p *Pilot) initStorage(ctx context.Context) error {
	switch p.cfg.Storage.Driver {
	case config.DriverPostgres:
		db, err := postgres.NewDB(ctx, p.cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return err
		}
		p.db = db
		p.executions = postgres.NewExecutionRepo(db)
		p.failures = postgres.NewFailureRepo(db)
		p.log.Info("Using PostgreSQL storage")

	case config.DriverRedis:
		client, err := redisclient.NewClient(p.cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to init redis: %w", err)
		}
		p.redisClient = client
		p.executions = redisclient.NewExecutionRepo(client)
		p.failures = redisclient.NewFailureRepo(client)
		p.log.Info("Using Redis storage")

	case config.DriverFile:
		repo, err := file.NewExecutionRepo(p.cfg.Storage.Dir)
		if err != nil {
			return err
		}
		failures, err := file.NewFailureRepo(p.cfg.Storage.Dir)
		if err != nil {
			return err
		}
		p.executions = repo
		p.failures = failures
		p.log.Info("Using file storage", "dir", p.cfg.Storage.Dir)

	default:
		store := memory.NewMemoryStorage()
		p.executions = memory.NewExecutionRepo(store)
		p.failures = memory.NewFailureRepo(store)
		p.log.Info("Using Memory storage")
	}
	return nil
}

// Executions returns the execution history repository.
func (p *Pilot) Executions() storage.ExecutionRepository { return p.executions }

// Failures returns the failure record repository.
func (p *Pilot) Failures() storage.FailureRepository { return p.failures }

// Registry returns the metrics registry.
func (p *Pilot) Registry() *prometheus.Registry { return p.registry }

// Monitor returns the health monitor.
func (p *Pilot) Monitor() *health.Monitor { return p.healthMon }

// Recoverers returns the recovery registry run before retries.
func (p *Pilot) Recoverers() *recovery.Recoverers { return p.recoverers }

// Patterns returns the failure patterns learned across tasks.
func (p *Pilot) Patterns() *recovery.PatternCounter { return p.patterns }

// Statistics returns aggregate statistics of finished tasks.
func (p *Pilot) Statistics() perf.Statistics { return p.aggregate.Statistics() }

// RunTask runs one task with a fresh retry policy, tracker and recorder,
// then persists its execution record. A persistence failure is logged and
// does not change the report.
func (p *Pilot) RunTask(ctx context.Context, task Task) (*runner.Report, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	maxSteps := p.cfg.Runner.MaxSteps
	if task.MaxSteps > 0 {
		maxSteps = task.MaxSteps
	}

	ctrl := lifecycle.NewController()
	if err := p.register(task.ID, ctrl); err != nil {
		return nil, err
	}
	defer p.unregister(task.ID)

	log := p.log.With("task_id", task.ID)
	validator := task.OutputValidator
	if !p.cfg.Runner.ValidateOutput {
		validator = nil
	}

	r, err := runner.New(runner.Config{
		TaskID:                 task.ID,
		MaxSteps:               maxSteps,
		MaxConsecutiveFailures: p.cfg.Runner.MaxConsecutiveFailures,
		LoopWindow:             p.cfg.Runner.LoopWindow,
		InitialActions:         task.InitialActions,
		Oracle:                 task.Oracle,
		Actuator:               task.Actuator,
		OutputValidator:        validator,
		OnStepStart:            task.OnStepStart,
		OnStepEnd:              task.OnStepEnd,
		Retry:                  recovery.NewRetryPolicy(p.cfg.Retry),
		Tracker:                recovery.NewFailureTracker(),
		Recorder: perf.NewRecorder(
			perf.WithObserver(p.metrics),
			perf.WithObserver(p.aggregate),
			perf.WithLogger(log),
		),
		Controller:    ctrl,
		Sink:          p.handler,
		Recoverers:    p.recoverers,
		OnStateChange: func(t lifecycle.Transition) { p.metrics.ObserveTransition(t.To) },
		OnRetry:       p.metrics.ObserveRetry,
		Logger:        p.log,
	})
	if err != nil {
		return nil, err
	}

	p.healthMon.Track(r)
	p.metrics.TaskStarted()
	defer func() {
		p.metrics.TaskEnded()
		p.healthMon.Untrack(task.ID)
	}()

	report, runErr := r.Run(ctx)
	if report == nil {
		return nil, runErr
	}

	// persist with a fresh context so a cancelled run is still recorded
	if err := p.executions.Save(context.WithoutCancel(ctx), report.Record()); err != nil {
		log.Warn("Failed to save execution history", "error", err)
	}
	if report.Failures.TotalFailures > 0 {
		log.Info("Failure patterns", "suggestions", p.patterns.Suggestions())
	}
	return report, runErr
}

// RunAll runs tasks concurrently and returns their reports in input order.
// A task whose hooks fail does not cancel the others.
func (p *Pilot) RunAll(ctx context.Context, tasks []Task) ([]*runner.Report, error) {
	reports := make([]*runner.Report, len(tasks))
	errs := make([]error, len(tasks))

	var g errgroup.Group
	for i, task := range tasks {
		g.Go(func() error {
			report, err := p.RunTask(ctx, task)
			reports[i] = report
			if err != nil {
				errs[i] = fmt.Errorf("task %s: %w", task.ID, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return reports, errors.Join(errs...)
}

func (p *Pilot) register(id string, ctrl *lifecycle.Controller) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.controllers[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, id)
	}
	p.controllers[id] = ctrl
	return nil
}

func (p *Pilot) unregister(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.controllers, id)
}

func (p *Pilot) eachController(fn func(*lifecycle.Controller)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.controllers {
		fn(c)
	}
}

// StopAll requests a cooperative stop of every running task.
func (p *Pilot) StopAll() {
	p.eachController(func(c *lifecycle.Controller) { c.Stop() })
}

// TogglePause flips pause on every running task.
func (p *Pilot) TogglePause() {
	p.eachController(func(c *lifecycle.Controller) { c.Toggle() })
}

// Running returns the ids of running tasks.
func (p *Pilot) Running() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.controllers))
	for id := range p.controllers {
		ids = append(ids, id)
	}
	return ids
}

// Pruner returns the history pruner.
func (p *Pilot) Pruner() *worker.Pruner { return p.pruner }

// Start starts the health server and background workers.
func (p *Pilot) Start(ctx context.Context) error {
	// Start Health Server
	if p.healthServer != nil {
		go func() {
			if err := p.healthServer.Start(); err != nil {
				p.log.Error("Health server failed", "error", err)
			}
		}()
	}

	// Start History Pruner
	go p.pruner.Start(ctx)

	// Start DB Metrics Collector
	if p.db != nil {
		p.db.StartMetricsCollector(ctx, p.metrics.DBConnectionPoolUsage)
	}
	return nil
}

// Stop stops the health server and closes storage connections.
func (p *Pilot) Stop(ctx context.Context) error {
	p.log.Info("Stopping Pilot...")
	p.StopAll()

	var errs []error
	if p.redisClient != nil {
		if err := p.redisClient.Close(); err != nil {
			p.log.Warn("Failed to close Redis", "error", err)
			errs = append(errs, err)
		}
	}
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			p.log.Warn("Failed to close database", "error", err)
			errs = append(errs, err)
		}
	}

	// Stop Health Server
	if p.healthServer != nil {
		if err := p.healthServer.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
