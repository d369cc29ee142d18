package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/taskpilot/internal/control"
	"github.com/vietddude/taskpilot/internal/execution/runner"
	"github.com/vietddude/taskpilot/internal/infra/scripted"
)

var (
	runMaxSteps int
	runPort     int
)

var runCmd = &cobra.Command{
	Use:   "run <script.yaml>...",
	Short: "Run scripted tasks",
	Args:  cobra.MinimumNArgs(1),
	Run:   runTasks,
}

func init() {
	runCmd.Flags().IntVar(&runMaxSteps, "max-steps", 0, "override runner.max_steps")
	runCmd.Flags().IntVar(&runPort, "port", -1, "health/metrics port (overrides server.port, 0 disables)")
	rootCmd.AddCommand(runCmd)
}

func runTasks(cmd *cobra.Command, args []string) {
	if runMaxSteps > 0 {
		appCfg.Runner.MaxSteps = runMaxSteps
	}
	if runPort >= 0 {
		appCfg.Server.Port = runPort
	}

	tasks := make([]control.Task, 0, len(args))
	for _, path := range args {
		s, err := scripted.Load(path)
		if err != nil {
			slog.Error("Failed to load script", "path", path, "error", err)
			os.Exit(1)
		}
		task, _ := control.ScriptTask(s)
		if runMaxSteps > 0 {
			task.MaxSteps = 0
		}
		tasks = append(tasks, task)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := control.NewPilot(ctx, appCfg)
	if err != nil {
		slog.Error("Failed to initialize Pilot", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(sigChan)
	go handleSignals(ctx, sigChan, app, cancel)

	if err := app.Start(ctx); err != nil {
		slog.Error("Failed to start Pilot", "error", err)
		os.Exit(1)
	}
	slog.Info("Pilot started", "tasks", len(tasks), "storage", appCfg.Storage.Driver)

	reports, runErr := app.RunAll(ctx, tasks)
	if runErr != nil {
		slog.Error("Task errors", "error", runErr)
	}
	printReports(reports)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := app.Stop(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}

	for _, r := range reports {
		if r == nil || !r.Success() {
			os.Exit(1)
		}
	}
}

func printReports(reports []*runner.Report) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "TASK\tSTATE\tSTEPS\tFAILURES\tDURATION\tREASON")
	for _, r := range reports {
		if r == nil {
			continue
		}
		var dur time.Duration
		if r.Metrics != nil {
			dur = r.Metrics.TotalDuration.Round(time.Millisecond)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			r.TaskID, r.State, r.Steps, r.Failures.TotalFailures, dur, r.Reason)
	}
	_ = w.Flush()
}
