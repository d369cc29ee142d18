package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/taskpilot/internal/control"
	"github.com/vietddude/taskpilot/internal/core/lifecycle"
	"github.com/vietddude/taskpilot/internal/infra/storage"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect persisted execution history",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List executions, newest first",
	Args:  cobra.NoArgs,
	Run:   withPilot(historyList),
}

var showJSON bool

var historyShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show one execution record",
	Args:  cobra.ExactArgs(1),
	Run:   withPilot(historyShow),
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <task-id>",
	Short: "Delete an execution record and its failures",
	Args:  cobra.ExactArgs(1),
	Run:   withPilot(historyDelete),
}

var historyExportCmd = &cobra.Command{
	Use:   "export <path>",
	Short: "Export all executions to a JSON file",
	Args:  cobra.ExactArgs(1),
	Run:   withPilot(historyExport),
}

var historySummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show execution totals",
	Args:  cobra.NoArgs,
	Run:   withPilot(historySummary),
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete executions older than storage.retention",
	Args:  cobra.NoArgs,
	Run:   withPilot(historyPrune),
}

var failuresCmd = &cobra.Command{
	Use:   "failures <task-id>",
	Short: "List recorded failures of a task",
	Args:  cobra.ExactArgs(1),
	Run:   withPilot(listFailures),
}

func init() {
	historyShowCmd.Flags().BoolVar(&showJSON, "json", false, "print the raw record as JSON")
	historyCmd.AddCommand(historyListCmd, historyShowCmd, historyDeleteCmd, historyExportCmd, historySummaryCmd, historyPruneCmd)
	rootCmd.AddCommand(historyCmd, failuresCmd)
}

type pilotCommand func(ctx context.Context, p *control.Pilot, args []string) error

// withPilot opens storage without the health server for one-shot commands.
func withPilot(fn pilotCommand) func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		cfg := *appCfg
		cfg.Server.Port = 0

		app, err := control.NewPilot(ctx, &cfg)
		if err != nil {
			slog.Error("Failed to initialize Pilot", "error", err)
			os.Exit(1)
		}
		runErr := fn(ctx, app, args)

		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Stop(stopCtx)

		if runErr != nil {
			slog.Error("Command failed", "error", runErr)
			os.Exit(1)
		}
	}
}

func historyList(ctx context.Context, p *control.Pilot, _ []string) error {
	records, err := p.Executions().List(ctx)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No executions recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "TASK\tTIME\tSTATE\tSTEPS\tFAILURES\tCATEGORIES")
	for _, r := range records {
		e := storage.Entry(r)
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%v\n",
			e.TaskID, e.Timestamp.Format(time.RFC3339), e.State, e.Steps, e.Failures, r.ErrorCategories())
	}
	return w.Flush()
}

func historyShow(ctx context.Context, p *control.Pilot, args []string) error {
	rec, err := p.Executions().Load(ctx, args[0])
	if err != nil {
		return err
	}
	if showJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintf(w, "Task\t%s\n", rec.TaskID)
	_, _ = fmt.Fprintf(w, "Time\t%s\n", rec.Timestamp.Format(time.RFC3339))
	_, _ = fmt.Fprintf(w, "State\t%s\n", lifecycle.StateDescription(rec.State))
	_, _ = fmt.Fprintf(w, "Reason\t%s\n", rec.Reason)
	_, _ = fmt.Fprintf(w, "Steps\t%d\n", rec.Failures.TotalSteps)
	_, _ = fmt.Fprintf(w, "Failures\t%d\n", rec.Failures.TotalFailures)
	if rec.Metrics != nil {
		_, _ = fmt.Fprintf(w, "Duration\t%s\n", rec.Metrics.TotalDuration.Round(time.Millisecond))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if rec.Failures.TotalFailures > 0 {
		fmt.Println()
		fmt.Println(rec.Failures.String())
	}
	return nil
}

func historyDelete(ctx context.Context, p *control.Pilot, args []string) error {
	if err := p.Executions().Delete(ctx, args[0]); err != nil {
		return err
	}
	if err := p.Failures().Delete(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted %s\n", args[0])
	return nil
}

func historyExport(ctx context.Context, p *control.Pilot, args []string) error {
	path := args[0]
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create export dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	n, err := storage.Export(ctx, p.Executions(), f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	fmt.Printf("Exported %d executions to %s\n", n, path)
	return nil
}

func historySummary(ctx context.Context, p *control.Pilot, _ []string) error {
	records, err := p.Executions().List(ctx)
	if err != nil {
		return err
	}
	s := storage.Summarize(records)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintf(w, "Total executions\t%d\n", s.TotalExecutions)
	_, _ = fmt.Fprintf(w, "Successful\t%d\n", s.Successful)
	_, _ = fmt.Fprintf(w, "Failed\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "Success rate\t%.1f%%\n", s.SuccessRate)
	if s.Latest != nil {
		_, _ = fmt.Fprintf(w, "Latest\t%s (%s, %s)\n",
			s.Latest.TaskID, s.Latest.State, s.Latest.Timestamp.Format(time.RFC3339))
	}
	return w.Flush()
}

func historyPrune(ctx context.Context, p *control.Pilot, _ []string) error {
	if appCfg.Storage.Retention <= 0 {
		return fmt.Errorf("storage.retention is not set")
	}
	n, err := p.Pruner().PruneOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Pruned %d executions older than %s\n", n, appCfg.Storage.Retention)
	return nil
}

func listFailures(ctx context.Context, p *control.Pilot, args []string) error {
	records, err := p.Failures().GetAll(ctx, args[0])
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Printf("No failures recorded for %s.\n", args[0])
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "STEP\tTIME\tERROR")
	for _, f := range records {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\n", f.Step, f.RecordedAt.Format(time.RFC3339), f.Error)
	}
	return w.Flush()
}
