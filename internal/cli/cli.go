// ============================================================================
// litcurate CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the literature curation pipeline
//
// Command Structure:
//   litcurate                      # Root command
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   ├── collect                    # collection → annotation → metadata → filter → enqueue
//   ├── filter                     # re-run the filter stages from the metadata stage
//   ├── run                        # reconcile, then drive worker batches
//   ├── worker                     # (hidden) process one batch manifest
//   ├── reconcile                  # restart-time reconciliation only
//   ├── requeue-failed             # failed tasks back to pending
//   ├── aggregate                  # merge sinks + transcripts, export results
//   └── status                     # configuration, queue partition, run files
//
// Run directory (run.output_dir):
//   stages/     collection / annotation / metadata stage files, filter/ results
//   queue/      task queue WAL and snapshot
//   agent/      sinks/, logs/ (transcripts), manifests/
//   results/    annotations.jsonl, results.duckdb, summary.json, report.json
//
// Signal Handling:
//   SIGINT / SIGTERM cancel the command context. `run` stops between
//   batches; the in-flight worker is terminated and its tasks released.
//
// Metrics Service:
//   If metrics.enabled, `collect` and `run` serve /metrics on metrics.port
//   alongside the pipeline (errgroup).
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/litcurate/internal/aggregate"
	"github.com/ChuLiYu/litcurate/internal/collect"
	"github.com/ChuLiYu/litcurate/internal/config"
	"github.com/ChuLiYu/litcurate/internal/controller"
	"github.com/ChuLiYu/litcurate/internal/filter"
	"github.com/ChuLiYu/litcurate/internal/logging"
	"github.com/ChuLiYu/litcurate/internal/metrics"
	"github.com/ChuLiYu/litcurate/internal/snapshot"
	"github.com/ChuLiYu/litcurate/internal/source"
	"github.com/ChuLiYu/litcurate/internal/taskqueue"
	"github.com/ChuLiYu/litcurate/internal/worker"
	"github.com/ChuLiYu/litcurate/pkg/types"
)

const version = "1.0.0"

var configFile string

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "litcurate",
		Short: "litcurate: a resumable literature curation pipeline",
		Long: `litcurate collects PubMed records for a date range, filters them against a
reference organism table and classifies the survivors with an external agent,
one isolated worker process per batch.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildCollectCommand())
	rootCmd.AddCommand(buildFilterCommand())
	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildWorkerCommand())
	rootCmd.AddCommand(buildReconcileCommand())
	rootCmd.AddCommand(buildRequeueFailedCommand())
	rootCmd.AddCommand(buildAggregateCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// Execute runs the CLI with a context cancelled on SIGINT / SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return BuildCLI().ExecuteContext(ctx)
}

// ============================================================================
// Shared wiring
// ============================================================================

// app holds what every command needs: the validated config, a logger and
// the run directory layout.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	out    io.Writer
}

func loadApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	logger := logging.NewWithWriter(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)
	return &app{cfg: cfg, logger: logger, out: cmd.OutOrStdout()}, nil
}

func (a *app) stagesDir() string  { return filepath.Join(a.cfg.Run.OutputDir, "stages") }
func (a *app) queueDir() string   { return filepath.Join(a.cfg.Run.OutputDir, "queue") }
func (a *app) resultsDir() string { return filepath.Join(a.cfg.Run.OutputDir, "results") }

func (a *app) layout() worker.Layout {
	return worker.Layout{Dir: filepath.Join(a.cfg.Run.OutputDir, "agent")}
}

// openStore loads the snapshot and replays the WAL, recording the recovery time.
func (a *app) openStore(m *metrics.Collector) (*taskqueue.Store, error) {
	start := time.Now()
	store, err := taskqueue.Open(a.queueDir(), taskqueue.Options{
		MaxTaskAttempts: a.cfg.Agent.MaxTaskAttempts,
		SyncOnAppend:    true,
		Logger:          a.logger,
	})
	if err != nil {
		return nil, err
	}
	m.SetRecoveryTime(time.Since(start))
	return store, nil
}

// reconcile settles tasks left in_progress by a previous process against the sinks.
func (a *app) reconcile(store *taskqueue.Store) (taskqueue.ReconcileReport, error) {
	outcomes, err := aggregate.New(a.layout(), a.logger).Outcomes()
	if err != nil {
		return taskqueue.ReconcileReport{}, err
	}
	return store.Reconcile(outcomes)
}

// newMetrics returns a registry and collector, or nils when metrics are disabled.
func (a *app) newMetrics() (*prometheus.Registry, *metrics.Collector, error) {
	if !a.cfg.Metrics.Enabled {
		return nil, nil, nil
	}
	reg := prometheus.NewRegistry()
	m, err := metrics.NewCollector(reg)
	if err != nil {
		return nil, nil, err
	}
	return reg, m, nil
}

// serveWhile runs fn and, when reg is non-nil, the metrics endpoint until fn returns.
func (a *app) serveWhile(ctx context.Context, reg *prometheus.Registry, fn func(ctx context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(gctx)
	defer stop()

	if reg != nil {
		g.Go(func() error {
			a.logger.Info("metrics server listening", "port", a.cfg.Metrics.Port)
			if err := metrics.Serve(runCtx, a.cfg.Metrics.Port, reg); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer stop()
		return fn(runCtx)
	})
	return g.Wait()
}

func (a *app) newPipeline(store *taskqueue.Store, m *metrics.Collector) (*collect.Pipeline, error) {
	ref, err := filter.LoadReference(a.cfg.Filter.ReferenceTable)
	if err != nil {
		return nil, err
	}
	c := a.cfg.Collect
	retrier := &source.Retrier{MaxRetries: c.MaxRetries, Delay: c.RetryDelay, Pause: c.APISleep, Logger: a.logger}
	client := &http.Client{Timeout: c.HTTPTimeout}
	entrez := source.NewEntrezClient(client, source.EntrezOptions{
		SearchURL: c.ESearchURL,
		FetchURL:  c.EFetchURL,
		Term:      c.SearchTerm,
		RetMax:    c.RetMax,
		APIKey:    c.APIKey,
	}, retrier)
	pubtator := source.NewPubTatorClient(client, c.PubTatorURL, retrier)

	start, end := a.cfg.DateRange()
	opts := collect.Options{
		Dir:                 a.stagesDir(),
		Period:              a.cfg.Period(),
		RunDate:             a.cfg.Run.RunDate,
		Start:               start,
		End:                 end,
		DaysPerChunk:        c.DaysPerChunk,
		ChunkSizeAnnotation: c.ChunkSizeAnnotation,
		ChunkSizeFilter:     c.ChunkSizeFilter,
		ChunkAttempts:       c.ChunkAttempts,
		RetryDelay:          c.RetryDelay,
	}
	return collect.New(collect.Sources{Search: entrez, Annotator: pubtator, Metadata: entrez}, ref, store, opts, a.logger, m), nil
}

// ============================================================================
// collect / filter
// ============================================================================

func buildCollectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "collect",
		Short: "Collect, annotate, filter and enqueue records for the configured date range",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			reg, m, err := a.newMetrics()
			if err != nil {
				return err
			}
			store, err := a.openStore(m)
			if err != nil {
				return err
			}
			defer store.Close()

			p, err := a.newPipeline(store, m)
			if err != nil {
				return err
			}

			var report collect.Report
			err = a.serveWhile(cmd.Context(), reg, func(ctx context.Context) error {
				var runErr error
				report, runErr = p.Run(ctx)
				return runErr
			})
			renderCollectReport(a.out, report)
			if errors.Is(err, collect.ErrIncomplete) {
				a.logger.Warn("some chunks failed; run collect again to retry them")
				return nil
			}
			return err
		},
	}
}

func buildFilterCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "filter",
		Short: "Re-run the filter stages from the persisted metadata stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			p, err := a.newPipeline(nil, nil)
			if err != nil {
				return err
			}
			survivors, results, err := p.Filter(cmd.Context(), force)
			if err != nil {
				return err
			}
			renderFilterResults(a.out, results, len(survivors))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "discard persisted filter results and recompute them")
	return cmd
}

// ============================================================================
// run / worker
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Reconcile the queue, then drive worker batches until drained",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			return a.run(cmd.Context())
		},
	}
}

func (a *app) run(ctx context.Context) error {
	reg, m, err := a.newMetrics()
	if err != nil {
		return err
	}
	store, err := a.openStore(m)
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := a.reconcile(store)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	a.logger.Info("reconciled", "completed", rec.Completed, "failed", rec.Failed, "reset", rec.Reset)

	launcher, err := controller.NewProcessLauncher(a.cfg.Agent.WorkerBinary,
		[]string{"worker", "--config", configFile}, a.cfg.Agent.KillGrace, a.logger)
	if err != nil {
		return err
	}
	ctrl, err := controller.NewController(store, launcher, controller.Config{
		BatchSize:     a.cfg.Agent.ChunkSizeAgent,
		BatchTimeout:  a.cfg.Agent.BatchTimeout,
		BatchCooldown: a.cfg.Agent.BatchCooldown,
		MaxSweeps:     a.cfg.Agent.MaxSweeps,
		AgentAddr:     a.cfg.Agent.Addr,
		CallTimeout:   a.cfg.Agent.CallTimeout,
		Layout:        a.layout(),
	}, a.logger, m)
	if err != nil {
		return err
	}

	var report controller.RunReport
	err = a.serveWhile(ctx, reg, func(ctx context.Context) error {
		var runErr error
		report, runErr = ctrl.Run(ctx)
		return runErr
	})
	renderRunReport(a.out, report)
	return err
}

func buildWorkerCommand() *cobra.Command {
	var manifest string
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Process one batch manifest (started by run)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			summary, err := worker.Execute(cmd.Context(), manifest, a.logger)
			if err != nil {
				return err
			}
			a.logger.Info("worker finished", "batch", summary.BatchID,
				"annotated", summary.Annotated, "failed", summary.Failed, "elapsed", summary.Duration)
			return nil
		},
	}
	cmd.Flags().StringVar(&manifest, "manifest", "", "batch manifest path")
	_ = cmd.MarkFlagRequired("manifest")
	return cmd
}

// ============================================================================
// reconcile / requeue-failed
// ============================================================================

func buildReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Settle in-progress tasks against the sinks and print the queue partition",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			store, err := a.openStore(nil)
			if err != nil {
				return err
			}
			defer store.Close()

			rec, err := a.reconcile(store)
			if err != nil {
				return err
			}
			if err := store.Checkpoint(); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "reconciled: completed=%d failed=%d reset=%d\n", rec.Completed, rec.Failed, rec.Reset)
			renderStats(a.out, store.Stats())
			return nil
		},
	}
}

func buildRequeueFailedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue-failed",
		Short: "Move failed tasks back to pending for another run",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			store, err := a.openStore(nil)
			if err != nil {
				return err
			}
			defer store.Close()

			ids, err := store.RequeueFailed()
			if err != nil {
				return err
			}
			if err := store.Checkpoint(); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "requeued %d failed tasks\n", len(ids))
			renderStats(a.out, store.Stats())
			return nil
		},
	}
}

// ============================================================================
// aggregate
// ============================================================================

// Summary is written to results/summary.json by aggregate.
type Summary struct {
	Counts      types.RunCounts  `json:"counts"`
	Unrecovered []types.RecordID `json:"unrecovered"`
	Sinks       int              `json:"sinks"`
	Transcripts int              `json:"transcripts"`
	Skipped     int              `json:"skipped_lines"`
}

func buildAggregateCommand() *cobra.Command {
	var duckdbPath string
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Merge sinks and transcripts, export JSONL / DuckDB and print run counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			return a.aggregate(cmd.Context(), duckdbPath, cmd.Flags().Changed("duckdb"))
		},
	}
	cmd.Flags().StringVar(&duckdbPath, "duckdb", "", "DuckDB export path (default results/results.duckdb; \"-\" disables)")
	return cmd
}

func (a *app) aggregate(ctx context.Context, duckdbPath string, explicit bool) error {
	store, err := a.openStore(nil)
	if err != nil {
		return err
	}
	expected := dispatchedIDs(store)
	failures := failureMarkers(store)
	if err := store.Close(); err != nil {
		return err
	}

	res, err := aggregate.New(a.layout(), a.logger).WithFailures(failures).Aggregate(expected)
	if err != nil {
		return err
	}

	dir := a.resultsDir()
	if err := aggregate.WriteJSONL(filepath.Join(dir, "annotations.jsonl"), res); err != nil {
		return err
	}
	if err := snapshot.WriteJSONAtomic(filepath.Join(dir, "summary.json"), Summary{
		Counts:      res.Counts,
		Unrecovered: res.Unrecovered,
		Sinks:       res.Sinks,
		Transcripts: res.Transcripts,
		Skipped:     res.Skipped,
	}); err != nil {
		return err
	}

	if !explicit {
		duckdbPath = filepath.Join(dir, "results.duckdb")
	}
	exported := "disabled"
	if duckdbPath != "-" && duckdbPath != "" {
		if err := aggregate.ExportDuckDB(ctx, duckdbPath, res); err != nil {
			return err
		}
		rows, err := aggregate.CountRows(ctx, duckdbPath, "annotations")
		if err != nil {
			return err
		}
		a.logger.Info("exported duckdb", "path", duckdbPath, "annotations", rows)
		exported = fmt.Sprintf("%s (%d annotations)", duckdbPath, rows)
	}

	var report *aggregate.Report
	if ref, err := filter.LoadReference(a.cfg.Filter.ReferenceTable); err != nil {
		a.logger.Warn("reference table unavailable, skipping annotation report", "error", err)
	} else {
		r := aggregate.BuildReport(res, ref)
		report = &r
		if err := snapshot.WriteJSONAtomic(filepath.Join(dir, "report.json"), r); err != nil {
			return err
		}
	}

	renderAggregate(a.out, res, exported, report)
	return nil
}

// dispatchedIDs lists every task that has been handed to a worker at least
// once, in enqueue order. Tasks never dispatched are not expected results.
func dispatchedIDs(store *taskqueue.Store) []types.RecordID {
	var tasks []types.AgentTask
	for _, st := range []types.TaskStatus{types.StatusPending, types.StatusInProgress, types.StatusCompleted, types.StatusFailed} {
		for _, t := range store.Tasks(st) {
			if t.BatchID != "" {
				tasks = append(tasks, t)
			}
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Seq < tasks[j].Seq })
	ids := make([]types.RecordID, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}

// failureMarkers returns the markers of failed tasks. Markers the queue wrote
// itself (worker_lost) exist nowhere else.
func failureMarkers(store *taskqueue.Store) []types.FailureMarker {
	var out []types.FailureMarker
	for _, t := range store.Tasks(types.StatusFailed) {
		if t.Failure != nil {
			out = append(out, *t.Failure)
		}
	}
	return out
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration, queue status and run files",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			store, err := a.openStore(nil)
			if err != nil {
				return err
			}
			stats := store.Stats()
			if err := store.Close(); err != nil {
				return err
			}

			files := runFiles{}
			files.Stages, _ = filepath.Glob(filepath.Join(a.stagesDir(), "*.jsonl"))
			files.Sinks, _ = filepath.Glob(filepath.Join(a.layout().SinkDir(), "batch-*.jsonl"))
			files.Transcripts, _ = filepath.Glob(filepath.Join(a.layout().TranscriptDir(), "batch-*.log"))
			renderStatus(a.out, configFile, a.cfg, stats, files)
			return nil
		},
	}
}

// runFiles lists the persisted files under the run directory.
type runFiles struct {
	Stages      []string
	Sinks       []string
	Transcripts []string
}

// exists reports whether path exists; used by status rendering.
func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
