package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/livinlefevreloca/logwarden/internal/config"
	"github.com/livinlefevreloca/logwarden/internal/cycle"
	"github.com/livinlefevreloca/logwarden/internal/db"
	"github.com/livinlefevreloca/logwarden/internal/logging"
	"github.com/livinlefevreloca/logwarden/internal/logstore"
	"github.com/livinlefevreloca/logwarden/internal/notify"
	"github.com/livinlefevreloca/logwarden/internal/summarizer"
	"github.com/livinlefevreloca/logwarden/internal/watermark"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

// errCycleAborted makes `once` exit non-zero
var errCycleAborted = errors.New("analysis cycle aborted")

// state holds the log store and wherever watermarks, results and cycle
// reports are persisted
type state struct {
	es         *logstore.Elasticsearch
	database   *db.DB
	backend    watermark.Backend
	results    logstore.ResultSink
	watermarks *watermark.Store
	recorder   cycle.CycleRecorder
}

func (s *state) Close() error {
	if s.database != nil {
		return s.database.Close()
	}
	return nil
}

// loadConfig loads, validates and installs the logger
func loadConfig(cmd *cobra.Command, configFile string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger := logging.Init(cmd.ErrOrStderr(), cfg.Logging)
	logger.Info("configuration loaded",
		"config_file", configFile,
		"state_backend", cfg.State.Backend,
		"log_index", cfg.Elasticsearch.LogIndexPattern,
		"summarizer", cfg.Summarizer.Provider)
	return cfg, logger, nil
}

// openState connects the backends and ensures their schema once. Unless
// strict is set, an Elasticsearch index that cannot be created is logged and
// left for the cluster's index templates or a later `migrate`.
func openState(ctx context.Context, cfg *config.Config, logger *slog.Logger, strict bool) (*state, error) {
	es, err := logstore.NewElasticsearch(cfg.Elasticsearch, logger)
	if err != nil {
		return nil, err
	}
	s := &state{es: es}

	switch cfg.State.Backend {
	case config.BackendSQLite:
		logger.Info("connecting to database", "driver", cfg.State.Database.Driver)
		database, err := db.OpenWithConfig(cfg.State.Database)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		if !cfg.State.Database.SkipMigrations {
			if err := database.Migrate(); err != nil {
				database.Close()
				return nil, err
			}
			version, err := database.SchemaVersion()
			if err != nil {
				database.Close()
				return nil, fmt.Errorf("get schema version: %w", err)
			}
			logger.Info("database schema ready", "driver", database.Driver(), "version", version)
		}
		s.database = database
		s.backend = db.WatermarkLog{DB: database}
		s.results = database
		s.recorder = database
	default:
		ectx := ctx
		if d := cfg.Analysis.Timeouts.State; d > 0 {
			var cancel context.CancelFunc
			ectx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		if err := es.EnsureIndices(ectx); err != nil {
			if strict {
				return nil, fmt.Errorf("ensure indices: %w", err)
			}
			logger.Error("failed to ensure indices, continuing",
				"results_index", cfg.Elasticsearch.ResultsIndex,
				"watermark_index", cfg.Elasticsearch.WatermarkIndex,
				"error", err)
		} else {
			logger.Info("indices ready",
				"results_index", cfg.Elasticsearch.ResultsIndex,
				"watermark_index", cfg.Elasticsearch.WatermarkIndex)
		}
		s.backend = es
		s.results = es
	}
	s.watermarks = watermark.New(s.backend, cfg.Watermark, nil, logger)
	return s, nil
}

// newOrchestrator builds the cycle orchestrator and its external services
func newOrchestrator(cfg *config.Config, s *state, logger *slog.Logger) (*cycle.Orchestrator, error) {
	summ, err := summarizer.New(cfg.Summarizer)
	if err != nil {
		return nil, fmt.Errorf("summarizer: %w", err)
	}
	notifier, err := notify.New(cfg.Notify, logger)
	if err != nil {
		return nil, err
	}

	return cycle.New(cfg.Analysis, cycle.Deps{
		LogStore:   s.es,
		Results:    s.results,
		Watermarks: s.watermarks,
		Summarizer: summ,
		Notifier:   notifier,
		Recorder:   s.recorder,
		Logger:     logger,
	}), nil
}

func runDaemon(cmd *cobra.Command, configFile string) error {
	cfg, logger, err := loadConfig(cmd, configFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openState(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer s.Close()

	orch, err := newOrchestrator(cfg, s, logger)
	if err != nil {
		return err
	}
	schedule, err := cycle.ParseSchedule(cfg.Analysis)
	if err != nil {
		return err
	}

	if configFile != "" {
		go func() {
			err := config.Watch(ctx, configFile, logger, func(next *config.Config) {
				orch.SetAlertPolicy(next.Analysis.AlertSeverities, next.Analysis.Prompt)
			})
			if err != nil {
				logger.Warn("config hot reload disabled", "error", err)
			}
		}()
	}

	logger.Info("logwarden is running",
		"interval", cfg.Analysis.Interval,
		"schedule", cfg.Analysis.Schedule,
		"workers", cfg.Analysis.Workers)

	if err := cycle.NewRunner(orch, schedule, logger).Run(ctx); err != nil {
		return err
	}
	logger.Info("shutting down gracefully")
	return nil
}

func runOnce(cmd *cobra.Command, configFile string) error {
	cfg, logger, err := loadConfig(cmd, configFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openState(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer s.Close()

	orch, err := newOrchestrator(cfg, s, logger)
	if err != nil {
		return err
	}

	report := orch.RunOnce(ctx)
	fmt.Fprintf(cmd.OutOrStdout(),
		"cycle %s: discovered=%d processed=%d skipped=%d results=%d alerts=%d failures=%d duration=%s\n",
		report.CycleID, report.Discovered, report.Processed, report.Skipped,
		report.ResultsWritten, report.AlertsSent, report.Failures, report.Duration.Round(time.Millisecond))
	if report.Aborted() {
		return fmt.Errorf("%w: %v", errCycleAborted, report.Err)
	}
	return nil
}

func runMigrate(cmd *cobra.Command, configFile string) error {
	cfg, logger, err := loadConfig(cmd, configFile)
	if err != nil {
		return err
	}

	s, err := openState(cmd.Context(), cfg, logger, true)
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "%s state ready\n", cfg.State.Backend)
	return nil
}

// runWatermark prints the stored watermark of a client, or "unseen" when
// nothing has been recorded yet. The initial lookback fallback is not shown.
func runWatermark(cmd *cobra.Command, configFile, clientID string, history bool) error {
	cfg, logger, err := loadConfig(cmd, configFile)
	if err != nil {
		return err
	}

	s, err := openState(cmd.Context(), cfg, logger, false)
	if err != nil {
		return err
	}
	defer s.Close()

	wm, found, err := s.backend.Latest(cmd.Context(), clientID)
	if err != nil {
		return fmt.Errorf("read watermark for %s: %w", clientID, err)
	}

	out := cmd.OutOrStdout()
	if !found {
		fmt.Fprintf(out, "%s\tunseen\n", clientID)
	} else {
		fmt.Fprintf(out, "%s\t%s\n", clientID, wm.LastProcessed.Format(time.RFC3339Nano))
	}

	if !history {
		return nil
	}
	database, err := s.requireDatabase("--history")
	if err != nil {
		return err
	}
	records, err := database.ListWatermarks(cmd.Context(), clientID)
	if err != nil {
		return fmt.Errorf("list watermarks: %w", err)
	}
	for _, wm := range records {
		fmt.Fprintf(out, "  %s\t%s\trecorded %s\n",
			wm.LastProcessed.Format(time.RFC3339Nano), wm.Status, wm.RecordedAt.Format(time.RFC3339))
	}
	return nil
}

// requireDatabase returns the sqlite state store or explains why what needs
// it is unavailable
func (s *state) requireDatabase(what string) (*db.DB, error) {
	if s.database == nil {
		return nil, fmt.Errorf("%s requires the sqlite state backend", what)
	}
	return s.database, nil
}

func runResults(cmd *cobra.Command, configFile, clientID string, limit int) error {
	cfg, logger, err := loadConfig(cmd, configFile)
	if err != nil {
		return err
	}

	s, err := openState(cmd.Context(), cfg, logger, false)
	if err != nil {
		return err
	}
	defer s.Close()

	database, err := s.requireDatabase("results")
	if err != nil {
		return err
	}
	results, err := database.ListAnalysisResults(cmd.Context(), db.ResultFilter{ClientID: clientID, Limit: limit})
	if err != nil {
		return fmt.Errorf("list results: %w", err)
	}

	out := cmd.OutOrStdout()
	for _, r := range results {
		severity := r.Severity
		if severity == "" {
			severity = "-"
		}
		fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.AnalyzedAt.Format(time.RFC3339), r.ClientID, r.Status, severity, r.ID, firstLine(r.Summary))
	}
	return nil
}

func runCycles(cmd *cobra.Command, configFile string, limit int) error {
	cfg, logger, err := loadConfig(cmd, configFile)
	if err != nil {
		return err
	}

	s, err := openState(cmd.Context(), cfg, logger, false)
	if err != nil {
		return err
	}
	defer s.Close()

	database, err := s.requireDatabase("cycles")
	if err != nil {
		return err
	}
	runs, err := database.ListCycleRuns(cmd.Context(), limit)
	if err != nil {
		return fmt.Errorf("list cycles: %w", err)
	}

	out := cmd.OutOrStdout()
	for _, run := range runs {
		fmt.Fprintf(out, "%s\t%s\tdiscovered=%d processed=%d skipped=%d results=%d alerts=%d failures=%d duration=%s",
			run.StartedAt.Format(time.RFC3339), run.CycleID, run.Discovered, run.Processed, run.Skipped,
			run.ResultsWritten, run.AlertsSent, run.Failures, run.Duration.Round(time.Millisecond))
		if run.Error != nil {
			fmt.Fprintf(out, "\taborted: %s", *run.Error)
		}
		fmt.Fprintln(out)
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
