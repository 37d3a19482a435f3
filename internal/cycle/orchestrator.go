// Package cycle drives the analysis sweep: discover active clients, analyze
// each client's window since its watermark, and advance the watermark.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/livinlefevreloca/logwarden/internal/alert"
	"github.com/livinlefevreloca/logwarden/internal/logstore"
	"github.com/livinlefevreloca/logwarden/internal/model"
	"github.com/livinlefevreloca/logwarden/internal/notify"
	"github.com/livinlefevreloca/logwarden/internal/processor"
	"github.com/livinlefevreloca/logwarden/internal/summarizer"
	"github.com/livinlefevreloca/logwarden/internal/watermark"
	"golang.org/x/sync/errgroup"
)

// Timeouts bound each external call made while processing a client.
// Zero disables the bound.
type Timeouts struct {
	LogStore   time.Duration `toml:"log_store" yaml:"log_store"`
	Summarizer time.Duration `toml:"summarizer" yaml:"summarizer"`
	Notify     time.Duration `toml:"notify" yaml:"notify"`
	State      time.Duration `toml:"state" yaml:"state"`
}

// Config controls one cycle and the schedule between cycles
type Config struct {
	Interval              time.Duration `toml:"interval" yaml:"interval"`
	Schedule              string        `toml:"schedule" yaml:"schedule"`
	MaxLogsPerBatch       int           `toml:"max_logs_per_batch" yaml:"max_logs_per_batch"`
	ActiveClientsLookback time.Duration `toml:"active_clients_lookback" yaml:"active_clients_lookback"`
	Workers               int           `toml:"workers" yaml:"workers"`
	AlertSeverities       []string      `toml:"alert_severities" yaml:"alert_severities"`
	Prompt                string        `toml:"prompt" yaml:"prompt"`
	Timeouts              Timeouts      `toml:"timeouts" yaml:"timeouts"`
}

func DefaultConfig() Config {
	return Config{
		Interval:              300 * time.Second,
		MaxLogsPerBatch:       50,
		ActiveClientsLookback: 24 * time.Hour,
		Workers:               1,
		AlertSeverities:       append([]string(nil), alert.DefaultSeverities...),
		Prompt:                summarizer.DefaultPrompt,
		Timeouts: Timeouts{
			LogStore:   60 * time.Second,
			Summarizer: 120 * time.Second,
			Notify:     30 * time.Second,
			State:      30 * time.Second,
		},
	}
}

// CycleRecorder persists the report of each finished cycle
type CycleRecorder interface {
	RecordCycle(ctx context.Context, report model.CycleReport) error
}

// Deps are the collaborators of an Orchestrator. Recorder, Clock and Logger
// are optional.
type Deps struct {
	LogStore   logstore.LogStore
	Results    logstore.ResultSink
	Watermarks *watermark.Store
	Summarizer summarizer.Summarizer
	Notifier   notify.Notifier
	Recorder   CycleRecorder
	Clock      watermark.Clock
	Logger     *slog.Logger
}

// Orchestrator runs analysis cycles
type Orchestrator struct {
	config     Config
	logStore   logstore.LogStore
	results    logstore.ResultSink
	watermarks *watermark.Store
	summarizer summarizer.Summarizer
	notifier   notify.Notifier
	recorder   CycleRecorder
	clock      watermark.Clock
	logger     *slog.Logger

	// Alert policy, replaceable between cycles
	policyMu   sync.RWMutex
	severities []string
	prompt     string

	// Client IDs currently being processed
	inFlight sync.Map

	// State tracking
	state         State
	stateRecorder *StateRecorder
	newID         func() string
}

// New creates an orchestrator
func New(config Config, deps Deps) *Orchestrator {
	if config.Workers < 1 {
		config.Workers = 1
	}
	clock := deps.Clock
	if clock == nil {
		clock = watermark.RealClock{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		config:        config,
		logStore:      deps.LogStore,
		results:       deps.Results,
		watermarks:    deps.Watermarks,
		summarizer:    deps.Summarizer,
		notifier:      deps.Notifier,
		recorder:      deps.Recorder,
		clock:         clock,
		logger:        logger,
		severities:    alert.NormalizeSeverities(config.AlertSeverities),
		prompt:        config.Prompt,
		state:         &SleepState{},
		stateRecorder: NewStateRecorder(),
		newID:         func() string { return uuid.NewString() },
	}
}

// SetAlertPolicy replaces the alert severities and prompt. The change applies
// to clients processed after the call returns.
func (o *Orchestrator) SetAlertPolicy(severities []string, prompt string) {
	o.policyMu.Lock()
	defer o.policyMu.Unlock()
	o.severities = alert.NormalizeSeverities(severities)
	if prompt != "" {
		o.prompt = prompt
	}
	o.logger.Info("alert policy updated", "severities", o.severities)
}

func (o *Orchestrator) policy() ([]string, string) {
	o.policyMu.RLock()
	defer o.policyMu.RUnlock()
	return o.severities, o.prompt
}

// StateRecorder returns the recorder of visited states
func (o *Orchestrator) StateRecorder() *StateRecorder {
	return o.stateRecorder
}

// transitionTo changes to a new state and records it
func (o *Orchestrator) transitionTo(newState State) {
	o.logger.Debug("state transition",
		"from", o.state.Name(),
		"to", newState.Name())

	o.state = newState
	o.stateRecorder.Record(newState)
}

// RunOnce drives exactly one cycle and returns its report. It never sleeps.
func (o *Orchestrator) RunOnce(ctx context.Context) (report model.CycleReport) {
	started := o.clock.Now().UTC()
	report = model.CycleReport{
		CycleID:       o.newID(),
		StartedAt:     started,
		GlobalEndTime: started.Truncate(time.Millisecond),
	}
	logger := o.logger.With("cycle_id", report.CycleID)

	discover := (&SleepState{}).ToDiscover()
	o.transitionTo(discover)

	defer func() {
		report.Duration = o.clock.Now().Sub(started)
		o.recordCycle(ctx, logger, report)
	}()

	clients, err := o.discover(ctx)
	if err != nil {
		report.Err = fmt.Errorf("discover clients: %w", err)
		o.abort(ctx, logger, discover.ToAborted(), report.Err)
		return report
	}
	report.Discovered = len(clients)

	if len(clients) == 0 {
		logger.Info("no active clients found")
		o.transitionTo(discover.ToSleep())
		return report
	}

	logger.Info("starting analysis cycle",
		"count", len(clients),
		"window_end", report.GlobalEndTime)

	process := discover.ToProcess()
	o.transitionTo(process)

	if err := o.processClients(ctx, logger, clients, &report); err != nil {
		report.Err = err
		o.abort(ctx, logger, process.ToAborted(), err)
		return report
	}

	if ctx.Err() != nil {
		logger.Info("cycle interrupted by shutdown",
			"processed", report.Processed,
			"skipped", report.Skipped)
	} else {
		logger.Info("analysis cycle complete",
			"processed", report.Processed,
			"results", report.ResultsWritten,
			"alerts", report.AlertsSent,
			"failures", report.Failures)
	}
	o.transitionTo(process.ToSleep())
	return report
}

func (o *Orchestrator) discover(ctx context.Context) (clients []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	dctx, cancel := withTimeout(ctx, o.config.Timeouts.LogStore)
	defer cancel()

	clients, err = o.logStore.ListActiveClients(dctx, o.config.ActiveClientsLookback)
	if err != nil {
		return nil, err
	}
	return dedupe(clients), nil
}

// abort ends the cycle on a cycle-fatal error and raises the critical alert
func (o *Orchestrator) abort(ctx context.Context, logger *slog.Logger, aborted *AbortedState, err error) {
	o.transitionTo(aborted)
	logger.Error("analysis cycle aborted", "error", err)

	nctx, cancel := withTimeout(ctx, o.config.Timeouts.Notify)
	defer cancel()
	if nerr := o.notifier.Notify(nctx, alert.CriticalSubject, alert.CriticalBody(err)); nerr != nil {
		logger.Error("failed to send critical notification", "error", nerr)
	}

	o.transitionTo(aborted.ToSleep())
}

func (o *Orchestrator) recordCycle(ctx context.Context, logger *slog.Logger, report model.CycleReport) {
	if o.recorder == nil {
		return
	}
	// The report of a cycle interrupted by shutdown is still worth keeping
	rctx, cancel := withTimeout(context.WithoutCancel(ctx), o.config.Timeouts.State)
	defer cancel()
	if err := o.recorder.RecordCycle(rctx, report); err != nil {
		logger.Warn("failed to record cycle report", "error", err)
	}
}

// clientOutcome is what processing one client contributed to the report
type clientOutcome struct {
	skipped      bool
	resultStored bool
	alertSent    bool
	failures     int
}

// processClients processes every client, stopping early on a cycle-fatal
// error. Clients not yet started when the cycle stops are counted as skipped.
func (o *Orchestrator) processClients(ctx context.Context, logger *slog.Logger, clients []string, report *model.CycleReport) error {
	var (
		mu       sync.Mutex
		finished = make(map[string]bool, len(clients))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.Workers)

	for _, clientID := range clients {
		if gctx.Err() != nil {
			break
		}
		clientID := clientID
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			// In-flight clients keep the parent context so an abort elsewhere
			// does not cut their window short
			outcome, err := o.processClientSafe(ctx, logger, report.CycleID, clientID, report.GlobalEndTime)

			mu.Lock()
			defer mu.Unlock()
			finished[clientID] = true
			if err != nil {
				report.Failures++
				return err
			}
			if outcome.skipped {
				report.Skipped++
				return nil
			}
			report.Processed++
			report.Failures += outcome.failures
			if outcome.resultStored {
				report.ResultsWritten++
			}
			if outcome.alertSent {
				report.AlertsSent++
			}
			return nil
		})
	}

	err := g.Wait()

	for _, clientID := range clients {
		if !finished[clientID] {
			report.Skipped++
		}
	}
	return err
}

// processClientSafe turns a panic while processing a client into an error
func (o *Orchestrator) processClientSafe(ctx context.Context, logger *slog.Logger, cycleID, clientID string, globalEnd time.Time) (outcome clientOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing client %s: %v", clientID, r)
		}
	}()
	return o.processClient(ctx, logger, cycleID, clientID, globalEnd), nil
}

// processClient reads the watermark, analyzes the window up to globalEnd and
// advances the watermark. Failures are logged and counted, never returned.
func (o *Orchestrator) processClient(ctx context.Context, logger *slog.Logger, cycleID, clientID string, globalEnd time.Time) clientOutcome {
	var outcome clientOutcome
	logger = logger.With("client_id", clientID)

	if _, busy := o.inFlight.LoadOrStore(clientID, struct{}{}); busy {
		logger.Warn("client already being processed, skipping")
		outcome.skipped = true
		return outcome
	}
	defer o.inFlight.Delete(clientID)

	start := o.readWatermark(ctx, clientID)
	end := globalEnd
	if start.After(end) {
		end = start
	}

	status := model.WatermarkCompleted
	var records []model.LogRecord
	if start.Before(globalEnd) {
		var err error
		records, err = o.fetch(ctx, clientID, start, globalEnd)
		if err != nil {
			status = model.WatermarkFetchFailed
			if errors.Is(err, context.DeadlineExceeded) {
				status = model.WatermarkTimedOut
			}
			logger.Error("failed to fetch logs",
				"error", err,
				"window_start", start,
				"window_end", globalEnd)
			outcome.failures++
			records = nil
		}
	}

	if len(records) == 0 {
		logger.Info("no new relevant logs", "window_start", start, "window_end", globalEnd)
	} else {
		o.analyze(ctx, logger, cycleID, clientID, start, globalEnd, records, &outcome)
	}

	if ctx.Err() != nil {
		logger.Warn("shutting down, watermark not advanced", "window_start", start)
		return outcome
	}

	if err := o.advance(ctx, clientID, end, status); err != nil {
		logger.Error("failed to advance watermark", "error", err)
		outcome.failures++
	}
	return outcome
}

func (o *Orchestrator) readWatermark(ctx context.Context, clientID string) time.Time {
	sctx, cancel := withTimeout(ctx, o.config.Timeouts.State)
	defer cancel()
	return o.watermarks.Read(sctx, clientID)
}

func (o *Orchestrator) advance(ctx context.Context, clientID string, ts time.Time, status model.WatermarkStatus) error {
	sctx, cancel := withTimeout(ctx, o.config.Timeouts.State)
	defer cancel()
	return o.watermarks.AdvanceWithStatus(sctx, clientID, ts, status)
}

func (o *Orchestrator) fetch(ctx context.Context, clientID string, since, until time.Time) ([]model.LogRecord, error) {
	fctx, cancel := withTimeout(ctx, o.config.Timeouts.LogStore)
	defer cancel()

	records, err := o.logStore.FetchBatch(fctx, logstore.FetchParams{
		ClientID: clientID,
		Since:    since,
		Until:    until,
		Limit:    o.config.MaxLogsPerBatch,
	})
	if err != nil && fctx.Err() == context.DeadlineExceeded && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	return records, err
}

// analyze summarizes a batch, stores the result and sends at most one alert
func (o *Orchestrator) analyze(ctx context.Context, logger *slog.Logger, cycleID, clientID string, start, end time.Time, records []model.LogRecord, outcome *clientOutcome) {
	severities, prompt := o.policy()

	logger.Info("analyzing logs", "count", len(records), "window_start", start, "window_end", end)

	summary, err := o.summarize(ctx, prompt, processor.FormatForSummary(records))
	status := model.ResultCompleted
	if err != nil {
		logger.Error("summarizer failed", "error", err)
		summary = summarizer.Degrade(err)
		status = model.ResultDegraded
		outcome.failures++
	}

	var severity string
	if status == model.ResultCompleted {
		severity, _ = alert.Match(summary, severities)
	}

	result := model.AnalysisResult{
		ID:          o.newID(),
		CycleID:     cycleID,
		ClientID:    clientID,
		WindowStart: start,
		WindowEnd:   end,
		AnalyzedAt:  o.clock.Now().UTC().Truncate(time.Millisecond),
		Summary:     summary,
		Status:      status,
		Severity:    severity,
		Truncated:   o.config.MaxLogsPerBatch > 0 && len(records) >= o.config.MaxLogsPerBatch,
		ScriptName:  model.ScriptName,
		Metadata:    processor.ExtractMetadata(records),
	}

	if err := o.storeResult(ctx, result); err != nil {
		logger.Error("failed to store analysis result", "error", err)
		outcome.failures++
	} else {
		outcome.resultStored = true
	}

	if severity == "" {
		return
	}

	logger.Warn("severe issue detected", "severity", severity)
	nctx, cancel := withTimeout(ctx, o.config.Timeouts.Notify)
	defer cancel()
	if err := o.notifier.Notify(nctx, alert.Subject(clientID, severity), alert.Body(clientID, severity, summary)); err != nil {
		logger.Error("failed to send alert", "error", err)
		outcome.failures++
		return
	}
	outcome.alertSent = true
}

func (o *Orchestrator) summarize(ctx context.Context, prompt, text string) (string, error) {
	sctx, cancel := withTimeout(ctx, o.config.Timeouts.Summarizer)
	defer cancel()

	summary, err := o.summarizer.Summarize(sctx, prompt, text)
	if err != nil {
		return "", err
	}
	if summary == "" {
		return "", summarizer.ErrEmptyResponse
	}
	return summary, nil
}

func (o *Orchestrator) storeResult(ctx context.Context, result model.AnalysisResult) error {
	sctx, cancel := withTimeout(ctx, o.config.Timeouts.LogStore)
	defer cancel()
	return o.results.StoreResult(sctx, result)
}

// withTimeout bounds ctx by d, or leaves it unbounded when d is zero
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// dedupe removes repeated client IDs, keeping discovery order
func dedupe(clients []string) []string {
	seen := make(map[string]struct{}, len(clients))
	result := make([]string, 0, len(clients))
	for _, id := range clients {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}
	return result
}
