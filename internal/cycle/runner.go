package cycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/livinlefevreloca/logwarden/internal/watermark"
	"github.com/robfig/cron/v3"
)

// ParseSchedule returns the cron expression schedule when one is configured,
// otherwise a fixed delay of Interval between cycle starts.
func ParseSchedule(config Config) (cron.Schedule, error) {
	if config.Schedule != "" {
		schedule, err := cron.ParseStandard(config.Schedule)
		if err != nil {
			return nil, fmt.Errorf("parse schedule %q: %w", config.Schedule, err)
		}
		return schedule, nil
	}
	if config.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", config.Interval)
	}
	return cron.Every(config.Interval), nil
}

// Runner repeats cycles on a schedule until its context is cancelled
type Runner struct {
	orchestrator *Orchestrator
	schedule     cron.Schedule
	clock        watermark.Clock
	logger       *slog.Logger
}

func NewRunner(orchestrator *Orchestrator, schedule cron.Schedule, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		orchestrator: orchestrator,
		schedule:     schedule,
		clock:        orchestrator.clock,
		logger:       logger,
	}
}

// Run executes a cycle, then sleeps until the next scheduled time. A failed
// cycle never stops the loop. Run returns nil once ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("runner started")

	for {
		r.orchestrator.RunOnce(ctx)
		if ctx.Err() != nil {
			r.logger.Info("runner stopped")
			return nil
		}

		now := r.clock.Now()
		next := r.schedule.Next(now)
		wait := next.Sub(now)
		if wait < 0 {
			wait = 0
		}
		r.logger.Info("waiting for next cycle", "next", next, "wait", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info("runner stopped")
			return nil
		case <-timer.C:
		}
	}
}
