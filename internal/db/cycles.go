package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/livinlefevreloca/logwarden/internal/model"
)

// CreateCycleRun persists a cycle report
func (db *DB) CreateCycleRun(ctx context.Context, report model.CycleReport) error {
	query := `
		INSERT INTO cycle_runs (
			cycle_id, started_at_ms, global_end_ms, duration_us, discovered, processed,
			skipped, results_written, alerts_sent, failures, error
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var errMsg *string
	if report.Err != nil {
		msg := report.Err.Error()
		errMsg = &msg
	}

	_, err := db.ExecContext(ctx, query,
		report.CycleID,
		toMillis(report.StartedAt),
		toMillis(report.GlobalEndTime),
		report.Duration.Microseconds(),
		report.Discovered,
		report.Processed,
		report.Skipped,
		report.ResultsWritten,
		report.AlertsSent,
		report.Failures,
		errMsg,
	)

	return err
}

// RecordCycle satisfies the cycle recorder interface
func (db *DB) RecordCycle(ctx context.Context, report model.CycleReport) error {
	return db.CreateCycleRun(ctx, report)
}

// ListCycleRuns returns the most recent cycle runs, newest first
func (db *DB) ListCycleRuns(ctx context.Context, limit int) ([]CycleRun, error) {
	query := `
		SELECT cycle_id, started_at_ms, global_end_ms, duration_us, discovered, processed,
			skipped, results_written, alerts_sent, failures, error
		FROM cycle_runs
		ORDER BY started_at_ms DESC
		LIMIT ?
	`
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []CycleRun
	for rows.Next() {
		var (
			run               CycleRun
			startMs, globalMs int64
			durationUs        int64
			errMsg            sql.NullString
		)
		err := rows.Scan(
			&run.CycleID,
			&startMs,
			&globalMs,
			&durationUs,
			&run.Discovered,
			&run.Processed,
			&run.Skipped,
			&run.ResultsWritten,
			&run.AlertsSent,
			&run.Failures,
			&errMsg,
		)
		if err != nil {
			return nil, err
		}

		run.StartedAt = fromMillis(startMs)
		run.GlobalEndTime = fromMillis(globalMs)
		run.Duration = time.Duration(durationUs) * time.Microsecond
		if errMsg.Valid {
			run.Error = &errMsg.String
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}
