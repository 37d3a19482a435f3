package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/livinlefevreloca/logwarden/internal/model"
)

// CreateAnalysisResult inserts a new analysis result
func (db *DB) CreateAnalysisResult(ctx context.Context, r model.AnalysisResult) error {
	query := `
		INSERT INTO analysis_results (
			id, cycle_id, client_id, window_start_ms, window_end_ms, analyzed_at_ms,
			summary, status, severity, truncated, script_name, analyzed_log_count,
			source_hosts, source_log_types, raw_logs_sample
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	hosts, err := encodeList(r.SourceHosts)
	if err != nil {
		return err
	}
	logTypes, err := encodeList(r.SourceLogTypes)
	if err != nil {
		return err
	}
	sample, err := encodeList(r.RawLogsSample)
	if err != nil {
		return err
	}

	var severity *string
	if r.Severity != "" {
		severity = &r.Severity
	}

	_, err = db.ExecContext(ctx, query,
		r.ID,
		r.CycleID,
		r.ClientID,
		toMillis(r.WindowStart),
		toMillis(r.WindowEnd),
		toMillis(r.AnalyzedAt),
		r.Summary,
		string(r.Status),
		severity,
		r.Truncated,
		r.ScriptName,
		r.AnalyzedLogCount,
		hosts,
		logTypes,
		sample,
	)

	return err
}

// StoreResult satisfies the result sink interface. Storing a result whose
// ID already exists is a no-op, so a retried write does not fail the client.
func (db *DB) StoreResult(ctx context.Context, r model.AnalysisResult) error {
	if err := db.CreateAnalysisResult(ctx, r); err != nil && !IsDuplicate(err) {
		return err
	}
	return nil
}

// ListAnalysisResults returns results newest first, optionally for one client
func (db *DB) ListAnalysisResults(ctx context.Context, filter ResultFilter) ([]model.AnalysisResult, error) {
	query := `
		SELECT id, cycle_id, client_id, window_start_ms, window_end_ms, analyzed_at_ms,
			summary, status, severity, truncated, script_name, analyzed_log_count,
			source_hosts, source_log_types, raw_logs_sample
		FROM analysis_results
	`
	var args []any
	if filter.ClientID != "" {
		query += " WHERE client_id = ?"
		args = append(args, filter.ClientID)
	}
	query += " ORDER BY analyzed_at_ms DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []model.AnalysisResult
	for rows.Next() {
		var (
			r                       model.AnalysisResult
			startMs, endMs, atMs    int64
			status                  string
			severity                sql.NullString
			hosts, logTypes, sample string
		)
		err := rows.Scan(
			&r.ID,
			&r.CycleID,
			&r.ClientID,
			&startMs,
			&endMs,
			&atMs,
			&r.Summary,
			&status,
			&severity,
			&r.Truncated,
			&r.ScriptName,
			&r.AnalyzedLogCount,
			&hosts,
			&logTypes,
			&sample,
		)
		if err != nil {
			return nil, err
		}

		r.WindowStart = fromMillis(startMs)
		r.WindowEnd = fromMillis(endMs)
		r.AnalyzedAt = fromMillis(atMs)
		r.Status = model.ResultStatus(status)
		r.Severity = severity.String
		if err := decodeList(hosts, &r.SourceHosts); err != nil {
			return nil, err
		}
		if err := decodeList(logTypes, &r.SourceLogTypes); err != nil {
			return nil, err
		}
		if err := decodeList(sample, &r.RawLogsSample); err != nil {
			return nil, err
		}

		results = append(results, r)
	}

	return results, rows.Err()
}

func encodeList(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("encode list: %w", err)
	}
	return string(b), nil
}

func decodeList(raw string, dst *[]string) error {
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("decode list: %w", err)
	}
	return nil
}
