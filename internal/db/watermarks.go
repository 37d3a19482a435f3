package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/livinlefevreloca/logwarden/internal/model"
)

// AppendWatermark records a new watermark. Existing rows are never modified.
func (db *DB) AppendWatermark(ctx context.Context, wm model.ClientWatermark) error {
	query := `
		INSERT INTO client_watermarks (client_id, last_processed_ms, recorded_at_ms, status)
		VALUES (?, ?, ?, ?)
	`

	recordedAt := wm.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	status := wm.Status
	if status == "" {
		status = model.WatermarkCompleted
	}

	_, err := db.ExecContext(ctx, query,
		wm.ClientID,
		toMillis(wm.LastProcessed),
		toMillis(recordedAt),
		string(status),
	)

	return err
}

// LatestWatermark returns the record with the greatest last processed time for a client.
// Returns ErrNotFound when the client has never been recorded.
func (db *DB) LatestWatermark(ctx context.Context, clientID string) (model.ClientWatermark, error) {
	query := `
		SELECT client_id, last_processed_ms, recorded_at_ms, status
		FROM client_watermarks
		WHERE client_id = ?
		ORDER BY last_processed_ms DESC, id DESC
		LIMIT 1
	`

	wm, err := scanWatermark(db.QueryRowContext(ctx, query, clientID))
	if err == sql.ErrNoRows {
		return model.ClientWatermark{}, ErrNotFound
	}
	if err != nil {
		return model.ClientWatermark{}, err
	}

	return wm, nil
}

// ListWatermarks returns the full history for a client, newest first
func (db *DB) ListWatermarks(ctx context.Context, clientID string) ([]model.ClientWatermark, error) {
	query := `
		SELECT client_id, last_processed_ms, recorded_at_ms, status
		FROM client_watermarks
		WHERE client_id = ?
		ORDER BY last_processed_ms DESC, id DESC
	`

	rows, err := db.QueryContext(ctx, query, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var watermarks []model.ClientWatermark
	for rows.Next() {
		wm, err := scanWatermark(rows)
		if err != nil {
			return nil, err
		}
		watermarks = append(watermarks, wm)
	}

	return watermarks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWatermark(row rowScanner) (model.ClientWatermark, error) {
	var (
		wm         model.ClientWatermark
		lastMs     int64
		recordedMs int64
		status     string
	)
	if err := row.Scan(&wm.ClientID, &lastMs, &recordedMs, &status); err != nil {
		return model.ClientWatermark{}, err
	}
	wm.LastProcessed = fromMillis(lastMs)
	wm.RecordedAt = fromMillis(recordedMs)
	wm.Status = model.WatermarkStatus(status)
	return wm, nil
}

// WatermarkLog adapts the watermark table to the watermark store backend
type WatermarkLog struct {
	DB *DB
}

// Latest returns the effective watermark and whether one exists
func (w WatermarkLog) Latest(ctx context.Context, clientID string) (model.ClientWatermark, bool, error) {
	wm, err := w.DB.LatestWatermark(ctx, clientID)
	if IsNotFound(err) {
		return model.ClientWatermark{}, false, nil
	}
	if err != nil {
		return model.ClientWatermark{}, false, err
	}
	return wm, true, nil
}

// Append records a new watermark
func (w WatermarkLog) Append(ctx context.Context, wm model.ClientWatermark) error {
	return w.DB.AppendWatermark(ctx, wm)
}
