// Package watermark tracks, per client, how far logs have been analyzed.
//
// Watermarks are append-only: every advance writes a new record and the
// effective watermark is the record with the greatest LastProcessed. A client
// with no record, or whose records cannot be read, starts from
// now - InitialLookback.
package watermark

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/livinlefevreloca/logwarden/internal/model"
)

// Backend persists watermark records. Implementations must never update or
// delete existing records.
type Backend interface {
	// Latest returns the record with the greatest LastProcessed for the client.
	// ok is false when the client has never been recorded.
	Latest(ctx context.Context, clientID string) (wm model.ClientWatermark, ok bool, err error)
	Append(ctx context.Context, wm model.ClientWatermark) error
}

// Clock abstracts time for testing
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using actual system time
type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}

// Config holds watermark settings
type Config struct {
	InitialLookback time.Duration `toml:"initial_lookback" yaml:"initial_lookback"`
}

// DefaultConfig returns the default watermark configuration
func DefaultConfig() Config {
	return Config{
		InitialLookback: time.Hour,
	}
}

// Store reads and advances client watermarks
type Store struct {
	backend Backend
	config  Config
	clock   Clock
	logger  *slog.Logger
}

// New creates a watermark store
func New(backend Backend, config Config, clock Clock, logger *slog.Logger) *Store {
	if clock == nil {
		clock = RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend: backend,
		config:  config,
		clock:   clock,
		logger:  logger,
	}
}

// Read returns the start of the next analysis window for a client.
// It never fails: missing, unreadable or malformed state falls back to
// now - InitialLookback.
func (s *Store) Read(ctx context.Context, clientID string) time.Time {
	wm, ok, err := s.backend.Latest(ctx, clientID)
	switch {
	case err != nil:
		fallback := s.fallback()
		s.logger.Warn("failed to read watermark, using initial lookback",
			"client_id", clientID,
			"fallback", fallback,
			"error", err)
		return fallback
	case !ok:
		fallback := s.fallback()
		s.logger.Info("no watermark recorded, using initial lookback",
			"client_id", clientID,
			"fallback", fallback)
		return fallback
	case wm.LastProcessed.IsZero():
		fallback := s.fallback()
		s.logger.Warn("malformed watermark record, using initial lookback",
			"client_id", clientID,
			"fallback", fallback)
		return fallback
	}

	s.logger.Debug("watermark read", "client_id", clientID, "last_processed", wm.LastProcessed)
	return wm.LastProcessed.UTC()
}

// Advance records that logs before ts have been processed for clientID
func (s *Store) Advance(ctx context.Context, clientID string, ts time.Time) error {
	return s.AdvanceWithStatus(ctx, clientID, ts, model.WatermarkCompleted)
}

// AdvanceWithStatus records an advance tagged with the outcome of the cycle
func (s *Store) AdvanceWithStatus(ctx context.Context, clientID string, ts time.Time, status model.WatermarkStatus) error {
	wm := model.ClientWatermark{
		ClientID:      clientID,
		LastProcessed: ts.UTC().Truncate(time.Millisecond),
		RecordedAt:    s.clock.Now().UTC().Truncate(time.Millisecond),
		Status:        status,
	}

	if err := s.backend.Append(ctx, wm); err != nil {
		return fmt.Errorf("append watermark for %s: %w", clientID, err)
	}

	s.logger.Info("watermark advanced",
		"client_id", clientID,
		"last_processed", wm.LastProcessed,
		"status", status)
	return nil
}

func (s *Store) fallback() time.Time {
	return s.clock.Now().UTC().Add(-s.config.InitialLookback).Truncate(time.Millisecond)
}
