// Package logstore reads client logs from, and writes analysis documents to,
// a search-engine cluster.
package logstore

import (
	"context"
	"time"

	"github.com/livinlefevreloca/logwarden/internal/model"
)

// FetchParams selects one client's relevant logs in [Since, Until)
type FetchParams struct {
	ClientID string
	Since    time.Time
	Until    time.Time
	Limit    int
}

// LogStore discovers active clients and fetches their relevant logs
type LogStore interface {
	ListActiveClients(ctx context.Context, lookback time.Duration) ([]string, error)
	FetchBatch(ctx context.Context, params FetchParams) ([]model.LogRecord, error)
}

// ResultSink persists analysis results
type ResultSink interface {
	StoreResult(ctx context.Context, result model.AnalysisResult) error
}

// Config holds cluster connection and index settings
type Config struct {
	Addresses          []string `toml:"addresses" yaml:"addresses"`
	Username           string   `toml:"username" yaml:"username"`
	Password           string   `toml:"password" yaml:"password"`
	APIKey             string   `toml:"api_key" yaml:"api_key"`
	InsecureSkipVerify bool     `toml:"insecure_skip_verify" yaml:"insecure_skip_verify"`

	LogIndexPattern string `toml:"log_index_pattern" yaml:"log_index_pattern"`
	ResultsIndex    string `toml:"results_index" yaml:"results_index"`
	WatermarkIndex  string `toml:"watermark_index" yaml:"watermark_index"`
	ClientIDField   string `toml:"client_id_field" yaml:"client_id_field"`
	MaxClients      int    `toml:"max_clients" yaml:"max_clients"`
}

// DefaultConfig returns the default index layout
func DefaultConfig() Config {
	return Config{
		Addresses:       []string{"http://localhost:9200"},
		LogIndexPattern: "filebeat-*",
		ResultsIndex:    "ia-analysis-results",
		WatermarkIndex:  "ia-analysis-state",
		ClientIDField:   "host.name.keyword",
		MaxClients:      1000,
	}
}
