package model

import (
	"encoding/json"
	"time"
)

// WatermarkStatus is the outcome of the cycle that produced a watermark record
type WatermarkStatus string

const (
	WatermarkCompleted   WatermarkStatus = "completed"
	WatermarkFetchFailed WatermarkStatus = "fetch_failed"
	WatermarkTimedOut    WatermarkStatus = "timed_out"
)

// ResultStatus describes how an analysis result was produced
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultDegraded  ResultStatus = "degraded" // summarizer failed, summary holds the failure text
)

// ScriptName identifies this analyzer in stored result documents
const ScriptName = "logwarden"

// ClientWatermark records how far a client's logs have been analyzed.
// Records are append-only; the effective watermark for a client is the
// record with the greatest LastProcessed.
type ClientWatermark struct {
	ClientID      string          `json:"client_id"`
	LastProcessed time.Time       `json:"last_processed_timestamp"`
	RecordedAt    time.Time       `json:"analysis_timestamp"`
	Status        WatermarkStatus `json:"status"`
}

// LogRecord is a single relevant log entry returned by a log store
type LogRecord struct {
	Timestamp time.Time
	Message   string

	// Raw is the full source document, used for metadata extraction
	Raw json.RawMessage
}

// Metadata is derived from a batch of log records
type Metadata struct {
	SourceHosts      []string `json:"source_hosts"`
	SourceLogTypes   []string `json:"source_log_types"`
	RawLogsSample    []string `json:"raw_logs_sample"`
	AnalyzedLogCount int      `json:"analyzed_log_count"`
}

// AnalysisResult is the persisted output of analyzing one client's batch in one cycle
type AnalysisResult struct {
	ID          string       `json:"id"`
	CycleID     string       `json:"cycle_id"`
	ClientID    string       `json:"client_id"`
	WindowStart time.Time    `json:"analysis_start_time"`
	WindowEnd   time.Time    `json:"analysis_end_time"`
	AnalyzedAt  time.Time    `json:"@timestamp"`
	Summary     string       `json:"ia_analysis_summary"`
	Status      ResultStatus `json:"status"`
	Severity    string       `json:"severity,omitempty"`
	Truncated   bool         `json:"truncated"`
	ScriptName  string       `json:"script_name"`
	Metadata
}

// CycleReport summarizes one sweep over the active clients
type CycleReport struct {
	CycleID       string
	StartedAt     time.Time
	GlobalEndTime time.Time
	Duration      time.Duration

	Discovered     int
	Processed      int
	Skipped        int
	ResultsWritten int
	AlertsSent     int
	Failures       int

	// Err is set when the cycle was aborted
	Err error
}

// Aborted reports whether the cycle ended early on a cycle-fatal error
func (r CycleReport) Aborted() bool {
	return r.Err != nil
}
