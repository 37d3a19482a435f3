package db

import "time"

// CycleRun is a persisted cycle report
type CycleRun struct {
	CycleID        string
	StartedAt      time.Time
	GlobalEndTime  time.Time
	Duration       time.Duration
	Discovered     int
	Processed      int
	Skipped        int
	ResultsWritten int
	AlertsSent     int
	Failures       int
	Error          *string // set when the cycle was aborted
}

// ResultFilter narrows ListAnalysisResults
type ResultFilter struct {
	ClientID string
	Limit    int
}
