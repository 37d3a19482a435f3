// Package processor turns raw log records into summarizer input and result metadata.
package processor

import (
	"sort"
	"strings"

	"github.com/livinlefevreloca/logwarden/internal/model"
	"github.com/tidwall/gjson"
)

// EmptyBatchText is submitted when a batch carries no usable messages
const EmptyBatchText = "No log messages provided."

// SampleSize bounds the raw message sample kept on each result
const SampleSize = 5

// TimestampLayout renders timestamps with millisecond precision
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Log type fields, in order of preference
var logTypePaths = []string{"event.module", "fileset.name", "agent.type"}

// FormatForSummary renders records as one "[timestamp] message" line each.
// Blank messages are skipped.
func FormatForSummary(records []model.LogRecord) string {
	lines := make([]string, 0, len(records))
	for _, r := range records {
		msg := strings.TrimSpace(r.Message)
		if msg == "" {
			continue
		}
		lines = append(lines, "["+formatTimestamp(r)+"] "+msg)
	}

	if len(lines) == 0 {
		return EmptyBatchText
	}
	return strings.Join(lines, "\n")
}

// ExtractMetadata collects distinct hosts and log types plus a small message sample
func ExtractMetadata(records []model.LogRecord) model.Metadata {
	hosts := make(map[string]struct{})
	logTypes := make(map[string]struct{})
	sample := make([]string, 0, SampleSize)

	for _, r := range records {
		doc := gjson.ParseBytes(r.Raw)

		if host := doc.Get("host.name"); host.Exists() && host.String() != "" {
			hosts[host.String()] = struct{}{}
		}

		for _, path := range logTypePaths {
			if v := doc.Get(path); v.Exists() {
				logTypes[v.String()] = struct{}{}
				break
			}
		}

		if len(sample) < SampleSize {
			sample = append(sample, r.Message)
		}
	}

	return model.Metadata{
		SourceHosts:      sortedKeys(hosts),
		SourceLogTypes:   sortedKeys(logTypes),
		RawLogsSample:    sample,
		AnalyzedLogCount: len(records),
	}
}

func formatTimestamp(r model.LogRecord) string {
	if r.Timestamp.IsZero() {
		return "N/A"
	}
	return r.Timestamp.UTC().Format(TimestampLayout)
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
