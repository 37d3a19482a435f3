package processor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/livinlefevreloca/logwarden/internal/model"
	"github.com/stretchr/testify/assert"
)

func record(ts, msg, raw string) model.LogRecord {
	parsed, _ := time.Parse(time.RFC3339Nano, ts)
	return model.LogRecord{Timestamp: parsed, Message: msg, Raw: json.RawMessage(raw)}
}

func TestFormatForSummary(t *testing.T) {
	records := []model.LogRecord{
		record("2024-03-01T10:00:00.000Z", "  disk full on /var  ", `{"@timestamp":"2024-03-01T10:00:00.000Z"}`),
		record("2024-03-01T10:00:01.000Z", "   ", `{}`),
		record("2024-03-01T10:00:02.500Z", "sshd: authentication failure", `{}`),
	}

	got := FormatForSummary(records)

	assert.Equal(t,
		"[2024-03-01T10:00:00.000Z] disk full on /var\n[2024-03-01T10:00:02.500Z] sshd: authentication failure",
		got)
}

func TestFormatForSummary_Empty(t *testing.T) {
	assert.Equal(t, EmptyBatchText, FormatForSummary(nil))
	assert.Equal(t, EmptyBatchText, FormatForSummary([]model.LogRecord{record("", "", `{}`)}))
}

func TestFormatForSummary_MissingTimestamp(t *testing.T) {
	got := FormatForSummary([]model.LogRecord{{Message: "panic", Raw: json.RawMessage(`{}`)}})
	assert.Equal(t, "[N/A] panic", got)
}

func TestExtractMetadata(t *testing.T) {
	records := []model.LogRecord{
		record("", "m1", `{"host":{"name":"web-1"},"event":{"module":"nginx"},"fileset":{"name":"access"}}`),
		record("", "m2", `{"host":{"name":"web-2"},"fileset":{"name":"syslog"}}`),
		record("", "m3", `{"host":{"name":"web-1"},"agent":{"type":"filebeat"}}`),
		record("", "m4", `{}`),
		record("", "m5", `not json`),
		record("", "m6", `{"host":{"name":""}}`),
	}

	md := ExtractMetadata(records)

	assert.Equal(t, []string{"web-1", "web-2"}, md.SourceHosts)
	assert.Equal(t, []string{"filebeat", "nginx", "syslog"}, md.SourceLogTypes)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5"}, md.RawLogsSample)
	assert.Equal(t, 6, md.AnalyzedLogCount)
}

func TestExtractMetadata_Empty(t *testing.T) {
	md := ExtractMetadata(nil)

	assert.Empty(t, md.SourceHosts)
	assert.NotNil(t, md.SourceHosts)
	assert.Empty(t, md.RawLogsSample)
	assert.Zero(t, md.AnalyzedLogCount)
}
