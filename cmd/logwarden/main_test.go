package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/livinlefevreloca/logwarden/internal/db"
	"github.com/livinlefevreloca/logwarden/internal/model"
	"github.com/livinlefevreloca/logwarden/internal/summarizer"
)

// writeSQLiteConfig writes a config using a file-backed sqlite state store
func writeSQLiteConfig(t *testing.T, extra ...string) (configPath, dsn string) {
	t.Helper()
	dir := t.TempDir()
	dsn = filepath.Join(dir, "state.db")
	content := `
[state]
backend = "sqlite"

[state.database]
driver = "sqlite"
dsn = "` + dsn + `"
` + strings.Join(extra, "\n") + `

[logging]
level = "error"
`
	return writeConfig(t, dir, content), dsn
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	for _, name := range []string{"ES_HOST", "GEMINI_API_KEY", "ENABLE_EMAIL_NOTIFICATIONS", "MAX_LOGS_PER_BATCH"} {
		t.Setenv(name, "")
	}
	configPath := filepath.Join(dir, "logwarden.toml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
	return configPath
}

// failingCluster is an Elasticsearch stand-in where the state indices are
// missing and cannot be created. Searches return no hits.
func failingCluster(t *testing.T) (url string, creates func() int) {
	t.Helper()
	var (
		mu sync.Mutex
		n  int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPut:
			mu.Lock()
			n++
			mu.Unlock()
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":{"type":"internal_server_error","reason":"disk full"},"status":500}`))
		case strings.HasSuffix(r.URL.Path, "/_search"):
			_, _ = w.Write([]byte(`{"hits":{"total":{"value":0},"hits":[]},"aggregations":{"clients":{"buckets":[]}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"type":"not_found"},"status":404}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv.URL, func() int {
		mu.Lock()
		defer mu.Unlock()
		return n
	}
}

func writeElasticsearchConfig(t *testing.T, url string) string {
	t.Helper()
	return writeConfig(t, t.TempDir(), `
[elasticsearch]
addresses = ["`+url+`"]

[state]
backend = "elasticsearch"

[logging]
level = "info"
format = "text"
`)
}

// syncBuffer lets a test read log output while the command still writes it
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestMigrate_SQLite(t *testing.T) {
	configPath, dsn := writeSQLiteConfig(t)

	out, err := execute(t, "migrate", "--config", configPath)
	if err != nil {
		t.Fatalf("migrate error: %v", err)
	}
	if !strings.Contains(out, "sqlite state ready") {
		t.Errorf("output = %q", out)
	}

	database, err := db.Open(db.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer database.Close()
	version, err := database.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion error: %v", err)
	}
	if version != 3 {
		t.Errorf("schema version = %d, want 3", version)
	}
}

func TestWatermark_PrintsStoredValue(t *testing.T) {
	configPath, dsn := writeSQLiteConfig(t)
	if _, err := execute(t, "migrate", "--config", configPath); err != nil {
		t.Fatalf("migrate error: %v", err)
	}

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	database, err := db.Open(db.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	for _, offset := range []time.Duration{0, -time.Minute} {
		err := database.AppendWatermark(context.Background(), model.ClientWatermark{
			ClientID:      "host-7",
			LastProcessed: ts.Add(offset),
		})
		if err != nil {
			t.Fatalf("AppendWatermark error: %v", err)
		}
	}
	database.Close()

	out, err := execute(t, "watermark", "host-7", "--history", "--config", configPath)
	if err != nil {
		t.Fatalf("watermark error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected stored watermark plus 2 records, got %q", out)
	}
	if lines[0] != "host-7\t2024-03-01T12:00:00Z" {
		t.Errorf("first line = %q", lines[0])
	}
}

func TestWatermark_RequiresClientID(t *testing.T) {
	configPath, _ := writeSQLiteConfig(t)
	if _, err := execute(t, "watermark", "--config", configPath); err == nil {
		t.Error("expected argument error")
	}
}

func TestOnce_MissingAPIKey(t *testing.T) {
	configPath, _ := writeSQLiteConfig(t)

	_, err := execute(t, "once", "--config", configPath)
	if err == nil {
		t.Fatal("expected error without an API key")
	}
	if !errors.Is(err, summarizer.ErrNoAPIKey) {
		t.Errorf("error = %v, want ErrNoAPIKey", err)
	}
}

func TestInvalidConfig(t *testing.T) {
	configPath, _ := writeSQLiteConfig(t)
	t.Setenv("MAX_LOGS_PER_BATCH", "0")

	if _, err := execute(t, "migrate", "--config", configPath); err == nil {
		t.Error("expected validation error")
	}
}

func TestWatermark_UnseenClient(t *testing.T) {
	configPath, _ := writeSQLiteConfig(t)

	out, err := execute(t, "watermark", "host-9", "--config", configPath)
	if err != nil {
		t.Fatalf("watermark error: %v", err)
	}
	if strings.TrimSpace(out) != "host-9\tunseen" {
		t.Errorf("output = %q, want the client marked unseen", out)
	}
}

func TestWatermark_ReadErrorIsReported(t *testing.T) {
	// Without migrations the watermark table does not exist
	configPath, _ := writeSQLiteConfig(t, "skip_migrations = true")

	out, err := execute(t, "watermark", "host-9", "--config", configPath)
	if err == nil {
		t.Fatalf("expected read error, got output %q", out)
	}
	if !strings.Contains(err.Error(), "read watermark for host-9") {
		t.Errorf("error = %v", err)
	}
	if out != "" {
		t.Errorf("nothing should be printed on a read error, got %q", out)
	}
}

func TestResults_ListsNewestFirst(t *testing.T) {
	configPath, dsn := writeSQLiteConfig(t)
	if _, err := execute(t, "migrate", "--config", configPath); err != nil {
		t.Fatalf("migrate error: %v", err)
	}

	database, err := db.Open(db.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, r := range []model.AnalysisResult{
		{ID: "r-1", ClientID: "host-1", Summary: "quiet", Status: model.ResultCompleted},
		{ID: "r-2", ClientID: "host-1", Summary: "disk errors\nmore detail", Status: model.ResultCompleted, Severity: "high"},
		{ID: "r-3", ClientID: "host-2", Summary: "other host", Status: model.ResultCompleted},
	} {
		r.AnalyzedAt = base.Add(time.Duration(i) * time.Minute)
		r.WindowStart = r.AnalyzedAt.Add(-5 * time.Minute)
		r.WindowEnd = r.AnalyzedAt
		if err := database.StoreResult(context.Background(), r); err != nil {
			t.Fatalf("StoreResult error: %v", err)
		}
	}
	database.Close()

	out, err := execute(t, "results", "--client", "host-1", "--config", configPath)
	if err != nil {
		t.Fatalf("results error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 results for host-1, got %q", out)
	}
	if lines[0] != "2024-03-01T12:01:00Z\thost-1\tcompleted\thigh\tr-2\tdisk errors" {
		t.Errorf("first line = %q", lines[0])
	}
	if !strings.HasSuffix(lines[1], "\t-\tr-1\tquiet") {
		t.Errorf("second line = %q", lines[1])
	}

	out, err = execute(t, "results", "-n", "1", "--config", configPath)
	if err != nil {
		t.Fatalf("results error: %v", err)
	}
	if n := len(strings.Split(strings.TrimSpace(out), "\n")); n != 1 {
		t.Errorf("--limit 1 printed %d lines: %q", n, out)
	}
}

func TestCycles_ListsRecent(t *testing.T) {
	configPath, dsn := writeSQLiteConfig(t)
	if _, err := execute(t, "migrate", "--config", configPath); err != nil {
		t.Fatalf("migrate error: %v", err)
	}

	database, err := db.Open(db.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	reports := []model.CycleReport{
		{CycleID: "cycle-1", StartedAt: started, GlobalEndTime: started, Duration: 2 * time.Second, Discovered: 2, Processed: 2},
		{CycleID: "cycle-2", StartedAt: started.Add(5 * time.Minute), GlobalEndTime: started.Add(5 * time.Minute), Err: errors.New("discovery failed")},
	}
	for _, report := range reports {
		if err := database.RecordCycle(context.Background(), report); err != nil {
			t.Fatalf("RecordCycle error: %v", err)
		}
	}
	database.Close()

	out, err := execute(t, "cycles", "--config", configPath)
	if err != nil {
		t.Fatalf("cycles error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 cycles, got %q", out)
	}
	if !strings.HasPrefix(lines[0], "2024-03-01T12:05:00Z\tcycle-2\t") || !strings.HasSuffix(lines[0], "\taborted: discovery failed") {
		t.Errorf("first line = %q", lines[0])
	}
	if !strings.Contains(lines[1], "discovered=2 processed=2") || strings.Contains(lines[1], "aborted") {
		t.Errorf("second line = %q", lines[1])
	}
}

func TestResults_RequiresSQLite(t *testing.T) {
	url, _ := failingCluster(t)
	configPath := writeElasticsearchConfig(t, url)

	_, err := execute(t, "results", "--config", configPath)
	if err == nil || !strings.Contains(err.Error(), "requires the sqlite state backend") {
		t.Errorf("error = %v", err)
	}
}

func TestMigrate_IndexCreateFailureIsFatal(t *testing.T) {
	url, creates := failingCluster(t)
	configPath := writeElasticsearchConfig(t, url)

	_, err := execute(t, "migrate", "--config", configPath)
	if err == nil {
		t.Fatal("migrate must fail when the indices cannot be created")
	}
	if !strings.Contains(err.Error(), "ensure indices") {
		t.Errorf("error = %v", err)
	}
	if creates() == 0 {
		t.Error("expected an index create request")
	}
}

func TestWatermark_ContinuesWhenIndexCreateFails(t *testing.T) {
	url, _ := failingCluster(t)
	configPath := writeElasticsearchConfig(t, url)

	out, err := execute(t, "watermark", "host-1", "--config", configPath)
	if err != nil {
		t.Fatalf("watermark error: %v", err)
	}
	if strings.TrimSpace(out) != "host-1\tunseen" {
		t.Errorf("output = %q", out)
	}
}

func TestRun_ContinuesWhenIndexCreateFails(t *testing.T) {
	url, creates := failingCluster(t)
	configPath := writeElasticsearchConfig(t, url)
	t.Setenv("GEMINI_API_KEY", "test-key")

	var logs syncBuffer
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&logs)
	cmd.SetArgs([]string{"run", "--config", configPath})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	deadline := time.After(10 * time.Second)
	for !strings.Contains(logs.String(), "waiting for next cycle") {
		select {
		case err := <-done:
			t.Fatalf("run exited before its first cycle completed: %v\n%s", err, logs.String())
		case <-deadline:
			t.Fatalf("timeout waiting for the first cycle\n%s", logs.String())
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run error: %v", err)
	}
	if creates() == 0 {
		t.Error("expected an index create request")
	}
	if !strings.Contains(logs.String(), "failed to ensure indices, continuing") {
		t.Errorf("expected the ensure failure to be logged\n%s", logs.String())
	}
}
