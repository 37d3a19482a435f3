package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/livinlefevreloca/logwarden/internal/model"
)

// MemoryWatermarks is an in-memory append-only watermark backend
type MemoryWatermarks struct {
	mu         sync.Mutex
	records    []model.ClientWatermark
	readError  error
	writeError error
	reads      int
}

func NewMemoryWatermarks() *MemoryWatermarks {
	return &MemoryWatermarks{
		records: make([]model.ClientWatermark, 0),
	}
}

func (m *MemoryWatermarks) SetReadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readError = err
}

func (m *MemoryWatermarks) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeError = err
}

// Seed appends records without going through the store
func (m *MemoryWatermarks) Seed(records ...model.ClientWatermark) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
}

func (m *MemoryWatermarks) Latest(_ context.Context, clientID string) (model.ClientWatermark, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++

	if m.readError != nil {
		return model.ClientWatermark{}, false, m.readError
	}

	var (
		latest model.ClientWatermark
		found  bool
	)
	for _, r := range m.records {
		if r.ClientID != clientID {
			continue
		}
		if !found || r.LastProcessed.After(latest.LastProcessed) {
			latest = r
			found = true
		}
	}
	return latest, found, nil
}

func (m *MemoryWatermarks) Append(_ context.Context, wm model.ClientWatermark) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writeError != nil {
		return m.writeError
	}
	m.records = append(m.records, wm)
	return nil
}

// History returns the records for a client in append order
func (m *MemoryWatermarks) History(clientID string) []model.ClientWatermark {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]model.ClientWatermark, 0)
	for _, r := range m.records {
		if r.ClientID == clientID {
			result = append(result, r)
		}
	}
	return result
}

func (m *MemoryWatermarks) CountRecords() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *MemoryWatermarks) CountReads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// StubSummarizer returns canned summaries and records every request
type StubSummarizer struct {
	mu        sync.Mutex
	summaries map[string]string // keyed by a substring of the submitted text
	fallback  string
	err       error
	panicMsg  string
	requests  []string
}

func NewStubSummarizer(fallback string) *StubSummarizer {
	return &StubSummarizer{
		summaries: make(map[string]string),
		fallback:  fallback,
	}
}

// RespondTo returns summary whenever the submitted text contains marker
func (s *StubSummarizer) RespondTo(marker, summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[marker] = summary
}

func (s *StubSummarizer) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// SetPanic makes the next calls panic with msg
func (s *StubSummarizer) SetPanic(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.panicMsg = msg
}

func (s *StubSummarizer) Summarize(ctx context.Context, prompt, text string) (string, error) {
	s.mu.Lock()
	s.requests = append(s.requests, text)
	err := s.err
	panicMsg := s.panicMsg
	markers := make([]string, 0, len(s.summaries))
	for marker := range s.summaries {
		markers = append(markers, marker)
	}
	sort.Strings(markers)
	summaries := s.summaries
	s.mu.Unlock()

	if panicMsg != "" {
		panic(panicMsg)
	}
	if err != nil {
		return "", err
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	for _, marker := range markers {
		if strings.Contains(strings.ToLower(text), strings.ToLower(marker)) {
			return summaries[marker], nil
		}
	}
	return s.fallback, nil
}

func (s *StubSummarizer) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]string, len(s.requests))
	copy(result, s.requests)
	return result
}

// Notification is a captured notifier call
type Notification struct {
	Subject string
	Body    string
}

// RecordingNotifier captures notifications
type RecordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func NewRecordingNotifier() *RecordingNotifier {
	return &RecordingNotifier{
		sent: make([]Notification, 0),
	}
}

func (n *RecordingNotifier) SetError(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

func (n *RecordingNotifier) Notify(_ context.Context, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	// Recorded even on error so tests can assert attempts
	n.sent = append(n.sent, Notification{Subject: subject, Body: body})
	return n.err
}

func (n *RecordingNotifier) Sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()

	result := make([]Notification, len(n.sent))
	copy(result, n.sent)
	return result
}

// MemoryResultSink stores analysis results in memory
type MemoryResultSink struct {
	mu      sync.Mutex
	results []model.AnalysisResult
	err     error
}

func NewMemoryResultSink() *MemoryResultSink {
	return &MemoryResultSink{
		results: make([]model.AnalysisResult, 0),
	}
}

func (s *MemoryResultSink) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *MemoryResultSink) StoreResult(_ context.Context, r model.AnalysisResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	s.results = append(s.results, r)
	return nil
}

func (s *MemoryResultSink) Results() []model.AnalysisResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]model.AnalysisResult, len(s.results))
	copy(result, s.results)
	return result
}

// ResultsFor returns the stored results for one client
func (s *MemoryResultSink) ResultsFor(clientID string) []model.AnalysisResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]model.AnalysisResult, 0)
	for _, r := range s.results {
		if r.ClientID == clientID {
			result = append(result, r)
		}
	}
	return result
}

// MockClock provides controllable time for testing
type MockClock struct {
	mu      sync.Mutex
	current time.Time
}

func NewMockClock(start time.Time) *MockClock {
	return &MockClock{
		current: start,
	}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.current.Add(d)
}

func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = t
}

// TestLogger provides a logger that captures logs for testing
type TestLogger struct {
	mu      sync.Mutex
	entries []LogEntry
}

type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]interface{}
}

func NewTestLogger() *TestLogger {
	return &TestLogger{
		entries: make([]LogEntry, 0),
	}
}

func (l *TestLogger) log(level, msg string, fields ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := LogEntry{
		Level:   level,
		Message: msg,
		Fields:  make(map[string]interface{}),
	}

	for i := 0; i < len(fields); i += 2 {
		if i+1 < len(fields) {
			key := fmt.Sprintf("%v", fields[i])
			entry.Fields[key] = fields[i+1]
		}
	}

	l.entries = append(l.entries, entry)
}

func (l *TestLogger) GetEntries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]LogEntry, len(l.entries))
	copy(result, l.entries)
	return result
}

func (l *TestLogger) GetEntriesByLevel(level string) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]LogEntry, 0)
	for _, entry := range l.entries {
		if entry.Level == level {
			result = append(result, entry)
		}
	}
	return result
}

// HasMessage reports whether any entry at level carries msg
func (l *TestLogger) HasMessage(level, msg string) bool {
	for _, entry := range l.GetEntriesByLevel(level) {
		if entry.Message == msg {
			return true
		}
	}
	return false
}

func (l *TestLogger) HasError() bool {
	return len(l.GetEntriesByLevel("ERROR")) > 0
}

func (l *TestLogger) HasWarning() bool {
	return len(l.GetEntriesByLevel("WARN")) > 0
}

// Logger returns a *slog.Logger that writes to this TestLogger
func (l *TestLogger) Logger() *slog.Logger {
	return slog.New(&testLogHandler{logger: l})
}

// testLogHandler implements slog.Handler for TestLogger
type testLogHandler struct {
	logger *TestLogger
	attrs  []slog.Attr
}

func (h *testLogHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func (h *testLogHandler) Handle(_ context.Context, r slog.Record) error {
	fields := make([]interface{}, 0, (r.NumAttrs()+len(h.attrs))*2)
	r.Attrs(func(a slog.Attr) bool {
		fields = append(fields, a.Key, a.Value.Any())
		return true
	})

	// Add handler-level attributes
	for _, attr := range h.attrs {
		fields = append(fields, attr.Key, attr.Value.Any())
	}

	h.logger.log(r.Level.String(), r.Message, fields...)
	return nil
}

func (h *testLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)
	return &testLogHandler{
		logger: h.logger,
		attrs:  newAttrs,
	}
}

func (h *testLogHandler) WithGroup(_ string) slog.Handler {
	return h
}

// WaitFor waits for a condition to be true with timeout
func WaitFor(t TestingT, condition func() bool, timeout time.Duration, msgAndArgs ...interface{}) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return true
		}

		<-ticker.C
		if time.Now().After(deadline) {
			t.Errorf("timeout waiting for condition: %v", msgAndArgs)
			return false
		}
	}
}

// TestingT is a minimal interface for testing
type TestingT interface {
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}
