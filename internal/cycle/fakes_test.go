package cycle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/livinlefevreloca/logwarden/internal/logstore"
	"github.com/livinlefevreloca/logwarden/internal/model"
)

// fakeLogStore serves canned logs per client and records each fetch
type fakeLogStore struct {
	mu          sync.Mutex
	clients     []string
	logs        map[string][]model.LogRecord
	discoverErr error
	fetchErr    map[string]error
	fetchPanic  map[string]string
	fetches     []logstore.FetchParams
	onFetch     func(params logstore.FetchParams)
	blockFetch  bool
}

func newFakeLogStore(clients ...string) *fakeLogStore {
	return &fakeLogStore{
		clients:    clients,
		logs:       make(map[string][]model.LogRecord),
		fetchErr:   make(map[string]error),
		fetchPanic: make(map[string]string),
	}
}

func (f *fakeLogStore) AddLog(clientID string, ts time.Time, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, _ := json.Marshal(map[string]any{
		"message": message,
		"host":    map[string]any{"name": clientID},
	})
	f.logs[clientID] = append(f.logs[clientID], model.LogRecord{
		Timestamp: ts,
		Message:   message,
		Raw:       raw,
	})
}

func (f *fakeLogStore) SetClients(clients ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients = clients
}

func (f *fakeLogStore) SetDiscoverError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discoverErr = err
}

func (f *fakeLogStore) SetFetchError(clientID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr[clientID] = err
}

func (f *fakeLogStore) SetFetchPanic(clientID, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchPanic[clientID] = msg
}

// BlockFetch makes fetches wait for their context to end
func (f *fakeLogStore) BlockFetch() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockFetch = true
}

func (f *fakeLogStore) ListActiveClients(_ context.Context, _ time.Duration) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.discoverErr != nil {
		return nil, f.discoverErr
	}
	return append([]string(nil), f.clients...), nil
}

func (f *fakeLogStore) FetchBatch(ctx context.Context, params logstore.FetchParams) ([]model.LogRecord, error) {
	f.mu.Lock()
	f.fetches = append(f.fetches, params)
	onFetch := f.onFetch
	panicMsg := f.fetchPanic[params.ClientID]
	err := f.fetchErr[params.ClientID]
	block := f.blockFetch
	var records []model.LogRecord
	for _, r := range f.logs[params.ClientID] {
		if !r.Timestamp.Before(params.Since) && r.Timestamp.Before(params.Until) {
			records = append(records, r)
		}
	}
	f.mu.Unlock()

	if onFetch != nil {
		onFetch(params)
	}
	if panicMsg != "" {
		panic(panicMsg)
	}
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if params.Limit > 0 && len(records) > params.Limit {
		records = records[:params.Limit]
	}
	return records, nil
}

func (f *fakeLogStore) Fetches() []logstore.FetchParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]logstore.FetchParams(nil), f.fetches...)
}

// FetchesFor returns the fetches made for one client
func (f *fakeLogStore) FetchesFor(clientID string) []logstore.FetchParams {
	result := make([]logstore.FetchParams, 0)
	for _, p := range f.Fetches() {
		if p.ClientID == clientID {
			result = append(result, p)
		}
	}
	return result
}

// memoryRecorder captures cycle reports
type memoryRecorder struct {
	mu      sync.Mutex
	reports []model.CycleReport
}

func (m *memoryRecorder) RecordCycle(_ context.Context, report model.CycleReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, report)
	return nil
}

func (m *memoryRecorder) Reports() []model.CycleReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.CycleReport(nil), m.reports...)
}

// sequentialIDs returns deterministic IDs
func sequentialIDs() func() string {
	var (
		mu sync.Mutex
		n  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%d", n)
	}
}
