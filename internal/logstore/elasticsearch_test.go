package logstore

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/livinlefevreloca/logwarden/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// =============================================================================
// Test Helpers
// =============================================================================

type esRequest struct {
	Method string
	Path   string
	Query  string
	Body   string
}

// fakeCluster serves canned responses keyed by "METHOD path"
type fakeCluster struct {
	mu        sync.Mutex
	requests  []esRequest
	responses map[string]cannedResponse
}

type cannedResponse struct {
	status int
	body   string
}

func newFakeCluster(t *testing.T) (*fakeCluster, *Elasticsearch) {
	t.Helper()
	fc := &fakeCluster{responses: make(map[string]cannedResponse)}
	fc.responses["GET /"] = cannedResponse{status: 200, body: `{"name":"fake","cluster_name":"test","version":{"number":"8.17.0","build_flavor":"default"},"tagline":"You Know, for Search"}`}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		fc.mu.Lock()
		fc.requests = append(fc.requests, esRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Body:   string(raw),
		})
		resp, ok := fc.responses[r.Method+" "+r.URL.Path]
		fc.mu.Unlock()

		// The v8 client refuses to talk to servers without this header
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"type":"not_found","reason":"no canned response"},"status":404}`))
			return
		}
		w.WriteHeader(resp.status)
		_, _ = w.Write([]byte(resp.body))
	}))
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.Addresses = []string{srv.URL}
	es, err := NewElasticsearch(cfg, nil)
	require.NoError(t, err)
	return fc, es
}

func (fc *fakeCluster) respond(method, path string, status int, body string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.responses[method+" "+path] = cannedResponse{status: status, body: body}
}

func (fc *fakeCluster) requestsTo(method, path string) []esRequest {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	var out []esRequest
	for _, r := range fc.requests {
		if r.Method == method && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// =============================================================================
// Discovery
// =============================================================================

func TestListActiveClients(t *testing.T) {
	fc, es := newFakeCluster(t)
	fc.respond("POST", "/filebeat-*/_search", 200, `{
		"hits": {"total": {"value": 0}, "hits": []},
		"aggregations": {"unique_clients": {"buckets": [
			{"key": "host-1", "doc_count": 10},
			{"key": "host-7", "doc_count": 3}
		]}}
	}`)

	clients, err := es.ListActiveClients(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"host-1", "host-7"}, clients)

	reqs := fc.requestsTo("POST", "/filebeat-*/_search")
	require.Len(t, reqs, 1)
	body := reqs[0].Body
	assert.Equal(t, "host.name.keyword", gjson.Get(body, "aggs.unique_clients.terms.field").String())
	assert.EqualValues(t, 1000, gjson.Get(body, "aggs.unique_clients.terms.size").Int())
	assert.EqualValues(t, 0, gjson.Get(body, "size").Int())
	assert.Contains(t, body, `"range":{"@timestamp":{"gte":"now-86400s","lte":"now"}}`)
}

func TestListActiveClients_NoBuckets(t *testing.T) {
	fc, es := newFakeCluster(t)
	fc.respond("POST", "/filebeat-*/_search", 200,
		`{"hits":{"hits":[]},"aggregations":{"unique_clients":{"buckets":[]}}}`)

	clients, err := es.ListActiveClients(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Empty(t, clients)
}

func TestListActiveClients_ClusterError(t *testing.T) {
	fc, es := newFakeCluster(t)
	fc.respond("POST", "/filebeat-*/_search", 503,
		`{"error":{"type":"cluster_block_exception","reason":"cluster is read only"},"status":503}`)

	_, err := es.ListActiveClients(context.Background(), time.Hour)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cluster is read only")
}

func TestListActiveClients_Unreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addresses = []string{"http://127.0.0.1:1"}
	es, err := NewElasticsearch(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = es.ListActiveClients(ctx, time.Hour)
	assert.Error(t, err)
}

// =============================================================================
// Fetch
// =============================================================================

func TestFetchBatch(t *testing.T) {
	fc, es := newFakeCluster(t)
	fc.respond("POST", "/filebeat-*/_search", 200, `{
		"hits": {"hits": [
			{"_id": "1", "_source": {"@timestamp": "2024-03-01T10:00:00.000Z", "message": "disk full", "host": {"name": "host-7"}}, "sort": [1709287200000]},
			{"_id": "2", "_source": {"@timestamp": "2024-03-01T10:00:01.250Z", "message": "retrying"}}
		]}
	}`)

	since := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	until := time.Date(2024, 3, 1, 10, 5, 0, 123000000, time.UTC)
	records, err := es.FetchBatch(context.Background(), FetchParams{
		ClientID: "host-7",
		Since:    since,
		Until:    until,
		Limit:    50,
	})
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "disk full", records[0].Message)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), records[0].Timestamp)
	assert.Equal(t, "host-7", gjson.GetBytes(records[0].Raw, "host.name").String())
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 1, 250000000, time.UTC), records[1].Timestamp)

	body := fc.requestsTo("POST", "/filebeat-*/_search")[0].Body
	assert.EqualValues(t, 50, gjson.Get(body, "size").Int())
	assert.Contains(t, body, `"sort":[{"@timestamp":{"order":"asc"}}]`)
	assert.Equal(t, "host-7", gjson.Get(body, "query.bool.must.0.term.host\\.name\\.keyword").String())
	assert.Contains(t, body,
		`{"range":{"@timestamp":{"format":"strict_date_optional_time","gte":"2024-03-01T09:00:00.000Z","lt":"2024-03-01T10:05:00.123Z"}}}`)
	assert.EqualValues(t, 1, gjson.Get(body, "query.bool.minimum_should_match").Int())
	assert.Len(t, gjson.Get(body, "query.bool.should").Array(), len(relevanceFilters))
}

func TestFetchBatch_Error(t *testing.T) {
	fc, es := newFakeCluster(t)
	fc.respond("POST", "/filebeat-*/_search", 400,
		`{"error":{"type":"search_phase_execution_exception","reason":"bad query"},"status":400}`)

	_, err := es.FetchBatch(context.Background(), FetchParams{ClientID: "host-7", Limit: 10})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host-7")
	assert.Contains(t, err.Error(), "bad query")
}

// =============================================================================
// Results and watermarks
// =============================================================================

func TestStoreResult(t *testing.T) {
	fc, es := newFakeCluster(t)
	fc.respond("PUT", "/ia-analysis-results/_doc/r-1", 201, `{"_id":"r-1","result":"created"}`)

	result := model.AnalysisResult{
		ID:         "r-1",
		ClientID:   "host-7",
		Summary:    "Critical: disk full",
		Status:     model.ResultCompleted,
		Severity:   "critical",
		ScriptName: model.ScriptName,
		Metadata:   model.Metadata{SourceHosts: []string{"host-7"}, AnalyzedLogCount: 2},
	}
	require.NoError(t, es.StoreResult(context.Background(), result))

	reqs := fc.requestsTo("PUT", "/ia-analysis-results/_doc/r-1")
	require.Len(t, reqs, 1)
	body := reqs[0].Body
	assert.Equal(t, "host-7", gjson.Get(body, "client_id").String())
	assert.Equal(t, "Critical: disk full", gjson.Get(body, "ia_analysis_summary").String())
	assert.Equal(t, "critical", gjson.Get(body, "severity").String())
	assert.EqualValues(t, 2, gjson.Get(body, "analyzed_log_count").Int())
	assert.Equal(t, "host-7", gjson.Get(body, "source_hosts.0").String())
}

func TestStoreResult_Rejected(t *testing.T) {
	fc, es := newFakeCluster(t)
	fc.respond("PUT", "/ia-analysis-results/_doc/r-1", 400,
		`{"error":{"type":"mapper_parsing_exception","reason":"failed to parse"},"status":400}`)

	err := es.StoreResult(context.Background(), model.AnalysisResult{ID: "r-1"})
	assert.ErrorContains(t, err, "failed to parse")
}

func TestLatest(t *testing.T) {
	fc, es := newFakeCluster(t)
	fc.respond("POST", "/ia-analysis-state/_search", 200, `{"hits":{"hits":[
		{"_source": {
			"client_id": "host-7",
			"last_processed_timestamp": "2024-03-01T10:05:00.123Z",
			"analysis_timestamp": "2024-03-01T10:05:02.000Z",
			"status": "completed"
		}}
	]}}`)

	wm, ok, err := es.Latest(context.Background(), "host-7")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 5, 0, 123000000, time.UTC), wm.LastProcessed)
	assert.Equal(t, model.WatermarkCompleted, wm.Status)

	body := fc.requestsTo("POST", "/ia-analysis-state/_search")[0].Body
	assert.Equal(t, "host-7", gjson.Get(body, "query.term.client_id").String())
	assert.Equal(t, "desc", gjson.Get(body, "sort.0.last_processed_timestamp.order").String())
	assert.EqualValues(t, 1, gjson.Get(body, "size").Int())
}

func TestLatest_NoRecord(t *testing.T) {
	fc, es := newFakeCluster(t)
	fc.respond("POST", "/ia-analysis-state/_search", 200, `{"hits":{"hits":[]}}`)

	_, ok, err := es.Latest(context.Background(), "host-7")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLatest_MalformedTimestamp(t *testing.T) {
	fc, es := newFakeCluster(t)
	fc.respond("POST", "/ia-analysis-state/_search", 200,
		`{"hits":{"hits":[{"_source":{"client_id":"host-7","last_processed_timestamp":"yesterday"}}]}}`)

	wm, ok, err := es.Latest(context.Background(), "host-7")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, wm.LastProcessed.IsZero())
}

func TestLatest_MissingIndex(t *testing.T) {
	_, es := newFakeCluster(t)

	_, _, err := es.Latest(context.Background(), "host-7")
	assert.Error(t, err)
}

func TestAppend(t *testing.T) {
	fc, es := newFakeCluster(t)
	fc.respond("POST", "/ia-analysis-state/_doc", 201, `{"result":"created"}`)

	err := es.Append(context.Background(), model.ClientWatermark{
		ClientID:      "host-7",
		LastProcessed: time.Date(2024, 3, 1, 10, 5, 0, 123000000, time.UTC),
		RecordedAt:    time.Date(2024, 3, 1, 10, 5, 2, 0, time.UTC),
		Status:        model.WatermarkFetchFailed,
	})
	require.NoError(t, err)

	reqs := fc.requestsTo("POST", "/ia-analysis-state/_doc")
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].Query, "refresh=wait_for")
	assert.Equal(t, "2024-03-01T10:05:00.123Z", gjson.Get(reqs[0].Body, "last_processed_timestamp").String())
	assert.Equal(t, "fetch_failed", gjson.Get(reqs[0].Body, "status").String())
}

// =============================================================================
// Index management
// =============================================================================

func TestEnsureIndices_CreatesMissing(t *testing.T) {
	fc, es := newFakeCluster(t)
	fc.respond("HEAD", "/ia-analysis-results", 200, ``)
	fc.respond("PUT", "/ia-analysis-state", 200, `{"acknowledged":true}`)

	require.NoError(t, es.EnsureIndices(context.Background()))

	assert.Empty(t, fc.requestsTo("PUT", "/ia-analysis-results"), "existing index is left alone")
	created := fc.requestsTo("PUT", "/ia-analysis-state")
	require.Len(t, created, 1)
	assert.Equal(t, "date", gjson.Get(created[0].Body, "mappings.properties.last_processed_timestamp.type").String())
	assert.Equal(t, "keyword", gjson.Get(created[0].Body, "mappings.properties.client_id.type").String())
}

func TestEnsureIndices_AlreadyExistsRace(t *testing.T) {
	fc, es := newFakeCluster(t)
	fc.respond("PUT", "/ia-analysis-results", 400,
		`{"error":{"type":"resource_already_exists_exception","reason":"exists"},"status":400}`)
	fc.respond("PUT", "/ia-analysis-state", 200, `{"acknowledged":true}`)

	assert.NoError(t, es.EnsureIndices(context.Background()))
}

func TestEnsureIndices_CreateFails(t *testing.T) {
	fc, es := newFakeCluster(t)
	fc.respond("PUT", "/ia-analysis-results", 403,
		`{"error":{"type":"security_exception","reason":"action is unauthorized"},"status":403}`)

	err := es.EnsureIndices(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unauthorized"))
}

func TestPing(t *testing.T) {
	fc, es := newFakeCluster(t)
	fc.respond("HEAD", "/", 200, ``)

	assert.NoError(t, es.Ping(context.Background()))
}
