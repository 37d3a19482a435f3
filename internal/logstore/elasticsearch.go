package logstore

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/livinlefevreloca/logwarden/internal/model"
	"github.com/tidwall/gjson"
)

// ErrMalformedDocument is returned when a stored document cannot be decoded
var ErrMalformedDocument = errors.New("logstore: malformed document")

// Elasticsearch implements LogStore, ResultSink and the watermark backend
type Elasticsearch struct {
	client *elasticsearch.Client
	config Config
	logger *slog.Logger
}

// NewElasticsearch creates a client. No request is made until first use.
func NewElasticsearch(cfg Config, logger *slog.Logger) (*Elasticsearch, error) {
	if logger == nil {
		logger = slog.Default()
	}

	esCfg := elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		APIKey:    cfg.APIKey,
	}
	if cfg.InsecureSkipVerify {
		esCfg.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // opt-in for self-signed clusters
		}
	}

	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	return &Elasticsearch{
		client: client,
		config: cfg,
		logger: logger,
	}, nil
}

// Ping checks that the cluster is reachable
func (e *Elasticsearch) Ping(ctx context.Context) error {
	res, err := e.client.Ping(e.client.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return responseError("ping", res)
	}
	return nil
}

// ListActiveClients returns the distinct client IDs seen within lookback
func (e *Elasticsearch) ListActiveClients(ctx context.Context, lookback time.Duration) ([]string, error) {
	query := activeClientsQuery(e.config.ClientIDField, e.config.MaxClients, lookback)

	body, err := e.search(ctx, e.config.LogIndexPattern, query)
	if err != nil {
		return nil, fmt.Errorf("list active clients: %w", err)
	}

	buckets := gjson.GetBytes(body, "aggregations.unique_clients.buckets")
	if !buckets.Exists() {
		return nil, fmt.Errorf("list active clients: %w: missing aggregation", ErrMalformedDocument)
	}

	var clients []string
	for _, bucket := range buckets.Array() {
		key := bucket.Get("key_as_string")
		if !key.Exists() {
			key = bucket.Get("key")
		}
		if id := key.String(); id != "" {
			clients = append(clients, id)
		}
	}

	e.logger.Debug("active clients listed", "count", len(clients), "lookback", lookback)
	return clients, nil
}

// FetchBatch returns up to params.Limit relevant logs in [Since, Until), oldest first
func (e *Elasticsearch) FetchBatch(ctx context.Context, params FetchParams) ([]model.LogRecord, error) {
	query := fetchBatchQuery(e.config.ClientIDField, params)

	body, err := e.search(ctx, e.config.LogIndexPattern, query)
	if err != nil {
		return nil, fmt.Errorf("fetch logs for %s: %w", params.ClientID, err)
	}

	hits := gjson.GetBytes(body, "hits.hits").Array()
	records := make([]model.LogRecord, 0, len(hits))
	for _, hit := range hits {
		source := hit.Get("_source")
		records = append(records, model.LogRecord{
			Timestamp: hitTimestamp(hit),
			Message:   source.Get("message").String(),
			Raw:       json.RawMessage(source.Raw),
		})
	}

	return records, nil
}

// StoreResult indexes an analysis result under its ID
func (e *Elasticsearch) StoreResult(ctx context.Context, result model.AnalysisResult) error {
	doc, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	res, err := e.client.Index(e.config.ResultsIndex, bytes.NewReader(doc),
		e.client.Index.WithContext(ctx),
		e.client.Index.WithDocumentID(result.ID),
	)
	if err != nil {
		return fmt.Errorf("index result: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return responseError("index result", res)
	}
	return nil
}

// Latest returns the watermark with the greatest last_processed_timestamp
func (e *Elasticsearch) Latest(ctx context.Context, clientID string) (model.ClientWatermark, bool, error) {
	body, err := e.search(ctx, e.config.WatermarkIndex, latestWatermarkQuery(clientID))
	if err != nil {
		return model.ClientWatermark{}, false, fmt.Errorf("read watermark: %w", err)
	}

	hit := gjson.GetBytes(body, "hits.hits.0._source")
	if !hit.Exists() {
		return model.ClientWatermark{}, false, nil
	}

	wm := model.ClientWatermark{
		ClientID: hit.Get("client_id").String(),
		Status:   model.WatermarkStatus(hit.Get("status").String()),
	}
	// A record that does not parse is reported with a zero timestamp
	if ts, err := time.Parse(time.RFC3339Nano, hit.Get("last_processed_timestamp").String()); err == nil {
		wm.LastProcessed = ts.UTC()
	}
	if ts, err := time.Parse(time.RFC3339Nano, hit.Get("analysis_timestamp").String()); err == nil {
		wm.RecordedAt = ts.UTC()
	}
	return wm, true, nil
}

// Append indexes a new watermark document. The write waits for a refresh so
// the next read sees it.
func (e *Elasticsearch) Append(ctx context.Context, wm model.ClientWatermark) error {
	doc, err := json.Marshal(map[string]any{
		"client_id":                wm.ClientID,
		"last_processed_timestamp": formatTime(wm.LastProcessed),
		"analysis_timestamp":       formatTime(wm.RecordedAt),
		"status":                   wm.Status,
	})
	if err != nil {
		return fmt.Errorf("encode watermark: %w", err)
	}

	res, err := e.client.Index(e.config.WatermarkIndex, bytes.NewReader(doc),
		e.client.Index.WithContext(ctx),
		e.client.Index.WithRefresh("wait_for"),
	)
	if err != nil {
		return fmt.Errorf("index watermark: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return responseError("index watermark", res)
	}
	return nil
}

// EnsureIndices creates the results and watermark indices when missing
func (e *Elasticsearch) EnsureIndices(ctx context.Context) error {
	if err := e.ensureIndex(ctx, e.config.ResultsIndex, resultsMapping); err != nil {
		return err
	}
	return e.ensureIndex(ctx, e.config.WatermarkIndex, watermarkMapping)
}

func (e *Elasticsearch) ensureIndex(ctx context.Context, index string, mapping map[string]any) error {
	res, err := e.client.Indices.Exists([]string{index}, e.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("check index %s: %w", index, err)
	}
	res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
	default:
		return fmt.Errorf("check index %s: unexpected status %d", index, res.StatusCode)
	}

	body, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("encode mapping: %w", err)
	}

	res, err = e.client.Indices.Create(index,
		e.client.Indices.Create.WithContext(ctx),
		e.client.Indices.Create.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return fmt.Errorf("create index %s: %w", index, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		raw, _ := io.ReadAll(res.Body)
		// Another instance created it first
		if gjson.GetBytes(raw, "error.type").String() == "resource_already_exists_exception" {
			return nil
		}
		return fmt.Errorf("create index %s: %s: %s", index, res.Status(), errorReason(raw))
	}

	e.logger.Info("index created", "index", index)
	return nil
}

func (e *Elasticsearch) search(ctx context.Context, index string, query map[string]any) ([]byte, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}

	res, err := e.client.Search(
		e.client.Search.WithContext(ctx),
		e.client.Search.WithIndex(index),
		e.client.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, responseError("search "+index, res)
	}

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return raw, nil
}

// hitTimestamp prefers the sort value, which is epoch millis for a date sort
func hitTimestamp(hit gjson.Result) time.Time {
	if sortValue := hit.Get("sort.0"); sortValue.Type == gjson.Number {
		return time.UnixMilli(sortValue.Int()).UTC()
	}

	var ts time.Time
	hit.Get("_source").ForEach(func(key, value gjson.Result) bool {
		if key.String() != "@timestamp" {
			return true
		}
		if parsed, err := time.Parse(time.RFC3339Nano, value.String()); err == nil {
			ts = parsed.UTC()
		}
		return false
	})
	return ts
}

func responseError(op string, res *esapi.Response) error {
	raw, _ := io.ReadAll(res.Body)
	return fmt.Errorf("%s: %s: %s", op, res.Status(), errorReason(raw))
}

func errorReason(raw []byte) string {
	if reason := gjson.GetBytes(raw, "error.reason"); reason.Exists() {
		return reason.String()
	}
	if len(raw) > 200 {
		raw = raw[:200]
	}
	return string(raw)
}
