package logstore

import (
	"fmt"
	"time"
)

// TimestampLayout is the millisecond-precision format written to documents
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

func activeClientsQuery(field string, size int, lookback time.Duration) map[string]any {
	return map[string]any{
		"size": 0,
		"query": map[string]any{
			"range": map[string]any{
				"@timestamp": map[string]any{
					"gte": fmt.Sprintf("now-%ds", int64(lookback/time.Second)),
					"lte": "now",
				},
			},
		},
		"aggs": map[string]any{
			"unique_clients": map[string]any{
				"terms": map[string]any{
					"field": field,
					"size":  size,
				},
			},
		},
	}
}

// relevanceFilters match logs that are likely worth analyzing
var relevanceFilters = []map[string]any{
	{"match": map[string]any{"log.level": "error"}},
	{"match": map[string]any{"log.level": "warn"}},
	{"match": map[string]any{"message": "fail"}},
	{"match": map[string]any{"message": "denied"}},
	{"match": map[string]any{"message": "refused"}},
	{"match": map[string]any{"message": "authentication"}},
	{"match": map[string]any{"message": "permission"}},
	{"match": map[string]any{"message": "timeout"}},
	{"range": map[string]any{"http.response.status_code": map[string]any{"gte": 500}}},
	{"terms": map[string]any{"tags": []string{"security", "error", "performance"}}},
}

func fetchBatchQuery(field string, params FetchParams) map[string]any {
	return map[string]any{
		"size": params.Limit,
		"sort": []any{
			map[string]any{"@timestamp": map[string]any{"order": "asc"}},
		},
		"query": map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{"term": map[string]any{field: params.ClientID}},
					map[string]any{"range": map[string]any{
						"@timestamp": map[string]any{
							"gte":    formatTime(params.Since),
							"lt":     formatTime(params.Until),
							"format": "strict_date_optional_time",
						},
					}},
				},
				"should":               relevanceFilters,
				"minimum_should_match": 1,
			},
		},
	}
}

func latestWatermarkQuery(clientID string) map[string]any {
	return map[string]any{
		"size": 1,
		"sort": []any{
			map[string]any{"last_processed_timestamp": map[string]any{"order": "desc"}},
		},
		"query": map[string]any{
			"term": map[string]any{"client_id": clientID},
		},
	}
}

// Mappings created at startup when the indices are missing
var (
	resultsMapping = map[string]any{
		"mappings": map[string]any{
			"properties": map[string]any{
				"@timestamp":          map[string]any{"type": "date"},
				"analysis_start_time": map[string]any{"type": "date"},
				"analysis_end_time":   map[string]any{"type": "date"},
				"id":                  map[string]any{"type": "keyword"},
				"cycle_id":            map[string]any{"type": "keyword"},
				"client_id":           map[string]any{"type": "keyword"},
				"ia_analysis_summary": map[string]any{"type": "text"},
				"status":              map[string]any{"type": "keyword"},
				"severity":            map[string]any{"type": "keyword"},
				"truncated":           map[string]any{"type": "boolean"},
				"script_name":         map[string]any{"type": "keyword"},
				"analyzed_log_count":  map[string]any{"type": "integer"},
				"source_hosts":        map[string]any{"type": "keyword"},
				"source_log_types":    map[string]any{"type": "keyword"},
				"raw_logs_sample":     map[string]any{"type": "text"},
			},
		},
	}

	watermarkMapping = map[string]any{
		"mappings": map[string]any{
			"properties": map[string]any{
				"analysis_timestamp":       map[string]any{"type": "date"},
				"client_id":                map[string]any{"type": "keyword"},
				"last_processed_timestamp": map[string]any{"type": "date"},
				"status":                   map[string]any{"type": "keyword"},
			},
		},
	}
)
