package pulse

import (
	"time"
)

// Wire shapes of the ingestion and decide endpoints.

// apiEvent is the JSON form of one event. The distinct-id is echoed
// inside properties for server compatibility; the UUID enables idempotent
// dedup across transport retries.
type apiEvent struct {
	Event      string         `json:"event"`
	Properties map[string]any `json:"properties"`
	Timestamp  time.Time      `json:"timestamp"`
	UUID       string         `json:"uuid"`
}

// batchPayload is the body of POST /batch.
type batchPayload struct {
	APIKey               string     `json:"api_key"`
	HistoricalMigrations bool       `json:"historical_migrations"`
	Batch                []apiEvent `json:"batch"`
}

// batchResponse carries the ingestion acknowledgement; status is 1 or
// "Ok" on success.
type batchResponse struct {
	Status any `json:"status"`
}

// capturePayload is the body of POST /capture, the single-event variant
// used for identify, alias and group-identify.
type capturePayload struct {
	APIKey     string         `json:"api_key"`
	Event      string         `json:"event"`
	Properties map[string]any `json:"properties"`
	Timestamp  time.Time      `json:"timestamp"`
	UUID       string         `json:"uuid"`
}

// decideRequest is the body of POST /decide?v=3.
type decideRequest struct {
	APIKey           string                    `json:"api_key"`
	DistinctID       string                    `json:"distinct_id"`
	PersonProperties map[string]any            `json:"person_properties,omitempty"`
	Groups           map[string]string         `json:"groups,omitempty"`
	GroupProperties  map[string]map[string]any `json:"group_properties,omitempty"`
}

// decideResponse is the remote evaluation result: per-flag values (bool
// or variant key), payloads, and bookkeeping.
type decideResponse struct {
	FeatureFlags              map[string]any    `json:"featureFlags"`
	FeatureFlagPayloads       map[string]string `json:"featureFlagPayloads"`
	ErrorsWhileComputingFlags bool              `json:"errorsWhileComputingFlags"`
	RequestID                 string            `json:"requestId"`
	QuotaLimited              []string          `json:"quotaLimited"`
}

// flagValueEnabled interprets a decide-style flag value: boolean truth or
// a non-empty variant key.
func flagValueEnabled(v any) bool {
	switch value := v.(type) {
	case bool:
		return value
	case string:
		return value != ""
	default:
		return false
	}
}
