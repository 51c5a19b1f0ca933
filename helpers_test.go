package pulse

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// mockBackend fakes the analytics backend: batch and single-event
// ingestion, remote decide, flag definitions for local evaluation, and
// remote config. Every request body is recorded for assertions.
type mockBackend struct {
	t *testing.T

	mu           sync.Mutex
	batches      []map[string]any
	captures     []map[string]any
	decideBodies []map[string]any

	definitions    string
	decideResponse string
	remoteConfig   string

	localEvalCalls int
}

func newMockBackend(t *testing.T) (*mockBackend, *httptest.Server) {
	t.Helper()
	b := &mockBackend{
		t:              t,
		decideResponse: `{"featureFlags":{},"featureFlagPayloads":{}}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(b.handler))
	t.Cleanup(srv.Close)
	return b, srv
}

func (b *mockBackend) handler(w http.ResponseWriter, r *http.Request) {
	body := b.readBody(r)

	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case r.URL.Path == "/batch":
		b.batches = append(b.batches, decodeJSON(b.t, body))
		w.Write([]byte(`{"status":1}`))

	case r.URL.Path == "/capture":
		b.captures = append(b.captures, decodeJSON(b.t, body))
		w.Write([]byte(`{"status":1}`))

	case r.URL.Path == "/decide":
		b.decideBodies = append(b.decideBodies, decodeJSON(b.t, body))
		w.Write([]byte(b.decideResponse))

	case r.URL.Path == "/api/feature_flag/local_evaluation":
		b.localEvalCalls++
		if b.definitions == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(b.definitions))

	case strings.HasPrefix(r.URL.Path, "/api/projects/@current/feature_flags/"):
		w.Write([]byte(b.remoteConfig))

	default:
		b.t.Errorf("unexpected request to %s", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}
}

func (b *mockBackend) readBody(r *http.Request) []byte {
	reader := io.Reader(r.Body)
	if r.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(r.Body)
		require.NoError(b.t, err)
		reader = zr
	}
	body, err := io.ReadAll(reader)
	require.NoError(b.t, err)
	return body
}

func decodeJSON(t *testing.T, body []byte) map[string]any {
	t.Helper()
	if len(body) == 0 {
		return nil
	}
	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

// batchedEvents flattens every recorded /batch payload into one event list.
func (b *mockBackend) batchedEvents() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, payload := range b.batches {
		events, _ := payload["batch"].([]any)
		for _, e := range events {
			out = append(out, e.(map[string]any))
		}
	}
	return out
}

func (b *mockBackend) capturedEvents() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]map[string]any, len(b.captures))
	copy(out, b.captures)
	return out
}

func (b *mockBackend) localEvalCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.localEvalCalls
}

func (b *mockBackend) decideCalls() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]map[string]any, len(b.decideBodies))
	copy(out, b.decideBodies)
	return out
}

func eventProps(t *testing.T, event map[string]any) map[string]any {
	t.Helper()
	props, ok := event["properties"].(map[string]any)
	require.True(t, ok, "event has no properties: %v", event)
	return props
}

// Definition documents used across client tests.
const testDefinitions = `{
	"flags": [
		{"id": 1, "key": "local-on", "active": true,
		 "filters": {"groups": [{"properties": []}],
		             "payloads": {"true": "{\"theme\":\"dark\"}"}}},
		{"id": 2, "key": "local-off", "active": true,
		 "filters": {"groups": [{"properties": [], "rollout_percentage": 0}]}},
		{"id": 3, "key": "sticky", "active": true, "ensure_experience_continuity": true,
		 "filters": {"groups": [{"properties": []}]}}
	]
}`
