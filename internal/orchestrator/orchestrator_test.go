package orchestrator

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"gatewayd/internal/engine"
	"gatewayd/internal/metrics"
	"gatewayd/internal/ratelimit"
	"gatewayd/internal/registry"
	"gatewayd/internal/supervisor"
)

func newTestServer() *Server {
	reg := registry.Default("/models/default.gguf")
	eng := engine.New(supervisor.New(), "/bin/true", 58199)
	limiter := ratelimit.New(ratelimit.DefaultConfig())
	m := metrics.New()
	return New(reg, eng, limiter, m)
}

func TestHealthzReturnsHealthResponseBody(t *testing.T) {
	s := newTestServer()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body, "status")
	require.Contains(t, body, "model_loaded")
	require.Contains(t, body, "version")
	require.Contains(t, body, "uptime_seconds")
}

func TestHealthAndHealthzReportSameBody(t *testing.T) {
	s := newTestServer()

	healthRec := httptest.NewRecorder()
	s.Router().ServeHTTP(healthRec, httptest.NewRequest(http.MethodGet, "/health", nil))

	healthzRec := httptest.NewRecorder()
	s.Router().ServeHTTP(healthzRec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.JSONEq(t, healthRec.Body.String(), healthzRec.Body.String())
}

func TestModelsListsDefaultRegistry(t *testing.T) {
	s := newTestServer()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	models, ok := body["models"].([]any)
	require.True(t, ok)
	require.Len(t, models, 1)
}

func TestChatCompletionsRejectsInvalidBody(t *testing.T) {
	s := newTestServer()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(`{"messages":[]}`))
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	errObj := body["error"].(map[string]any)
	require.NotEmpty(t, errObj["message"])
}

func TestChatCompletionsFailsWithoutLoadedModel(t *testing.T) {
	s := newTestServer()
	rec := httptest.NewRecorder()
	payload := `{"messages":[{"role":"user","content":"hi"}],"stream":false}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(payload))
	s.Router().ServeHTTP(rec, req)
	require.NotEqual(t, http.StatusOK, rec.Code)
}

func TestChatCompletionsRejectedRequestStillCompletesMetricsTracking(t *testing.T) {
	s := newTestServer()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(`{"messages":[]}`))
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	snap := s.metrics.Snapshot()
	require.Equal(t, uint64(1), snap.TotalRequests)
	require.Equal(t, 0, snap.ActiveRequests)
	require.NotZero(t, snap.TotalErrors)
}

func TestChatCompletionsRateLimitedRequestRecordsRejectionWithoutDoubleRelease(t *testing.T) {
	s := newTestServer()
	s.limiter = ratelimit.New(ratelimit.Config{PerIPPerMinute: 600, MaxConcurrentPerIP: 0, GlobalPerMinute: 600})

	rec := httptest.NewRecorder()
	payload := `{"messages":[{"role":"user","content":"hi"}],"stream":false}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(payload))
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	snap := s.metrics.Snapshot()
	require.Equal(t, uint64(1), snap.TotalRequests)
	require.Equal(t, 0, snap.ActiveRequests)
	require.Equal(t, uint64(1), snap.RateLimitHits)
	require.Equal(t, uint64(1), snap.ErrorsByType["rate_limited"])
}

func TestChatCompletionsRejectsOversizedMessage(t *testing.T) {
	s := newTestServer()
	longContent := make([]byte, 100_001)
	for i := range longContent {
		longContent[i] = 'a'
	}
	payload, err := json.Marshal(map[string]any{
		"messages": []map[string]string{{"role": "user", "content": string(longContent)}},
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(payload))
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
