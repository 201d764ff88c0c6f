package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unionsquare/unionsquare/internal/config"
	"github.com/unionsquare/unionsquare/internal/forwarder"
	"github.com/unionsquare/unionsquare/internal/metrics"
	"github.com/unionsquare/unionsquare/internal/ringbuffer"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	buf := ringbuffer.New(256)
	m := metrics.New(prometheus.NewRegistry(), func() float64 { return 0 })
	fwd, err := forwarder.New(buf, map[string]config.ProviderConfig{}, config.HotPathConfig{MaxInflight: 10},
		config.RingBufferConfig{SlotPayloadBytes: 4096}, m)
	require.NoError(t, err)
	return New(&config.Config{}, fwd, buf)
}

func TestHandleHealth_ReportsRingBufferCounters(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["ring_buffer_pending"])
	assert.Equal(t, float64(0), body["ring_buffer_dropped"])
	assert.Equal(t, float64(256), body["ring_buffer_capacity"])
}

func TestHandleMetrics_ExposesPrometheusFormat(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownProvider_ReturnsBadRequestThroughForwarder(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/does-not-exist/v1/chat/completions", nil)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
