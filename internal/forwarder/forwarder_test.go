package forwarder

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unionsquare/unionsquare/internal/config"
	"github.com/unionsquare/unionsquare/internal/metrics"
	"github.com/unionsquare/unionsquare/internal/model"
	"github.com/unionsquare/unionsquare/internal/ringbuffer"
)

func newTestForwarder(t *testing.T, providers map[string]config.ProviderConfig, hotPath config.HotPathConfig) (*Forwarder, *ringbuffer.Buffer) {
	t.Helper()
	buf := ringbuffer.New(256)
	m := metrics.New(prometheus.NewRegistry(), func() float64 { return 0 })
	fwd, err := New(buf, providers, hotPath, config.RingBufferConfig{SlotPayloadBytes: 4096}, m)
	require.NoError(t, err)
	return fwd, buf
}

func TestServeHTTP_ForwardsToResolvedUpstreamAndStreamsBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"model":"gpt-4"}`, string(body))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	fwd, buf := newTestForwarder(t, map[string]config.ProviderConfig{
		"openai": {BaseURL: upstream.URL},
	}, config.HotPathConfig{MaxInflight: 10})

	req := httptest.NewRequest(http.MethodPost, "/openai/v1/chat/completions", strings.NewReader(`{"model":"gpt-4"}`))
	rec := httptest.NewRecorder()

	fwd.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"ok":true}`, rec.Body.String())

	events := buf.Drain(64)
	var kinds []model.EventKind
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, model.KindRequestHeaders)
	assert.Contains(t, kinds, model.KindUpstreamSelected)
	assert.Contains(t, kinds, model.KindRequestBodyEnd)
	assert.Contains(t, kinds, model.KindResponseHeaders)
	assert.Contains(t, kinds, model.KindResponseChunk)
	assert.Contains(t, kinds, model.KindResponseBodyEnd)
}

func TestServeHTTP_UnknownProviderReturns400AndEmitsError(t *testing.T) {
	fwd, buf := newTestForwarder(t, map[string]config.ProviderConfig{}, config.HotPathConfig{MaxInflight: 10})

	req := httptest.NewRequest(http.MethodPost, "/nope/v1/whatever", nil)
	rec := httptest.NewRecorder()

	fwd.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	events := buf.Drain(64)
	require.Len(t, events, 1)
	assert.Equal(t, model.KindError, events[0].Kind)
	assert.Equal(t, model.ErrorInvalidClientRequest, events[0].ErrorReason)
}

func TestServeHTTP_DoNotRecordSuppressesAllAuditEvents(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hi"))
	}))
	defer upstream.Close()

	fwd, buf := newTestForwarder(t, map[string]config.ProviderConfig{
		"openai": {BaseURL: upstream.URL},
	}, config.HotPathConfig{MaxInflight: 10})

	req := httptest.NewRequest(http.MethodPost, "/openai/v1/chat/completions", strings.NewReader("body"))
	req.Header.Set("X-Do-Not-Record", "true")
	rec := httptest.NewRecorder()

	fwd.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	events := buf.Drain(64)
	assert.Empty(t, events)
}

func TestServeHTTP_ReservedHeadersStrippedFromUpstreamRequest(t *testing.T) {
	var sawSessionHeader bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawSessionHeader = r.Header.Get("X-Session-Id") != ""
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	fwd, _ := newTestForwarder(t, map[string]config.ProviderConfig{
		"openai": {BaseURL: upstream.URL},
	}, config.HotPathConfig{MaxInflight: 10})

	req := httptest.NewRequest(http.MethodPost, "/openai/v1/chat/completions", nil)
	req.Header.Set("X-Session-Id", "abc123")
	rec := httptest.NewRecorder()

	fwd.ServeHTTP(rec, req)

	assert.False(t, sawSessionHeader, "X-Session-Id must never reach the upstream provider")
}

// brokenBody errors on its first Read after yielding a bit of data,
// simulating a reset upstream connection mid-stream.
type brokenBody struct {
	read bool
}

func (b *brokenBody) Read(p []byte) (int, error) {
	if !b.read {
		b.read = true
		n := copy(p, []byte("partial"))
		return n, nil
	}
	return 0, errors.New("connection reset by peer")
}

func (b *brokenBody) Close() error { return nil }

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestServeHTTP_InterruptedResponseBodyEmitsErrorNotBodyEnd(t *testing.T) {
	fwd, buf := newTestForwarder(t, map[string]config.ProviderConfig{
		"openai": {BaseURL: "http://upstream.invalid"},
	}, config.HotPathConfig{MaxInflight: 10})
	fwd.client.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{},
			Body:       &brokenBody{},
		}, nil
	})

	req := httptest.NewRequest(http.MethodPost, "/openai/v1/chat/completions", nil)
	rec := httptest.NewRecorder()

	fwd.ServeHTTP(rec, req)

	events := buf.Drain(64)
	var kinds []model.EventKind
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, model.KindError)
	assert.NotContains(t, kinds, model.KindResponseBodyEnd,
		"an interrupted response stream must never look like a clean completion")
}

func TestServeHTTP_AdmissionRejectedNeverMintsRequestId(t *testing.T) {
	fwd, buf := newTestForwarder(t, map[string]config.ProviderConfig{}, config.HotPathConfig{MaxInflight: 1})

	// Exhaust the limiter's single token.
	fwd.limiter.Allow()

	req := httptest.NewRequest(http.MethodPost, "/openai/v1/chat/completions", nil)
	rec := httptest.NewRecorder()

	fwd.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Empty(t, buf.Drain(64), "a capacity-rejected request must never reach the ring buffer")
}
