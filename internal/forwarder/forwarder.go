// Package forwarder implements the hot path described in spec.md §4.2:
// translate an inbound client request into an upstream request and
// stream the response straight back, emitting RawAuditEvents as a side
// channel that never sits in the client-visible critical path.
//
// Nothing in this package parses a request body, serializes beyond the
// wire protocol, or touches the Event Store — those are audit-path
// concerns (spec.md §4.2's latency budget forbids them here).
package forwarder

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/unionsquare/unionsquare/internal/config"
	"github.com/unionsquare/unionsquare/internal/ids"
	"github.com/unionsquare/unionsquare/internal/metrics"
	"github.com/unionsquare/unionsquare/internal/model"
	"github.com/unionsquare/unionsquare/internal/ringbuffer"
)

// Reserved request headers, per spec.md §6. Never forwarded upstream.
const (
	headerSessionID       = "X-Session-Id"
	headerSessionMetadata = "X-Session-Metadata"
	headerDoNotRecord     = "X-Do-Not-Record"
	headerCorrelationID   = "X-Correlation-Id"
)

var reservedHeaders = map[string]bool{
	strings.ToLower(headerSessionID):       true,
	strings.ToLower(headerSessionMetadata): true,
	strings.ToLower(headerDoNotRecord):     true,
	strings.ToLower(headerCorrelationID):   true,
}

// upstream pairs a provider name with its resolved base URL.
type upstream struct {
	provider string
	baseURL  *url.URL
}

// Forwarder is the hot-path HTTP handler. One instance is shared across
// every goroutine the HTTP server spawns; its only shared mutable state
// is the ring buffer (lock-free) and the rate limiter (internally
// synchronized).
type Forwarder struct {
	buf              *ringbuffer.Buffer
	upstreams        map[string]upstream
	providerConfigs  map[string]config.ProviderConfig
	cfg              config.HotPathConfig
	slotPayloadBytes int
	limiter          *rate.Limiter
	client           *http.Client
	metrics          *metrics.Metrics
}

// New constructs a Forwarder. providers maps provider name (as used in
// the URL routing prefix, e.g. "openai", "anthropic", "bedrock") to its
// base URL configuration.
func New(buf *ringbuffer.Buffer, providers map[string]config.ProviderConfig, hotPath config.HotPathConfig, ringBuf config.RingBufferConfig, m *metrics.Metrics) (*Forwarder, error) {
	ups := make(map[string]upstream, len(providers))
	for name, p := range providers {
		if p.BaseURL == "" {
			continue // not configured for forwarding (e.g. a region-only placeholder entry)
		}
		u, err := url.Parse(p.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("forwarder: parsing base_url for provider %q: %w", name, err)
		}
		ups[name] = upstream{provider: name, baseURL: u}
	}

	maxInflight := hotPath.MaxInflight
	if maxInflight <= 0 {
		maxInflight = 512
	}

	return &Forwarder{
		buf:              buf,
		upstreams:        ups,
		providerConfigs:  providers,
		cfg:              hotPath,
		slotPayloadBytes: ringBuf.SlotPayloadBytes,
		limiter:          rate.NewLimiter(rate.Limit(maxInflight), maxInflight),
		client:           &http.Client{},
		metrics:          m,
	}, nil
}

// ServeHTTP implements the per-request algorithm of spec.md §4.2.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if !f.limiter.Allow() {
		// Admission rejected before a RequestId is even minted: this
		// request never becomes an Interaction, so it gets no ring
		// buffer slot and no audit trail, only a metric and a 429.
		f.metrics.ForwardedRequests.WithLabelValues("capacity_exceeded").Inc()
		http.Error(w, "capacity exceeded", http.StatusTooManyRequests)
		return
	}

	requestID := ids.NewRequestId()
	doNotRecord := isTruthy(r.Header.Get(headerDoNotRecord))

	providerName, target, ok := f.resolveUpstream(r.URL.Path)
	if !ok {
		f.emitError(requestID, model.ErrorInvalidClientRequest)
		f.metrics.ForwardedRequests.WithLabelValues("invalid_request").Inc()
		http.Error(w, "no upstream configured for this route", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout(f.cfg))
	defer cancel()

	if !doNotRecord {
		f.emitRequestHeaders(requestID, r.Header, r.Method, r.URL.Path)
	}

	bodyReader := f.wrapRequestBody(requestID, r.Body, doNotRecord)
	upstreamReq, err := http.NewRequestWithContext(ctx, r.Method, target.String(), bodyReader)
	if err != nil {
		f.emitError(requestID, model.ErrorInvalidClientRequest)
		f.metrics.ForwardedRequests.WithLabelValues("invalid_request").Inc()
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	copyForwardableHeaders(upstreamReq.Header, r.Header)

	if !doNotRecord {
		f.publish(model.RawAuditEvent{RequestId: requestID, Kind: model.KindUpstreamSelected, Upstream: providerName})
	}

	if providerName == "bedrock" {
		if err := signBedrockRequest(ctx, upstreamReq, f.providerConfigs[providerName]); err != nil {
			f.emitError(requestID, model.ErrorInvalidClientRequest)
			f.metrics.ForwardedRequests.WithLabelValues("sigv4_error").Inc()
			http.Error(w, "failed to sign upstream request", http.StatusBadGateway)
			return
		}
	}

	resp, err := f.client.Do(upstreamReq)
	if err != nil {
		reason, status := classifyUpstreamError(ctx, err)
		f.emitError(requestID, reason)
		f.metrics.ForwardedRequests.WithLabelValues(strings.ToLower(reason.String())).Inc()
		http.Error(w, "upstream error", status)
		return
	}
	defer resp.Body.Close()

	if !doNotRecord {
		f.emitHeaders(requestID, model.KindResponseHeaders, resp.Header)
	}

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	var total uint64
	chunk := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(chunk)
		if n > 0 {
			if _, writeErr := w.Write(chunk[:n]); writeErr != nil {
				f.emitError(requestID, model.ErrorUpstreamUnreachable)
				f.metrics.ForwardedRequests.WithLabelValues("response_write_error").Inc()
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			if !doNotRecord {
				f.publishChunk(requestID, model.KindResponseChunk, total, chunk[:n])
			}
			total += uint64(n)
		}
		if readErr != nil {
			if readErr != io.EOF {
				reason, _ := classifyUpstreamError(ctx, readErr)
				f.emitError(requestID, reason)
				f.metrics.ForwardedRequests.WithLabelValues(strings.ToLower(reason.String())).Inc()
				return
			}
			break
		}
	}

	if !doNotRecord {
		f.publish(model.RawAuditEvent{RequestId: requestID, Kind: model.KindResponseBodyEnd, TotalLen: total})
	}
	f.metrics.ForwardedRequests.WithLabelValues("ok").Inc()
	f.metrics.ForwardLatencySecs.Observe(time.Since(start).Seconds())
}

func requestTimeout(cfg config.HotPathConfig) time.Duration {
	if cfg.RequestTimeout <= 0 {
		return 30 * time.Second
	}
	return cfg.RequestTimeout
}

// resolveUpstream maps the inbound path to a provider and a forwarding
// URL. The first path segment names the provider ("/openai/...",
// "/anthropic/...", "/bedrock/..."); everything after it is forwarded
// verbatim, per spec.md §6's "drop-in proxy" contract.
func (f *Forwarder) resolveUpstream(path string) (providerName string, target *url.URL, ok bool) {
	trimmed := strings.TrimPrefix(path, "/")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return "", nil, false
	}
	up, found := f.upstreams[parts[0]]
	if !found {
		return "", nil, false
	}
	suffix := ""
	if len(parts) == 2 {
		suffix = parts[1]
	}
	target = up.baseURL.ResolveReference(&url.URL{Path: "/" + suffix})
	return up.provider, target, true
}

func classifyUpstreamError(ctx context.Context, err error) (model.ErrorReason, int) {
	if ctx.Err() == context.DeadlineExceeded {
		return model.ErrorUpstreamTimeout, http.StatusGatewayTimeout
	}
	return model.ErrorUpstreamUnreachable, http.StatusBadGateway
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// copyForwardableHeaders copies every header from src to dst except the
// reserved, audit-only headers spec.md §6 says must never reach upstream.
func copyForwardableHeaders(dst, src http.Header) {
	for name, values := range src {
		if reservedHeaders[strings.ToLower(name)] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// emitHeaders builds a HeaderPair list from an http.Header, truncating
// at the configured byte limit and marking the event Truncated if so.
func (f *Forwarder) emitHeaders(id ids.RequestId, kind model.EventKind, h http.Header) {
	pairs, truncated := headerPairs(h, headerByteLimit(f.cfg))
	f.publish(model.RawAuditEvent{
		RequestId: id,
		Kind:      kind,
		Headers:   pairs,
		Truncated: truncated,
		WallClock: time.Now(),
	})
}

// emitRequestHeaders is like emitHeaders but also carries the method
// and path the Provider Parser Registry needs to dispatch on, per
// spec.md §4.6's parse(uri, headers, body) contract.
func (f *Forwarder) emitRequestHeaders(id ids.RequestId, h http.Header, method, path string) {
	pairs, truncated := headerPairs(h, headerByteLimit(f.cfg))
	f.publish(model.RawAuditEvent{
		RequestId: id,
		Kind:      model.KindRequestHeaders,
		Headers:   pairs,
		Truncated: truncated,
		Method:    method,
		URI:       path,
		WallClock: time.Now(),
	})
}

func headerByteLimit(cfg config.HotPathConfig) int {
	if cfg.HeaderByteLimit <= 0 {
		return 16384
	}
	return cfg.HeaderByteLimit
}

func headerPairs(h http.Header, limit int) ([]model.HeaderPair, bool) {
	var pairs []model.HeaderPair
	var size int
	truncated := false
	for name, values := range h {
		for _, v := range values {
			if size+len(name)+len(v) > limit {
				truncated = true
				continue
			}
			pairs = append(pairs, model.HeaderPair{Name: name, Value: v})
			size += len(name) + len(v)
		}
	}
	return pairs, truncated
}

func (f *Forwarder) emitError(id ids.RequestId, reason model.ErrorReason) {
	f.publish(model.RawAuditEvent{RequestId: id, Kind: model.KindError, ErrorReason: reason, WallClock: time.Now()})
}

// publish submits a fully built event to the ring buffer. A Full result
// increments the dropped counter; per spec.md §4.1 the hot path never
// waits or retries.
func (f *Forwarder) publish(event model.RawAuditEvent) {
	if event.WallClock.IsZero() {
		event.WallClock = time.Now()
	}
	if f.buf.TryPublish(event) == ringbuffer.Full {
		f.metrics.DroppedAuditEvents.Inc()
	}
}

// publishChunk splits data into slot-sized pieces before publishing, so
// no single ring buffer slot ever holds more than slot_payload_bytes —
// an oversized chunk from the client/upstream is split here rather than
// rejected, per spec.md §4.1's "oversized chunks are split... before
// publication".
func (f *Forwarder) publishChunk(id ids.RequestId, kind model.EventKind, baseOffset uint64, data []byte) {
	limit := f.slotPayloadBytes
	if limit <= 0 {
		limit = 4096
	}
	for len(data) > 0 {
		n := len(data)
		if n > limit {
			n = limit
		}
		piece := make([]byte, n)
		copy(piece, data[:n])
		f.publish(model.RawAuditEvent{
			RequestId: id,
			Kind:      kind,
			Offset:    baseOffset,
			Length:    uint32(n),
			Payload:   piece,
		})
		baseOffset += uint64(n)
		data = data[n:]
	}
}

// wrapRequestBody returns a reader that emits RequestChunk (and, on
// EOF, RequestBodyEnd) events as the body streams through it on its way
// to the upstream http.Client — the emission happens as a side effect
// of the same Read the HTTP transport already performs, so it adds no
// extra I/O to the client-visible path.
func (f *Forwarder) wrapRequestBody(id ids.RequestId, body io.ReadCloser, doNotRecord bool) io.ReadCloser {
	if body == nil {
		body = io.NopCloser(emptyReader{})
	}
	return &observingReader{f: f, id: id, body: body, doNotRecord: doNotRecord}
}

// emptyReader is used when the inbound request has no body at all, so
// observingReader always has something to call Read on.
type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }

type observingReader struct {
	f           *Forwarder
	id          ids.RequestId
	body        io.ReadCloser
	offset      uint64
	doNotRecord bool
	ended       bool
}

func (o *observingReader) Read(p []byte) (int, error) {
	n, err := o.body.Read(p)
	if n > 0 {
		if !o.doNotRecord {
			o.f.publishChunk(o.id, model.KindRequestChunk, o.offset, p[:n])
		}
		o.offset += uint64(n)
	}
	if err != nil && !o.ended {
		o.ended = true
		if !o.doNotRecord {
			o.f.publish(model.RawAuditEvent{RequestId: o.id, Kind: model.KindRequestBodyEnd, TotalLen: o.offset})
		}
	}
	return n, err
}

func (o *observingReader) Close() error {
	return o.body.Close()
}
