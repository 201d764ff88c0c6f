// Package audit implements the Audit Path Consumer of spec.md §4.4: it
// drains the ring buffer, maintains per-RequestId reassembly and
// lifecycle state, invokes the Provider Parser Registry, and submits
// semantic events to the Stream Router. Everything here runs off the
// hot path — it is free to block, allocate, and take locks.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/unionsquare/unionsquare/internal/config"
	"github.com/unionsquare/unionsquare/internal/eventstore"
	"github.com/unionsquare/unionsquare/internal/ids"
	"github.com/unionsquare/unionsquare/internal/metrics"
	"github.com/unionsquare/unionsquare/internal/model"
	"github.com/unionsquare/unionsquare/internal/provider"
	"github.com/unionsquare/unionsquare/internal/reassembly"
	"github.com/unionsquare/unionsquare/internal/ringbuffer"
	"github.com/unionsquare/unionsquare/internal/router"
)

// Persisted event kind tags. These are the StoredEvent.Kind strings,
// distinct from the RawAuditEvent.Kind enum — a single RawAuditEvent
// can fan out into zero or more StoredEvents (e.g. a RequestBodyEnd
// event yields a RequestBodyEnd record and, once the body reassembles,
// a ParsedRequest record; a ResponseBodyEnd event additionally yields
// the terminal Completed record and its session-stream summary).
const (
	KindRequestHeaders   = "RequestHeaders"
	KindUpstreamSelected = "UpstreamSelected"
	KindRequestBodyEnd   = "RequestBodyEnd"
	KindParsedRequest    = "ParsedRequest"
	KindResponseHeaders  = "ResponseHeaders"
	KindResponseBodyEnd  = "ResponseBodyEnd"
	KindParsedResponse   = "ParsedResponse"
	KindReassemblyFailed = "ReassemblyFailed"
	KindError            = "Error"
	KindCompleted        = "Completed"
	KindFailed           = "Failed"
	KindInteractionDone  = "InteractionCompleted"

	schemaVersion1 = 1
)

// interactionState is the audit consumer's per-RequestId bookkeeping.
// It is never exposed outside this package; InteractionState (the
// derived lifecycle state) is recomputed from the same event sequence
// that built it, per spec.md §4.3.
type interactionState struct {
	state          model.InteractionState
	method, uri    string
	headers        []model.HeaderPair
	sessionID      ids.SessionId
	correlationID  ids.CorrelationId
	upstream       string
	requestProv    model.Provider
	degraded       bool
	degradeReason  model.DegradationReason
	doNotRecord    bool
}

// Consumer drains the ring buffer and drives interactions through
// reassembly, parsing, and routing to the Event Store.
type Consumer struct {
	buf          *ringbuffer.Buffer
	reassembler  *reassembly.Reassembler
	registry     *provider.Registry
	router       *router.Router
	metrics      *metrics.Metrics
	reassemblyTTL time.Duration

	// mu guards interactions. drainLoop's dispatch path and reapLoop's
	// cron callback both reach getOrCreate (and finish's delete) from
	// independent goroutines, so the map itself needs a lock even
	// though each individual interactionState is, in practice, driven
	// by at most one of those paths at a time.
	mu           sync.Mutex
	interactions map[ids.RequestId]*interactionState
}

// New constructs a Consumer wired to its collaborators.
func New(buf *ringbuffer.Buffer, reassembler *reassembly.Reassembler, registry *provider.Registry, rtr *router.Router, reassemblyCfg config.ReassemblyConfig, m *metrics.Metrics) *Consumer {
	return &Consumer{
		buf:           buf,
		reassembler:   reassembler,
		registry:      registry,
		router:        rtr,
		metrics:       m,
		reassemblyTTL: reassemblyCfg.TTL,
		interactions:  make(map[ids.RequestId]*interactionState),
	}
}

// Run supervises the drain loop and the reassembly reaper together with
// errgroup, so a fatal error in either triggers a coordinated shutdown
// of the audit path without affecting the hot path, which never blocks
// on anything here (spec.md §5's shared-resource policy).
func (c *Consumer) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.drainLoop(gctx) })
	g.Go(func() error { return c.reapLoop(gctx) })
	return g.Wait()
}

func (c *Consumer) drainLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		events := c.buf.Drain(256)
		if len(events) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
			continue
		}
		for _, e := range events {
			c.dispatch(ctx, e)
		}
	}
}

// reapLoop schedules the Body Reassembler's TTL sweep on a cron
// schedule rather than a bare time.Ticker, matching the pack's
// convention (nishisan-dev-n-backup) of cron-scheduling background
// maintenance jobs.
func (c *Consumer) reapLoop(ctx context.Context) error {
	sched := cron.New()
	_, err := sched.AddFunc("@every 10s", func() {
		for _, id := range c.reassembler.GC(c.reassemblyTTL) {
			c.metrics.ReassemblyAbandoned.Inc()
			c.handleReassemblyOutcome(ctx, id, reassembly.OutcomeIncomplete, model.KindRequestBodyEnd)
		}
	})
	if err != nil {
		return fmt.Errorf("audit: scheduling reaper: %w", err)
	}
	sched.Start()
	<-ctx.Done()
	<-sched.Stop().Done()
	return ctx.Err()
}

func (c *Consumer) getOrCreate(id ids.RequestId) *interactionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.interactions[id]
	if !ok {
		st = &interactionState{state: model.StateNotStarted}
		c.interactions[id] = st
	}
	return st
}

func (c *Consumer) delete(id ids.RequestId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.interactions, id)
}

func (c *Consumer) dispatch(ctx context.Context, e model.RawAuditEvent) {
	switch e.Kind {
	case model.KindRequestHeaders:
		c.onRequestHeaders(ctx, e)
	case model.KindUpstreamSelected:
		c.onUpstreamSelected(ctx, e)
	case model.KindRequestChunk:
		c.reassembler.Append(e.RequestId, e.Offset, e.Payload)
	case model.KindRequestBodyEnd:
		c.onRequestBodyEnd(ctx, e)
	case model.KindResponseHeaders:
		c.onResponseHeaders(ctx, e)
	case model.KindResponseChunk:
		c.reassembler.Append(e.RequestId, e.Offset, e.Payload)
	case model.KindResponseBodyEnd:
		c.onResponseBodyEnd(ctx, e)
	case model.KindError:
		c.onError(ctx, e)
	}
}

func (c *Consumer) transition(st *interactionState, id ids.RequestId, kind model.EventKind) bool {
	next, err := DeriveState(st.state, kind)
	if err != nil {
		st.state = model.StateFailed
		st.degraded = true
		st.degradeReason = model.DegradeParseFailure
		return false
	}
	st.state = next
	return true
}

func (c *Consumer) onRequestHeaders(ctx context.Context, e model.RawAuditEvent) {
	st := c.getOrCreate(e.RequestId)
	if !c.transition(st, e.RequestId, e.Kind) {
		return
	}
	st.method = e.Method
	st.uri = e.URI
	st.headers = e.Headers
	st.sessionID = sessionIDFromHeaders(e.Headers, e.RequestId)
	st.correlationID = correlationIDFromHeaders(e.Headers, e.RequestId)
	st.doNotRecord = doNotRecordFromHeaders(e.Headers)
	if e.Truncated {
		st.degraded = true
		st.degradeReason = model.DegradeTruncated
	}
	if st.doNotRecord {
		return
	}
	c.submit(ctx, st, e.RequestId, KindRequestHeaders, requestHeadersPayload{
		Method: e.Method, URI: e.URI, Headers: e.Headers, Truncated: e.Truncated,
	})
}

func (c *Consumer) onUpstreamSelected(ctx context.Context, e model.RawAuditEvent) {
	st := c.getOrCreate(e.RequestId)
	if !c.transition(st, e.RequestId, e.Kind) {
		return
	}
	st.upstream = e.Upstream
	if st.doNotRecord {
		return
	}
	c.submit(ctx, st, e.RequestId, KindUpstreamSelected, upstreamSelectedPayload{Upstream: e.Upstream})
}

func (c *Consumer) onRequestBodyEnd(ctx context.Context, e model.RawAuditEvent) {
	st := c.getOrCreate(e.RequestId)
	if !c.transition(st, e.RequestId, e.Kind) {
		return
	}
	if !st.doNotRecord {
		c.submit(ctx, st, e.RequestId, KindRequestBodyEnd, bodyEndPayload{TotalLen: e.TotalLen})
	}

	body, outcome := c.reassembler.Complete(e.RequestId, e.TotalLen)
	if outcome != reassembly.OutcomeComplete {
		c.handleReassemblyOutcome(ctx, e.RequestId, outcome, model.KindRequestBodyEnd)
		return
	}
	if st.doNotRecord {
		return
	}

	parsed := c.registry.ParseRequest(st.uri, toHTTPHeader(st.headers), body)
	st.requestProv = parsed.Provider
	c.submit(ctx, st, e.RequestId, KindParsedRequest, parsed)
}

func (c *Consumer) onResponseHeaders(ctx context.Context, e model.RawAuditEvent) {
	st := c.getOrCreate(e.RequestId)
	if !c.transition(st, e.RequestId, e.Kind) {
		return
	}
	if st.doNotRecord {
		return
	}
	c.submit(ctx, st, e.RequestId, KindResponseHeaders, requestHeadersPayload{Headers: e.Headers, Truncated: e.Truncated})
}

func (c *Consumer) onResponseBodyEnd(ctx context.Context, e model.RawAuditEvent) {
	st := c.getOrCreate(e.RequestId)
	if !c.transition(st, e.RequestId, e.Kind) {
		return
	}
	if !st.doNotRecord {
		c.submit(ctx, st, e.RequestId, KindResponseBodyEnd, bodyEndPayload{TotalLen: e.TotalLen})

		body, outcome := c.reassembler.Complete(e.RequestId, e.TotalLen)
		if outcome != reassembly.OutcomeComplete {
			c.handleReassemblyOutcome(ctx, e.RequestId, outcome, model.KindResponseBodyEnd)
		} else {
			parsed := c.registry.ParseResponse(st.requestProv, body)
			c.submit(ctx, st, e.RequestId, KindParsedResponse, parsed)
		}
	}

	c.finish(ctx, st, e.RequestId, KindCompleted)
}

func (c *Consumer) onError(ctx context.Context, e model.RawAuditEvent) {
	st := c.getOrCreate(e.RequestId)
	st.state = model.StateFailed
	st.degraded = true
	st.degradeReason = model.DegradeParseFailure
	if !st.doNotRecord {
		c.submit(ctx, st, e.RequestId, KindError, failedPayload{Reason: e.ErrorReason})
	}
	c.finish(ctx, st, e.RequestId, KindFailed)
}

// handleReassemblyOutcome persists a ReassemblyFailed event and marks
// the interaction degraded, per spec.md §4.5's error taxonomy. It never
// emits the suppressed LlmRequest*/LlmResponse* event.
func (c *Consumer) handleReassemblyOutcome(ctx context.Context, id ids.RequestId, outcome reassembly.Outcome, phase model.EventKind) {
	st := c.getOrCreate(id)
	st.degraded = true
	st.degradeReason = model.DegradeReassemblyTimeout
	if st.doNotRecord {
		return
	}
	c.submit(ctx, st, id, KindReassemblyFailed, reassemblyFailedPayload{Outcome: outcomeString(outcome), Phase: phase.String()})
}

// finish emits the interaction's terminal record. Per spec.md §4.8, a
// terminal outcome is an "aggregate event for a session" and so is
// appended atomically to both the interaction stream and (when a
// session exists) the session stream as a summary.
func (c *Consumer) finish(ctx context.Context, st *interactionState, id ids.RequestId, kind string) {
	c.delete(id)
	if st.doNotRecord {
		return
	}

	summary := interactionSummaryPayload{
		RequestId: id,
		Outcome:   kind,
		Degraded:  st.degraded,
		Reason:    st.degradeReason,
	}
	payload, err := json.Marshal(summary)
	if err != nil {
		return
	}

	interactionEvent := eventstore.AppendEvent{
		Kind: kind, SchemaVersion: schemaVersion1, Payload: payload,
		Metadata: model.EventMetadata{CorrelationId: st.correlationID, WallClock: time.Now(), SourceComponent: "audit"},
	}

	var sessionEvents []eventstore.AppendEvent
	if st.sessionID != "" {
		sessionEvents = []eventstore.AppendEvent{{
			Kind: KindInteractionDone, SchemaVersion: schemaVersion1, Payload: payload,
			Metadata: model.EventMetadata{CorrelationId: st.correlationID, WallClock: time.Now(), SourceComponent: "audit"},
		}}
	}

	sub := router.BuildParsedRequestSubmission(ids.InteractionStream(id), st.sessionID,
		[]eventstore.AppendEvent{interactionEvent}, sessionEvents)

	if err := c.router.Route(ctx, sub); err != nil {
		c.metrics.DegradedInteractions.WithLabelValues("route_error").Inc()
	} else if st.degraded {
		c.metrics.DegradedInteractions.WithLabelValues(string(st.degradeReason)).Inc()
	}
}

// submit marshals payload and appends it to the interaction stream
// alone — every kind but the terminal Completed/Failed is
// interaction-scoped, per spec.md §4.8's routing rules.
func (c *Consumer) submit(ctx context.Context, st *interactionState, id ids.RequestId, kind string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	ev := eventstore.AppendEvent{
		Kind: kind, SchemaVersion: schemaVersion1, Payload: body,
		Metadata: model.EventMetadata{CorrelationId: st.correlationID, WallClock: time.Now(), SourceComponent: "audit"},
	}
	sub := router.BuildParsedRequestSubmission(ids.InteractionStream(id), "", []eventstore.AppendEvent{ev}, nil)
	if err := c.router.Route(ctx, sub); err != nil {
		c.metrics.DegradedInteractions.WithLabelValues("route_error").Inc()
	}
}

// DeriveState is the pure function implementing spec.md §4.3's state
// machine: the state is a deterministic function of event ordering,
// never stored directly. Re-entry into an already-visited state (any
// transition not present in the table) returns an error; the consumer
// then marks the interaction Failed and degraded and drops the event.
func DeriveState(prev model.InteractionState, kind model.EventKind) (model.InteractionState, error) {
	if kind == model.KindError {
		if prev.IsTerminal() {
			return prev, fmt.Errorf("audit: error observed after terminal state %s", prev)
		}
		return model.StateFailed, nil
	}

	transitions := map[model.InteractionState]map[model.EventKind]model.InteractionState{
		model.StateNotStarted:              {model.KindRequestHeaders: model.StateRequestReceived},
		model.StateRequestReceived:         {model.KindUpstreamSelected: model.StateUpstreamSelected},
		model.StateUpstreamSelected:        {model.KindRequestBodyEnd: model.StateRequestForwarded},
		model.StateRequestForwarded:        {model.KindResponseHeaders: model.StateResponseHeadersReceived},
		model.StateResponseHeadersReceived: {model.KindResponseBodyEnd: model.StateCompleted},
	}

	next, ok := transitions[prev][kind]
	if !ok {
		return prev, fmt.Errorf("audit: invalid transition from %s on %s", prev, kind)
	}
	return next, nil
}

func toHTTPHeader(pairs []model.HeaderPair) http.Header {
	h := make(http.Header, len(pairs))
	for _, p := range pairs {
		h.Add(p.Name, p.Value)
	}
	return h
}

// sessionIDFromHeaders returns the client-supplied X-Session-Id, or a
// synthesized singleton session for requestID when the header is
// absent — spec.md §4.2 step 2 requires every interaction to end up on
// a session stream, client-supplied or not.
func sessionIDFromHeaders(pairs []model.HeaderPair, requestID ids.RequestId) ids.SessionId {
	for _, p := range pairs {
		if httpHeaderEqual(p.Name, "X-Session-Id") {
			return ids.SessionId(p.Value)
		}
	}
	return ids.SynthesizeSessionId(requestID)
}

func correlationIDFromHeaders(pairs []model.HeaderPair, fallback ids.RequestId) ids.CorrelationId {
	for _, p := range pairs {
		if httpHeaderEqual(p.Name, "X-Correlation-Id") {
			return ids.CorrelationOrDefault(p.Value, fallback)
		}
	}
	return ids.CorrelationOrDefault("", fallback)
}

func doNotRecordFromHeaders(pairs []model.HeaderPair) bool {
	for _, p := range pairs {
		if httpHeaderEqual(p.Name, "X-Do-Not-Record") {
			switch p.Value {
			case "1", "true", "yes", "on", "True", "TRUE":
				return true
			}
		}
	}
	return false
}

func httpHeaderEqual(a, b string) bool {
	return http.CanonicalHeaderKey(a) == http.CanonicalHeaderKey(b)
}

func outcomeString(o reassembly.Outcome) string {
	switch o {
	case reassembly.OutcomeIncomplete:
		return "Incomplete"
	case reassembly.OutcomeCorrupt:
		return "Corrupt"
	case reassembly.OutcomeOverLimit:
		return "OverLimit"
	default:
		return "Complete"
	}
}

// --- persisted payload shapes -----------------------------------------------

type requestHeadersPayload struct {
	Method    string
	URI       string
	Headers   []model.HeaderPair
	Truncated bool
}

type upstreamSelectedPayload struct {
	Upstream string
}

type bodyEndPayload struct {
	TotalLen uint64
}

type failedPayload struct {
	Reason model.ErrorReason
}

type reassemblyFailedPayload struct {
	Outcome string
	Phase   string
}

type interactionSummaryPayload struct {
	RequestId ids.RequestId
	Outcome   string
	Degraded  bool
	Reason    model.DegradationReason
}
