// Package model defines the data types shared across the hot path and
// the audit path: RawAuditEvent (the ring buffer's wire format),
// Interaction lifecycle states, and the normalized parsed request/response
// shapes produced by the provider parser registry.
package model

import (
	"time"

	"github.com/unionsquare/unionsquare/internal/ids"
)

// EventKind tags a RawAuditEvent with what kind of observation it carries.
// This is a closed set — spec.md §9 calls for enumerated variants, not
// open-world dispatch, so new kinds are added here, never invented by a
// caller at runtime.
type EventKind uint8

const (
	KindRequestHeaders EventKind = iota
	KindRequestChunk
	KindRequestBodyEnd
	KindUpstreamSelected
	KindResponseHeaders
	KindResponseChunk
	KindResponseBodyEnd
	KindError
)

// String renders the kind for logging; avoids %v printing a bare integer.
func (k EventKind) String() string {
	switch k {
	case KindRequestHeaders:
		return "RequestHeaders"
	case KindRequestChunk:
		return "RequestChunk"
	case KindRequestBodyEnd:
		return "RequestBodyEnd"
	case KindUpstreamSelected:
		return "UpstreamSelected"
	case KindResponseHeaders:
		return "ResponseHeaders"
	case KindResponseChunk:
		return "ResponseChunk"
	case KindResponseBodyEnd:
		return "ResponseBodyEnd"
	case KindError:
		return "Error"
	default:
		return "Unknown"
	}
}

// HeaderPair is a binary-safe name/value pair. Oversize header sets are
// truncated by the forwarder before this struct is built;
// RawAuditEvent.Truncated records that fact so the audit trail is
// honest about data loss.
type HeaderPair struct {
	Name  string
	Value string
}

// RawAuditEvent is a fixed-layout entry published into the ring buffer.
// It is created once by the hot path, consumed exactly once by the
// audit path, and never mutated after Publish.
type RawAuditEvent struct {
	Seq       uint64 // monotonically assigned by the ring buffer on commit
	RequestId ids.RequestId
	Kind      EventKind

	// Offset/Length apply to *Chunk kinds: Offset is the producer's
	// cumulative byte count before this chunk, Length is len(Payload).
	Offset uint64
	Length uint32

	// Payload is the inline bytes for this slot, up to the configured
	// slot_payload_bytes. Oversized chunks are split by the producer
	// into multiple RequestChunk/ResponseChunk events before publish.
	Payload []byte

	// Headers is populated only for *Headers kinds.
	Headers []HeaderPair
	// Truncated marks that Headers/Payload were cut short at a
	// configured byte limit.
	Truncated bool

	// URI and Method are populated on KindRequestHeaders; the Provider
	// Parser Registry needs the request URI to dispatch, and both are
	// cheap to carry alongside the header list.
	URI    string
	Method string

	// TotalLen is populated on *BodyEnd kinds.
	TotalLen uint64

	// Upstream is populated on KindUpstreamSelected.
	Upstream string

	// ErrorReason is populated on KindError; see the ErrorReason enum.
	ErrorReason ErrorReason

	WallClock time.Time
	Monotonic int64 // nanoseconds from a monotonic clock source
}

// ErrorReason taxonomizes the Error raw event and the persisted Failed
// event, per spec.md §7.
type ErrorReason uint8

const (
	ErrorNone ErrorReason = iota
	ErrorUpstreamUnreachable
	ErrorUpstreamTimeout
	ErrorInvalidClientRequest
	ErrorCapacityExceeded
	ErrorInvariantViolation
)

func (e ErrorReason) String() string {
	switch e {
	case ErrorUpstreamUnreachable:
		return "UpstreamUnreachable"
	case ErrorUpstreamTimeout:
		return "UpstreamTimeout"
	case ErrorInvalidClientRequest:
		return "InvalidClientRequest"
	case ErrorCapacityExceeded:
		return "CapacityExceeded"
	case ErrorInvariantViolation:
		return "InvariantViolation"
	default:
		return "None"
	}
}

// InteractionState is the derived lifecycle state of an Interaction, per
// spec.md §4.3. It is never stored directly — it is recomputed by
// replaying the ordered raw events for a RequestId.
type InteractionState uint8

const (
	StateNotStarted InteractionState = iota
	StateRequestReceived
	StateUpstreamSelected
	StateRequestForwarded
	StateResponseHeadersReceived
	StateCompleted
	StateFailed
)

func (s InteractionState) String() string {
	switch s {
	case StateNotStarted:
		return "NotStarted"
	case StateRequestReceived:
		return "RequestReceived"
	case StateUpstreamSelected:
		return "UpstreamSelected"
	case StateRequestForwarded:
		return "RequestForwarded"
	case StateResponseHeadersReceived:
		return "ResponseHeadersReceived"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	default:
		return "Invalid"
	}
}

// IsTerminal reports whether a state admits no further transitions.
func (s InteractionState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Provider identifies a recognized LLM provider, per spec.md §4.6.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderBedrock   Provider = "bedrock"
	ProviderUnknown   Provider = "unknown"
)

// Parameters holds the sampling parameters normalized across providers.
type Parameters struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// TokenCounts mirrors spec.md's "token-counts (if present)" field.
type TokenCounts struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatMessage is one role+content pair in a parsed prompt.
type ChatMessage struct {
	Role    string
	Content string
}

// ParseStatus is the total outcome of a parse attempt: either a known
// provider's payload was recognized, or it was not — there is no
// partial-parse state, per spec.md §4.6.
type ParseStatus uint8

const (
	ParseKnown ParseStatus = iota
	ParseUnknown
)

// ParsedLlmRequest is the normalized request, always fully populated
// for ParseKnown, with RawBody always preserved regardless of status.
type ParsedLlmRequest struct {
	Status        ParseStatus
	Provider      Provider
	Model         string
	Messages      []ChatMessage
	PromptText    string // set instead of Messages for legacy completions-style prompts
	Parameters    Parameters
	RawBody       []byte
	FallbackReason string
}

// ParsedLlmResponse is the normalized response, symmetric to
// ParsedLlmRequest per SPEC_FULL.md §4.6.
type ParsedLlmResponse struct {
	Status         ParseStatus
	Provider       Provider
	Model          string
	Content        string
	Tokens         *TokenCounts
	RawBody        []byte
	FallbackReason string
}

// StoredEvent is a durable, immutable record in an Event Store stream.
type StoredEvent struct {
	GlobalSeq     uint64
	StreamId      ids.StreamId
	Version       uint64
	Kind          string
	SchemaVersion int
	Payload       []byte
	Metadata      EventMetadata
}

// EventMetadata carries cross-cutting fields attached to every StoredEvent.
type EventMetadata struct {
	CorrelationId  ids.CorrelationId
	CausationId    string
	WallClock      time.Time
	SourceComponent string
	SchemaVersion  int
	Compressed     bool
}

// DegradationReason records why an interaction's audit record is known
// incomplete, supplementing spec.md's bare "degraded" boolean flag.
type DegradationReason string

const (
	DegradeNone                 DegradationReason = ""
	DegradeRingBufferFull       DegradationReason = "RingBufferFull"
	DegradeReassemblyTimeout    DegradationReason = "ReassemblyTimeout"
	DegradePersistenceQueueFull DegradationReason = "PersistenceQueueFull"
	DegradeParseFailure         DegradationReason = "ParseFailure"
	DegradeTruncated            DegradationReason = "Truncated"
)
