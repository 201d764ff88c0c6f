// Package ids defines the typed identifiers threaded through every
// component of the recording proxy: RequestId, SessionId, StreamId,
// InteractionId, and CorrelationId.
//
// Each is a distinct Go type (not a bare string) so the compiler catches
// the mistake of passing a SessionId where a RequestId is expected —
// the same reasoning the teacher's provider.ChatRequest/ChatResponse
// split gives to request vs. response shapes.
package ids

import (
	"strings"

	"github.com/google/uuid"
)

// RequestId identifies one client-to-provider interaction. It is
// time-ordered and unique within a single process lifetime: we use
// UUIDv7 (timestamp + random bits), which sorts lexically the same as
// chronologically — handy for range scans over the event store without
// a separate "created_at" index.
type RequestId string

// SessionId identifies a logical client session, supplied via the
// X-Session-Id header or synthesized for a single request when absent.
type SessionId string

// StreamId identifies an Event Store stream: either "interaction-{RequestId}"
// or "session-{SessionId}".
type StreamId string

// InteractionId is an alias for RequestId at the semantic-event layer;
// kept as a distinct name because spec.md's data model talks about
// "interactions" and "requests" as related but conceptually separate
// nouns (an Interaction is the entity; RequestId is its key).
type InteractionId = RequestId

// CorrelationId threads an external trace/correlation token through
// StoredEvent.metadata. It defaults to the RequestId when the client
// supplies no X-Correlation-Id header.
type CorrelationId string

// NewRequestId generates a fresh, time-ordered RequestId.
func NewRequestId() RequestId {
	return RequestId(uuid.Must(uuid.NewV7()).String())
}

// SynthesizeSessionId builds a singleton SessionId for a request that
// arrived without an X-Session-Id header. The value is derived from
// forRequest, so it is unique per request — it must never collide with
// a client-supplied session, so we prefix it distinctly from anything a
// client would plausibly send.
func SynthesizeSessionId(forRequest RequestId) SessionId {
	return SessionId("singleton-" + string(forRequest))
}

// InteractionStream returns the per-interaction StreamId.
func InteractionStream(id RequestId) StreamId {
	return StreamId("interaction-" + string(id))
}

// SessionStream returns the per-session StreamId.
func SessionStream(id SessionId) StreamId {
	return StreamId("session-" + string(id))
}

// DeadLetterStream is a reserved StreamId that names neither an
// interaction nor a session stream. The Stream Router does not append
// to it: events that exhaust the VersionConflict retry budget are
// written to the Event Store's dead-letter table under their original
// StreamId.
const DeadLetterStream StreamId = "dead-letter"

// IsSessionStream reports whether a StreamId names a session stream,
// used by the Stream Router to decide routing without re-parsing IDs.
func IsSessionStream(s StreamId) bool {
	return strings.HasPrefix(string(s), "session-")
}

// IsInteractionStream reports whether a StreamId names an interaction stream.
func IsInteractionStream(s StreamId) bool {
	return strings.HasPrefix(string(s), "interaction-")
}

// CorrelationOrDefault returns raw as a CorrelationId if non-empty,
// otherwise derives one from the RequestId.
func CorrelationOrDefault(raw string, fallback RequestId) CorrelationId {
	if raw == "" {
		return CorrelationId(fallback)
	}
	return CorrelationId(raw)
}
