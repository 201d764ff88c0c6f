package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRequestId_UniqueAndTimeOrdered(t *testing.T) {
	a := NewRequestId()
	b := NewRequestId()

	assert.NotEqual(t, a, b)
	assert.NotEmpty(t, string(a))
	// UUIDv7 sorts lexically the same as chronologically, so two ids
	// minted back to back should compare in generation order.
	assert.LessOrEqual(t, string(a), string(b))
}

func TestSynthesizeSessionId_NeverCollidesWithClientSupplied(t *testing.T) {
	req := RequestId("01912f1a-0000-7000-8000-000000000000")
	synthesized := SynthesizeSessionId(req)

	assert.Equal(t, SessionId("singleton-"+string(req)), synthesized)
	assert.True(t, len(string(synthesized)) > len("singleton-"))
}

func TestInteractionStreamAndSessionStream_Prefixes(t *testing.T) {
	req := RequestId("req-1")
	sess := SessionId("sess-1")

	assert.Equal(t, StreamId("interaction-req-1"), InteractionStream(req))
	assert.Equal(t, StreamId("session-sess-1"), SessionStream(sess))
}

func TestIsSessionStream_AndIsInteractionStream(t *testing.T) {
	interaction := InteractionStream(RequestId("req-1"))
	session := SessionStream(SessionId("sess-1"))

	assert.True(t, IsInteractionStream(interaction))
	assert.False(t, IsSessionStream(interaction))

	assert.True(t, IsSessionStream(session))
	assert.False(t, IsInteractionStream(session))

	assert.False(t, IsSessionStream(DeadLetterStream))
	assert.False(t, IsInteractionStream(DeadLetterStream))
}

func TestCorrelationOrDefault_UsesRawWhenPresent(t *testing.T) {
	got := CorrelationOrDefault("trace-abc", RequestId("req-1"))
	assert.Equal(t, CorrelationId("trace-abc"), got)
}

func TestCorrelationOrDefault_FallsBackToRequestId(t *testing.T) {
	got := CorrelationOrDefault("", RequestId("req-1"))
	assert.Equal(t, CorrelationId("req-1"), got)
}
