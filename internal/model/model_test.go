package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventKind_String(t *testing.T) {
	assert.Equal(t, "RequestHeaders", KindRequestHeaders.String())
	assert.Equal(t, "ResponseBodyEnd", KindResponseBodyEnd.String())
	assert.Equal(t, "Unknown", EventKind(255).String())
}

func TestErrorReason_String(t *testing.T) {
	assert.Equal(t, "None", ErrorNone.String())
	assert.Equal(t, "UpstreamTimeout", ErrorUpstreamTimeout.String())
	assert.Equal(t, "InvariantViolation", ErrorInvariantViolation.String())
}

func TestInteractionState_String(t *testing.T) {
	assert.Equal(t, "NotStarted", StateNotStarted.String())
	assert.Equal(t, "Completed", StateCompleted.String())
	assert.Equal(t, "Invalid", InteractionState(255).String())
}

func TestInteractionState_IsTerminal(t *testing.T) {
	terminal := []InteractionState{StateCompleted, StateFailed}
	nonTerminal := []InteractionState{
		StateNotStarted, StateRequestReceived, StateUpstreamSelected,
		StateRequestForwarded, StateResponseHeadersReceived,
	}

	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "expected %s to be terminal", s)
	}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), "expected %s to not be terminal", s)
	}
}
