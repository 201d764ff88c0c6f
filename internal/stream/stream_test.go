package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLooksLikeEventStream(t *testing.T) {
	assert.True(t, LooksLikeEventStream([]byte("data: {\"a\":1}\n\n")))
	assert.True(t, LooksLikeEventStream([]byte("  \n event: message\ndata: hi\n\n")))
	assert.False(t, LooksLikeEventStream([]byte(`{"a":1}`)))
}

func TestDecodeSSE_MultipleEventsSkipsDone(t *testing.T) {
	body := "data: {\"delta\":\"Hello\"}\n\ndata: {\"delta\":\" world\"}\n\ndata: [DONE]\n\n"
	payloads := DecodeSSE([]byte(body))

	assert := assert.New(t)
	assert.Len(payloads, 2)
	assert.Equal(`{"delta":"Hello"}`, payloads[0])
	assert.Equal(`{"delta":" world"}`, payloads[1])
}

func TestDecodeSSE_IgnoresNonDataFields(t *testing.T) {
	body := "event: message\nid: 1\ndata: {\"delta\":\"hi\"}\n\n"
	payloads := DecodeSSE([]byte(body))

	assert.Equal(t, []string{`{"delta":"hi"}`}, payloads)
}

func TestDecodeSSE_EmptyBody(t *testing.T) {
	assert.Nil(t, DecodeSSE(nil))
}
