package provider

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unionsquare/unionsquare/internal/model"
)

func TestParseRequest_OpenAI(t *testing.T) {
	reg := NewRegistry()
	body := []byte(`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`)

	parsed := reg.ParseRequest("/v1/chat/completions", http.Header{}, body)

	require.Equal(t, model.ParseKnown, parsed.Status)
	assert.Equal(t, model.ProviderOpenAI, parsed.Provider)
	assert.Equal(t, "gpt-4", parsed.Model)
	require.Len(t, parsed.Messages, 1)
	assert.Equal(t, "hi", parsed.Messages[0].Content)
	assert.Equal(t, body, parsed.RawBody)
}

func TestParseRequest_Anthropic(t *testing.T) {
	reg := NewRegistry()
	body := []byte(`{"model":"claude-3","max_tokens":256,"system":"be terse","messages":[{"role":"user","content":"hi"}]}`)

	parsed := reg.ParseRequest("/v1/messages", http.Header{}, body)

	require.Equal(t, model.ParseKnown, parsed.Status)
	assert.Equal(t, model.ProviderAnthropic, parsed.Provider)
	assert.Equal(t, "claude-3", parsed.Model)
	require.Len(t, parsed.Messages, 2)
	assert.Equal(t, "system", parsed.Messages[0].Role)
	assert.Equal(t, "be terse", parsed.Messages[0].Content)
	require.NotNil(t, parsed.Parameters.MaxTokens)
	assert.Equal(t, 256, *parsed.Parameters.MaxTokens)
}

func TestParseRequest_Bedrock(t *testing.T) {
	reg := NewRegistry()
	body := []byte(`{"messages":[{"role":"user","content":"hi"}],"max_tokens":128}`)

	parsed := reg.ParseRequest("/model/anthropic.claude-3-haiku-20240307-v1:0/invoke", http.Header{}, body)

	require.Equal(t, model.ParseKnown, parsed.Status)
	assert.Equal(t, model.ProviderBedrock, parsed.Provider)
	assert.Equal(t, "anthropic.claude-3-haiku-20240307-v1:0", parsed.Model)
}

func TestParseRequest_Bedrock_RejectsInvalidModelID(t *testing.T) {
	reg := NewRegistry()
	body := []byte(`{"prompt":"hi"}`)

	// A path-traversal-looking model ID must never be treated as Bedrock.
	parsed := reg.ParseRequest("/model/../../etc/passwd/invoke", http.Header{}, body)

	assert.Equal(t, model.ParseUnknown, parsed.Status)
}

func TestParseRequest_Unknown(t *testing.T) {
	reg := NewRegistry()
	body := []byte(`{"foo":"bar"}`)

	parsed := reg.ParseRequest("/custom/v9/run", http.Header{}, body)

	require.Equal(t, model.ParseUnknown, parsed.Status)
	assert.Equal(t, model.ProviderUnknown, parsed.Provider)
	assert.Equal(t, "no matching provider", parsed.FallbackReason)
	assert.Equal(t, body, parsed.RawBody)
}

func TestParseResponse_OpenAI(t *testing.T) {
	reg := NewRegistry()
	body := []byte(`{"id":"chatcmpl-1","model":"gpt-4","choices":[{"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`)

	parsed := reg.ParseResponse(model.ProviderOpenAI, body)

	require.Equal(t, model.ParseKnown, parsed.Status)
	assert.Equal(t, "hi there", parsed.Content)
	require.NotNil(t, parsed.Tokens)
	assert.Equal(t, 5, parsed.Tokens.TotalTokens)
}

func TestParseResponse_AnthropicOnBedrock(t *testing.T) {
	reg := NewRegistry()
	body := []byte(`{"id":"msg_1","model":"claude-3","content":[{"type":"text","text":"hi there"}],"usage":{"input_tokens":3,"output_tokens":2}}`)

	parsed := reg.ParseResponse(model.ProviderBedrock, body)

	require.Equal(t, model.ParseKnown, parsed.Status)
	assert.Equal(t, model.ProviderBedrock, parsed.Provider)
	assert.Equal(t, "hi there", parsed.Content)
}

func TestDecodeEventstream_Empty(t *testing.T) {
	payloads, err := DecodeEventstream(nil)
	require.NoError(t, err)
	assert.Nil(t, payloads)
}

func TestParseResponse_OpenAI_Streaming(t *testing.T) {
	reg := NewRegistry()
	body := []byte("data: {\"id\":\"chatcmpl-1\",\"model\":\"gpt-4\",\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n" +
		"data: {\"id\":\"chatcmpl-1\",\"model\":\"gpt-4\",\"choices\":[{\"delta\":{\"content\":\" there\"}}]}\n\n" +
		"data: {\"id\":\"chatcmpl-1\",\"model\":\"gpt-4\",\"choices\":[{\"delta\":{}}],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":2,\"total_tokens\":5}}\n\n" +
		"data: [DONE]\n\n")

	parsed := reg.ParseResponse(model.ProviderOpenAI, body)

	require.Equal(t, model.ParseKnown, parsed.Status)
	assert.Equal(t, "gpt-4", parsed.Model)
	assert.Equal(t, "hi there", parsed.Content)
	require.NotNil(t, parsed.Tokens)
	assert.Equal(t, 5, parsed.Tokens.TotalTokens)
}

func TestParseResponse_Anthropic_Streaming(t *testing.T) {
	reg := NewRegistry()
	body := []byte(`data: {"type":"message_start","message":{"id":"msg_1","model":"claude-3","usage":{"input_tokens":3}}}` + "\n\n" +
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"hi"}}` + "\n\n" +
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":" there"}}` + "\n\n" +
		`data: {"type":"message_delta","usage":{"output_tokens":2}}` + "\n\n")

	parsed := reg.ParseResponse(model.ProviderAnthropic, body)

	require.Equal(t, model.ParseKnown, parsed.Status)
	assert.Equal(t, "claude-3", parsed.Model)
	assert.Equal(t, "hi there", parsed.Content)
	require.NotNil(t, parsed.Tokens)
	assert.Equal(t, 3, parsed.Tokens.PromptTokens)
	assert.Equal(t, 2, parsed.Tokens.CompletionTokens)
}
