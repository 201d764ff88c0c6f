package provider

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/unionsquare/unionsquare/internal/model"
	"github.com/unionsquare/unionsquare/internal/stream"
)

// looksLikeAnthropicMessages reports whether uri names Anthropic's
// Messages API, per spec.md §4.6's "URI contains messages endpoint".
func looksLikeAnthropicMessages(uri string) bool {
	return strings.Contains(uri, "/v1/messages")
}

// --- wire shapes -----------------------------------------------------------

// anthropicRequestBody is the shape Anthropic's /v1/messages endpoint
// expects. model may be absent from the body on some deployments that
// set it only via a header — toleration for that is handled in
// parseAnthropicRequest below.
type anthropicRequestBody struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      json.RawMessage    `json:"system"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature *float64           `json:"temperature"`
	TopP        *float64           `json:"top_p"`
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"` // string or []contentBlock
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicResponseBody struct {
	ID         string                  `json:"id"`
	Model      string                  `json:"model"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// messageText extracts plain text from a Content field that may be
// either a bare JSON string or an array of content blocks — Anthropic
// accepts both shapes for a message's content.
func messageText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []anthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var sb strings.Builder
		for _, b := range blocks {
			if b.Type == "text" || b.Type == "" {
				sb.WriteString(b.Text)
			}
		}
		return sb.String()
	}
	return ""
}

// parseAnthropicRequest extracts normalized fields from an Anthropic
// /v1/messages request body. ok is false when body isn't plausibly an
// Anthropic request (missing messages), letting the registry fall
// through to the next adapter rather than reporting a misleading
// "known but garbled" result.
func parseAnthropicRequest(headers http.Header, body []byte) (model.ParsedLlmRequest, bool) {
	var req anthropicRequestBody
	if err := json.Unmarshal(body, &req); err != nil {
		return model.ParsedLlmRequest{}, false
	}
	if len(req.Messages) == 0 {
		return model.ParsedLlmRequest{}, false
	}

	modelName := req.Model
	if modelName == "" && headers != nil {
		modelName = headers.Get("anthropic-model")
	}

	msgs := make([]model.ChatMessage, 0, len(req.Messages)+1)
	if len(req.System) > 0 {
		if sysText := messageText(req.System); sysText != "" {
			msgs = append(msgs, model.ChatMessage{Role: "system", Content: sysText})
		}
	}
	for _, m := range req.Messages {
		msgs = append(msgs, model.ChatMessage{Role: m.Role, Content: messageText(m.Content)})
	}

	params := model.Parameters{Temperature: req.Temperature, TopP: req.TopP}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}

	return model.ParsedLlmRequest{
		Status:     model.ParseKnown,
		Provider:   model.ProviderAnthropic,
		Model:      modelName,
		Messages:   msgs,
		Parameters: params,
		RawBody:    body,
	}, true
}

// anthropicStreamEvent covers the handful of event shapes that carry
// content or usage on an Anthropic Messages streaming response:
// message_start (model, id, input token usage), content_block_delta
// (incremental text), and message_delta (output token usage, stop
// reason). Other event types (ping, content_block_start/stop,
// message_stop) unmarshal into the zero value and contribute nothing.
type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message struct {
		ID    string         `json:"id"`
		Model string         `json:"model"`
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	Delta struct {
		Type         string `json:"type"`
		Text         string `json:"text"`
		StopReason   string `json:"stop_reason"`
		OutputTokens int    `json:"output_tokens"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
}

// parseAnthropicStreamingResponse reassembles a full response from an
// SSE-framed stream of Messages API events, concatenating each
// content_block_delta's text in order and taking token counts from
// message_start (input) and message_delta (output).
func parseAnthropicStreamingResponse(body []byte) (model.ParsedLlmResponse, bool) {
	events := stream.DecodeSSE(body)
	if len(events) == 0 {
		return model.ParsedLlmResponse{}, false
	}

	var modelName string
	var text strings.Builder
	var inputTokens, outputTokens int
	sawEvent := false

	for _, raw := range events {
		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "message_start":
			sawEvent = true
			if ev.Message.Model != "" {
				modelName = ev.Message.Model
			}
			inputTokens = ev.Message.Usage.InputTokens
		case "content_block_delta":
			sawEvent = true
			if ev.Delta.Type == "text_delta" || ev.Delta.Type == "" {
				text.WriteString(ev.Delta.Text)
			}
		case "message_delta":
			sawEvent = true
			if ev.Usage.OutputTokens > 0 {
				outputTokens = ev.Usage.OutputTokens
			} else if ev.Delta.OutputTokens > 0 {
				outputTokens = ev.Delta.OutputTokens
			}
		}
	}
	if !sawEvent {
		return model.ParsedLlmResponse{}, false
	}

	return model.ParsedLlmResponse{
		Status:   model.ParseKnown,
		Provider: model.ProviderAnthropic,
		Model:    modelName,
		Content:  text.String(),
		Tokens: &model.TokenCounts{
			PromptTokens:     inputTokens,
			CompletionTokens: outputTokens,
			TotalTokens:      inputTokens + outputTokens,
		},
		RawBody: body,
	}, true
}

// parseAnthropicResponse extracts normalized fields from a (possibly
// reassembled) Anthropic response body, dispatching to the SSE-aware
// path when the body is stream-framed. It is also reused for Bedrock
// responses, since Bedrock's Anthropic model family returns this same
// JSON/event shape once unwrapped from the eventstream envelope (see
// bedrock.go).
func parseAnthropicResponse(body []byte) (model.ParsedLlmResponse, bool) {
	if stream.LooksLikeEventStream(body) {
		return parseAnthropicStreamingResponse(body)
	}

	var resp anthropicResponseBody
	if err := json.Unmarshal(body, &resp); err != nil {
		return model.ParsedLlmResponse{}, false
	}
	if len(resp.Content) == 0 && resp.ID == "" {
		return model.ParsedLlmResponse{}, false
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return model.ParsedLlmResponse{
		Status:   model.ParseKnown,
		Provider: model.ProviderAnthropic,
		Model:    resp.Model,
		Content:  text.String(),
		Tokens: &model.TokenCounts{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		RawBody: body,
	}, true
}
