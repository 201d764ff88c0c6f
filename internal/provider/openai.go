package provider

import (
	"encoding/json"
	"strings"

	"github.com/unionsquare/unionsquare/internal/model"
	"github.com/unionsquare/unionsquare/internal/stream"
)

// looksLikeOpenAIChat reports whether uri names an OpenAI-compatible
// chat-completions or legacy completions endpoint, per spec.md §4.6.
func looksLikeOpenAIChat(uri string) bool {
	return strings.Contains(uri, "/chat/completions") || strings.Contains(uri, "/completions")
}

type openAIRequestBody struct {
	Model       string             `json:"model"`
	Messages    []openAIMessage    `json:"messages"`
	Prompt      json.RawMessage    `json:"prompt"` // string, or array of strings for legacy completions
	Temperature *float64           `json:"temperature"`
	TopP        *float64           `json:"top_p"`
	MaxTokens   *int               `json:"max_tokens"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponseBody struct {
	ID      string           `json:"id"`
	Model   string           `json:"model"`
	Choices []openAIChoice   `json:"choices"`
	Usage   *openAIUsage     `json:"usage"`
}

type openAIChoice struct {
	Message      *openAIMessage `json:"message"`       // chat-completions shape
	Text         string         `json:"text"`          // legacy completions shape
	FinishReason string         `json:"finish_reason"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// parseOpenAIRequest extracts normalized fields from an OpenAI-style
// chat-completions or completions request body. Per spec.md §4.6, the
// body must have "model" and either "messages" or "prompt" to be
// considered a plausible OpenAI request.
func parseOpenAIRequest(body []byte) (model.ParsedLlmRequest, bool) {
	var req openAIRequestBody
	if err := json.Unmarshal(body, &req); err != nil {
		return model.ParsedLlmRequest{}, false
	}
	if req.Model == "" {
		return model.ParsedLlmRequest{}, false
	}

	parsed := model.ParsedLlmRequest{
		Status:   model.ParseKnown,
		Provider: model.ProviderOpenAI,
		Model:    req.Model,
		RawBody:  body,
		Parameters: model.Parameters{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			MaxTokens:   req.MaxTokens,
		},
	}

	switch {
	case len(req.Messages) > 0:
		for _, m := range req.Messages {
			parsed.Messages = append(parsed.Messages, model.ChatMessage{Role: m.Role, Content: m.Content})
		}
	case len(req.Prompt) > 0:
		if prompt, ok := decodePrompt(req.Prompt); ok {
			parsed.PromptText = prompt
		} else {
			return model.ParsedLlmRequest{}, false
		}
	default:
		return model.ParsedLlmRequest{}, false
	}

	return parsed, true
}

// decodePrompt handles OpenAI's legacy completions "prompt" field,
// which may be a bare string or an array of strings to batch.
func decodePrompt(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		return strings.Join(arr, "\n"), true
	}
	return "", false
}

// openAIStreamChunk is one "data:" event of an OpenAI chat-completions
// stream (chunk.Choices[i].Delta.Content carries the incremental text).
type openAIStreamChunk struct {
	ID      string               `json:"id"`
	Model   string               `json:"model"`
	Choices []openAIStreamChoice `json:"choices"`
	Usage   *openAIUsage         `json:"usage"`
}

type openAIStreamChoice struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
}

// parseOpenAIStreamingResponse reassembles a full response from an
// SSE-framed stream of chat-completions chunks, concatenating each
// chunk's delta content in order. The final chunk (with usage) is
// typically the only one carrying token counts.
func parseOpenAIStreamingResponse(body []byte) (model.ParsedLlmResponse, bool) {
	events := stream.DecodeSSE(body)
	if len(events) == 0 {
		return model.ParsedLlmResponse{}, false
	}

	var modelName, id string
	var content strings.Builder
	var tokens *model.TokenCounts
	sawChunk := false

	for _, raw := range events {
		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(raw), &chunk); err != nil {
			continue
		}
		sawChunk = true
		if chunk.Model != "" {
			modelName = chunk.Model
		}
		if chunk.ID != "" {
			id = chunk.ID
		}
		for _, c := range chunk.Choices {
			content.WriteString(c.Delta.Content)
		}
		if chunk.Usage != nil {
			tokens = &model.TokenCounts{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
	}
	if !sawChunk {
		return model.ParsedLlmResponse{}, false
	}
	_ = id // carried for parity with the non-streaming shape; not surfaced on ParsedLlmResponse today

	return model.ParsedLlmResponse{
		Status:   model.ParseKnown,
		Provider: model.ProviderOpenAI,
		Model:    modelName,
		Content:  content.String(),
		Tokens:   tokens,
		RawBody:  body,
	}, true
}

// parseOpenAIResponse extracts normalized fields from an OpenAI-style
// chat-completions or completions response body, dispatching to the
// SSE-aware path when the reassembled body is stream-framed.
func parseOpenAIResponse(body []byte) (model.ParsedLlmResponse, bool) {
	if stream.LooksLikeEventStream(body) {
		return parseOpenAIStreamingResponse(body)
	}

	var resp openAIResponseBody
	if err := json.Unmarshal(body, &resp); err != nil {
		return model.ParsedLlmResponse{}, false
	}
	if len(resp.Choices) == 0 {
		return model.ParsedLlmResponse{}, false
	}

	choice := resp.Choices[0]
	content := choice.Text
	if choice.Message != nil {
		content = choice.Message.Content
	}

	parsed := model.ParsedLlmResponse{
		Status:   model.ParseKnown,
		Provider: model.ProviderOpenAI,
		Model:    resp.Model,
		Content:  content,
		RawBody:  body,
	}
	if resp.Usage != nil {
		parsed.Tokens = &model.TokenCounts{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return parsed, true
}
