package provider

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"

	"github.com/unionsquare/unionsquare/internal/model"
)

// validBedrockModelID guards against SSRF-via-model-id: Bedrock model
// identifiers are alphanumeric with dots/hyphens/underscores and an
// optional ":version" suffix. A path segment that doesn't match this
// is never a legitimate model ID, so it's rejected before any part of
// it is used to build log lines or downstream lookups (grounded on
// prime-radiant's transparent-agent-logger bedrock adapter).
var validBedrockModelID = regexp.MustCompile(`^[a-zA-Z0-9._-]+(:[0-9]+)?$`)

// bedrockModelFromPath extracts the model ID from a Bedrock invoke path:
// /model/{modelId}/invoke or /model/{modelId}/invoke-with-response-stream.
func bedrockModelFromPath(uri string) (string, bool) {
	path := uri
	if idx := strings.Index(path, "?"); idx >= 0 {
		path = path[:idx]
	}
	const prefix = "/model/"
	trimmed := strings.TrimPrefix(path, prefix)
	if trimmed == path {
		return "", false
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return "", false
	}
	modelID := parts[0]
	if !validBedrockModelID.MatchString(modelID) {
		return "", false
	}
	return modelID, true
}

// bedrockRequestBody tolerates the several prompt field names used
// across Bedrock model families, per spec.md §4.6: Anthropic-on-Bedrock
// uses "messages", Titan uses "inputText", Llama/Cohere-style adapters
// use "prompt". We decode into a single permissive struct and take
// whichever field is populated.
type bedrockRequestBody struct {
	Messages    []anthropicMessage `json:"messages"`
	System      json.RawMessage    `json:"system"`
	InputText   string             `json:"inputText"`
	Prompt      string             `json:"prompt"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature"`
	TopP        *float64           `json:"top_p"`
}

// parseBedrockRequest extracts normalized fields from a Bedrock invoke
// request body, given the model ID already extracted from the path.
// Parsing is total for this adapter: an empty/malformed body still
// yields a fully populated ParsedLlmRequest with whatever could be
// recovered, never a bare error — the raw bytes are preserved either way.
func parseBedrockRequest(modelID string, headers http.Header, body []byte) model.ParsedLlmRequest {
	var req bedrockRequestBody
	_ = json.Unmarshal(body, &req) // tolerate malformed JSON; fields stay zero

	params := model.Parameters{Temperature: req.Temperature, TopP: req.TopP}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}

	parsed := model.ParsedLlmRequest{
		Status:     model.ParseKnown,
		Provider:   model.ProviderBedrock,
		Model:      modelID,
		Parameters: params,
		RawBody:    body,
	}

	switch {
	case len(req.Messages) > 0:
		if len(req.System) > 0 {
			if sysText := messageText(req.System); sysText != "" {
				parsed.Messages = append(parsed.Messages, model.ChatMessage{Role: "system", Content: sysText})
			}
		}
		for _, m := range req.Messages {
			parsed.Messages = append(parsed.Messages, model.ChatMessage{Role: m.Role, Content: messageText(m.Content)})
		}
	case req.InputText != "":
		parsed.PromptText = req.InputText
	case req.Prompt != "":
		parsed.PromptText = req.Prompt
	default:
		parsed.Status = model.ParseUnknown
		parsed.FallbackReason = fmt.Sprintf("bedrock model %q: no recognized prompt field", modelID)
	}

	return parsed
}

// DecodeEventstream decodes a complete Bedrock eventstream response
// buffer (the binary framing used by invoke-with-response-stream) into
// a slice of raw per-event JSON payloads, each the base64-decoded
// "bytes" field of one eventstream frame. Non-JSON or non-"bytes"
// frames (e.g. exception frames) are skipped. Decoding stops at the
// first malformed frame but returns whatever was successfully decoded
// before that point — partial decode is still useful observability,
// never worse than none.
func DecodeEventstream(buf []byte) ([][]byte, error) {
	if len(buf) == 0 {
		return nil, nil
	}

	decoder := eventstream.NewDecoder()
	reader := bytes.NewReader(buf)
	var payloads [][]byte
	var lastErr error

	for reader.Len() > 0 {
		msg, err := decoder.Decode(reader, nil)
		if err != nil {
			lastErr = fmt.Errorf("eventstream decode: %w", err)
			break
		}

		var frame struct {
			Bytes string `json:"bytes"`
		}
		if err := json.Unmarshal(msg.Payload, &frame); err != nil || frame.Bytes == "" {
			continue
		}

		decoded, err := base64.StdEncoding.DecodeString(frame.Bytes)
		if err != nil {
			decoded, err = base64.URLEncoding.DecodeString(frame.Bytes)
			if err != nil {
				lastErr = fmt.Errorf("base64 decode: %w", err)
				continue
			}
		}
		payloads = append(payloads, decoded)
	}

	return payloads, lastErr
}

// looksLikeEventstream reports whether buf could be an AWS eventstream
// buffer rather than a bare JSON object or SSE text: it is at least 12
// bytes long (the size of an eventstream prelude) and does not start
// with '{', 'd' or 'e' (as "{...}", "data:" and "event:" do). The
// prelude's length fields are not read. This is a cheap sniff, not a
// validating parse — DecodeEventstream
// is the source of truth and simply returns an error for anything that
// doesn't actually decode.
func looksLikeEventstream(buf []byte) bool {
	if len(buf) < 12 {
		return false
	}
	return buf[0] != '{' && buf[0] != 'd' && buf[0] != 'e' // not "{...}" nor "data:"/"event:"
}

// parseBedrockStreamingResponse decodes a reassembled
// invoke-with-response-stream body's eventstream framing and
// accumulates the wrapped Anthropic-shaped events the same way
// parseAnthropicStreamingResponse accumulates SSE events, since
// Bedrock's Anthropic model family wraps that same event vocabulary
// one event per eventstream frame instead of one per "data:" line.
func parseBedrockStreamingResponse(body []byte) (model.ParsedLlmResponse, bool) {
	frames, err := DecodeEventstream(body)
	if err != nil && len(frames) == 0 {
		return model.ParsedLlmResponse{}, false
	}

	var modelName string
	var text strings.Builder
	var inputTokens, outputTokens int
	sawEvent := false

	for _, frame := range frames {
		var ev anthropicStreamEvent
		if err := json.Unmarshal(frame, &ev); err != nil {
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
		Provider: model.ProviderBedrock,
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
