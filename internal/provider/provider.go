// Package provider implements the Provider Parser Registry: given a
// request's URI, headers, and reassembled body (and, symmetrically, a
// response body), it selects a provider adapter and extracts normalized
// ParsedLlmRequest / ParsedLlmResponse values.
//
// Parsing is total: every input produces either a fully populated
// Known(provider) result or a fully populated Unknown result with a
// human-readable reason — there is no partial-parse state (spec.md
// §4.6). The raw body is preserved on every result so a failed parse
// never discards bytes.
package provider

import (
	"net/http"

	"github.com/unionsquare/unionsquare/internal/model"
)

// Registry dispatches to a closed set of provider adapters. Adding a
// provider means adding a case to detect and a pair of parse functions
// — spec.md §9 explicitly rules out open-world dispatch here.
type Registry struct{}

// NewRegistry constructs a parser registry. It holds no state today,
// but is a struct (not a package-level function) so it can grow
// per-provider configuration (e.g. a Bedrock model-family allow-list)
// without changing the call sites in the audit consumer.
func NewRegistry() *Registry {
	return &Registry{}
}

// ParseRequest selects a provider adapter from uri/headers/body and
// extracts the normalized request fields.
func (r *Registry) ParseRequest(uri string, headers http.Header, body []byte) model.ParsedLlmRequest {
	if modelID, ok := bedrockModelFromPath(uri); ok {
		return parseBedrockRequest(modelID, headers, body)
	}
	if looksLikeAnthropicMessages(uri) {
		if parsed, ok := parseAnthropicRequest(headers, body); ok {
			return parsed
		}
	}
	if looksLikeOpenAIChat(uri) {
		if parsed, ok := parseOpenAIRequest(body); ok {
			return parsed
		}
	}
	// Fall back to content sniffing: a deployment may proxy under a
	// path prefix that doesn't match any of the above but still carry
	// a recognizable JSON shape. Try each shape before giving up.
	if parsed, ok := parseAnthropicRequest(headers, body); ok {
		return parsed
	}
	if parsed, ok := parseOpenAIRequest(body); ok {
		return parsed
	}
	return model.ParsedLlmRequest{
		Status:         model.ParseUnknown,
		Provider:       model.ProviderUnknown,
		RawBody:        body,
		FallbackReason: "no matching provider",
	}
}

// ParseResponse extracts the normalized response fields, given the
// provider identified while parsing the request (response bodies alone
// rarely carry an unambiguous provider signature the way request URIs
// do, so the Audit Path Consumer passes through what it already knows).
func (r *Registry) ParseResponse(known model.Provider, body []byte) model.ParsedLlmResponse {
	switch known {
	case model.ProviderOpenAI:
		if parsed, ok := parseOpenAIResponse(body); ok {
			return parsed
		}
	case model.ProviderBedrock:
		if looksLikeEventstream(body) {
			if parsed, ok := parseBedrockStreamingResponse(body); ok {
				return parsed
			}
		}
		if parsed, ok := parseAnthropicResponse(body); ok {
			parsed.Provider = known
			return parsed
		}
	case model.ProviderAnthropic:
		if parsed, ok := parseAnthropicResponse(body); ok {
			parsed.Provider = known
			return parsed
		}
	}
	return model.ParsedLlmResponse{
		Status:         model.ParseUnknown,
		Provider:       known,
		RawBody:        body,
		FallbackReason: "no matching response shape for provider " + string(known),
	}
}
