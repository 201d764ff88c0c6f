// Package stream decodes Server-Sent Events framed response bodies.
//
// The teacher's version of this package translated a channel of
// provider-specific deltas into OpenAI-compatible SSE for the client.
// Union Square is a byte-transparent proxy — the hot path forwards
// upstream bytes (SSE included) straight through without reframing them
// — so that direction of translation has no home here. What the audit
// path does need is the opposite direction: a reassembled streaming
// response body is itself SSE-framed, and the Provider Parser Registry
// has to decode it back into discrete provider events before it can
// extract a normalized ParsedLlmResponse. This package now does that
// decoding.
package stream

import (
	"bytes"
	"strings"
)

const doneSentinel = "[DONE]"

// LooksLikeEventStream reports whether body is plausibly an SSE-framed
// response rather than a single JSON object, by checking whether its
// first non-blank line starts with the SSE "data:" or "event:" field name.
func LooksLikeEventStream(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return bytes.HasPrefix(trimmed, []byte("data:")) || bytes.HasPrefix(trimmed, []byte("event:"))
}

// DecodeSSE splits an SSE-framed body into its "data:" payloads, in
// order, skipping the "[DONE]" sentinel and any non-"data:" fields
// (e.g. "event:", "id:", blank keep-alive lines). Malformed framing
// never produces an error — a line that doesn't parse is simply
// skipped, since the bytes themselves are preserved upstream in
// ParsedLlmResponse.RawBody regardless of what this function recovers.
func DecodeSSE(body []byte) []string {
	var payloads []string
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimRight(line, "\r")
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" || data == doneSentinel {
			continue
		}
		payloads = append(payloads, data)
	}
	return payloads
}
