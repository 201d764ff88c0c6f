package server

import (
	"encoding/json"
	"net/http"
)

// handleHealth responds with a liveness probe, extended with the ring
// buffer's pending/dropped counters so an operator can see backpressure
// without reaching for the metrics endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":               "ok",
		"ring_buffer_pending":  s.buf.Pending(),
		"ring_buffer_dropped":  s.buf.DroppedCount(),
		"ring_buffer_capacity": s.buf.Capacity(),
	})
}
