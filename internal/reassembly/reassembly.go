// Package reassembly reconstructs contiguous request/response bodies
// from potentially out-of-order (offset, bytes) chunks observed on the
// hot path. It is exclusively owned by the single audit-path consumer
// goroutine — spec.md §5 forbids any lock shared with the hot path
// here, and there is none: callers hand this package finalized chunks,
// never a reference the hot path also touches.
package reassembly

import (
	"sort"
	"sync"
	"time"

	"github.com/unionsquare/unionsquare/internal/ids"
)

// Outcome is the total result of a completion attempt.
type Outcome uint8

const (
	OutcomeComplete Outcome = iota
	OutcomeIncomplete
	OutcomeCorrupt
	OutcomeOverLimit
)

// chunk is one observed (offset, bytes) pair.
type chunk struct {
	offset uint64
	data   []byte
}

// entry tracks in-progress reassembly for one RequestId.
type entry struct {
	chunks     []chunk // kept sorted by offset
	seenBytes  uint64
	lastTouch  time.Time
	overLimit  bool
	corrupt    bool
}

// Config bounds reassembly resource usage, mirroring spec.md §6's
// reassembly.max_body_bytes / reassembly.ttl configuration surface.
type Config struct {
	MaxBodyBytes uint64
	TTL          time.Duration
}

// Reassembler holds per-RequestId reassembly state, sharded by a fixed
// number of locked buckets so that concurrent Append calls for
// different RequestIds (as may happen while the audit consumer
// dispatches request and response chunks for distinct interactions
// through worker goroutines) don't serialize on one mutex, while each
// individual RequestId's shard remains single-owner as spec.md §5
// requires.
type Reassembler struct {
	cfg     Config
	shards  []shard
	shardsN uint64
}

type shard struct {
	mu      sync.Mutex
	entries map[ids.RequestId]*entry
}

// New constructs a Reassembler with the given config and shard count.
func New(cfg Config, shardCount int) *Reassembler {
	if shardCount <= 0 {
		shardCount = 1
	}
	r := &Reassembler{cfg: cfg, shardsN: uint64(shardCount)}
	r.shards = make([]shard, shardCount)
	for i := range r.shards {
		r.shards[i].entries = make(map[ids.RequestId]*entry)
	}
	return r
}

func (r *Reassembler) shardFor(id ids.RequestId) *shard {
	h := fnv1a(string(id))
	return &r.shards[h%r.shardsN]
}

func fnv1a(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

// Append inserts a chunk into the per-RequestId sorted chunk list.
// Overlapping writes return OutcomeCorrupt immediately and mark the
// entry corrupt, so the following Complete for this RequestId reports
// OutcomeCorrupt as well (spec.md §4.5).
func (r *Reassembler) Append(id ids.RequestId, offset uint64, data []byte) Outcome {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		e = &entry{}
		s.entries[id] = e
	}
	e.lastTouch = time.Now()

	if r.cfg.MaxBodyBytes > 0 && offset+uint64(len(data)) > r.cfg.MaxBodyBytes {
		e.overLimit = true
		return OutcomeOverLimit
	}

	// Find insertion point; reject if it overlaps a neighbor.
	idx := sort.Search(len(e.chunks), func(i int) bool {
		return e.chunks[i].offset >= offset
	})
	if idx > 0 {
		prev := e.chunks[idx-1]
		if prev.offset+uint64(len(prev.data)) > offset {
			e.corrupt = true
			return OutcomeCorrupt
		}
	}
	if idx < len(e.chunks) {
		next := e.chunks[idx]
		if offset+uint64(len(data)) > next.offset {
			e.corrupt = true
			return OutcomeCorrupt
		}
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	e.chunks = append(e.chunks, chunk{})
	copy(e.chunks[idx+1:], e.chunks[idx:])
	e.chunks[idx] = chunk{offset: offset, data: cp}
	e.seenBytes += uint64(len(data))

	return OutcomeComplete // Append itself never fails from gaps; Complete checks coverage
}

// Complete returns the contiguous body for id if the union of observed
// chunks covers [0, expectedTotal) exactly. The entry is removed from
// the shard on any terminal outcome (Complete, Corrupt, OverLimit) —
// only Incomplete leaves it in place, since more chunks may still
// arrive.
func (r *Reassembler) Complete(id ids.RequestId, expectedTotal uint64) ([]byte, Outcome) {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, OutcomeIncomplete
	}
	if e.overLimit {
		delete(s.entries, id)
		return nil, OutcomeOverLimit
	}
	if e.corrupt {
		delete(s.entries, id)
		return nil, OutcomeCorrupt
	}

	body := make([]byte, 0, expectedTotal)
	var want uint64
	for _, c := range e.chunks {
		if c.offset != want {
			return nil, OutcomeIncomplete
		}
		body = append(body, c.data...)
		want += uint64(len(c.data))
	}
	if want != expectedTotal {
		return nil, OutcomeIncomplete
	}

	delete(s.entries, id)
	return body, OutcomeComplete
}

// Abandon drops reassembly state for id without attempting completion,
// used when a ReassemblyFailed event has already been emitted.
func (r *Reassembler) Abandon(id ids.RequestId) {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

// GC drops reassemblies whose last touch is older than the configured
// TTL, returning the abandoned RequestIds so the caller can record each
// one. The audit consumer records each as a ReassemblyFailed event with
// outcome Incomplete; there is no separate ReassemblyAbandoned event kind.
func (r *Reassembler) GC(olderThan time.Duration) []ids.RequestId {
	var abandoned []ids.RequestId
	cutoff := time.Now().Add(-olderThan)
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for id, e := range s.entries {
			if e.lastTouch.Before(cutoff) {
				abandoned = append(abandoned, id)
				delete(s.entries, id)
			}
		}
		s.mu.Unlock()
	}
	return abandoned
}
