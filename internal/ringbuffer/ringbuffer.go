// Package ringbuffer implements the lock-free, multi-producer/single-consumer
// handoff between the hot path and the audit path.
//
// The design follows the LMAX Disruptor pattern: a fixed, power-of-two
// slot array, an atomic cursor claimed by producers via CAS, and a
// per-slot state word that lets the single consumer know which slots
// are safe to read. This is the sole synchronization boundary between
// the hot path and the audit path (spec.md §5) — everything downstream
// of Drain is free to take locks, allocate, and block.
package ringbuffer

import (
	"sync/atomic"

	"github.com/unionsquare/unionsquare/internal/model"
)

// slotState values, stored in each slot's state word.
const (
	slotEmpty uint32 = iota
	slotWriting
	slotCommitted
)

// slot holds one RawAuditEvent plus its synchronization state. The
// state field is padded out to 64 bytes ahead of the inline event so
// that a producer writing state on one slot doesn't false-share a cache
// line with the consumer reading the event on an adjacent slot.
type slot struct {
	state uint32
	_     [60]byte // state (4 bytes) + padding = 64 bytes
	event model.RawAuditEvent
}

// PublishResult is the outcome of try_publish.
type PublishResult uint8

const (
	Published PublishResult = iota
	Full
)

// Buffer is a fixed-capacity, power-of-two ring of slots. Producers
// call TryPublish from any number of goroutines; exactly one goroutine
// may call Drain.
type Buffer struct {
	mask  uint64
	slots []slot

	// head is the next sequence number a producer will try to claim.
	// Advanced with an atomic CAS loop to support multiple producers.
	head uint64

	// tail is the next sequence number the consumer will read. Only the
	// single consumer advances it, with an atomic store; producers read
	// it with an atomic load to detect a full buffer.
	tail uint64

	dropped uint64 // atomic counter of try_publish calls that returned Full
}

// New constructs a Buffer with the given slot count, which must be a
// power of two (validated, not silently rounded — a misconfigured
// ring_buffer.slot_count is a startup error, not a runtime surprise).
func New(slotCount int) *Buffer {
	if slotCount <= 0 || slotCount&(slotCount-1) != 0 {
		panic("ringbuffer: slot_count must be a power of two")
	}
	return &Buffer{
		mask:  uint64(slotCount - 1),
		slots: make([]slot, slotCount),
	}
}

// Capacity returns the number of slots.
func (b *Buffer) Capacity() int {
	return len(b.slots)
}

// DroppedCount returns the number of events dropped because the buffer
// was full, for the DroppedAuditBytes-style counter in spec.md §8.
func (b *Buffer) DroppedCount() uint64 {
	return atomic.LoadUint64(&b.dropped)
}

// TryPublish reserves a slot, writes the event, and commits it. It
// never blocks and never allocates beyond what the caller already
// allocated for event.Payload/event.Headers. On Full, the caller MUST
// NOT retry or wait — it increments the dropped counter and returns
// immediately, per spec.md §4.1.
func (b *Buffer) TryPublish(event model.RawAuditEvent) PublishResult {
	for {
		head := atomic.LoadUint64(&b.head)
		tail := atomic.LoadUint64(&b.tail)

		// The buffer is full when claiming one more slot would lap the
		// consumer's tail. We compare against len(slots) rather than
		// mask+1 for clarity; both equal capacity since capacity is a
		// power of two.
		if head-tail >= uint64(len(b.slots)) {
			atomic.AddUint64(&b.dropped, 1)
			return Full
		}

		if atomic.CompareAndSwapUint64(&b.head, head, head+1) {
			s := &b.slots[head&b.mask]
			atomic.StoreUint32(&s.state, slotWriting)
			event.Seq = head
			s.event = event
			// Release store: everything written above (the event) must
			// be visible to the consumer once it observes slotCommitted
			// via an acquire load.
			atomic.StoreUint32(&s.state, slotCommitted)
			return Published
		}
		// Lost the CAS race against another producer; reload and retry.
	}
}

// Drain returns up to max events in publication order, advancing the
// consumer's tail only over slots it has observed committed. It is the
// only method the single consumer goroutine may call; calling it from
// more than one goroutine concurrently is a misuse of the API (this
// type implements MPSC, not MPMC).
func (b *Buffer) Drain(max int) []model.RawAuditEvent {
	out := make([]model.RawAuditEvent, 0, max)
	for len(out) < max {
		s := &b.slots[b.tail&b.mask]
		// Acquire load: pairs with the producer's release store above.
		if atomic.LoadUint32(&s.state) != slotCommitted {
			break
		}
		out = append(out, s.event)
		atomic.StoreUint32(&s.state, slotEmpty)
		atomic.StoreUint64(&b.tail, b.tail+1)
	}
	return out
}

// Pending returns how many committed-but-undrained events currently sit
// in the buffer; used by soak tests and health checks, never by the
// hot path.
func (b *Buffer) Pending() uint64 {
	tail := atomic.LoadUint64(&b.tail)
	head := atomic.LoadUint64(&b.head)
	return head - tail
}
