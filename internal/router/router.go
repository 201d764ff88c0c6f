// Package router implements the Stream Router described in spec.md
// §4.8: it decides which Event Store stream(s) a parsed audit record
// belongs to, appends with optimistic concurrency, and retries a
// VersionConflict a bounded number of times before parking the event
// in the Event Store's dead-letter table (see DESIGN.md's Open Question decision on
// the retry budget).
package router

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/unionsquare/unionsquare/internal/eventstore"
	"github.com/unionsquare/unionsquare/internal/ids"
	"github.com/unionsquare/unionsquare/internal/metrics"
)

// maxVersionConflictRetries bounds the retry loop on a VersionConflict
// before the event is parked in the dead-letter table. Fixed at 5 per
// the Open Question decision recorded in DESIGN.md.
const maxVersionConflictRetries = 5

// Submission is one routed write: the interaction stream's record,
// optionally paired with a session-stream summary when the interaction
// belongs to a session (spec.md §4.8's atomic multi-stream append).
type Submission struct {
	InteractionStreamId ids.StreamId
	InteractionEvents   []eventstore.AppendEvent

	SessionStreamId ids.StreamId // zero value if the interaction has no session
	SessionEvents   []eventstore.AppendEvent
}

// HasSession reports whether this submission also targets a session stream.
func (s Submission) HasSession() bool {
	return s.SessionStreamId != ""
}

// Router routes Submissions into the event store with retrying,
// optimistic-concurrency-safe appends.
type Router struct {
	store   *eventstore.Store
	metrics *metrics.Metrics
}

// New constructs a Router over an opened event store.
func New(store *eventstore.Store, m *metrics.Metrics) *Router {
	return &Router{store: store, metrics: m}
}

// Route appends a Submission's events to their target stream(s),
// retrying on VersionConflict with jittered backoff up to
// maxVersionConflictRetries times. Exhausting the budget parks every
// event in the submission in the dead-letter table and returns nil
// unless a dead-letter write fails, in which case that error is
// returned — a parked event is not itself a routing failure the caller should
// alarm on twice; spec.md's "degraded, not crashed" posture applies
// here too.
func (r *Router) Route(ctx context.Context, sub Submission) error {
	if sub.HasSession() {
		return r.routeMultiStream(ctx, sub)
	}
	return r.routeSingleStream(ctx, sub.InteractionStreamId, sub.InteractionEvents)
}

func (r *Router) routeSingleStream(ctx context.Context, streamID ids.StreamId, events []eventstore.AppendEvent) error {
	for attempt := 0; attempt <= maxVersionConflictRetries; attempt++ {
		expected, err := r.store.StreamVersion(ctx, streamID)
		if err != nil {
			return err
		}
		_, err = r.store.Append(ctx, streamID, expected, events)
		if err == nil {
			return nil
		}
		if !errors.Is(err, eventstore.ErrVersionConflict) {
			return err
		}
		r.metrics.VersionConflicts.Inc()
		if attempt == maxVersionConflictRetries {
			return r.parkAll(ctx, streamID, events, "version conflict retry budget exhausted")
		}
		backoff(attempt)
	}
	return nil
}

// routeMultiStream appends to both streams inside one logical
// operation. Since the two streams have independent version counters,
// "atomic" here means: either both appends land, or both are retried
// together, or both are parked together — the caller never sees the
// interaction stream advance while the session stream silently lags.
func (r *Router) routeMultiStream(ctx context.Context, sub Submission) error {
	for attempt := 0; attempt <= maxVersionConflictRetries; attempt++ {
		interactionVersion, err := r.store.StreamVersion(ctx, sub.InteractionStreamId)
		if err != nil {
			return err
		}
		sessionVersion, err := r.store.StreamVersion(ctx, sub.SessionStreamId)
		if err != nil {
			return err
		}

		err = r.store.AppendMulti(ctx, []eventstore.StreamAppend{
			{StreamId: sub.InteractionStreamId, ExpectedVersion: interactionVersion, Events: sub.InteractionEvents},
			{StreamId: sub.SessionStreamId, ExpectedVersion: sessionVersion, Events: sub.SessionEvents},
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, eventstore.ErrVersionConflict) {
			return err
		}
		r.metrics.VersionConflicts.Inc()
		if attempt == maxVersionConflictRetries {
			if err := r.parkAll(ctx, sub.InteractionStreamId, sub.InteractionEvents, "version conflict retry budget exhausted"); err != nil {
				return err
			}
			return r.parkAll(ctx, sub.SessionStreamId, sub.SessionEvents, "version conflict retry budget exhausted")
		}
		backoff(attempt)
	}
	return nil
}

func (r *Router) parkAll(ctx context.Context, streamID ids.StreamId, events []eventstore.AppendEvent, reason string) error {
	for _, e := range events {
		if err := r.store.DeadLetter(ctx, streamID, e.Kind, e.Payload, reason); err != nil {
			return err
		}
		r.metrics.DeadLettered.Inc()
	}
	return nil
}

// backoff sleeps a jittered, exponentially growing delay before the
// next retry attempt. Capped low since a VersionConflict only arises
// from genuine concurrent writers to the same stream, which drains
// quickly.
func backoff(attempt int) {
	base := time.Duration(1<<uint(attempt)) * 5 * time.Millisecond
	jitter := time.Duration(rand.Int63n(int64(base) + 1))
	time.Sleep(base + jitter)
}

// BuildParsedRequestSubmission constructs the Submission for a parsed
// request event, routing to the interaction stream alone, or to both
// the interaction and session streams when sessionID is non-empty.
func BuildParsedRequestSubmission(interactionStream ids.StreamId, sessionID ids.SessionId, events []eventstore.AppendEvent, sessionEvents []eventstore.AppendEvent) Submission {
	sub := Submission{InteractionStreamId: interactionStream, InteractionEvents: events}
	if sessionID != "" {
		sub.SessionStreamId = ids.SessionStream(sessionID)
		sub.SessionEvents = sessionEvents
	}
	return sub
}
