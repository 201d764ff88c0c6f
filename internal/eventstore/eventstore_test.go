package eventstore

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unionsquare/unionsquare/internal/ids"
	"github.com/unionsquare/unionsquare/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	store, err := Open(Config{Path: path, CompressThresholdBytes: 16})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func appendEvent(kind string, payload string) AppendEvent {
	return AppendEvent{
		Kind:          kind,
		SchemaVersion: 1,
		Payload:       []byte(payload),
		Metadata:      model.EventMetadata{WallClock: time.Unix(0, 0)},
	}
}

func TestAppend_FirstAppendRequiresZeroExpectedVersion(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	streamID := ids.StreamId("interaction-1")

	version, err := store.Append(ctx, streamID, 0, []AppendEvent{appendEvent("k1", "a")})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)

	_, err = store.Append(ctx, streamID, 0, []AppendEvent{appendEvent("k2", "b")})
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestAppend_SequentialAppendsAdvanceVersion(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	streamID := ids.StreamId("interaction-2")

	v1, err := store.Append(ctx, streamID, 0, []AppendEvent{appendEvent("k1", "a")})
	require.NoError(t, err)
	v2, err := store.Append(ctx, streamID, v1, []AppendEvent{appendEvent("k2", "b")})
	require.NoError(t, err)

	assert.Equal(t, uint64(2), v2)

	events, err := store.Read(ctx, streamID, 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "k1", events[0].Kind)
	assert.Equal(t, "k2", events[1].Kind)
}

func TestAppendMulti_AtomicAcrossStreams(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	interaction := ids.StreamId("interaction-3")
	session := ids.StreamId("session-abc")

	err := store.AppendMulti(ctx, []StreamAppend{
		{StreamId: interaction, ExpectedVersion: 0, Events: []AppendEvent{appendEvent("done", "x")}},
		{StreamId: session, ExpectedVersion: 0, Events: []AppendEvent{appendEvent("done", "y")}},
	})
	require.NoError(t, err)

	iv, err := store.StreamVersion(ctx, interaction)
	require.NoError(t, err)
	sv, err := store.StreamVersion(ctx, session)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), iv)
	assert.Equal(t, uint64(1), sv)
}

func TestAppendMulti_RollsBackAllOnOneConflict(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	interaction := ids.StreamId("interaction-4")
	session := ids.StreamId("session-def")

	// Pre-seed the session stream to version 1 so the multi-append below
	// (which assumes expected version 0) conflicts on it.
	_, err := store.Append(ctx, session, 0, []AppendEvent{appendEvent("seed", "z")})
	require.NoError(t, err)

	err = store.AppendMulti(ctx, []StreamAppend{
		{StreamId: interaction, ExpectedVersion: 0, Events: []AppendEvent{appendEvent("done", "x")}},
		{StreamId: session, ExpectedVersion: 0, Events: []AppendEvent{appendEvent("done", "y")}},
	})
	assert.ErrorIs(t, err, ErrVersionConflict)

	iv, err := store.StreamVersion(ctx, interaction)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), iv, "interaction stream must not have been created by the rolled-back append")
}

func TestCompression_RoundTripsAboveThreshold(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	streamID := ids.StreamId("interaction-5")

	large := strings.Repeat("a", 1024)
	_, err := store.Append(ctx, streamID, 0, []AppendEvent{appendEvent("big", large)})
	require.NoError(t, err)

	events, err := store.Read(ctx, streamID, 1, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, large, string(events[0].Payload))
}

func TestDeadLetter_Insert(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	err := store.DeadLetter(ctx, ids.DeadLetterStream, "k", []byte("payload"), "version conflict retries exhausted")
	assert.NoError(t, err)
}

func TestStreamVersion_UnknownStreamIsZero(t *testing.T) {
	store := openTestStore(t)
	v, err := store.StreamVersion(context.Background(), ids.StreamId("nonexistent"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v)
}

func TestReadGlobal_OrdersAcrossStreams(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, ids.StreamId("interaction-6"), 0, []AppendEvent{appendEvent("a", "1")})
	require.NoError(t, err)
	_, err = store.Append(ctx, ids.StreamId("interaction-7"), 0, []AppendEvent{appendEvent("b", "2")})
	require.NoError(t, err)

	events, err := store.ReadGlobal(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].Kind)
	assert.Equal(t, "b", events[1].Kind)
}
