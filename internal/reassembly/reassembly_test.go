package reassembly

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unionsquare/unionsquare/internal/ids"
)

func TestAppendComplete_InOrderChunks(t *testing.T) {
	r := New(Config{MaxBodyBytes: 1024, TTL: time.Minute}, 4)
	id := ids.NewRequestId()

	r.Append(id, 0, []byte("hello "))
	r.Append(id, 6, []byte("world"))

	body, outcome := r.Complete(id, 11)
	require.Equal(t, OutcomeComplete, outcome)
	assert.Equal(t, "hello world", string(body))
}

func TestAppendComplete_OutOfOrderChunks(t *testing.T) {
	r := New(Config{MaxBodyBytes: 1024, TTL: time.Minute}, 4)
	id := ids.NewRequestId()

	r.Append(id, 6, []byte("world"))
	r.Append(id, 0, []byte("hello "))

	body, outcome := r.Complete(id, 11)
	require.Equal(t, OutcomeComplete, outcome)
	assert.Equal(t, "hello world", string(body))
}

func TestComplete_IncompleteWhenGapRemains(t *testing.T) {
	r := New(Config{MaxBodyBytes: 1024, TTL: time.Minute}, 4)
	id := ids.NewRequestId()

	r.Append(id, 0, []byte("hello "))
	_, outcome := r.Complete(id, 11)
	assert.Equal(t, OutcomeIncomplete, outcome)
}

func TestAppend_OverlappingChunksAreCorrupt(t *testing.T) {
	r := New(Config{MaxBodyBytes: 1024, TTL: time.Minute}, 4)
	id := ids.NewRequestId()

	r.Append(id, 0, []byte("hello"))
	outcome := r.Append(id, 3, []byte("loworld"))
	assert.Equal(t, OutcomeCorrupt, outcome)
}

func TestAppend_OverLimitRejectsAndStaysRejected(t *testing.T) {
	r := New(Config{MaxBodyBytes: 4, TTL: time.Minute}, 4)
	id := ids.NewRequestId()

	outcome := r.Append(id, 0, []byte("hello"))
	assert.Equal(t, OutcomeOverLimit, outcome)

	_, completeOutcome := r.Complete(id, 5)
	assert.Equal(t, OutcomeOverLimit, completeOutcome)
}

func TestAbandon_RemovesState(t *testing.T) {
	r := New(Config{MaxBodyBytes: 1024, TTL: time.Minute}, 4)
	id := ids.NewRequestId()

	r.Append(id, 0, []byte("partial"))
	r.Abandon(id)

	_, outcome := r.Complete(id, 7)
	assert.Equal(t, OutcomeIncomplete, outcome)
}

func TestGC_DropsStaleEntries(t *testing.T) {
	r := New(Config{MaxBodyBytes: 1024, TTL: time.Millisecond}, 4)
	id := ids.NewRequestId()

	r.Append(id, 0, []byte("stale"))
	time.Sleep(5 * time.Millisecond)

	abandoned := r.GC(time.Millisecond)
	require.Len(t, abandoned, 1)
	assert.Equal(t, id, abandoned[0])
}
