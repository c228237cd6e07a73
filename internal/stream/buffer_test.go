package stream

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{FlushBytes: 20, FlushInterval: 50 * time.Millisecond}
}

func receiveNow(t *testing.T, ch *Channel) *Event {
	t.Helper()
	ctx, cancel := timeoutCtx(t)
	defer cancel()
	event, err := ch.Receive(ctx)
	require.NoError(t, err)
	return event
}

func TestBufferFlushesAtSizeThreshold(t *testing.T) {
	ch := NewChannel("task-1")
	b := NewBuffer(testConfig(), ch)

	require.NoError(t, b.Append("0123456789"))
	// 10 bytes pending, below the threshold: nothing delivered yet.
	assert.Nil(t, ch.peekPending())

	require.NoError(t, b.Append("0123456789"))
	event := receiveNow(t, ch)
	assert.Equal(t, EventMessage, event.Kind)
	assert.Equal(t, "01234567890123456789", event.Content)
}

func TestBufferFlushesAtWhitespaceBoundary(t *testing.T) {
	ch := NewChannel("task-1")
	b := NewBuffer(testConfig(), ch)

	// 16 of 20 bytes (80%) ending in a space triggers the boundary flush.
	require.NoError(t, b.Append("0123456789"))
	require.NoError(t, b.Append("01234 "))

	event := receiveNow(t, ch)
	assert.Equal(t, "012345678901234 ", event.Content)
}

func TestBufferNoBoundaryFlushBelowRatio(t *testing.T) {
	ch := NewChannel("task-1")
	b := NewBuffer(testConfig(), ch)

	// Whitespace-ended but only 6 of 20 bytes pending.
	require.NoError(t, b.Append("hello "))
	assert.Nil(t, ch.peekPending())
}

func TestBufferFlushExpired(t *testing.T) {
	ch := NewChannel("task-1")
	b := NewBuffer(Config{FlushBytes: 1 << 20, FlushInterval: 10 * time.Millisecond}, ch)

	require.NoError(t, b.Append("hi"))
	require.NoError(t, b.FlushExpired())
	// Too soon after creation; nothing flushed.
	assert.Nil(t, ch.peekPending())

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.FlushExpired())
	event := receiveNow(t, ch)
	assert.Equal(t, "hi", event.Content)
}

func TestBufferSnapshotsCarryFullContent(t *testing.T) {
	ch := NewChannel("task-1")
	b := NewBuffer(Config{FlushBytes: 4, FlushInterval: time.Second}, ch)

	require.NoError(t, b.Append("aaaa"))
	first := receiveNow(t, ch)
	require.NoError(t, b.Append("bbbb"))
	second := receiveNow(t, ch)

	// Each snapshot supersedes the previous one entirely.
	assert.Equal(t, "aaaa", first.Content)
	assert.Equal(t, "aaaabbbb", second.Content)
	assert.Greater(t, len(second.Content), len(first.Content))
}

func TestBufferCompleteEmitsFinalSnapshotAndMarker(t *testing.T) {
	ch := NewChannel("task-1")
	b := NewBuffer(testConfig(), ch)

	require.NoError(t, b.Append("partial"))
	require.NoError(t, b.Complete(42))

	snapshot := receiveNow(t, ch)
	assert.Equal(t, EventMessage, snapshot.Kind)
	assert.Equal(t, "partial", snapshot.Content)

	done := receiveNow(t, ch)
	assert.Equal(t, EventComplete, done.Kind)
	assert.Equal(t, int64(42), done.TokensUsed)
}

func TestBufferAppendAfterCompleteFails(t *testing.T) {
	ch := NewChannel("task-1")
	b := NewBuffer(testConfig(), ch)

	require.NoError(t, b.Complete(0))
	err := b.Append("late")
	require.Error(t, err)
}

func TestBufferFailDropsUnflushedContent(t *testing.T) {
	ch := NewChannel("task-1")
	b := NewBuffer(testConfig(), ch)

	require.NoError(t, b.Append("doomed"))
	b.Fail(errors.New("generator exploded"))

	event := receiveNow(t, ch)
	assert.Equal(t, EventError, event.Kind)
	assert.EqualError(t, event.Err, "generator exploded")
}
