package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okkar/taskstream/pkg/cerr"
)

func timeoutCtx(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), 2*time.Second)
}

// peekPending exposes the undelivered snapshot to tests.
func (c *Channel) peekPending() *string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

func TestChannelKeepsOnlyLatestSnapshot(t *testing.T) {
	ch := NewChannel("task-1")

	require.NoError(t, ch.Send("a"))
	require.NoError(t, ch.Send("ab"))
	require.NoError(t, ch.Send("abc"))

	ctx, cancel := timeoutCtx(t)
	defer cancel()
	event, err := ch.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", event.Content)

	// Nothing else pending: the earlier snapshots were overwritten.
	assert.Nil(t, ch.peekPending())
}

func TestChannelDeliversPendingBeforeTerminal(t *testing.T) {
	ch := NewChannel("task-1")

	require.NoError(t, ch.Send("almost done"))
	ch.Complete(7)

	ctx, cancel := timeoutCtx(t)
	defer cancel()

	event, err := ch.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventMessage, event.Kind)
	assert.Equal(t, "almost done", event.Content)

	event, err = ch.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventComplete, event.Kind)
	assert.Equal(t, int64(7), event.TokensUsed)

	_, err = ch.Receive(ctx)
	require.Error(t, err)
}

func TestChannelSendAfterTerminalFails(t *testing.T) {
	ch := NewChannel("task-1")
	ch.Fail(errors.New("boom"))

	err := ch.Send("too late")
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.Canceled))
}

func TestChannelTerminalNotOverwritten(t *testing.T) {
	ch := NewChannel("task-1")
	ch.Complete(3)
	ch.Fail(errors.New("should be ignored"))

	ctx, cancel := timeoutCtx(t)
	defer cancel()
	event, err := ch.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventComplete, event.Kind)
}

func TestChannelConsumerCloseRejectsSends(t *testing.T) {
	ch := NewChannel("task-1")
	ch.Close()

	require.Error(t, ch.Send("anyone there"))

	select {
	case <-ch.Done():
	default:
		t.Fatal("Done should be closed after Close")
	}
}

func TestChannelCloseStillDeliversTerminal(t *testing.T) {
	ch := NewChannel("task-1")
	require.NoError(t, ch.Send("result"))
	ch.Complete(1)
	ch.Close()

	// A terminal that raced the close is still drainable.
	ctx, cancel := timeoutCtx(t)
	defer cancel()
	event, err := ch.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventMessage, event.Kind)

	event, err = ch.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventComplete, event.Kind)
}

func TestChannelReceiveHonorsContext(t *testing.T) {
	ch := NewChannel("task-1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := ch.Receive(ctx)
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.Canceled))
}

func TestChannelBlockingReceiveWakesOnSend(t *testing.T) {
	ch := NewChannel("task-1")

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = ch.Send("late arrival")
	}()

	ctx, cancel := timeoutCtx(t)
	defer cancel()
	event, err := ch.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "late arrival", event.Content)
}
