package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okkar/taskstream/internal/generator"
	"github.com/okkar/taskstream/internal/task"
	"github.com/okkar/taskstream/pkg/cerr"
)

func newTestExecutor(lc Lifecycle, source generator.Source) *Executor {
	return NewExecutor(NewRegistry(), lc, source, Config{
		FlushBytes:    8,
		FlushInterval: 10 * time.Millisecond,
	})
}

// consume drives a session the way the handlers do: apply every snapshot,
// commit on complete, abort on error.
func consume(t *testing.T, session *Session, rec *Reconciler) (*task.Task, error) {
	t.Helper()
	ctx, cancel := timeoutCtx(t)
	defer cancel()
	defer session.Cancel()
	for {
		event, err := session.Channel.Receive(ctx)
		require.NoError(t, err)
		switch event.Kind {
		case EventMessage:
			rec.Apply(event.Content)
		case EventComplete:
			return rec.Commit(ctx, event.TokensUsed)
		case EventError:
			return nil, errors.Join(event.Err, rec.Abort(ctx))
		}
	}
}

func TestExecutorHappyPath(t *testing.T) {
	lc := newFakeLifecycle("task-1", task.StatusAssigned)
	// Fragments arrive mid-token; the result is the concatenation.
	source := &generator.StaticSource{
		Fragments:  []string{"Hello", " wor", "ld"},
		TokensUsed: 3,
		FailAfter:  -1,
	}
	e := newTestExecutor(lc, source)

	session, err := e.Start(context.Background(), "task-1")
	require.NoError(t, err)

	rec := NewReconciler("task-1", lc)
	committed, err := consume(t, session, rec)
	require.NoError(t, err)

	assert.Equal(t, task.StatusCompleted, committed.Status)
	require.NotNil(t, committed.Result)
	assert.Equal(t, "Hello world", *committed.Result)
	require.NotNil(t, committed.TokensUsed)
	assert.Equal(t, int64(3), *committed.TokensUsed)

	waitForRelease(t, e.registry, "task-1")
}

func TestExecutorRejectsSecondSession(t *testing.T) {
	lc := newFakeLifecycle("task-1", task.StatusAssigned)
	// Slow source keeps the first session live.
	source := generator.NewStaticSource("slow output here", 20*time.Millisecond)
	e := newTestExecutor(lc, source)

	session, err := e.Start(context.Background(), "task-1")
	require.NoError(t, err)
	defer session.Cancel()

	_, err = e.Start(context.Background(), "task-1")
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.AlreadyExists))
}

func TestExecutorRequiresAssignedTask(t *testing.T) {
	lc := newFakeLifecycle("task-1", task.StatusPending)
	e := newTestExecutor(lc, generator.NewStaticSource("x", 0))

	_, err := e.Start(context.Background(), "task-1")
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
	// The failed start must not leak the registry slot.
	assert.Equal(t, 0, e.registry.Len())
}

func TestExecutorProducerErrorRevertsTask(t *testing.T) {
	lc := newFakeLifecycle("task-1", task.StatusAssigned)
	source := &generator.StaticSource{
		Fragments: []string{"some ", "partial ", "output "},
		FailAfter: 2,
		FailErr:   errors.New("model backend unavailable"),
	}
	e := newTestExecutor(lc, source)

	session, err := e.Start(context.Background(), "task-1")
	require.NoError(t, err)

	rec := NewReconciler("task-1", lc)
	_, err = consume(t, session, rec)
	require.Error(t, err)

	got := lc.snapshot()
	assert.Equal(t, task.StatusAssigned, got.Status)
	assert.Nil(t, got.Result)
	assert.Empty(t, rec.View())
}

func TestExecutorConsumerCancelRevertsTask(t *testing.T) {
	lc := newFakeLifecycle("task-1", task.StatusAssigned)
	source := generator.NewStaticSource("this stream will be abandoned midway", 10*time.Millisecond)
	e := newTestExecutor(lc, source)

	session, err := e.Start(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusExecuting, lc.snapshot().Status)

	session.Cancel()
	waitForRelease(t, e.registry, "task-1")
	assert.Equal(t, task.StatusAssigned, lc.snapshot().Status)
}

func TestExecutorCancelWithUnflushedContentRevertsTask(t *testing.T) {
	// When the consumer cancels while content sits unflushed, pump may take
	// the flush ticker before it observes the closed channel; the failed
	// flush must still revert the task. Repeated rounds exercise both select
	// orders.
	for round := 0; round < 50; round++ {
		lc := newFakeLifecycle("task-1", task.StatusAssigned)
		e := newTestExecutor(lc, nil)
		e.cfg.FlushInterval = time.Nanosecond

		_, err := lc.BeginExecution(context.Background(), "task-1")
		require.NoError(t, err)

		session := newSession("task-1", e.cfg, func() {})
		// Below FlushBytes and not at a word boundary, so nothing flushes
		// before the cancel.
		require.NoError(t, session.Buffer.Append("partial"))
		session.Cancel()

		e.pump(context.Background(), session, make(chan generator.Chunk))
		assert.Equal(t, task.StatusAssigned, lc.snapshot().Status, "round %d", round)
	}
}

func TestExecutorCancelEndpointPath(t *testing.T) {
	lc := newFakeLifecycle("task-1", task.StatusAssigned)
	source := generator.NewStaticSource("long running generation output", 10*time.Millisecond)
	e := newTestExecutor(lc, source)

	_, err := e.Start(context.Background(), "task-1")
	require.NoError(t, err)

	require.True(t, e.Cancel("task-1"))
	waitForRelease(t, e.registry, "task-1")
	assert.Equal(t, task.StatusAssigned, lc.snapshot().Status)

	assert.False(t, e.Cancel("task-1"))
}

func waitForRelease(t *testing.T, r *Registry, taskID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := r.Get(taskID); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session for %s was not released", taskID)
}
