package stream

import (
	"context"
	"log/slog"
	"time"

	"github.com/okkar/taskstream/internal/generator"
)

// Executor runs one streaming execution per task: it claims the registry
// slot, moves the task to EXECUTING, and pumps the generator's fragments
// through the session buffer until a terminal event.
type Executor struct {
	registry  *Registry
	lifecycle Lifecycle
	source    generator.Source
	cfg       Config
}

func NewExecutor(registry *Registry, lifecycle Lifecycle, source generator.Source, cfg Config) *Executor {
	return &Executor{
		registry:  registry,
		lifecycle: lifecycle,
		source:    source,
		cfg:       cfg,
	}
}

// Start begins executing taskID and returns the live session. The caller is
// the session's single consumer and must Cancel it when done reading. A
// second Start while a session is live fails with AlreadyExists; a task not
// in ASSIGNED fails with FailedPrecondition. Either way no session leaks.
func (e *Executor) Start(ctx context.Context, taskID string) (*Session, error) {
	prodCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	session := newSession(taskID, e.cfg, cancel)

	if err := e.registry.Acquire(session); err != nil {
		cancel()
		return nil, err
	}
	t, err := e.lifecycle.BeginExecution(ctx, taskID)
	if err != nil {
		e.registry.Release(session)
		cancel()
		return nil, err
	}

	go func() {
		defer e.registry.Release(session)
		defer cancel()

		chunks, err := e.source.Produce(prodCtx, t)
		if err != nil {
			session.Buffer.Fail(err)
			return
		}
		e.pump(prodCtx, session, chunks)
	}()
	return session, nil
}

// pump drains chunks into the session buffer. The flush ticker bounds how
// stale the consumer's view can get when output is sparse.
func (e *Executor) pump(ctx context.Context, session *Session, chunks <-chan generator.Chunk) {
	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-session.Channel.Done():
			// Consumer walked away before the terminal event. The task
			// goes back to ASSIGNED so it can be retried.
			if !session.Channel.Terminated() {
				e.revert(ctx, session.TaskID)
			}
			return
		case <-ctx.Done():
			if !session.Channel.Terminated() {
				session.Buffer.Fail(ctx.Err())
				e.revert(ctx, session.TaskID)
			}
			return
		case <-ticker.C:
			if err := session.Buffer.FlushExpired(); err != nil {
				// A flush can lose the race against consumer close; the
				// abandoned task still has to go back to ASSIGNED.
				if !session.Channel.Terminated() {
					e.revert(ctx, session.TaskID)
				}
				return
			}
		case chunk, ok := <-chunks:
			if !ok {
				// Producer ended without a terminal chunk.
				session.Buffer.Fail(nil)
				return
			}
			if chunk.Err != nil {
				session.Buffer.Fail(chunk.Err)
				return
			}
			if chunk.Final {
				if err := session.Buffer.Complete(chunk.TokensUsed); err != nil {
					// The consumer closed mid-completion and will never
					// commit; the task has to go back to ASSIGNED.
					e.revert(ctx, session.TaskID)
				}
				return
			}
			if err := session.Buffer.Append(chunk.Text); err != nil {
				if !session.Channel.Terminated() {
					e.revert(ctx, session.TaskID)
				}
				return
			}
		}
	}
}

// revert puts the task back to ASSIGNED after an abandoned session. The
// consumer may race us with its own Abort; losing that race is fine, so a
// FailedPrecondition here only logs at debug.
func (e *Executor) revert(ctx context.Context, taskID string) {
	if _, err := e.lifecycle.Fail(context.WithoutCancel(ctx), taskID); err != nil {
		slog.Debug("task already left EXECUTING", "task_id", taskID, "error", err)
	}
}

// Cancel aborts the live session for taskID, if any. The producer observes
// the closed channel, stops, and reverts the task.
func (e *Executor) Cancel(taskID string) bool {
	session, ok := e.registry.Get(taskID)
	if !ok {
		return false
	}
	session.Cancel()
	return true
}
