package stream

import (
	"context"
	"sync"

	"github.com/okkar/taskstream/internal/task"
)

// Lifecycle is the slice of the task service the stream package drives. The
// stream layer reports outcomes; the lifecycle owner decides what they mean
// for task state.
type Lifecycle interface {
	BeginExecution(ctx context.Context, id string) (*task.Task, error)
	CompleteWithResult(ctx context.Context, id, content string, tokensUsed int64) (*task.Task, error)
	Fail(ctx context.Context, id string) (*task.Task, error)
}

// Reconciler folds snapshot events into a single partial view and commits it
// on completion. Because every snapshot carries the full content, the view is
// a last-writer-wins register ordered by content length: a shorter snapshot
// observed after a longer one is stale delivery, never a regression.
type Reconciler struct {
	taskID    string
	lifecycle Lifecycle

	mu   sync.Mutex
	view string
}

func NewReconciler(taskID string, lifecycle Lifecycle) *Reconciler {
	return &Reconciler{taskID: taskID, lifecycle: lifecycle}
}

// Apply folds a snapshot into the view. It returns true when the view
// advanced, false when the snapshot was stale.
func (r *Reconciler) Apply(content string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(content) <= len(r.view) && r.view != "" {
		return false
	}
	r.view = content
	return true
}

// View returns the current partial view.
func (r *Reconciler) View() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view
}

// Commit promotes the view to the task's final result. The commit runs
// detached from the request's cancellation: once the completion marker
// arrived, a dropping client must not lose the result.
func (r *Reconciler) Commit(ctx context.Context, tokensUsed int64) (*task.Task, error) {
	r.mu.Lock()
	view := r.view
	r.view = ""
	r.mu.Unlock()
	return r.lifecycle.CompleteWithResult(context.WithoutCancel(ctx), r.taskID, view, tokensUsed)
}

// Abort drops the partial view and reverts the task so it can be retried.
// Nothing of the partial content survives.
func (r *Reconciler) Abort(ctx context.Context) error {
	r.mu.Lock()
	r.view = ""
	r.mu.Unlock()
	_, err := r.lifecycle.Fail(context.WithoutCancel(ctx), r.taskID)
	return err
}
