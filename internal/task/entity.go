package task

import (
	"fmt"
	"time"

	"github.com/okkar/taskstream/pkg/cerr"
)

// Status is the lifecycle state of a task. Transitions only move forward:
// PENDING → ASSIGNED → EXECUTING → COMPLETED. EXECUTING is only reachable
// from ASSIGNED, and a failed execution falls back to ASSIGNED so the task
// stays retryable.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusAssigned  Status = "ASSIGNED"
	StatusExecuting Status = "EXECUTING"
	StatusCompleted Status = "COMPLETED"
)

type Task struct {
	ID          string `yaml:"id" json:"id"`
	ProjectID   string `yaml:"project_id" json:"project_id"`
	Title       string `yaml:"title" json:"title"`
	Description string `yaml:"description" json:"description,omitempty"`
	Status      Status `yaml:"status" json:"status"`
	// AssignedAgent is the label of the agent responsible for execution.
	AssignedAgent string `yaml:"assigned_agent,omitempty" json:"assigned_agent,omitempty"`
	// Result is set exactly once, when the task completes. It is nil in
	// every other state.
	Result     *string   `yaml:"result,omitempty" json:"result,omitempty"`
	TokensUsed *int64    `yaml:"tokens_used,omitempty" json:"tokens_used,omitempty"`
	CreatedAt  time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt  time.Time `yaml:"updated_at" json:"updated_at"`
}

func invalidTransition(from Status, op string) error {
	return cerr.NewError(cerr.FailedPrecondition,
		fmt.Sprintf("cannot %s a task in status %s", op, from), nil)
}

// Assign moves the task from PENDING to ASSIGNED.
func (t *Task) Assign(agent string) error {
	if t.Status != StatusPending {
		return invalidTransition(t.Status, "assign")
	}
	t.Status = StatusAssigned
	t.AssignedAgent = agent
	t.UpdatedAt = time.Now()
	return nil
}

// BeginExecution moves the task from ASSIGNED to EXECUTING. Exclusivity with
// an already-running execution is enforced by the stream registry, not here.
func (t *Task) BeginExecution() error {
	if t.Status != StatusAssigned {
		return invalidTransition(t.Status, "execute")
	}
	t.Status = StatusExecuting
	t.UpdatedAt = time.Now()
	return nil
}

// CompleteWithResult moves the task to COMPLETED and records the result.
// Allowed from EXECUTING (streamed path) and ASSIGNED (blocking path). A
// repeated call with the identical result is a no-op rather than an error,
// because the blocking path and the stream completion path can race to
// commit the same content. The returned bool reports whether the task
// actually changed.
func (t *Task) CompleteWithResult(content string, tokensUsed int64) (bool, error) {
	if t.Status == StatusCompleted {
		if t.Result != nil && *t.Result == content && t.TokensUsed != nil && *t.TokensUsed == tokensUsed {
			return false, nil
		}
		return false, invalidTransition(t.Status, "complete")
	}
	if t.Status != StatusExecuting && t.Status != StatusAssigned {
		return false, invalidTransition(t.Status, "complete")
	}
	t.Status = StatusCompleted
	t.Result = &content
	t.TokensUsed = &tokensUsed
	t.UpdatedAt = time.Now()
	return true, nil
}

// RevertToAssigned moves a failed or cancelled execution back to ASSIGNED.
// The task keeps no trace of the failure; the error is surfaced to the
// caller instead.
func (t *Task) RevertToAssigned() error {
	if t.Status != StatusExecuting {
		return invalidTransition(t.Status, "fail")
	}
	t.Status = StatusAssigned
	t.UpdatedAt = time.Now()
	return nil
}
