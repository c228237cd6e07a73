package task

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/okkar/taskstream/internal/eventbus"
	"github.com/okkar/taskstream/internal/project"
	"github.com/okkar/taskstream/pkg/cerr"
)

// Service owns task lifecycle transitions. All status changes go through it
// so the persistence, the project token aggregate and the event bus stay
// consistent.
type Service struct {
	repo        Repository
	projectRepo project.Repository
	bus         *eventbus.Bus
}

func NewService(repo Repository, projectRepo project.Repository, bus *eventbus.Bus) *Service {
	return &Service{
		repo:        repo,
		projectRepo: projectRepo,
		bus:         bus,
	}
}

type CreateRequest struct {
	ProjectID     string `json:"project_id"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	AssignedAgent string `json:"assigned_agent"`
}

// Create creates a task in PENDING, or directly in ASSIGNED when an agent is
// named at creation time.
func (s *Service) Create(ctx context.Context, req *CreateRequest) (*Task, error) {
	if req.Title == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "task title must not be empty", nil)
	}
	if _, err := s.projectRepo.Get(ctx, req.ProjectID); err != nil {
		return nil, err
	}

	now := time.Now()
	t := &Task{
		ID:          ulid.Make().String(),
		ProjectID:   req.ProjectID,
		Title:       req.Title,
		Description: req.Description,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.AssignedAgent != "" {
		t.Status = StatusAssigned
		t.AssignedAgent = req.AssignedAgent
	}
	if err := s.repo.Create(ctx, t); err != nil {
		return nil, err
	}

	s.publish(ctx, eventbus.TaskCreated, t.ID, nil)
	return t, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, projectID string, status Status, limit, offset int) ([]*Task, int, error) {
	return s.repo.List(ctx, projectID, status, limit, offset)
}

// Assign moves a PENDING task to ASSIGNED.
func (s *Service) Assign(ctx context.Context, id, agent string) (*Task, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := t.Status
	if err := t.Assign(agent); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, t); err != nil {
		return nil, err
	}
	s.publishStatusChange(ctx, t, from)
	return t, nil
}

// BeginExecution moves an ASSIGNED task to EXECUTING. The caller must hold
// the stream registry slot for this task before calling.
func (s *Service) BeginExecution(ctx context.Context, id string) (*Task, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := t.Status
	if err := t.BeginExecution(); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, t); err != nil {
		return nil, err
	}
	s.publishStatusChange(ctx, t, from)
	return t, nil
}

// CompleteWithResult commits the final content and token count. Calling it
// again with the identical result is a no-op, so the blocking-execute path
// and the stream-completion path can both commit safely.
func (s *Service) CompleteWithResult(ctx context.Context, id, content string, tokensUsed int64) (*Task, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := t.Status
	changed, err := t.CompleteWithResult(content, tokensUsed)
	if err != nil {
		return nil, err
	}
	if !changed {
		return t, nil
	}
	if err := s.repo.Update(ctx, t); err != nil {
		return nil, err
	}

	s.recomputeProjectTokens(ctx, t.ProjectID)
	s.publishStatusChange(ctx, t, from)
	s.publish(ctx, eventbus.TaskCompleted, t.ID, &eventbus.TaskCompletedPayload{
		TaskID:     t.ID,
		ProjectID:  t.ProjectID,
		TokensUsed: tokensUsed,
	})
	return t, nil
}

// Fail reverts an EXECUTING task to ASSIGNED so it stays retryable. The
// causing error is surfaced by the caller, never stored on the task.
func (s *Service) Fail(ctx context.Context, id string) (*Task, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := t.Status
	if err := t.RevertToAssigned(); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, t); err != nil {
		return nil, err
	}
	s.publishStatusChange(ctx, t, from)
	s.publish(ctx, eventbus.TaskFailed, t.ID, nil)
	return t, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.publish(ctx, eventbus.TaskDeleted, id, nil)
	return nil
}

// DeleteByProject removes all tasks of a project. Used by the project
// cascade delete.
func (s *Service) DeleteByProject(ctx context.Context, projectID string) error {
	tasks, _, err := s.repo.List(ctx, projectID, "", 0, 0)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if err := s.Delete(ctx, t.ID); err != nil {
			return err
		}
	}
	return nil
}

// recomputeProjectTokens recalculates the project aggregate from its tasks.
// Failures only log: the task commit must not be rolled back because the
// aggregate is derivable and self-heals on the next completion.
func (s *Service) recomputeProjectTokens(ctx context.Context, projectID string) {
	tasks, _, err := s.repo.List(ctx, projectID, "", 0, 0)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list tasks for token recomputation", "project_id", projectID, "error", err)
		return
	}
	var total int64
	for _, t := range tasks {
		if t.TokensUsed != nil {
			total += *t.TokensUsed
		}
	}

	p, err := s.projectRepo.Get(ctx, projectID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load project for token recomputation", "project_id", projectID, "error", err)
		return
	}
	p.TokensUsed = total
	p.UpdatedAt = time.Now()
	if err := s.projectRepo.Update(ctx, p); err != nil {
		slog.ErrorContext(ctx, "failed to update project tokens", "project_id", projectID, "error", err)
	}
}

func (s *Service) publishStatusChange(ctx context.Context, t *Task, from Status) {
	s.publish(ctx, eventbus.TaskStatusChanged, t.ID, &eventbus.TaskStatusChangedPayload{
		TaskID:     t.ID,
		FromStatus: string(from),
		ToStatus:   string(t.Status),
	})
}

func (s *Service) publish(ctx context.Context, eventType eventbus.EventType, resourceID string, payload any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, eventType, resourceID, payload); err != nil {
		slog.ErrorContext(ctx, "failed to publish event", "type", eventType, "resource_id", resourceID, "error", err)
	}
}
