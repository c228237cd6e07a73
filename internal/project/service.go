package project

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/okkar/taskstream/internal/eventbus"
	"github.com/okkar/taskstream/pkg/cerr"
)

// TaskPurger removes all tasks of a project. Implemented by the task
// service; declared here so the project package stays upstream of it.
type TaskPurger interface {
	DeleteByProject(ctx context.Context, projectID string) error
}

type Service struct {
	repo   Repository
	purger TaskPurger
	bus    *eventbus.Bus
}

func NewService(repo Repository, bus *eventbus.Bus) *Service {
	return &Service{repo: repo, bus: bus}
}

// SetTaskPurger wires the cascade delete. Set once at startup, after both
// services exist.
func (s *Service) SetTaskPurger(p TaskPurger) {
	s.purger = p
}

type CreateRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (s *Service) Create(ctx context.Context, req *CreateRequest) (*Project, error) {
	if req.Title == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "project title must not be empty", nil)
	}
	now := time.Now()
	p := &Project{
		ID:          ulid.Make().String(),
		Title:       req.Title,
		Description: req.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}
	s.publish(ctx, eventbus.ProjectCreated, p.ID)
	return p, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Project, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Project, int, error) {
	return s.repo.List(ctx, limit, offset)
}

type UpdateRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
}

func (s *Service) Update(ctx context.Context, id string, req *UpdateRequest) (*Project, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Title != nil {
		if *req.Title == "" {
			return nil, cerr.NewError(cerr.InvalidArgument, "project title must not be empty", nil)
		}
		p.Title = *req.Title
	}
	if req.Description != nil {
		p.Description = *req.Description
	}
	p.UpdatedAt = time.Now()
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Delete removes the project and all of its tasks.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return err
	}
	if s.purger != nil {
		if err := s.purger.DeleteByProject(ctx, id); err != nil {
			return err
		}
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.publish(ctx, eventbus.ProjectDeleted, id)
	return nil
}

func (s *Service) publish(ctx context.Context, eventType eventbus.EventType, resourceID string) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, eventType, resourceID, nil); err != nil {
		slog.ErrorContext(ctx, "failed to publish event", "type", eventType, "resource_id", resourceID, "error", err)
	}
}
