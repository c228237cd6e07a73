package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/okkar/taskstream/internal/task"
	"github.com/okkar/taskstream/pkg/cerr"
)

// Server exposes the streaming execution endpoints for tasks.
type Server struct {
	executor *Executor
}

func NewServer(executor *Executor) *Server {
	return &Server{executor: executor}
}

// Routes mounts the stream endpoints under a task-scoped router.
func (s *Server) Routes(r chi.Router) {
	r.Get("/{taskID}/stream", s.handleStream)
	r.Post("/{taskID}/execute", s.handleExecute)
	r.Post("/{taskID}/cancel", s.handleCancel)
}

type messagePayload struct {
	TaskID  string `json:"task_id"`
	Content string `json:"content"`
}

type completePayload struct {
	TaskID     string `json:"task_id"`
	TokensUsed int64  `json:"tokens_used"`
}

// handleStream starts executing the task and streams snapshots as SSE
// message events, finishing with a complete event. On a producer error the
// stream just closes: the client infers failure from the missing complete
// event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := chi.URLParam(r, "taskID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		cerr.SetNewJSONError(ctx, cerr.Internal, "streaming unsupported", nil)
		return
	}

	session, err := s.executor.Start(ctx, taskID)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	rec := NewReconciler(taskID, s.executor.lifecycle)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		event, err := session.Channel.Receive(ctx)
		if err != nil {
			// Client disconnected before the terminal event.
			settle(ctx, session, rec)
			return
		}
		switch event.Kind {
		case EventMessage:
			if !rec.Apply(event.Content) {
				continue
			}
			if err := writeSSE(w, flusher, "message", messagePayload{TaskID: taskID, Content: event.Content}); err != nil {
				settle(ctx, session, rec)
				return
			}
		case EventComplete:
			if _, err := rec.Commit(ctx, event.TokensUsed); err != nil {
				slog.ErrorContext(ctx, "failed to commit stream result", "task_id", taskID, "error", err)
				return
			}
			if err := writeSSE(w, flusher, "complete", completePayload{TaskID: taskID, TokensUsed: event.TokensUsed}); err != nil {
				slog.WarnContext(ctx, "client missed complete event", "task_id", taskID, "error", err)
			}
			return
		case EventError:
			if err := rec.Abort(ctx); err != nil {
				slog.ErrorContext(ctx, "failed to revert failed task", "task_id", taskID, "error", err)
			}
			return
		}
	}
}

type executeResponse struct {
	Task *task.Task `json:"task"`
}

// handleExecute runs the task to completion and returns the committed task.
// It is the blocking equivalent of the stream endpoint, for callers that
// only want the final result.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := chi.URLParam(r, "taskID")

	session, err := s.executor.Start(ctx, taskID)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	rec := NewReconciler(taskID, s.executor.lifecycle)

	for {
		event, err := session.Channel.Receive(ctx)
		if err != nil {
			settle(ctx, session, rec)
			cerr.SetJSONError(ctx, err)
			return
		}
		switch event.Kind {
		case EventMessage:
			rec.Apply(event.Content)
		case EventComplete:
			t, err := rec.Commit(ctx, event.TokensUsed)
			if err != nil {
				cerr.SetJSONError(ctx, err)
				return
			}
			cerr.SetJSONResponse(ctx, executeResponse{Task: t})
			return
		case EventError:
			if err := rec.Abort(ctx); err != nil {
				slog.ErrorContext(ctx, "failed to revert failed task", "task_id", taskID, "error", err)
			}
			cause := event.Err
			if cause == nil {
				cause = fmt.Errorf("generator ended without result")
			}
			cerr.SetNewJSONError(ctx, cerr.Internal, "task execution failed", cause)
			return
		}
	}
}

type cancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// handleCancel aborts the live stream session for the task, if any.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := chi.URLParam(r, "taskID")
	if !s.executor.Cancel(taskID) {
		cerr.SetNewJSONError(ctx, cerr.NotFound, "no live stream for task", nil)
		return
	}
	cerr.SetJSONResponse(ctx, cancelResponse{Cancelled: true})
}

// settle closes the session after a consumer-side exit and resolves any
// terminal event that raced the disconnect, so a completion that already
// happened still commits and a failure still reverts.
func settle(ctx context.Context, session *Session, rec *Reconciler) {
	session.Cancel()
	drainCtx := context.WithoutCancel(ctx)
	for {
		event, err := session.Channel.Receive(drainCtx)
		if err != nil {
			return
		}
		switch event.Kind {
		case EventMessage:
			rec.Apply(event.Content)
		case EventComplete:
			if _, err := rec.Commit(drainCtx, event.TokensUsed); err != nil {
				slog.ErrorContext(drainCtx, "failed to commit stream result after disconnect", "task_id", session.TaskID, "error", err)
			}
			return
		case EventError:
			if err := rec.Abort(drainCtx); err != nil {
				slog.DebugContext(drainCtx, "task already left EXECUTING", "task_id", session.TaskID, "error", err)
			}
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
