package stream

import (
	"context"
	"sync"
	"time"

	"github.com/okkar/taskstream/pkg/cerr"
)

// Session is one live streaming execution of a task: the buffer the producer
// writes into, the channel the consumer reads from, and the producer's
// cancellation handle.
type Session struct {
	TaskID    string
	Buffer    *Buffer
	Channel   *Channel
	StartedAt time.Time

	cancel context.CancelFunc
}

func newSession(taskID string, cfg Config, cancel context.CancelFunc) *Session {
	ch := NewChannel(taskID)
	return &Session{
		TaskID:    taskID,
		Buffer:    NewBuffer(cfg, ch),
		Channel:   ch,
		StartedAt: time.Now(),
		cancel:    cancel,
	}
}

// Cancel stops the producer and closes the consumer side of the channel.
// Safe to call from any goroutine, any number of times.
func (s *Session) Cancel() {
	s.cancel()
	s.Channel.Close()
}

// Registry tracks the live session per task and guarantees at most one. The
// slot is taken for the whole execution and released on every exit path.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: map[string]*Session{}}
}

// Acquire claims the slot for s.TaskID. A second acquire while a session is
// live fails with AlreadyExists.
func (r *Registry) Acquire(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.TaskID]; ok {
		return cerr.NewError(cerr.AlreadyExists, "task is already streaming", nil)
	}
	r.sessions[s.TaskID] = s
	return nil
}

// Release frees the slot, but only when s still owns it. A stale release
// from a finished session must not evict a successor.
func (r *Registry) Release(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.TaskID]; ok && cur == s {
		delete(r.sessions, s.TaskID)
	}
}

// Get returns the live session for taskID, if any.
func (r *Registry) Get(taskID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[taskID]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
