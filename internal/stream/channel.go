package stream

import (
	"context"
	"sync"

	"github.com/okkar/taskstream/pkg/cerr"
)

// EventKind discriminates the events a Channel delivers.
type EventKind int

const (
	// EventMessage carries the latest full accumulated content.
	EventMessage EventKind = iota + 1
	// EventComplete is terminal and carries the token count.
	EventComplete
	// EventError is terminal and carries the producer error.
	EventError
)

// Event is one delivery from a stream session to its consumer.
type Event struct {
	Kind       EventKind
	TaskID     string
	Content    string // full accumulated content, EventMessage only
	TokensUsed int64  // EventComplete only
	Err        error  // EventError only
}

// ErrChannelClosed is returned by Send and Receive once the channel can no
// longer carry events.
func errChannelClosed() error {
	return cerr.NewError(cerr.Canceled, "stream channel closed", nil)
}

// Channel connects one stream session to one consumer. It is a latest-value
// slot, not a queue: an undelivered snapshot is overwritten by the next one,
// so a slow consumer receives fewer, larger updates and the producer is
// never blocked by transport back-pressure. Terminal events are never
// overwritten and are delivered after any pending snapshot.
type Channel struct {
	taskID string

	mu               sync.Mutex
	pending          *string // latest undelivered snapshot
	terminal         *Event
	terminalSent     bool
	consumerClosed   bool
	notify           chan struct{} // capacity 1, coalesced wakeup
	done             chan struct{} // closed on consumer Close
	closeOnce        sync.Once
}

func NewChannel(taskID string) *Channel {
	return &Channel{
		taskID: taskID,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Send replaces the pending snapshot with content. It fails once the channel
// has a terminal event or the consumer closed it.
func (c *Channel) Send(content string) error {
	c.mu.Lock()
	if c.terminal != nil || c.consumerClosed {
		c.mu.Unlock()
		return errChannelClosed()
	}
	c.pending = &content
	c.mu.Unlock()
	c.wake()
	return nil
}

// Complete marks the channel terminal with a token count. The last pending
// snapshot, if any, is still delivered first.
func (c *Channel) Complete(tokensUsed int64) {
	c.setTerminal(&Event{Kind: EventComplete, TaskID: c.taskID, TokensUsed: tokensUsed})
}

// Fail marks the channel terminal with an error.
func (c *Channel) Fail(err error) {
	c.setTerminal(&Event{Kind: EventError, TaskID: c.taskID, Err: err})
}

func (c *Channel) setTerminal(event *Event) {
	c.mu.Lock()
	if c.terminal == nil {
		c.terminal = event
	}
	c.mu.Unlock()
	c.wake()
}

func (c *Channel) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Receive blocks until the next event. The pending snapshot is delivered
// before the terminal event; after the terminal event, or once the consumer
// closed the channel, Receive fails.
func (c *Channel) Receive(ctx context.Context) (*Event, error) {
	for {
		c.mu.Lock()
		if c.pending != nil {
			content := *c.pending
			c.pending = nil
			c.mu.Unlock()
			return &Event{Kind: EventMessage, TaskID: c.taskID, Content: content}, nil
		}
		if c.terminal != nil {
			if c.terminalSent {
				c.mu.Unlock()
				return nil, errChannelClosed()
			}
			c.terminalSent = true
			event := c.terminal
			c.mu.Unlock()
			return event, nil
		}
		if c.consumerClosed {
			c.mu.Unlock()
			return nil, errChannelClosed()
		}
		c.mu.Unlock()

		select {
		case <-c.notify:
		case <-c.done:
		case <-ctx.Done():
			return nil, cerr.NewError(cerr.Canceled, "stream receive cancelled", ctx.Err())
		}
	}
}

// Close is the consumer-side cancellation signal. The producer observes it
// through Done and stops flushing.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.consumerClosed = true
		c.mu.Unlock()
		close(c.done)
		c.wake()
	})
}

// Done is closed when the consumer has closed the channel.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Terminated reports whether a terminal event has been set by the producer.
func (c *Channel) Terminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal != nil
}
