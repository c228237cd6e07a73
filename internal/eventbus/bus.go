package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/oklog/ulid/v2"
)

// EventType identifies the kind of domain event on the bus.
type EventType string

const (
	TaskCreated       EventType = "task.created"
	TaskStatusChanged EventType = "task.status_changed"
	TaskCompleted     EventType = "task.completed"
	TaskFailed        EventType = "task.failed"
	TaskDeleted       EventType = "task.deleted"
	ProjectCreated    EventType = "project.created"
	ProjectDeleted    EventType = "project.deleted"
)

// Event is the envelope carried on the bus. Payload holds the type-specific
// body as raw JSON.
type Event struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"type"`
	ResourceID string          `json:"resource_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// TaskStatusChangedPayload is the body of TaskStatusChanged events.
type TaskStatusChangedPayload struct {
	TaskID     string `json:"task_id"`
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
}

// TaskCompletedPayload is the body of TaskCompleted events.
type TaskCompletedPayload struct {
	TaskID     string `json:"task_id"`
	ProjectID  string `json:"project_id"`
	TokensUsed int64  `json:"tokens_used"`
}

// Bus is an in-process pub/sub event bus. Publishing never blocks the
// publisher; slow subscribers fall behind on their own buffered channel.
type Bus struct {
	pubSub *gochannel.GoChannel
	logger watermill.LoggerAdapter
}

func New() *Bus {
	logger := watermill.NopLogger{}
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer: 256,
		},
		logger,
	)
	return &Bus{
		pubSub: pubSub,
		logger: logger,
	}
}

// Publish marshals payload and publishes it on the topic named by eventType.
func (b *Bus) Publish(ctx context.Context, eventType EventType, resourceID string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal event payload: %w", err)
		}
		raw = data
	}

	event := Event{
		ID:         ulid.Make().String(),
		Type:       eventType,
		ResourceID: resourceID,
		OccurredAt: time.Now(),
		Payload:    raw,
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(event.ID, data)
	msg.Metadata.Set("resource_id", resourceID)
	msg.SetContext(ctx)
	if err := b.pubSub.Publish(string(eventType), msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", eventType, err)
	}
	return nil
}

// Subscribe returns a channel of decoded events for one event type. The
// channel closes when ctx is cancelled or the bus shuts down.
func (b *Bus) Subscribe(ctx context.Context, eventType EventType) (<-chan *Event, error) {
	msgs, err := b.pubSub.Subscribe(ctx, string(eventType))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", eventType, err)
	}

	out := make(chan *Event, 16)
	go func() {
		defer close(out)
		for msg := range msgs {
			var event Event
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				msg.Nack()
				continue
			}
			msg.Ack()
			select {
			case out <- &event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() error {
	return b.pubSub.Close()
}

// DecodePayload unmarshals an event payload into the given type.
func DecodePayload[T any](event *Event) (*T, error) {
	var payload T
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", event.Type, err)
	}
	return &payload, nil
}
