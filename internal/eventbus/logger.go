package eventbus

import (
	"context"
	"log/slog"

	"github.com/sourcegraph/conc"
)

// Logger subscribes to every event type and writes one structured log line
// per event. It exists so a local deployment has a visible event trail
// without any external sink.
type Logger struct {
	bus *Bus
}

func NewLogger(bus *Bus) *Logger {
	return &Logger{bus: bus}
}

// Start blocks until ctx is cancelled.
func (l *Logger) Start(ctx context.Context) {
	types := []EventType{
		TaskCreated,
		TaskStatusChanged,
		TaskCompleted,
		TaskFailed,
		TaskDeleted,
		ProjectCreated,
		ProjectDeleted,
	}

	var wg conc.WaitGroup
	for _, eventType := range types {
		ch, err := l.bus.Subscribe(ctx, eventType)
		if err != nil {
			slog.Error("event logger failed to subscribe", "type", eventType, "error", err)
			continue
		}
		wg.Go(func() {
			for event := range ch {
				slog.Debug("event",
					"event_id", event.ID,
					"type", event.Type,
					"resource_id", event.ResourceID,
				)
			}
		})
	}
	wg.Wait()
}
