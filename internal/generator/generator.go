// Package generator produces task output as a stream of content fragments.
package generator

import (
	"context"
	"strings"

	"github.com/okkar/taskstream/internal/task"
)

// Chunk is one item on a producer channel. Exactly one terminal chunk ends
// every stream: either Final with the token count, or Err.
type Chunk struct {
	Text       string
	Final      bool
	TokensUsed int64
	Err        error
}

// Source produces the output stream for a task. The returned channel is
// closed after the terminal chunk. Produce must honor ctx: cancellation
// stops the producer and ends the channel.
type Source interface {
	Produce(ctx context.Context, t *task.Task) (<-chan Chunk, error)
}

// countTokens approximates the token count of generated content by its
// whitespace-delimited words.
func countTokens(content string) int64 {
	return int64(len(strings.Fields(content)))
}

// emit sends a terminal chunk without wedging the producer goroutine when
// the consumer already stopped reading.
func emit(ctx context.Context, out chan<- Chunk, c Chunk) {
	select {
	case out <- c:
	case <-ctx.Done():
	}
}
