package generator

import (
	"context"
	"strings"
	"time"

	"github.com/okkar/taskstream/internal/task"
)

// StaticSource replays a fixed fragment sequence. It backs local development
// and exercises the streaming pipeline deterministically in tests.
type StaticSource struct {
	Fragments []string
	// TokensUsed overrides the computed token count when non-zero.
	TokensUsed int64
	// Delay between fragments; zero emits as fast as the consumer drains.
	Delay time.Duration
	// FailAfter, when >= 0, errors out after that many fragments instead of
	// completing.
	FailAfter int
	FailErr   error
}

// NewStaticSource returns a source that splits content into word fragments,
// the way token-by-token generation arrives in practice.
func NewStaticSource(content string, delay time.Duration) *StaticSource {
	words := strings.SplitAfter(content, " ")
	return &StaticSource{Fragments: words, Delay: delay, FailAfter: -1}
}

func (s *StaticSource) Produce(ctx context.Context, _ *task.Task) (<-chan Chunk, error) {
	out := make(chan Chunk)
	go func() {
		defer close(out)
		var content strings.Builder
		for i, fragment := range s.Fragments {
			if s.FailAfter >= 0 && i == s.FailAfter {
				emit(ctx, out, Chunk{Err: s.FailErr})
				return
			}
			if s.Delay > 0 {
				select {
				case <-time.After(s.Delay):
				case <-ctx.Done():
					emit(ctx, out, Chunk{Err: ctx.Err()})
					return
				}
			}
			content.WriteString(fragment)
			select {
			case out <- Chunk{Text: fragment}:
			case <-ctx.Done():
				emit(ctx, out, Chunk{Err: ctx.Err()})
				return
			}
		}
		if s.FailAfter >= 0 && s.FailAfter >= len(s.Fragments) {
			emit(ctx, out, Chunk{Err: s.FailErr})
			return
		}
		tokens := s.TokensUsed
		if tokens == 0 {
			tokens = countTokens(content.String())
		}
		emit(ctx, out, Chunk{Final: true, TokensUsed: tokens})
	}()
	return out, nil
}
