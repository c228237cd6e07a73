package generator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okkar/taskstream/internal/task"
)

func drain(t *testing.T, ch <-chan Chunk) (string, *Chunk) {
	t.Helper()
	var content strings.Builder
	for chunk := range ch {
		if chunk.Final || chunk.Err != nil {
			final := chunk
			return content.String(), &final
		}
		content.WriteString(chunk.Text)
	}
	return content.String(), nil
}

func TestStaticSourceCompletes(t *testing.T) {
	source := NewStaticSource("Hello world", 0)
	ch, err := source.Produce(context.Background(), &task.Task{ID: "t1"})
	require.NoError(t, err)

	content, final := drain(t, ch)
	assert.Equal(t, "Hello world", content)
	require.NotNil(t, final)
	require.True(t, final.Final)
	assert.Equal(t, int64(2), final.TokensUsed)
}

func TestStaticSourceTokenOverride(t *testing.T) {
	source := &StaticSource{Fragments: []string{"Hello", " wor", "ld"}, TokensUsed: 3, FailAfter: -1}
	ch, err := source.Produce(context.Background(), &task.Task{ID: "t1"})
	require.NoError(t, err)

	content, final := drain(t, ch)
	assert.Equal(t, "Hello world", content)
	require.NotNil(t, final)
	assert.Equal(t, int64(3), final.TokensUsed)
}

func TestStaticSourceFailAfter(t *testing.T) {
	source := &StaticSource{
		Fragments: []string{"a", "b", "c"},
		FailAfter: 2,
		FailErr:   errors.New("synthetic failure"),
	}
	ch, err := source.Produce(context.Background(), &task.Task{ID: "t1"})
	require.NoError(t, err)

	content, final := drain(t, ch)
	assert.Equal(t, "ab", content)
	require.NotNil(t, final)
	require.Error(t, final.Err)
	assert.False(t, final.Final)
}
