package generator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okkar/taskstream/internal/task"
	"github.com/okkar/taskstream/pkg/cerr"
)

func TestScriptSourceRejectsInvalidShell(t *testing.T) {
	_, err := NewScriptSource("echo 'unterminated", ".")
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))

	_, err = NewScriptSource("   ", ".")
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))
}

func TestScriptSourceStreamsStdout(t *testing.T) {
	source, err := NewScriptSource(`printf 'line one\nline two\n'`, t.TempDir())
	require.NoError(t, err)

	ch, err := source.Produce(context.Background(), &task.Task{ID: "t1", ProjectID: "p1", Title: "greet"})
	require.NoError(t, err)

	content, final := drain(t, ch)
	assert.Equal(t, "line one\nline two\n", content)
	require.NotNil(t, final)
	require.True(t, final.Final)
	assert.Equal(t, int64(4), final.TokensUsed)
}

func TestScriptSourceExposesTaskEnv(t *testing.T) {
	source, err := NewScriptSource(`echo "$TASKSTREAM_TASK_ID:$TASKSTREAM_PROJECT_ID"`, t.TempDir())
	require.NoError(t, err)

	ch, err := source.Produce(context.Background(), &task.Task{ID: "t1", ProjectID: "p1"})
	require.NoError(t, err)

	content, final := drain(t, ch)
	assert.Equal(t, "t1:p1\n", content)
	require.NotNil(t, final)
	require.True(t, final.Final)
}

func TestScriptSourceFailureSurfacesStderr(t *testing.T) {
	source, err := NewScriptSource(`echo "before the crash"; echo "it broke" >&2; exit 3`, t.TempDir())
	require.NoError(t, err)

	ch, err := source.Produce(context.Background(), &task.Task{ID: "t1"})
	require.NoError(t, err)

	content, final := drain(t, ch)
	assert.Equal(t, "before the crash\n", content)
	require.NotNil(t, final)
	require.Error(t, final.Err)
	assert.Contains(t, final.Err.Error(), "it broke")
}

func TestScriptSourceHonorsCancellation(t *testing.T) {
	source, err := NewScriptSource(`sleep 30`, t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := source.Produce(ctx, &task.Task{ID: "t1"})
	require.NoError(t, err)
	cancel()

	_, final := drain(t, ch)
	if final != nil {
		require.Error(t, final.Err)
	}
}
