package stream_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okkar/taskstream/internal/generator"
	"github.com/okkar/taskstream/internal/project"
	projectrepo "github.com/okkar/taskstream/internal/project/repositoryimpl"
	"github.com/okkar/taskstream/internal/stream"
	"github.com/okkar/taskstream/internal/task"
	taskrepo "github.com/okkar/taskstream/internal/task/repositoryimpl"
	"github.com/okkar/taskstream/pkg/cerr"
	"github.com/okkar/taskstream/pkg/storage"
)

type fixture struct {
	server      *httptest.Server
	taskService *task.Service
	executor    *stream.Executor
	taskID      string
}

func newFixture(t *testing.T, source generator.Source) *fixture {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	projectRepo := projectrepo.NewYAMLRepository(store)
	taskRepo := taskrepo.NewYAMLRepository(store)
	projectService := project.NewService(projectRepo, nil)
	taskService := task.NewService(taskRepo, projectRepo, nil)

	ctx := context.Background()
	p, err := projectService.Create(ctx, &project.CreateRequest{Title: "demo"})
	require.NoError(t, err)
	tsk, err := taskService.Create(ctx, &task.CreateRequest{
		ProjectID:     p.ID,
		Title:         "greet",
		AssignedAgent: "writer-1",
	})
	require.NoError(t, err)

	executor := stream.NewExecutor(stream.NewRegistry(), taskService, source, stream.Config{
		FlushBytes:    8,
		FlushInterval: 10 * time.Millisecond,
	})

	r := chi.NewRouter()
	r.Route("/api/tasks", func(r chi.Router) {
		r.Use(cerr.NewJSONResponseChiMiddleware())
		stream.NewServer(executor).Routes(r)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &fixture{server: srv, taskService: taskService, executor: executor, taskID: tsk.ID}
}

func helloSource() *generator.StaticSource {
	return &generator.StaticSource{
		Fragments:  []string{"Hello", " wor", "ld"},
		TokensUsed: 3,
		FailAfter:  -1,
	}
}

func TestStreamEndpointDeliversSnapshotsAndCompletes(t *testing.T) {
	f := newFixture(t, helloSource())

	resp, err := http.Get(f.server.URL + "/api/tasks/" + f.taskID + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var contents []string
	var tokens int64
	scanner := bufio.NewScanner(resp.Body)
	eventType := ""
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventType = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		switch eventType {
		case "message":
			var msg struct {
				Content string `json:"content"`
			}
			require.NoError(t, json.Unmarshal([]byte(data), &msg))
			contents = append(contents, msg.Content)
		case "complete":
			var done struct {
				TokensUsed int64 `json:"tokens_used"`
			}
			require.NoError(t, json.Unmarshal([]byte(data), &done))
			tokens = done.TokensUsed
		}
	}

	require.NotEmpty(t, contents)
	assert.Equal(t, "Hello world", contents[len(contents)-1])
	for i := 1; i < len(contents); i++ {
		assert.Greater(t, len(contents[i]), len(contents[i-1]))
	}
	assert.Equal(t, int64(3), tokens)

	got, err := f.taskService.Get(context.Background(), f.taskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "Hello world", *got.Result)
}

func TestExecuteEndpointBlocksUntilResult(t *testing.T) {
	f := newFixture(t, helloSource())

	resp, err := http.Post(f.server.URL+"/api/tasks/"+f.taskID+"/execute", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Task task.Task `json:"task"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, task.StatusCompleted, body.Task.Status)
	require.NotNil(t, body.Task.Result)
	assert.Equal(t, "Hello world", *body.Task.Result)
	require.NotNil(t, body.Task.TokensUsed)
	assert.Equal(t, int64(3), *body.Task.TokensUsed)
}

func TestExecuteConflictsWithLiveStream(t *testing.T) {
	slow := generator.NewStaticSource("a long answer that keeps streaming for a while", 20*time.Millisecond)
	f := newFixture(t, slow)

	session, err := f.executor.Start(context.Background(), f.taskID)
	require.NoError(t, err)
	defer session.Cancel()

	resp, err := http.Post(f.server.URL+"/api/tasks/"+f.taskID+"/execute", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCancelEndpoint(t *testing.T) {
	slow := generator.NewStaticSource("output that will be cancelled before finishing", 20*time.Millisecond)
	f := newFixture(t, slow)

	// No live session yet.
	resp, err := http.Post(f.server.URL+"/api/tasks/"+f.taskID+"/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, err = f.executor.Start(context.Background(), f.taskID)
	require.NoError(t, err)

	resp, err = http.Post(f.server.URL+"/api/tasks/"+f.taskID+"/cancel", "application/json", nil)
	require.NoError(t, err)
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, buf.String(), `"cancelled":true`)

	// The task falls back to ASSIGNED once the producer notices.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := f.taskService.Get(context.Background(), f.taskID)
		require.NoError(t, err)
		if got.Status == task.StatusAssigned {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task was not reverted to ASSIGNED after cancel")
}

func TestExecuteProducerErrorReturns500(t *testing.T) {
	failing := &generator.StaticSource{
		Fragments: []string{"partial "},
		FailAfter: 1,
		FailErr:   context.DeadlineExceeded,
	}
	f := newFixture(t, failing)

	resp, err := http.Post(f.server.URL+"/api/tasks/"+f.taskID+"/execute", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	got, err := f.taskService.Get(context.Background(), f.taskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusAssigned, got.Status)
	assert.Nil(t, got.Result)
}
