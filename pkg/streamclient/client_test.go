package streamclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseServer(t *testing.T, handler func(w http.ResponseWriter, flusher http.Flusher)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		handler(w, flusher)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, event, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}

func TestStreamFoldsSnapshotsAndCompletes(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, flusher http.Flusher) {
		writeEvent(w, flusher, "message", `{"task_id":"t1","content":"Hello"}`)
		writeEvent(w, flusher, "message", `{"task_id":"t1","content":"Hello wor"}`)
		// Stale redelivery must be dropped, not regress the view.
		writeEvent(w, flusher, "message", `{"task_id":"t1","content":"Hello"}`)
		writeEvent(w, flusher, "message", `{"task_id":"t1","content":"Hello world"}`)
		writeEvent(w, flusher, "complete", `{"task_id":"t1","tokens_used":3}`)
	})

	var updates []string
	c := New(srv.URL, "secret")
	result, err := c.Stream(context.Background(), "t1", func(content string) {
		updates = append(updates, content)
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello world", result.Content)
	assert.Equal(t, int64(3), result.TokensUsed)
	assert.Equal(t, []string{"Hello", "Hello wor", "Hello world"}, updates)
}

func TestStreamEndedWithoutCompletion(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, flusher http.Flusher) {
		writeEvent(w, flusher, "message", `{"task_id":"t1","content":"partial"}`)
		// Server closes without a complete event on producer failure.
	})

	c := New(srv.URL, "secret")
	_, err := c.Stream(context.Background(), "t1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "without completion")
}

func TestStreamLivenessTimeout(t *testing.T) {
	blocked := make(chan struct{})
	srv := sseServer(t, func(w http.ResponseWriter, flusher http.Flusher) {
		writeEvent(w, flusher, "message", `{"task_id":"t1","content":"then silence"}`)
		<-blocked
	})
	defer close(blocked)

	c := New(srv.URL, "secret", WithLivenessWindow(50*time.Millisecond))
	start := time.Now()
	_, err := c.Stream(context.Background(), "t1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "silent")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestStreamSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"code":"already_exists","message":"task is already streaming"}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret")
	_, err := c.Stream(context.Background(), "t1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already_exists")
	assert.Contains(t, err.Error(), "409")
}

func TestCancel(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		fmt.Fprint(w, `{"cancelled":true}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret")
	require.NoError(t, c.Cancel(context.Background(), "t1"))
	assert.Equal(t, "/api/tasks/t1/cancel", gotPath)
}
