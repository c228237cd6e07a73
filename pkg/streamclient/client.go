// Package streamclient consumes the streaming task-execution API. It folds
// the server's full-content snapshots into a monotone local view, detects a
// dead stream through a liveness window, and returns the committed result.
package streamclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultLivenessWindow = 30 * time.Second

// Result is the final outcome of a streamed execution.
type Result struct {
	TaskID     string
	Content    string
	TokensUsed int64
}

type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLivenessWindow sets how long the stream may stay silent before the
// client declares it dead and drops the partial view.
func WithLivenessWindow(d time.Duration) Option {
	return func(c *Client) { c.liveness = d }
}

// Client talks to one taskstream server.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	liveness   time.Duration
}

func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: http.DefaultClient,
		liveness:   defaultLivenessWindow,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type messageEvent struct {
	TaskID  string `json:"task_id"`
	Content string `json:"content"`
}

type completeEvent struct {
	TaskID     string `json:"task_id"`
	TokensUsed int64  `json:"tokens_used"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Stream executes taskID on the server and consumes its event stream until
// completion. onUpdate, if non-nil, is invoked with the full content each
// time the view advances; stale snapshots are dropped silently. A stream
// that ends or stalls without a complete event returns an error and the
// partial view is discarded.
func (c *Client) Stream(ctx context.Context, taskID string, onUpdate func(content string)) (*Result, error) {
	url := fmt.Sprintf("%s/api/tasks/%s/stream", c.baseURL, taskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}

	events := make(chan *sseEvent)
	decodeErr := make(chan error, 1)
	go func() {
		defer close(events)
		decoder := newSSEDecoder(resp.Body)
		for {
			event, err := decoder.decode()
			if err != nil {
				decodeErr <- err
				return
			}
			select {
			case events <- event:
			case <-ctx.Done():
				decodeErr <- ctx.Err()
				return
			}
		}
	}()

	// The liveness timer resets on every event. The server flushes at least
	// as often as its flush interval while content is flowing, so a silent
	// window this long means the stream is dead.
	timer := time.NewTimer(c.liveness)
	defer timer.Stop()

	var view string
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("stream silent for %s, giving up", c.liveness)
		case event, ok := <-events:
			if !ok {
				err := <-decodeErr
				if err == io.EOF {
					// The server closes without a complete event when the
					// producer fails.
					return nil, fmt.Errorf("stream ended without completion")
				}
				return nil, err
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(c.liveness)

			switch event.Type {
			case "message":
				var msg messageEvent
				if err := json.Unmarshal([]byte(event.Data), &msg); err != nil {
					return nil, fmt.Errorf("failed to decode message event: %w", err)
				}
				// Snapshots carry full content; a shorter one is stale.
				if len(msg.Content) <= len(view) && view != "" {
					continue
				}
				view = msg.Content
				if onUpdate != nil {
					onUpdate(view)
				}
			case "complete":
				var done completeEvent
				if err := json.Unmarshal([]byte(event.Data), &done); err != nil {
					return nil, fmt.Errorf("failed to decode complete event: %w", err)
				}
				return &Result{TaskID: taskID, Content: view, TokensUsed: done.TokensUsed}, nil
			}
		}
	}
}

// Cancel aborts the live stream session for taskID on the server.
func (c *Client) Cancel(ctx context.Context, taskID string) error {
	url := fmt.Sprintf("%s/api/tasks/%s/cancel", c.baseURL, taskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create cancel request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to cancel stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Message != "" {
		return fmt.Errorf("server returned %d: [%s] %s", resp.StatusCode, apiErr.Code, apiErr.Message)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}
