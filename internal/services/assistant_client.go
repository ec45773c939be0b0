package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"guided-scan/backend/pkg/models"
)

// ThreadMessage is a message as returned by the remote conversational
// service.
type ThreadMessage struct {
	ID        string             `json:"id"`
	RunID     string             `json:"run_id,omitempty"`
	Role      models.MessageRole `json:"role"`
	Content   string             `json:"content"`
	CreatedAt int64              `json:"created_at"`
}

// AssistantClient is an interface for the remote conversational service.
type AssistantClient interface {
	// CreateThread creates a new remote thread.
	CreateThread(ctx context.Context) (string, error)
	// PostMessage appends a user message to a thread.
	PostMessage(ctx context.Context, threadID, content string) error
	// StartRun starts a run for the given assistant against a thread.
	StartRun(ctx context.Context, threadID, assistantID string) (string, error)
	// GetRunStatus returns the current status of a run.
	GetRunStatus(ctx context.Context, threadID, runID string) (models.RunStatus, error)
	// ListThreadMessages returns a thread's messages, newest first.
	ListThreadMessages(ctx context.Context, threadID string) ([]ThreadMessage, error)
}

// HTTPAssistantClient is an HTTP implementation of the AssistantClient
// interface.
type HTTPAssistantClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPAssistantClient creates a new HTTPAssistantClient.
func NewHTTPAssistantClient(baseURL, apiKey string) *HTTPAssistantClient {
	return &HTTPAssistantClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  http.DefaultClient,
	}
}

// CreateThread creates a new remote thread.
func (c *HTTPAssistantClient) CreateThread(ctx context.Context) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/threads", nil, &resp); err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	return resp.ID, nil
}

// PostMessage appends a user message to a thread.
func (c *HTTPAssistantClient) PostMessage(ctx context.Context, threadID, content string) error {
	body := map[string]string{"role": "user", "content": content}
	if err := c.do(ctx, http.MethodPost, "/threads/"+threadID+"/messages", body, nil); err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	return nil
}

// StartRun starts a run for the given assistant against a thread.
func (c *HTTPAssistantClient) StartRun(ctx context.Context, threadID, assistantID string) (string, error) {
	body := map[string]string{"assistant_id": assistantID}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/threads/"+threadID+"/runs", body, &resp); err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	return resp.ID, nil
}

// GetRunStatus returns the current status of a run.
func (c *HTTPAssistantClient) GetRunStatus(ctx context.Context, threadID, runID string) (models.RunStatus, error) {
	var resp struct {
		Status models.RunStatus `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/threads/"+threadID+"/runs/"+runID, nil, &resp); err != nil {
		return "", fmt.Errorf("get run status: %w", err)
	}
	return resp.Status, nil
}

// ListThreadMessages returns a thread's messages, newest first.
func (c *HTTPAssistantClient) ListThreadMessages(ctx context.Context, threadID string) ([]ThreadMessage, error) {
	var resp struct {
		Data []ThreadMessage `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/threads/"+threadID+"/messages", nil, &resp); err != nil {
		return nil, fmt.Errorf("list thread messages: %w", err)
	}
	return resp.Data, nil
}

func (c *HTTPAssistantClient) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: status code %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response body: %w", err)
		}
	}
	return nil
}
