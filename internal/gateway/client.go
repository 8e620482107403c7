// Package gateway is the HTTP client for the chat server's request/response
// surface: the send gateway, the incremental-sync endpoint, and recall.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Client talks JSON over HTTP to the chat server.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
	logger    *zap.Logger
}

// NewClient creates a gateway client. httpClient may be nil, in which case a
// default with a 30s timeout is used.
func NewClient(baseURL, authToken string, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		authToken: authToken,
		http:      httpClient,
		logger:    logger,
	}
}

// Send persists a message server-side and returns its server-assigned uuid
// and timestamp. No sequence number comes back on this path.
func (c *Client) Send(ctx context.Context, req SendRequest) (*SendResponse, error) {
	var resp SendResponse
	if err := c.post(ctx, "/v1/messages", req, &resp); err != nil {
		return nil, err
	}
	if resp.UUID == "" {
		return nil, fmt.Errorf("send: server returned empty uuid")
	}
	return &resp, nil
}

// Sync issues one incremental-diff round trip for a batch of conversations.
func (c *Client) Sync(ctx context.Context, req SyncRequest) (*SyncResponse, error) {
	var resp SyncResponse
	if err := c.post(ctx, "/v1/sync", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Recall asks the server to recall a message. The tombstone comes back to
// every client (this one included) as a push event.
func (c *Client) Recall(ctx context.Context, uuid string) error {
	return c.post(ctx, "/v1/messages/"+uuid+"/recall", struct{}{}, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Op: "POST " + path, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return &TransientError{Op: "POST " + path, Err: fmt.Errorf("server status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("POST %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
