// Package runtime provides the HTTP client for the external suspend/resume
// execution engine.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/approvalgate/gatekeeper/internal/domain"
)

// Client is an HTTP client for the external agent runtime.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new runtime client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type suspendRequest struct {
	ThreadID string `json:"thread_id"`
}

type suspendResponse struct {
	CheckpointRef string `json:"checkpoint_ref"`
}

// Suspend asks the runtime to checkpoint the thread at the current gate and
// returns the opaque checkpoint reference for a later resume.
func (c *Client) Suspend(ctx context.Context, threadID string) (string, error) {
	var resp suspendResponse
	if err := c.post(ctx, "/runtime/suspend", suspendRequest{ThreadID: threadID}, &resp); err != nil {
		return "", fmt.Errorf("failed to suspend thread: %w", err)
	}
	return resp.CheckpointRef, nil
}

type resumeRequest struct {
	ThreadID      string          `json:"thread_id"`
	CheckpointRef string          `json:"checkpoint_ref,omitempty"`
	Decision      domain.Decision `json:"decision"`
}

// Resume continues a suspended thread with the human decision. The returned
// outcome reports whether a tool actually ran and what it returned so the
// execution ledger can verify the claimed effect.
func (c *Client) Resume(ctx context.Context, threadID, checkpointRef string, decision domain.Decision) (*domain.Outcome, error) {
	var outcome domain.Outcome
	req := resumeRequest{ThreadID: threadID, CheckpointRef: checkpointRef, Decision: decision}
	if err := c.post(ctx, "/runtime/resume", req, &outcome); err != nil {
		return nil, fmt.Errorf("failed to resume thread: %w", err)
	}
	return &outcome, nil
}

func (c *Client) post(ctx context.Context, path string, reqBody, respBody any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("runtime returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
