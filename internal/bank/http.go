package bank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/user/convpipe/internal/types"
)

// HTTPClient posts queries as JSON to a bank API endpoint.
type HTTPClient struct {
	url    string
	apiKey string
	client *http.Client
}

// NewHTTPClient creates a client for the endpoint at url. A zero timeout
// defaults to 15 seconds.
func NewHTTPClient(url, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
}

type queryRequest struct {
	ConversationID types.ConversationID `json:"conversationId"`
	Message        string               `json:"message"`
}

func (c *HTTPClient) Query(ctx context.Context, id types.ConversationID, content string) (*Result, error) {
	body, err := json.Marshal(queryRequest{ConversationID: id, Message: content})
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bank request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bank API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if result.Status == "" {
		return nil, fmt.Errorf("bank response missing status")
	}
	return &result, nil
}
