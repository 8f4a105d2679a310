// Package anthropic implements llm.Provider for the Anthropic Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/user/convpipe/pkg/llm"
)

const (
	DefaultBaseURL = "https://api.anthropic.com/v1"
	apiVersion     = "2023-06-01"
	// max_tokens is mandatory for this API.
	defaultMaxTokens = 1024
)

// Client implements the llm.Provider interface for the Anthropic Messages API.
type Client struct {
	config     *llm.Config
	httpClient *http.Client
}

// New creates a new Anthropic client with the given configuration.
func New(config *llm.Config) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type messagesRequest struct {
	Model       string        `json:"model"`
	System      string        `json:"system,omitempty"`
	Messages    []llm.Message `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature *float32      `json:"temperature,omitempty"`
}

type messagesResponse struct {
	Content []contentBlock `json:"content"`
	Usage   responseUsage  `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responseUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Complete sends a messages request and returns the concatenated text blocks.
func (c *Client) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	reqBody := messagesRequest{
		Model:     c.config.Model,
		System:    req.System,
		Messages:  alternate(req.Messages),
		MaxTokens: req.MaxTokens,
	}
	if reqBody.MaxTokens <= 0 {
		reqBody.MaxTokens = defaultMaxTokens
	}
	if req.Temperature != 0 {
		temp := req.Temperature
		reqBody.Temperature = &temp
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	baseURL := c.config.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.config.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &llm.APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var msgResp messagesResponse
	if err := json.Unmarshal(respBody, &msgResp); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}

	var text strings.Builder
	for _, block := range msgResp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("no text content in response")
	}

	return &llm.Response{
		Content: text.String(),
		Usage: llm.Usage{
			InputTokens:  msgResp.Usage.InputTokens,
			OutputTokens: msgResp.Usage.OutputTokens,
			TotalTokens:  msgResp.Usage.InputTokens + msgResp.Usage.OutputTokens,
		},
	}, nil
}

// alternate merges consecutive same-role messages and drops leading
// assistant turns; the API requires user/assistant alternation starting with
// a user message.
func alternate(messages []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(messages))
	for _, msg := range messages {
		if len(out) == 0 && msg.Role != "user" {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == msg.Role {
			out[n-1].Content += "\n\n" + msg.Content
			continue
		}
		out = append(out, msg)
	}
	return out
}
