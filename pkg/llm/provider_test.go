package llm

import (
	"context"
	"errors"
	"testing"
)

// MockProvider is a test double that satisfies the Provider interface.
type MockProvider struct {
	CompleteFunc func(ctx context.Context, req *Request) (*Response, error)
}

func (m *MockProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	return &Response{Content: "mock response"}, nil
}

func TestProviderInterface(t *testing.T) {
	var provider Provider = &MockProvider{}
	resp, err := provider.Complete(context.Background(), &Request{
		Messages: []Message{{Role: "user", Content: "test"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content == "" {
		t.Error("expected non-empty response")
	}
}

func TestMockProviderCustomComplete(t *testing.T) {
	mock := &MockProvider{
		CompleteFunc: func(ctx context.Context, req *Request) (*Response, error) {
			if req.MaxTokens != 1000 {
				t.Errorf("expected max tokens 1000, got %d", req.MaxTokens)
			}
			return &Response{
				Content: "custom response",
				Usage:   Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
			}, nil
		},
	}

	resp, err := mock.Complete(context.Background(), &Request{
		Messages:  []Message{{Role: "user", Content: "hello"}},
		MaxTokens: 1000,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "custom response" {
		t.Errorf("expected 'custom response', got %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("expected 15 total tokens, got %d", resp.Usage.TotalTokens)
	}
}

func TestAPIErrorTemporary(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{400, false},
		{401, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tt := range tests {
		err := error(&APIError{StatusCode: tt.status, Body: "x"})
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatal("expected APIError")
		}
		if got := apiErr.Temporary(); got != tt.want {
			t.Errorf("status %d: Temporary() = %v, want %v", tt.status, got, tt.want)
		}
	}
}
