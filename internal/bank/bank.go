// Package bank provides clients for the banking collaborator queried by the
// integrate stage. The contract is opaque: a query carries the conversation
// id and the latest assistant text, and the answer is arbitrary JSON data
// with a status.
package bank

import (
	"context"

	"github.com/user/convpipe/internal/types"
)

// Result is the banking collaborator's answer. It is stored verbatim, as
// JSON, in an integration record.
type Result struct {
	Status string         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
}

// Client queries the banking collaborator.
type Client interface {
	Query(ctx context.Context, id types.ConversationID, content string) (*Result, error)
}

// Static answers every query with fixed placeholder account data. It is used
// when no bank API is configured.
type Static struct{}

func (Static) Query(ctx context.Context, id types.ConversationID, content string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Result{
		Status: "success",
		Data: map[string]any{
			"accountBalance":  1000.00,
			"lastTransaction": "2024-01-01",
		},
	}, nil
}
