package types

import "context"

// EventLog is the append-only, per-conversation record store. It is the
// single source of truth for pipeline state.
type EventLog interface {
	// Append assigns ID, At and the next Sequence, then persists rec. When
	// rec.Key is already present in the conversation, rec is overwritten with
	// the stored record and nothing is written.
	Append(ctx context.Context, rec *Record) error
	// ReadOrdered returns all records in ascending sequence; empty for an
	// unknown conversation.
	ReadOrdered(ctx context.Context, id ConversationID) ([]*Record, error)
	// ReadLatest returns the highest-sequence record, or nil if none exist.
	ReadLatest(ctx context.Context, id ConversationID) (*Record, error)
	Conversations(ctx context.Context) ([]ConversationID, error)
}
