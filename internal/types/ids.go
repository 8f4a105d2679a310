package types

import (
	"strings"

	"github.com/google/uuid"
)

type ConversationID string
type RecordID string
type RunID string
type ChannelKey string

func NewConversationID() ConversationID {
	return ConversationID(uuid.New().String())
}

func NewRecordID() RecordID {
	return RecordID(uuid.New().String())
}

func NewRunID() RunID {
	return RunID(uuid.New().String())
}

// NewIdempotencyKey returns a fresh key for a single logical submit.
func NewIdempotencyKey() string {
	return uuid.New().String()
}

func NewChannelKey(parts ...string) ChannelKey {
	return ChannelKey(strings.Join(parts, ":"))
}
