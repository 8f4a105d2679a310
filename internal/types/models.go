package types

import (
	"fmt"
	"time"
)

// Role tags who produced a record and therefore which stage may consume it next.
type Role string

const (
	RoleUser        Role = "user"
	RoleAssistant   Role = "assistant"
	RoleIntegration Role = "integration"
	RoleSystem      Role = "system"
)

// ParseRole validates a stored role string.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleUser, RoleAssistant, RoleIntegration, RoleSystem:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role: %q", s)
	}
}

// Record is one immutable entry in a conversation's log. Sequence, ID and At
// are assigned by the EventLog on append.
type Record struct {
	ID             RecordID       `json:"id"`
	ConversationID ConversationID `json:"conversation_id"`
	Sequence       int64          `json:"sequence"`
	Role           Role           `json:"role"`
	Payload        string         `json:"payload"`
	Key            string         `json:"key,omitempty"`
	At             time.Time      `json:"at"`
}

// InboundMessage is a user message arriving from any channel.
type InboundMessage struct {
	Source         string         `json:"source"`
	ConversationID ConversationID `json:"conversation_id,omitempty"`
	Text           string         `json:"text"`
	Key            string         `json:"key,omitempty"`
}

// NextSequence returns the sequence for a record appended at now after a
// record with sequence prev. Sequences are unix milliseconds, bumped past prev
// when the clock has not advanced.
func NextSequence(prev int64, now time.Time) int64 {
	seq := now.UnixMilli()
	if seq <= prev {
		seq = prev + 1
	}
	return seq
}
