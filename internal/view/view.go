// Package view projects a conversation's record log into the read-only
// structure returned to callers.
package view

import (
	"time"

	"github.com/user/convpipe/internal/types"
)

// Entry is one record as seen by a reader.
type Entry struct {
	Role     types.Role `json:"role"`
	Payload  string     `json:"payload"`
	Sequence int64      `json:"sequence"`
	At       time.Time  `json:"at"`
}

// Conversation is the ordered history of one conversation plus the pipeline
// state derived from it.
type Conversation struct {
	ConversationID types.ConversationID `json:"conversationId"`
	State          string               `json:"state,omitempty"`
	Entries        []Entry              `json:"messages"`
}

// Project builds a view from records already in ascending sequence. An
// unknown conversation yields an empty, non-nil entry list.
func Project(id types.ConversationID, records []*types.Record) *Conversation {
	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, Entry{
			Role:     rec.Role,
			Payload:  rec.Payload,
			Sequence: rec.Sequence,
			At:       rec.At,
		})
	}
	return &Conversation{ConversationID: id, Entries: entries}
}

// LastReply returns the payload of the most recent assistant entry.
func (c *Conversation) LastReply() string {
	for i := len(c.Entries) - 1; i >= 0; i-- {
		if c.Entries[i].Role == types.RoleAssistant {
			return c.Entries[i].Payload
		}
	}
	return ""
}

// Latest returns the last entry, or nil for an empty conversation.
func (c *Conversation) Latest() *Entry {
	if len(c.Entries) == 0 {
		return nil
	}
	return &c.Entries[len(c.Entries)-1]
}
