// Package stage implements the four pipeline stages. Each stage reads the
// conversation log, optionally calls one collaborator, and either appends one
// record, returns the assembled view, or rejects the request without touching
// the log.
package stage

import (
	"context"
	"fmt"

	"github.com/user/convpipe/internal/types"
	"github.com/user/convpipe/internal/view"
)

// Name identifies a stage.
type Name string

const (
	Ingest    Name = "ingest"
	Infer     Name = "infer"
	Integrate Name = "integrate"
	Format    Name = "format"
)

// Input is what the coordinator hands a stage. Text and Key are only read by
// Ingest; later stages work from the log alone.
type Input struct {
	ConversationID types.ConversationID
	Text           string
	Key            string
}

// OutcomeKind tags an Outcome.
type OutcomeKind int

const (
	// Appended: a record was written (or an identical one already existed).
	Appended OutcomeKind = iota + 1
	// Terminal: no record written; View holds the assembled conversation.
	Terminal
	// Rejected: the request was invalid for the current input or state.
	Rejected
)

func (k OutcomeKind) String() string {
	switch k {
	case Appended:
		return "appended"
	case Terminal:
		return "terminal"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Outcome is a stage's hand-off decision.
type Outcome struct {
	Kind   OutcomeKind
	Record *types.Record
	View   *view.Conversation
	// Reason wraps types.ErrValidation or types.ErrStateViolation.
	Reason error
}

func AppendedOutcome(rec *types.Record) Outcome {
	return Outcome{Kind: Appended, Record: rec}
}

func TerminalOutcome(v *view.Conversation) Outcome {
	return Outcome{Kind: Terminal, View: v}
}

func RejectedOutcome(reason error) Outcome {
	return Outcome{Kind: Rejected, Reason: reason}
}

// Stage transforms the log state of one conversation. A returned error is a
// collaborator or storage failure the caller may retry; rejections are
// reported through the Outcome instead.
type Stage interface {
	Name() Name
	Process(ctx context.Context, in Input) (Outcome, error)
}

func latest(records []*types.Record) *types.Record {
	if len(records) == 0 {
		return nil
	}
	return records[len(records)-1]
}

func inferKey(userSeq int64) string { return fmt.Sprintf("infer:%d", userSeq) }

func integrateKey(assistantSeq int64) string { return fmt.Sprintf("integrate:%d", assistantSeq) }

// committed returns the latest record when it is the one a stage keyed by
// key appends after a record of role from. This is what a retry sees after
// an append that committed but reported an error.
func committed(records []*types.Record, from types.Role, key func(int64) string) *types.Record {
	n := len(records)
	if n < 2 {
		return nil
	}
	prev, last := records[n-2], records[n-1]
	if prev.Role == from && last.Key != "" && last.Key == key(prev.Sequence) {
		return last
	}
	return nil
}
