package stage

import (
	"context"
	"fmt"
	"strings"

	"github.com/user/convpipe/internal/types"
)

// IngestStage appends the user's message, starting a new turn.
type IngestStage struct {
	events types.EventLog
}

func NewIngest(events types.EventLog) *IngestStage {
	return &IngestStage{events: events}
}

func (s *IngestStage) Name() Name { return Ingest }

// Process mints a conversation id when none is given. A key already present
// in the log returns the stored record without appending.
func (s *IngestStage) Process(ctx context.Context, in Input) (Outcome, error) {
	if strings.TrimSpace(in.Text) == "" {
		return RejectedOutcome(fmt.Errorf("%w: message is required", types.ErrValidation)), nil
	}

	id := in.ConversationID
	if id == "" {
		id = types.NewConversationID()
	}

	records, err := s.events.ReadOrdered(ctx, id)
	if err != nil {
		return Outcome{}, fmt.Errorf("read log: %w", err)
	}

	if in.Key != "" {
		for _, rec := range records {
			if rec.Key == in.Key {
				return AppendedOutcome(rec), nil
			}
		}
	}

	if st := Derive(latest(records)); !st.Accepts(Ingest) {
		return RejectedOutcome(fmt.Errorf("%w: cannot ingest while %s", types.ErrStateViolation, st)), nil
	}

	rec := &types.Record{
		ConversationID: id,
		Role:           types.RoleUser,
		Payload:        in.Text,
		Key:            in.Key,
	}
	if err := s.events.Append(ctx, rec); err != nil {
		return Outcome{}, fmt.Errorf("append user record: %w", err)
	}
	return AppendedOutcome(rec), nil
}
