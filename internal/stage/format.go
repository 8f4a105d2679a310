package stage

import (
	"context"
	"fmt"

	"github.com/user/convpipe/internal/types"
	"github.com/user/convpipe/internal/view"
)

// FormatStage assembles the conversation view. It never appends.
type FormatStage struct {
	events types.EventLog
}

func NewFormat(events types.EventLog) *FormatStage {
	return &FormatStage{events: events}
}

func (s *FormatStage) Name() Name { return Format }

func (s *FormatStage) Process(ctx context.Context, in Input) (Outcome, error) {
	records, err := s.events.ReadOrdered(ctx, in.ConversationID)
	if err != nil {
		return Outcome{}, fmt.Errorf("read log: %w", err)
	}
	v := view.Project(in.ConversationID, records)
	v.State = Derive(latest(records)).String()
	return TerminalOutcome(v), nil
}
