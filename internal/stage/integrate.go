package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/user/convpipe/internal/bank"
	"github.com/user/convpipe/internal/types"
)

// IntegrateStage queries the banking collaborator with the latest assistant
// reply and records its answer.
type IntegrateStage struct {
	events  types.EventLog
	bank    bank.Client
	timeout time.Duration
}

func NewIntegrate(events types.EventLog, client bank.Client, timeout time.Duration) *IntegrateStage {
	return &IntegrateStage{events: events, bank: client, timeout: timeout}
}

func (s *IntegrateStage) Name() Name { return Integrate }

func (s *IntegrateStage) Process(ctx context.Context, in Input) (Outcome, error) {
	records, err := s.events.ReadOrdered(ctx, in.ConversationID)
	if err != nil {
		return Outcome{}, fmt.Errorf("read log: %w", err)
	}
	if done := committed(records, types.RoleAssistant, integrateKey); done != nil {
		return AppendedOutcome(done), nil
	}

	last := latest(records)
	if last == nil || last.Role != types.RoleAssistant {
		return RejectedOutcome(fmt.Errorf("%w: integrate requires an assistant reply, state is %s",
			types.ErrStateViolation, Derive(last))), nil
	}

	callCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	result, err := s.bank.Query(callCtx, in.ConversationID, last.Payload)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		return Outcome{}, fmt.Errorf("%w: bank query: %w", types.ErrCollaboratorUnavailable, err)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode bank result: %w", err)
	}

	rec := &types.Record{
		ConversationID: in.ConversationID,
		Role:           types.RoleIntegration,
		Payload:        string(payload),
		Key:            integrateKey(last.Sequence),
	}
	if err := s.events.Append(ctx, rec); err != nil {
		return Outcome{}, fmt.Errorf("append integration record: %w", err)
	}
	return AppendedOutcome(rec), nil
}
