package stage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	ctxengine "github.com/user/convpipe/internal/context"
	"github.com/user/convpipe/internal/types"
	"github.com/user/convpipe/pkg/llm"
)

// InferConfig holds the model call parameters.
type InferConfig struct {
	MaxTokens    int
	Temperature  float32
	SystemPrompt string
	Timeout      time.Duration
}

// InferStage asks the language model to answer the pending user message.
type InferStage struct {
	events   types.EventLog
	provider llm.Provider
	engine   *ctxengine.Engine
	cfg      InferConfig
	now      func() time.Time
}

// NewInfer validates the system prompt template and returns the stage.
func NewInfer(events types.EventLog, provider llm.Provider, engine *ctxengine.Engine, cfg InferConfig) (*InferStage, error) {
	if _, err := ctxengine.RenderSystemPrompt(cfg.SystemPrompt, "", time.Now()); err != nil {
		return nil, err
	}
	return &InferStage{
		events:   events,
		provider: provider,
		engine:   engine,
		cfg:      cfg,
		now:      time.Now,
	}, nil
}

func (s *InferStage) Name() Name { return Infer }

func (s *InferStage) Process(ctx context.Context, in Input) (Outcome, error) {
	records, err := s.events.ReadOrdered(ctx, in.ConversationID)
	if err != nil {
		return Outcome{}, fmt.Errorf("read log: %w", err)
	}

	if done := committed(records, types.RoleUser, inferKey); done != nil {
		return AppendedOutcome(done), nil
	}

	last := latest(records)
	if last == nil || last.Role != types.RoleUser {
		return RejectedOutcome(fmt.Errorf("%w: infer requires a pending user message, state is %s",
			types.ErrStateViolation, Derive(last))), nil
	}

	system, err := ctxengine.RenderSystemPrompt(s.cfg.SystemPrompt, in.ConversationID, s.now())
	if err != nil {
		return Outcome{}, err
	}

	callCtx := ctx
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	resp, err := s.provider.Complete(callCtx, &llm.Request{
		System:      system,
		Messages:    s.engine.Turns(records, system),
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
	})
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		var apiErr *llm.APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return Outcome{}, fmt.Errorf("model call: %w", err)
		}
		return Outcome{}, fmt.Errorf("%w: model call: %w", types.ErrCollaboratorUnavailable, err)
	}
	if strings.TrimSpace(resp.Content) == "" {
		return Outcome{}, fmt.Errorf("%w: model returned an empty reply", types.ErrCollaboratorUnavailable)
	}

	rec := &types.Record{
		ConversationID: in.ConversationID,
		Role:           types.RoleAssistant,
		Payload:        resp.Content,
		Key:            inferKey(last.Sequence),
	}
	if err := s.events.Append(ctx, rec); err != nil {
		return Outcome{}, fmt.Errorf("append assistant record: %w", err)
	}
	return AppendedOutcome(rec), nil
}
