// Package gateway coordinates conversations through the pipeline stages.
package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/user/convpipe/internal/stage"
	"github.com/user/convpipe/internal/types"
)

// Stages holds one processor per pipeline stage.
type Stages struct {
	Ingest    stage.Stage
	Infer     stage.Stage
	Integrate stage.Stage
	Format    stage.Stage
}

func (s Stages) get(name stage.Name) stage.Stage {
	switch name {
	case stage.Ingest:
		return s.Ingest
	case stage.Infer:
		return s.Infer
	case stage.Integrate:
		return s.Integrate
	default:
		return s.Format
	}
}

// Coordinator drives conversations through the stages. All work on a
// conversation goes through its queue lane, so at most one stage is in
// flight per conversation.
type Coordinator struct {
	events types.EventLog
	stages Stages
	Queue  *Queue
	retry  *RetryPolicy

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Coordinator over the given log and stages with the given
// concurrency limit for simultaneous conversations.
func New(events types.EventLog, stages Stages, maxConcurrent ...int64) *Coordinator {
	var concurrency int64 = 2
	if len(maxConcurrent) > 0 && maxConcurrent[0] > 0 {
		concurrency = maxConcurrent[0]
	}
	c := &Coordinator{
		events: events,
		stages: stages,
		Queue:  NewQueue(concurrency),
		retry:  DefaultRetryPolicy(),
	}
	c.Queue.SetProcessor(c.process)
	return c
}

// SetRetryPolicy replaces the policy applied to failing stages.
func (c *Coordinator) SetRetryPolicy(p *RetryPolicy) {
	c.retry = p
}

// Start initialises the coordinator's context and starts the internal queue.
func (c *Coordinator) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.Queue.Start(c.ctx)
}

// Stop cancels the coordinator context, stops the queue, and waits for any
// outstanding work to finish.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.Queue.Stop()
}

// RunOption configures optional behavior on a Run.
type RunOption func(*Run)

// WithOnComplete sets a callback invoked with the assistant reply when the
// run finishes.
func WithOnComplete(fn func(string)) RunOption {
	return func(r *Run) { r.OnComplete = fn }
}

// Submit ingests msg and drives the turn to completion, returning the
// assembled view and the assistant reply. A pending turn left by an earlier
// failure is finished first. A missing conversation id is minted.
func (c *Coordinator) Submit(ctx context.Context, msg *types.InboundMessage) (*Result, error) {
	run := newSubmitRun(msg)
	run.Ctx = ctx
	if err := c.Queue.Enqueue(run); err != nil {
		return nil, err
	}
	return wait(ctx, run)
}

// SubmitAsync enqueues msg and returns immediately. Options such as
// WithOnComplete observe the outcome.
func (c *Coordinator) SubmitAsync(msg *types.InboundMessage, opts ...RunOption) (types.ConversationID, error) {
	run := newSubmitRun(msg, opts...)
	if err := c.Queue.Enqueue(run); err != nil {
		return "", err
	}
	return run.ConversationID, nil
}

func newSubmitRun(msg *types.InboundMessage, opts ...RunOption) *Run {
	m := *msg
	if m.ConversationID == "" {
		m.ConversationID = types.NewConversationID()
	}
	if m.Key == "" {
		m.Key = types.NewIdempotencyKey()
	}
	run := NewRun(m.ConversationID, RunSubmit, &m)
	for _, opt := range opts {
		opt(run)
	}
	return run
}

// Resume drives whatever stages the conversation's derived state makes
// eligible, then returns the view.
func (c *Coordinator) Resume(ctx context.Context, id types.ConversationID) (*Result, error) {
	return c.enqueueAndWait(ctx, id, RunResume)
}

// Close ends a pending turn by appending a system record. It is the operator's
// way out of a turn whose collaborator keeps failing.
func (c *Coordinator) Close(ctx context.Context, id types.ConversationID) (*Result, error) {
	return c.enqueueAndWait(ctx, id, RunClose)
}

func (c *Coordinator) enqueueAndWait(ctx context.Context, id types.ConversationID, kind RunKind) (*Result, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: conversation id is required", types.ErrValidation)
	}
	run := NewRun(id, kind, nil)
	run.Ctx = ctx
	if err := c.Queue.Enqueue(run); err != nil {
		return nil, err
	}
	return wait(ctx, run)
}

// View runs Format only. It reads the log and never appends, so it does not
// wait for the conversation's lane.
func (c *Coordinator) View(ctx context.Context, id types.ConversationID) (*Result, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: conversation id is required", types.ErrValidation)
	}
	return c.format(ctx, types.NewRunID(), id)
}

// Conversations lists every known conversation id.
func (c *Coordinator) Conversations(ctx context.Context) ([]types.ConversationID, error) {
	return c.events.Conversations(ctx)
}

func wait(ctx context.Context, run *Run) (*Result, error) {
	select {
	case <-run.Done():
		return run.Result, run.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// process is the queue's processor.
func (c *Coordinator) process(ctx context.Context, run *Run) (*Result, error) {
	log := slog.With("run_id", string(run.ID), "conversation_id", string(run.ConversationID), "kind", string(run.Kind))
	log.Debug("run started")

	var err error
	switch run.Kind {
	case RunSubmit:
		err = c.submit(ctx, run)
	case RunResume:
		err = c.resume(ctx, run, false)
	case RunClose:
		err = c.close(ctx, run)
	default:
		err = fmt.Errorf("unknown run kind %q", run.Kind)
	}
	if err != nil {
		return nil, err
	}

	res, err := c.format(ctx, run.ID, run.ConversationID)
	if err != nil {
		return nil, err
	}
	log.Info("run complete", "state", res.View.State, "records", len(res.View.Entries))
	return res, nil
}

func (c *Coordinator) submit(ctx context.Context, run *Run) error {
	if err := c.resume(ctx, run, true); err != nil {
		return fmt.Errorf("finish pending turn: %w", err)
	}

	msg := run.Message
	if _, err := c.runStage(ctx, run, stage.Ingest, stage.Input{
		ConversationID: msg.ConversationID,
		Text:           msg.Text,
		Key:            msg.Key,
	}); err != nil {
		return err
	}
	return c.resume(ctx, run, false)
}

// resume dispatches from the latest record until the turn is complete.
// beforeIngest marks the call Submit makes ahead of its own message, where a
// pending turn is left over from an earlier run.
func (c *Coordinator) resume(ctx context.Context, run *Run, beforeIngest bool) error {
	latest, err := c.latest(ctx, run)
	if err != nil {
		return err
	}
	if beforeIngest && latest != nil && stage.Derive(latest).Pending() {
		slog.Info("finishing pending turn", "run_id", string(run.ID), "conversation_id", string(run.ConversationID),
			"state", stage.Derive(latest).String())
	}
	return c.dispatch(ctx, run, latest)
}

// dispatch invokes the stage that consumes rec, then the stage that consumes
// the record it appended, until a record ends the turn.
func (c *Coordinator) dispatch(ctx context.Context, run *Run, rec *types.Record) error {
	for rec != nil {
		var next stage.Name
		switch rec.Role {
		case types.RoleUser:
			next = stage.Infer
		case types.RoleAssistant:
			next = stage.Integrate
		default:
			return nil
		}
		out, err := c.runStage(ctx, run, next, stage.Input{ConversationID: run.ConversationID})
		if err != nil {
			return err
		}
		rec = out.Record
	}
	return nil
}

func (c *Coordinator) close(ctx context.Context, run *Run) error {
	latest, err := c.latest(ctx, run)
	if err != nil {
		return err
	}
	st := stage.Derive(latest)
	if !st.Pending() {
		return &types.StageError{
			ConversationID: run.ConversationID,
			Stage:          "close",
			Err:            fmt.Errorf("%w: no pending turn, state is %s", types.ErrStateViolation, st),
		}
	}
	rec := &types.Record{
		ConversationID: run.ConversationID,
		Role:           types.RoleSystem,
		Payload:        fmt.Sprintf("turn closed by operator while %s", st),
		Key:            fmt.Sprintf("close:%d", latest.Sequence),
	}
	if err := c.events.Append(ctx, rec); err != nil {
		return fmt.Errorf("append system record: %w", err)
	}
	slog.Info("turn closed", "run_id", string(run.ID), "conversation_id", string(run.ConversationID), "state", st.String())
	return nil
}

func (c *Coordinator) latest(ctx context.Context, run *Run) (*types.Record, error) {
	var latest *types.Record
	err := c.retry.Execute(ctx, func() error {
		var err error
		latest, err = c.events.ReadLatest(ctx, run.ConversationID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read latest: %w", err)
	}
	return latest, nil
}

func (c *Coordinator) format(ctx context.Context, runID types.RunID, id types.ConversationID) (*Result, error) {
	out, err := c.invoke(ctx, runID, id, stage.Format, stage.Input{ConversationID: id})
	if err != nil {
		return nil, err
	}
	return &Result{
		ConversationID: id,
		Reply:          out.View.LastReply(),
		View:           out.View,
	}, nil
}

func (c *Coordinator) runStage(ctx context.Context, run *Run, name stage.Name, in stage.Input) (stage.Outcome, error) {
	return c.invoke(ctx, run.ID, run.ConversationID, name, in)
}

// invoke runs one stage under the retry policy. Rejections and exhausted
// failures both come back as *types.StageError.
func (c *Coordinator) invoke(ctx context.Context, runID types.RunID, id types.ConversationID, name stage.Name, in stage.Input) (stage.Outcome, error) {
	log := slog.With("run_id", string(runID), "conversation_id", string(id), "stage", string(name))
	s := c.stages.get(name)

	var out stage.Outcome
	attempt := 0
	err := c.retry.Execute(ctx, func() error {
		attempt++
		var err error
		out, err = s.Process(ctx, in)
		if err != nil {
			log.Warn("stage attempt failed", "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		log.Error("stage failed", "attempts", attempt, "error", err)
		return out, &types.StageError{ConversationID: id, Stage: string(name), Err: err}
	}

	if out.Kind == stage.Rejected {
		log.Warn("stage rejected", "error", out.Reason)
		return out, &types.StageError{ConversationID: id, Stage: string(name), Err: out.Reason}
	}

	log.Debug("stage done", "outcome", out.Kind.String())
	return out, nil
}
