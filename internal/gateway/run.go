package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/user/convpipe/internal/types"
	"github.com/user/convpipe/internal/view"
)

// RunStatus represents the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// RunKind selects what a run does to its conversation.
type RunKind string

const (
	RunSubmit RunKind = "submit"
	RunResume RunKind = "resume"
	RunClose  RunKind = "close"
)

// Result is what a completed run returns to its caller.
type Result struct {
	ConversationID types.ConversationID
	// Reply is the assistant text of the turn, empty if none was produced.
	Reply string
	View  *view.Conversation
}

// Run tracks a single unit of work against one conversation.
type Run struct {
	ID             types.RunID
	ConversationID types.ConversationID
	Kind           RunKind
	Message        *types.InboundMessage
	Status         RunStatus
	CreatedAt      time.Time
	StartedAt      *time.Time
	EndedAt        *time.Time
	Result         *Result
	Error          error
	// Ctx is the caller's context; nil runs under the queue's context only.
	Ctx        context.Context
	OnComplete func(response string)

	mu   sync.Mutex
	done chan struct{}
}

// NewRun creates a Run in the Queued state for the given conversation.
func NewRun(id types.ConversationID, kind RunKind, msg *types.InboundMessage) *Run {
	return &Run{
		ID:             types.NewRunID(),
		ConversationID: id,
		Kind:           kind,
		Message:        msg,
		Status:         RunStatusQueued,
		CreatedAt:      time.Now(),
		done:           make(chan struct{}),
	}
}

// Done is closed once the run has finished, successfully or not.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

func (r *Run) start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.StartedAt = &now
	r.Status = RunStatusRunning
}

func (r *Run) finish(res *Result, err error) {
	r.mu.Lock()
	now := time.Now()
	r.EndedAt = &now
	r.Result = res
	r.Error = err
	if err != nil {
		r.Status = RunStatusFailed
	} else {
		r.Status = RunStatusComplete
	}
	r.mu.Unlock()

	if r.OnComplete != nil {
		if err != nil {
			r.OnComplete("Sorry, something went wrong processing your message.")
		} else if res != nil {
			r.OnComplete(res.Reply)
		}
	}
	close(r.done)
}

// context returns the context the run executes under: cancelled when either
// the caller's context or parent is done.
func (r *Run) context(parent context.Context) (context.Context, context.CancelFunc) {
	if r.Ctx == nil {
		return context.WithCancel(parent)
	}
	ctx, cancel := context.WithCancel(r.Ctx)
	stop := context.AfterFunc(parent, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
