package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/convpipe/internal/types"
)

// DefaultLaneIdle is how long a conversation lane waits for work before its
// goroutine exits.
const DefaultLaneIdle = time.Minute

// ErrQueueStopped is returned by Enqueue once the queue is shutting down.
var ErrQueueStopped = errors.New("queue stopped")

// Processor executes one dequeued run.
type Processor func(ctx context.Context, run *Run) (*Result, error)

// Queue manages per-conversation lanes with a global concurrency semaphore.
// Each conversation gets its own FIFO channel (lane) so that runs within a
// conversation are processed sequentially, while the semaphore limits the
// total number of concurrent run processors across all conversations.
type Queue struct {
	lanes     map[types.ConversationID]chan *Run
	semaphore *semaphore.Weighted
	processor Processor
	active    atomic.Int64
	idle      time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
}

// NewQueue creates a Queue that allows up to maxConcurrent runs to execute
// simultaneously across all conversation lanes.
func NewQueue(maxConcurrent int64) *Queue {
	return &Queue{
		lanes:     make(map[types.ConversationID]chan *Run),
		semaphore: semaphore.NewWeighted(maxConcurrent),
		idle:      DefaultLaneIdle,
	}
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels the queue context, closes all lanes, and waits for in-flight
// processors to finish. Runs still buffered fail with the context error.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Lock()
	for id, lane := range q.lanes {
		close(lane)
		delete(q.lanes, id)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// SetIdleTimeout changes how long an empty lane lives. Applies to lanes
// created afterwards.
func (q *Queue) SetIdleTimeout(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.idle = d
}

// Enqueue adds a Run to the conversation's lane, creating the lane (and its
// goroutine) on first use. Returns an error if the lane's buffer is full.
func (q *Queue) Enqueue(run *Run) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ctx == nil || q.ctx.Err() != nil {
		return ErrQueueStopped
	}

	lane, exists := q.lanes[run.ConversationID]
	if !exists {
		lane = make(chan *Run, 100)
		q.lanes[run.ConversationID] = lane
		q.wg.Add(1)
		go q.processLane(run.ConversationID, lane, q.idle)
	}

	select {
	case lane <- run:
		return nil
	default:
		return fmt.Errorf("queue full for conversation %s", run.ConversationID)
	}
}

// processLane drains a single conversation lane, acquiring a semaphore slot
// before running the processor synchronously. This ensures strict FIFO
// ordering within a conversation while the semaphore limits cross-conversation
// parallelism.
func (q *Queue) processLane(id types.ConversationID, lane chan *Run, idle time.Duration) {
	defer q.wg.Done()
	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		select {
		case run, ok := <-lane:
			if !ok {
				return
			}
			q.execute(run)
			timer.Reset(idle)
		case <-timer.C:
			if q.reap(id, lane) {
				return
			}
			timer.Reset(idle)
		case <-q.ctx.Done():
			q.drain(lane)
			return
		}
	}
}

func (q *Queue) execute(run *Run) {
	if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
		run.finish(nil, err)
		return
	}
	defer q.semaphore.Release(1)

	if q.processor == nil {
		run.finish(nil, errors.New("no processor configured"))
		return
	}

	q.active.Add(1)
	defer q.active.Add(-1)

	ctx, cancel := run.context(q.ctx)
	defer cancel()

	run.start()
	res, err := q.processor(ctx, run)
	if err != nil {
		slog.Error("run failed", "run_id", string(run.ID), "conversation_id", string(run.ConversationID), "error", err)
	}
	run.finish(res, err)
}

// reap removes an empty lane. Enqueue holds the same lock while sending, so
// no run can slip into a lane after it is removed.
func (q *Queue) reap(id types.ConversationID, lane chan *Run) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(lane) > 0 {
		return false
	}
	if q.lanes[id] == lane {
		delete(q.lanes, id)
	}
	return true
}

func (q *Queue) drain(lane chan *Run) {
	for {
		select {
		case run, ok := <-lane:
			if !ok {
				return
			}
			run.finish(nil, q.ctx.Err())
		default:
			return
		}
	}
}

// Lanes returns the number of live conversation lanes.
func (q *Queue) Lanes() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.lanes)
}

// WaitIdle blocks until no runs are actively being processed, or the timeout
// expires. Returns true if idle, false if timed out.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// SetProcessor sets the function invoked for each dequeued Run.
func (q *Queue) SetProcessor(fn Processor) {
	q.processor = fn
}
