// internal/scheduler/scheduler.go
package scheduler

import (
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/user/convpipe/internal/state"
	"github.com/user/convpipe/internal/types"
)

// Handler is the callback invoked when a scheduled task fires.
type Handler func(key types.ChannelKey, message string)

// Scheduler evaluates cron expressions from the task store and fires tasks
// through a handler callback.
type Scheduler struct {
	store   *state.TaskStore
	handler Handler
	cron    *cron.Cron
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule reports whether expr is a schedule the scheduler accepts.
func ValidateSchedule(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}

// New creates a new Scheduler backed by the given task store. The handler is
// called each time a scheduled task fires.
func New(store *state.TaskStore, handler Handler) *Scheduler {
	return &Scheduler{
		store:   store,
		handler: handler,
		cron:    cron.New(cron.WithParser(cronParser)),
	}
}

// Start loads scheduled tasks from the store, registers them as cron
// entries, and starts the cron ticker.
func (s *Scheduler) Start() error {
	tasks, err := s.store.Scheduled()
	if err != nil {
		return err
	}

	for _, task := range tasks {
		key := task.ChannelKey
		message := task.Message
		name := task.Name

		_, err := s.cron.AddFunc(task.Schedule, func() {
			slog.Info("cron firing task", "name", name, "channel_key", string(key))
			s.handler(key, message)
		})
		if err != nil {
			slog.Error("invalid cron schedule", "name", name, "schedule", task.Schedule, "error", err)
			continue
		}
		slog.Info("scheduled task", "name", name, "schedule", task.Schedule)
	}

	s.cron.Start()
	return nil
}

// Entries returns the number of registered cron entries.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Reload stops the existing cron, creates a new one, and calls Start() again.
func (s *Scheduler) Reload() error {
	s.cron.Stop()
	s.cron = cron.New(cron.WithParser(cronParser))
	return s.Start()
}

// Stop stops the cron ticker.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
