// internal/state/task.go
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/user/convpipe/internal/types"
)

// Task is a named message submitted into a channel's conversation on a cron
// schedule or via webhook.
type Task struct {
	Name       string           `json:"name"`
	Message    string           `json:"message"`
	Schedule   string           `json:"schedule,omitempty"`
	ChannelKey types.ChannelKey `json:"channel_key"`
	Enabled    bool             `json:"enabled"`
}

// TaskStore is a JSON-file-backed store for tasks.
type TaskStore struct {
	path string
	mu   sync.RWMutex
}

// NewTaskStore creates a new file-backed TaskStore at the given file path.
func NewTaskStore(path string) *TaskStore {
	return &TaskStore{path: path}
}

// Path returns the file path used by this store.
func (s *TaskStore) Path() string {
	return s.path
}

// ErrTaskNotFound is returned for operations on an unknown task name.
var ErrTaskNotFound = errors.New("task not found")

// List returns all tasks, empty when the file does not exist yet.
func (s *TaskStore) List() ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks, err := s.load()
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []*Task{}
	}
	return tasks, nil
}

func (s *TaskStore) Get(name string) (*Task, error) {
	tasks, err := s.List()
	if err != nil {
		return nil, err
	}
	if i := indexOf(tasks, name); i >= 0 {
		return tasks[i], nil
	}
	return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, name)
}

// Validate checks that the task can be submitted into a conversation.
func (t *Task) Validate() error {
	switch {
	case strings.TrimSpace(t.Name) == "":
		return fmt.Errorf("%w: task name is required", types.ErrValidation)
	case strings.ContainsAny(t.Name, "/ "):
		return fmt.Errorf("%w: task name %q must not contain spaces or slashes", types.ErrValidation, t.Name)
	case strings.TrimSpace(t.Message) == "":
		return fmt.Errorf("%w: task %s has no message", types.ErrValidation, t.Name)
	case t.ChannelKey == "":
		return fmt.Errorf("%w: task %s has no channel key", types.ErrValidation, t.Name)
	}
	return nil
}

// Scheduled returns enabled tasks that carry a cron schedule.
func (s *TaskStore) Scheduled() ([]*Task, error) {
	tasks, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []*Task
	for _, task := range tasks {
		if task.Enabled && task.Schedule != "" {
			out = append(out, task)
		}
	}
	return out, nil
}

// Add stores a new task. Names are unique.
func (s *TaskStore) Add(task *Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	return s.mutate(func(tasks []*Task) ([]*Task, error) {
		if indexOf(tasks, task.Name) >= 0 {
			return nil, fmt.Errorf("%w: task already exists: %s", types.ErrValidation, task.Name)
		}
		return append(tasks, task), nil
	})
}

func (s *TaskStore) Remove(name string) error {
	return s.mutate(func(tasks []*Task) ([]*Task, error) {
		i := indexOf(tasks, name)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, name)
		}
		return append(tasks[:i], tasks[i+1:]...), nil
	})
}

func (s *TaskStore) SetEnabled(name string, enabled bool) error {
	return s.mutate(func(tasks []*Task) ([]*Task, error) {
		i := indexOf(tasks, name)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, name)
		}
		tasks[i].Enabled = enabled
		return tasks, nil
	})
}

func indexOf(tasks []*Task, name string) int {
	for i, task := range tasks {
		if task.Name == name {
			return i
		}
	}
	return -1
}

// mutate applies fn to the stored list under the write lock and saves the
// result. Nothing is written when fn fails.
func (s *TaskStore) mutate(fn func([]*Task) ([]*Task, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return err
	}
	tasks, err = fn(tasks)
	if err != nil {
		return err
	}
	return s.save(tasks)
}

func (s *TaskStore) load() ([]*Task, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tasks file: %w", err)
	}

	var tasks []*Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return tasks, nil
}

// save replaces the file via a temp file and rename.
func (s *TaskStore) save(tasks []*Task) error {
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tasks: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create tasks dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write tasks file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace tasks file: %w", err)
	}
	return nil
}
