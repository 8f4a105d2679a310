// internal/state/binding.go
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/user/convpipe/internal/types"
)

// Binding maps an external channel key (e.g. "telegram:<user>:<chat>") to the
// conversation currently receiving its messages.
type Binding struct {
	Key            types.ChannelKey     `json:"key"`
	ConversationID types.ConversationID `json:"conversation_id"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// BindingStore is a JSON-file-backed store of channel bindings kept in
// bindings.json under the data directory.
type BindingStore struct {
	root string
	mu   sync.RWMutex
}

// NewBindingStore creates a new file-backed BindingStore rooted at the given directory.
func NewBindingStore(root string) *BindingStore {
	return &BindingStore{root: root}
}

func (s *BindingStore) indexPath() string {
	return filepath.Join(s.root, "bindings.json")
}

// load reads bindings.json and returns a map keyed by channel key.
func (s *BindingStore) load() (map[types.ChannelKey]*Binding, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[types.ChannelKey]*Binding), nil
		}
		return nil, fmt.Errorf("read bindings: %w", err)
	}

	var bindings []*Binding
	if err := json.Unmarshal(data, &bindings); err != nil {
		return nil, fmt.Errorf("unmarshal bindings: %w", err)
	}

	index := make(map[types.ChannelKey]*Binding, len(bindings))
	for _, b := range bindings {
		index[b.Key] = b
	}
	return index, nil
}

// save writes the bindings sorted by key using atomic write (temp file + rename).
func (s *BindingStore) save(index map[types.ChannelKey]*Binding) error {
	bindings := make([]*Binding, 0, len(index))
	for _, b := range index {
		bindings = append(bindings, b)
	}
	sort.Slice(bindings, func(i, j int) bool { return bindings[i].Key < bindings[j].Key })

	data, err := json.MarshalIndent(bindings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal bindings: %w", err)
	}

	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp bindings: %w", err)
	}
	if err := os.Rename(tmp, s.indexPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp bindings: %w", err)
	}
	return nil
}

// ResolveOrCreate returns the conversation bound to key, binding a fresh one if needed.
func (s *BindingStore) ResolveOrCreate(_ context.Context, key types.ChannelKey) (types.ConversationID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.load()
	if err != nil {
		return "", err
	}
	if existing, ok := index[key]; ok {
		return existing.ConversationID, nil
	}

	now := time.Now()
	b := &Binding{
		Key:            key,
		ConversationID: types.NewConversationID(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	index[key] = b
	if err := s.save(index); err != nil {
		return "", err
	}
	return b.ConversationID, nil
}

// Rebind points key at a brand new conversation. The previous conversation's
// log is left untouched.
func (s *BindingStore) Rebind(_ context.Context, key types.ChannelKey) (types.ConversationID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.load()
	if err != nil {
		return "", err
	}

	now := time.Now()
	b, ok := index[key]
	if !ok {
		b = &Binding{Key: key, CreatedAt: now}
		index[key] = b
	}
	b.ConversationID = types.NewConversationID()
	b.UpdatedAt = now

	if err := s.save(index); err != nil {
		return "", err
	}
	return b.ConversationID, nil
}

// List returns all bindings ordered by key.
func (s *BindingStore) List(_ context.Context) ([]*Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]*Binding, 0, len(index))
	for _, b := range index {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
