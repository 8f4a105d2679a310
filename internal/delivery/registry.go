// internal/delivery/registry.go
package delivery

import (
	"fmt"
	"strings"
	"sync"

	"github.com/user/convpipe/internal/types"
)

// Handler delivers a message to the channel identified by key.
type Handler func(key types.ChannelKey, message string) error

// Registry routes messages to the appropriate delivery handler based on
// channel key prefix (e.g. "telegram:").
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty delivery registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for channel keys starting with prefix.
func (r *Registry) Register(prefix string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = handler
}

// Deliver calls the handler with the longest prefix matching key.
// Returns an error if no handler is registered for the prefix.
func (r *Registry) Deliver(key types.ChannelKey, message string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		best    string
		handler Handler
	)
	for prefix, h := range r.handlers {
		if strings.HasPrefix(string(key), prefix) && len(prefix) >= len(best) {
			best, handler = prefix, h
		}
	}
	if handler == nil {
		return fmt.Errorf("no delivery handler for channel key: %s", key)
	}
	return handler(key, message)
}
