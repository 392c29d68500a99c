// Package notify delivers query-completion notifications to external
// channels. Targets are strings like "telegram:12345"; the prefix selects
// the handler.
package notify

import (
	"fmt"
	"strings"
	"sync"
)

// Handler delivers a message to the channel identified by target.
type Handler func(target, message string) error

// Registry routes notifications to the appropriate handler based on target
// prefix (e.g. "telegram:").
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty notification registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for targets starting with prefix.
func (r *Registry) Register(prefix string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = handler
}

// Deliver finds the handler matching the target prefix and calls it.
// Returns an error if no handler is registered for the prefix.
func (r *Registry) Deliver(target, message string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for prefix, handler := range r.handlers {
		if strings.HasPrefix(target, prefix) {
			return handler(target, message)
		}
	}
	return fmt.Errorf("no notification handler for target: %s", target)
}
