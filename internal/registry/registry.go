// Package registry tracks which conversation owns each in-flight query.
// It is the single source of truth for "is this query still live".
package registry

import (
	"sync"

	"github.com/user/hivelink/internal/types"
)

// Registry maps query ids to the conversations that originated them.
type Registry struct {
	mu      sync.RWMutex
	queries map[types.QueryID]types.ConversationID
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		queries: make(map[types.QueryID]types.ConversationID),
	}
}

// Register records queryID as owned by conversationID. Registration must
// happen before the transport is subscribed so any event arriving the
// instant after subscription can be resolved.
func (r *Registry) Register(queryID types.QueryID, conversationID types.ConversationID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries[queryID] = conversationID
}

// Lookup returns the conversation that owns queryID, or false if the query
// is not registered.
func (r *Registry) Lookup(queryID types.QueryID) (types.ConversationID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conv, ok := r.queries[queryID]
	return conv, ok
}

// Unregister removes queryID. The second call for the same id is a no-op
// returning false.
func (r *Registry) Unregister(queryID types.QueryID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.queries[queryID]; !ok {
		return false
	}
	delete(r.queries, queryID)
	return true
}

// ActiveQuery returns a live query registered for the conversation, or
// false when none is in flight. With at most one query per conversation in
// practice, the result is deterministic.
func (r *Registry) ActiveQuery(conversationID types.ConversationID) (types.QueryID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for queryID, conv := range r.queries {
		if conv == conversationID {
			return queryID, true
		}
	}
	return "", false
}

// ActiveForConversation returns the number of live queries registered for
// the given conversation. Cleanup uses this to decide whether the
// conversation's loading flag may flip off.
func (r *Registry) ActiveForConversation(conversationID types.ConversationID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, conv := range r.queries {
		if conv == conversationID {
			n++
		}
	}
	return n
}

// Len returns the number of live queries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.queries)
}
