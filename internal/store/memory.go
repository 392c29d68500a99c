// Package store provides the in-memory transcript message store the
// reconciliation engine writes into.
package store

import (
	"sync"
	"time"

	"github.com/user/hivelink/internal/types"
)

// Memory is a per-conversation ordered message store.
type Memory struct {
	mu            sync.RWMutex
	conversations map[types.ConversationID][]*types.TranscriptMessage
}

// NewMemory creates an empty message store.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[types.ConversationID][]*types.TranscriptMessage),
	}
}

// AddMessage appends a message to the conversation, assigning an id and
// timestamp when absent, and returns the message id.
func (m *Memory) AddMessage(conversationID types.ConversationID, msg *types.TranscriptMessage) types.MessageID {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == "" {
		msg.ID = types.NewMessageID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	m.conversations[conversationID] = append(m.conversations[conversationID], msg)
	return msg.ID
}

// UpdateMessage applies a partial update to an existing message. Returns
// false if the message is not found.
func (m *Memory) UpdateMessage(conversationID types.ConversationID, id types.MessageID, patch types.MessagePatch) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.conversations[conversationID] {
		if msg.ID == id {
			if patch.Content != nil {
				msg.Content = *patch.Content
			}
			if patch.Metadata != nil {
				msg.Metadata = *patch.Metadata
			}
			return true
		}
	}
	return false
}

// DeleteMessage removes a message. Returns false if not found.
func (m *Memory) DeleteMessage(conversationID types.ConversationID, id types.MessageID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.conversations[conversationID]
	for i, msg := range msgs {
		if msg.ID == id {
			m.conversations[conversationID] = append(msgs[:i], msgs[i+1:]...)
			return true
		}
	}
	return false
}

// Messages returns a copy of the conversation's transcript in order.
func (m *Memory) Messages(conversationID types.ConversationID) []*types.TranscriptMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.conversations[conversationID]
	out := make([]*types.TranscriptMessage, len(msgs))
	copy(out, msgs)
	return out
}

// Conversations returns the ids of all conversations with messages.
func (m *Memory) Conversations() []types.ConversationID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.ConversationID, 0, len(m.conversations))
	for id := range m.conversations {
		out = append(out, id)
	}
	return out
}

var _ types.MessageStore = (*Memory)(nil)
