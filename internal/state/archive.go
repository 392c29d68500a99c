// internal/state/archive.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/hivelink/internal/types"
)

// ArchiveStore is a JSONL-backed append-only transcript archive. Finalized
// messages are stored per-conversation in
// conversations/<conversationID>/messages.jsonl. It is the local durable
// sink behind the in-memory transcript.
type ArchiveStore struct {
	root  string
	mu    sync.Mutex
	locks map[types.ConversationID]*sync.Mutex
}

// NewArchiveStore creates a file-backed ArchiveStore rooted at the given directory.
func NewArchiveStore(root string) *ArchiveStore {
	return &ArchiveStore{
		root:  root,
		locks: make(map[types.ConversationID]*sync.Mutex),
	}
}

// getLock returns the per-conversation mutex, creating one if it doesn't exist.
func (a *ArchiveStore) getLock(conversationID types.ConversationID) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()

	if lock, ok := a.locks[conversationID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	a.locks[conversationID] = lock
	return lock
}

func (a *ArchiveStore) messagesPath(conversationID types.ConversationID) string {
	return filepath.Join(a.root, "conversations", string(conversationID), "messages.jsonl")
}

// SaveMessage appends a finalized message to the conversation's archive.
func (a *ArchiveStore) SaveMessage(_ context.Context, conversationID types.ConversationID, msg *types.TranscriptMessage) error {
	lock := a.getLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Dir(a.messagesPath(conversationID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create conversation dir: %w", err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	f, err := os.OpenFile(a.messagesPath(conversationID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open messages file: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}

	return nil
}

// Tail returns the last N archived messages for the given conversation.
func (a *ArchiveStore) Tail(_ context.Context, conversationID types.ConversationID, limit int) ([]*types.TranscriptMessage, error) {
	lock := a.getLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(a.messagesPath(conversationID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open messages file: %w", err)
	}
	defer f.Close()

	var messages []*types.TranscriptMessage
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var msg types.TranscriptMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		messages = append(messages, &msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan messages file: %w", err)
	}

	if len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}

	return messages, nil
}

// Count returns the number of archived messages for the given conversation.
func (a *ArchiveStore) Count(_ context.Context, conversationID types.ConversationID) (int64, error) {
	lock := a.getLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(a.messagesPath(conversationID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open messages file: %w", err)
	}
	defer f.Close()

	var count int64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan messages file: %w", err)
	}
	return count, nil
}
