// internal/types/ids.go
package types

import (
	"github.com/google/uuid"
)

type QueryID string
type ConversationID string
type MessageID string
type InputID string
type FileID string

func NewQueryID() QueryID {
	return QueryID(uuid.New().String())
}

func NewConversationID() ConversationID {
	return ConversationID(uuid.New().String())
}

func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}
