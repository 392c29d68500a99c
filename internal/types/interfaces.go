// internal/types/interfaces.go
package types

import (
	"context"
)

// MessageStore holds the in-memory transcript per conversation. The
// reconciliation engine is a producer of messages, never a long-term owner.
type MessageStore interface {
	AddMessage(conversationID ConversationID, msg *TranscriptMessage) MessageID
	UpdateMessage(conversationID ConversationID, id MessageID, patch MessagePatch) bool
	DeleteMessage(conversationID ConversationID, id MessageID) bool
	Messages(conversationID ConversationID) []*TranscriptMessage
	Conversations() []ConversationID
}

// PersistenceSink durably saves a finalized transcript message. Failures are
// logged and swallowed by callers; in-memory state is authoritative.
type PersistenceSink interface {
	SaveMessage(ctx context.Context, conversationID ConversationID, msg *TranscriptMessage) error
}

// StatusSink receives the ephemeral "what's happening now" indicator. Each
// update overwrites the previous one; nil text clears the indicator.
type StatusSink interface {
	SetStatus(text, kind, agentName string)
	ClearStatus()
	SetWorkflowType(workflow string)
}

// UnsubscribeFunc tears down a step-event subscription. Safe to call twice.
type UnsubscribeFunc func()

// Backend is the remote orchestration API consumed by the client.
type Backend interface {
	InitiateQuery(ctx context.Context, text string, attachments []Attachment, queryID QueryID, conversationID ConversationID, extraContext string) (*QueryAck, error)
	PollQueryStatus(ctx context.Context, queryID QueryID) (*PollStatus, error)
	// SubscribeStepEvents delivers step events for queryID to fn until the
	// stream ends. done is invoked exactly once when the stream closes: nil
	// for a clean end, non-nil for a transport failure.
	SubscribeStepEvents(ctx context.Context, queryID QueryID, fn func(*StepEvent), done func(error)) (UnsubscribeFunc, error)
	SubmitHumanInput(ctx context.Context, inputID InputID, queryID QueryID, toolName, value string) error
	CancelQuery(ctx context.Context, queryID QueryID) error
}
