package reconcile

import (
	"log/slog"

	"github.com/user/hivelink/internal/types"
)

// Cleanup releases everything attached to a query: the transport slot, the
// polling loop, duplicate-detection state, and the registry entry. It is
// idempotent and safe to invoke from any completion path. Conversation state
// is reset only when no other query for the conversation remains live, so a
// rapid follow-up query is not clobbered by the teardown of its predecessor.
func (e *Engine) Cleanup(queryID types.QueryID) {
	e.mux.Close(queryID)
	e.stopPoller(queryID)
	e.classifier.Forget(queryID)

	conversationID, _ := e.registry.Lookup(queryID)
	if !e.registry.Unregister(queryID) {
		return
	}
	slog.Debug("cleaned up query", "query_id", queryID, "conversation_id", conversationID)

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.loadingMsgs, queryID)
	delete(e.streamMsgs, queryID)
	if e.registry.ActiveForConversation(conversationID) == 0 {
		if st, ok := e.conversations[conversationID]; ok {
			st.IsLoading = false
			st.HumanInputRequest = nil
			st.IsWaitingForClarification = false
		}
		e.status.ClearStatus()
	}
}

// Processed reports whether the query has reached a terminal outcome.
func (e *Engine) Processed(queryID types.QueryID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.processed[queryID]
}

// ActiveQuery returns the live query for a conversation, if one exists.
func (e *Engine) ActiveQuery(conversationID types.ConversationID) (types.QueryID, bool) {
	return e.registry.ActiveQuery(conversationID)
}
