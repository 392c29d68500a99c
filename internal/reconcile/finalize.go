package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/user/hivelink/internal/types"
)

// persistTimeout bounds the durable save of a finalized message so a slow
// sink cannot stall completion.
const persistTimeout = 10 * time.Second

// ApplyResult commits a query's final answer exactly once. Redundant calls
// (inline ack, transport frame, poll) after the first are logged skips, and
// even a skipped call still runs cleanup so no path leaves the query
// registered. The query is marked processed before the result is appended or
// persisted: a crash mid-commit loses the message rather than duplicating it.
func (e *Engine) ApplyResult(result any, extras map[string]any, conversationID types.ConversationID, queryID types.QueryID) {
	e.mu.Lock()
	if e.processed[queryID] {
		e.mu.Unlock()
		slog.Debug("skipping already-processed result", "query_id", queryID)
		e.Cleanup(queryID)
		return
	}
	e.processed[queryID] = true
	loadingID, hadLoading := e.loadingMsgs[queryID]
	delete(e.loadingMsgs, queryID)
	streamID, hadStream := e.streamMsgs[queryID]
	delete(e.streamMsgs, queryID)
	e.mu.Unlock()

	if hadLoading {
		e.messages.DeleteMessage(conversationID, loadingID)
	}
	if hadStream {
		e.messages.DeleteMessage(conversationID, streamID)
	}

	content := normalizeResult(result)
	if content == "" {
		slog.Debug("result payload had no usable content", "query_id", queryID)
		e.Cleanup(queryID)
		return
	}

	meta := types.MessageMetadata{QueryID: queryID}
	if extras != nil {
		if wf, ok := extras["workflow_type"].(string); ok {
			meta.WorkflowType = wf
		}
		if explanation, ok := extras["explanation"].(string); ok {
			meta.Explanation = explanation
		}
	}

	msg := &types.TranscriptMessage{
		Content:  content,
		Role:     types.RoleAssistant,
		Metadata: meta,
	}
	msg.ID = e.messages.AddMessage(conversationID, msg)

	if e.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := e.sink.SaveMessage(ctx, conversationID, msg); err != nil {
			slog.Warn("failed to persist result message",
				"conversation_id", conversationID, "query_id", queryID, "error", err)
		}
		cancel()
	}

	e.Cleanup(queryID)

	if e.onFinal != nil {
		e.onFinal(conversationID, content)
	}
}
