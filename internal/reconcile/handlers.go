package reconcile

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/user/hivelink/internal/classify"
	"github.com/user/hivelink/internal/types"
)

// handleClarification appends the clarification prompt to the transcript and
// parks the conversation: the loading indicator goes away and the next user
// message answers the questions as a fresh query. The clarified query stays
// registered — the backend may still resume it in the same turn — and is
// torn down when the follow-up query starts.
func (e *Engine) handleClarification(conversationID types.ConversationID, res classify.Result) {
	queryID := res.Event.QueryID

	content := "To help me proceed, please clarify:"
	switch len(res.Questions) {
	case 0:
		if msg := strings.TrimSpace(res.Event.Message); msg != "" {
			content = content + " " + msg
		}
	case 1:
		content = content + " " + res.Questions[0]
	default:
		content = content + "\n" + strings.Join(res.Questions, "\n")
	}

	e.mu.Lock()
	st := e.stateLocked(conversationID)
	st.IsLoading = false
	st.IsWaitingForClarification = true
	loadingID, hadLoading := e.loadingMsgs[queryID]
	delete(e.loadingMsgs, queryID)
	e.mu.Unlock()

	if hadLoading {
		e.messages.DeleteMessage(conversationID, loadingID)
	}
	e.messages.AddMessage(conversationID, &types.TranscriptMessage{
		Content: content,
		Role:    types.RoleAssistant,
		Metadata: types.MessageMetadata{
			QueryID:       queryID,
			StepType:      "clarification",
			Clarification: content,
		},
	})
	e.status.ClearStatus()
}

// handleHumanInput records the pending input request on the conversation.
// No transcript message is appended; the caller renders the prompt from the
// pending request. A malformed request (missing input id) cannot be
// answered, so it surfaces as an error status instead of a dead-end prompt.
func (e *Engine) handleHumanInput(conversationID types.ConversationID, res classify.Result) {
	if res.Err != nil {
		slog.Error("unanswerable human input request", "query_id", res.Event.QueryID, "error", res.Err)
		e.status.SetStatus("The agent requested input but the request was malformed.", "error", "")
		return
	}

	req := *res.Input
	req.ConversationID = conversationID

	e.mu.Lock()
	st := e.stateLocked(conversationID)
	st.HumanInputRequest = &req
	// A pending input request means nothing is running until it is answered.
	st.IsLoading = false
	e.mu.Unlock()

	e.status.SetStatus("Waiting for your input", "input", req.ToolName)
}

// handleStatusUpdate routes routing/running/chatting/status/decision events
// to the status indicator. They never touch the transcript.
func (e *Engine) handleStatusUpdate(conversationID types.ConversationID, res classify.Result) {
	ev := res.Event
	text := strings.TrimSpace(ev.Message)

	switch res.Category {
	case classify.Routing:
		if text == "" {
			text = "Choosing the right agent"
		}
		e.status.SetStatus(text, "routing", ev.AgentName())
	case classify.Running:
		if text == "" {
			text = classify.ActionLabel(ev.ToolName())
		}
		e.status.SetStatus(text, "running", ev.AgentName())
	case classify.Chatting:
		if text == "" {
			text = "Composing a reply"
		}
		e.status.SetStatus(text, "chatting", ev.AgentName())
	case classify.Decision:
		if explanation := decisionExplanation(ev); explanation != "" {
			text = explanation
		}
		if text != "" {
			e.status.SetStatus(text, "decision", ev.AgentName())
		}
	default:
		if text != "" {
			e.status.SetStatus(text, "status", ev.AgentName())
		}
	}

	if wf := ev.WorkflowType(); wf != "" {
		e.status.SetWorkflowType(wf)
	}
}

func decisionExplanation(ev *types.StepEvent) string {
	if v, ok := ev.RawData["explanation"]; ok {
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// handlePlan renders a plan payload as a transcript message: one bullet per
// step with nested per-agent task bullets, or a completion line when the
// plan event carries no steps but marks the plan complete.
func (e *Engine) handlePlan(conversationID types.ConversationID, res classify.Result) {
	queryID := res.Event.QueryID

	if len(res.PlanSteps) == 0 {
		if res.PlanComplete {
			e.messages.AddMessage(conversationID, &types.TranscriptMessage{
				Content:  "Plan complete.",
				Role:     types.RoleSystem,
				Metadata: types.MessageMetadata{QueryID: queryID, StepType: "plan", IsAgentProgress: true},
			})
		}
		return
	}

	var b strings.Builder
	b.WriteString("Plan:\n")
	for _, step := range res.PlanSteps {
		fmt.Fprintf(&b, "- %s\n", step.Description)
		for _, task := range step.Tasks {
			if task.Agent != "" {
				fmt.Fprintf(&b, "  - %s: %s\n", task.Agent, task.Description)
			} else {
				fmt.Fprintf(&b, "  - %s\n", task.Description)
			}
		}
	}
	e.messages.AddMessage(conversationID, &types.TranscriptMessage{
		Content:  strings.TrimRight(b.String(), "\n"),
		Role:     types.RoleSystem,
		Metadata: types.MessageMetadata{QueryID: queryID, StepType: "plan", IsAgentProgress: true},
	})
	e.status.SetStatus("Planning", "plan", res.Event.AgentName())
}

// handleToolCall appends a progress message describing the tool invocation.
// If the event also carries preceding assistant text, that text lands as its
// own message first so the transcript reads in order.
func (e *Engine) handleToolCall(conversationID types.ConversationID, res classify.Result) {
	ev := res.Event

	if text := strings.TrimSpace(ev.Message); text != "" {
		e.messages.AddMessage(conversationID, &types.TranscriptMessage{
			Content:  text,
			Role:     types.RoleSystem,
			Metadata: types.MessageMetadata{QueryID: ev.QueryID, StepType: "tool_call", IsAgentProgress: true},
		})
	}

	label := classify.ActionLabel(res.ToolName)
	e.messages.AddMessage(conversationID, &types.TranscriptMessage{
		Content: label,
		Role:    types.RoleAssistant,
		Metadata: types.MessageMetadata{
			QueryID:         ev.QueryID,
			StepType:        "tool_call",
			IsAgentProgress: true,
			ToolName:        res.ToolName,
			ToolArguments:   res.ToolArguments,
		},
	})
	e.status.SetStatus(label, "tool", ev.AgentName())
}

// handleToolResult attaches the result payload to the most recent tool-call
// message with the same tool name. The backend sends no correlation id, so
// name plus recency is the best available match; an unmatched result becomes
// a standalone progress message.
func (e *Engine) handleToolResult(conversationID types.ConversationID, res classify.Result) {
	ev := res.Event
	payload := ev.RawData["tool_result"]
	if payload == nil {
		payload = ev.RawData["result"]
	}
	if payload == nil && ev.Message != "" {
		payload = ev.Message
	}

	msgs := e.messages.Messages(conversationID)
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Metadata.StepType != "tool_call" || m.Metadata.ToolName != res.ToolName {
			continue
		}
		if m.Metadata.ToolResult != nil {
			continue
		}
		meta := m.Metadata
		meta.ToolResult = payload
		e.messages.UpdateMessage(conversationID, m.ID, types.MessagePatch{Metadata: &meta})

		e.messages.AddMessage(conversationID, &types.TranscriptMessage{
			Role: types.RoleAssistant,
			Metadata: types.MessageMetadata{
				QueryID:         ev.QueryID,
				StepType:        "tool_result",
				IsAgentProgress: true,
				ToolName:        res.ToolName,
				ToolResult:      payload,
				ToolCallID:      m.ID,
			},
		})
		return
	}

	slog.Debug("tool result with no matching call", "query_id", ev.QueryID, "tool", res.ToolName)
	e.messages.AddMessage(conversationID, &types.TranscriptMessage{
		Role: types.RoleAssistant,
		Metadata: types.MessageMetadata{
			QueryID:         ev.QueryID,
			StepType:        "tool_result",
			IsAgentProgress: true,
			ToolName:        res.ToolName,
			ToolResult:      payload,
		},
	})
}

// handleStreamPartial updates the streaming message in place, creating it on
// the first frame. The loading placeholder is replaced by the stream.
func (e *Engine) handleStreamPartial(conversationID types.ConversationID, res classify.Result) {
	ev := res.Event
	content := streamContent(ev)

	e.mu.Lock()
	streamID, streaming := e.streamMsgs[ev.QueryID]
	loadingID, hadLoading := e.loadingMsgs[ev.QueryID]
	delete(e.loadingMsgs, ev.QueryID)
	e.mu.Unlock()

	if streaming {
		e.messages.UpdateMessage(conversationID, streamID, types.MessagePatch{Content: &content})
		return
	}

	if hadLoading {
		e.messages.DeleteMessage(conversationID, loadingID)
	}
	id := e.messages.AddMessage(conversationID, &types.TranscriptMessage{
		Content:  content,
		Role:     types.RoleAssistant,
		Metadata: types.MessageMetadata{QueryID: ev.QueryID, IsStreaming: true},
	})
	e.mu.Lock()
	e.streamMsgs[ev.QueryID] = id
	e.mu.Unlock()
	e.status.SetStatus("Writing", "streaming", ev.AgentName())
}

// handleStreamFinal promotes the final frame to terminal-result handling.
// ApplyResult removes the streaming message and appends the committed result.
func (e *Engine) handleStreamFinal(conversationID types.ConversationID, res classify.Result) {
	ev := res.Event
	e.ApplyResult(streamContent(ev), ev.RawData, conversationID, ev.QueryID)
}

func streamContent(ev *types.StepEvent) string {
	for _, key := range []string{"content", "text", "result"} {
		if v, ok := ev.RawData[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ev.Message
}

// handleProgress appends a generic progress message for events that carry
// text but match no named step type.
func (e *Engine) handleProgress(conversationID types.ConversationID, res classify.Result) {
	ev := res.Event
	e.messages.AddMessage(conversationID, &types.TranscriptMessage{
		Content: strings.TrimSpace(ev.Message),
		Role:    types.RoleAssistant,
		Metadata: types.MessageMetadata{
			QueryID:         ev.QueryID,
			StepType:        ev.StepType,
			IsAgentProgress: true,
		},
	})
}

// applyFileStatus updates the attachment status recorded on transcript
// messages for the given file id within one conversation.
func (e *Engine) applyFileStatus(conversationID types.ConversationID, res classify.Result) {
	if res.FileID == "" || res.FileStatus == "" {
		return
	}
	e.updateFileStatus(conversationID, res.FileID, res.FileStatus)
}

// applyFileStatusAnywhere handles file-status events whose query is no
// longer registered. Upload completion can outlive the query, so the update
// is applied best-effort across all known conversations.
func (e *Engine) applyFileStatusAnywhere(res classify.Result) {
	if res.FileID == "" || res.FileStatus == "" {
		return
	}
	for _, conversationID := range e.messages.Conversations() {
		if e.updateFileStatus(conversationID, res.FileID, res.FileStatus) {
			return
		}
	}
}

func (e *Engine) updateFileStatus(conversationID types.ConversationID, fileID types.FileID, status string) bool {
	for _, m := range e.messages.Messages(conversationID) {
		if m.Metadata.FileID != fileID {
			continue
		}
		meta := m.Metadata
		meta.FileStatus = status
		e.messages.UpdateMessage(conversationID, m.ID, types.MessagePatch{Metadata: &meta})
		return true
	}
	return false
}

// normalizeResult flattens the various result payload shapes the backend
// emits into display text. Maps prefer recognized text fields and fall back
// to compact JSON.
func normalizeResult(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		for _, key := range []string{"result", "text", "message", "content"} {
			if s, ok := v[key].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
