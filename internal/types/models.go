// internal/types/models.go
package types

import (
	"reflect"
	"time"
)

// QueryStatus is the lifecycle state of a query as tracked by the client.
type QueryStatus string

const (
	QueryInitiating QueryStatus = "initiating"
	QueryProcessing QueryStatus = "processing"
	QueryFinished   QueryStatus = "finished"
	QueryErrored    QueryStatus = "errored"
	QueryCancelled  QueryStatus = "cancelled"
)

// StepEvent is one inbound update describing progress, a decision, or the
// outcome of a query. RawData is a loosely-typed payload bag; the accessors
// below pull out recognized fields with tolerant key fallbacks.
type StepEvent struct {
	QueryID    QueryID        `json:"query_id"`
	UpdateType string         `json:"update_type"`
	StepType   string         `json:"step_type,omitempty"`
	Message    string         `json:"message,omitempty"`
	RawData    map[string]any `json:"raw_data,omitempty"`
}

// Equal reports whether two events are deep-equal, including RawData.
func (e *StepEvent) Equal(other *StepEvent) bool {
	if e == nil || other == nil {
		return e == other
	}
	return e.QueryID == other.QueryID &&
		e.UpdateType == other.UpdateType &&
		e.StepType == other.StepType &&
		e.Message == other.Message &&
		reflect.DeepEqual(e.RawData, other.RawData)
}

// rawString returns the first non-empty string found under the given keys.
func (e *StepEvent) rawString(keys ...string) string {
	for _, key := range keys {
		if v, ok := e.RawData[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// rawBool returns the boolean under the given keys, tolerating a "true" string.
func (e *StepEvent) rawBool(keys ...string) bool {
	for _, key := range keys {
		switch v := e.RawData[key].(type) {
		case bool:
			return v
		case string:
			if v == "true" {
				return true
			}
		}
	}
	return false
}

// AgentName returns the display name of the agent responsible for this step.
func (e *StepEvent) AgentName() string {
	return e.rawString("agent_name", "agent", "source_agent")
}

// WorkflowType returns the workflow type carried by the event, if any.
func (e *StepEvent) WorkflowType() string {
	return e.rawString("workflow_type", "workflow")
}

// ToolName returns the tool name for tool-call and tool-result events.
func (e *StepEvent) ToolName() string {
	return e.rawString("tool_name", "tool")
}

// ToolArguments returns the raw tool arguments payload, if present.
func (e *StepEvent) ToolArguments() any {
	for _, key := range []string{"tool_arguments", "arguments", "tool_args"} {
		if v, ok := e.RawData[key]; ok {
			return v
		}
	}
	return nil
}

// InputID returns the human-input correlation id, if present.
func (e *StepEvent) InputID() InputID {
	return InputID(e.rawString("input_id", "inputId"))
}

// FileID returns the file id for file-status events, if present.
func (e *StepEvent) FileID() FileID {
	return FileID(e.rawString("file_id", "fileId"))
}

// FileStatus returns the attachment status carried by a file-status event.
func (e *StepEvent) FileStatus() string {
	return e.rawString("file_status", "status")
}

// Streaming reports whether the event carries a streaming-result flag.
func (e *StepEvent) Streaming() bool {
	return e.rawBool("is_streaming", "streaming", "stream")
}

// StreamFinal reports whether a streaming event is the final frame.
func (e *StepEvent) StreamFinal() bool {
	return e.rawBool("is_final", "final")
}

// NeedsClarification reports whether a decision payload requests clarification.
func (e *StepEvent) NeedsClarification() bool {
	return e.rawBool("needs_clarification", "needsClarification")
}

// ClarificationQuestions returns the question strings attached to a
// clarification payload. Accepts []any and []string shapes.
func (e *StepEvent) ClarificationQuestions() []string {
	for _, key := range []string{"questions", "clarification_questions"} {
		switch v := e.RawData[key].(type) {
		case []string:
			return v
		case []any:
			var out []string
			for _, q := range v {
				if s, ok := q.(string); ok && s != "" {
					out = append(out, s)
				}
			}
			return out
		}
	}
	return nil
}

// PlanStep is one step of a plan payload, with the tasks assigned per agent.
type PlanStep struct {
	Description string
	Tasks       []PlanTask
}

// PlanTask names the agent responsible for one unit of plan work.
type PlanTask struct {
	Agent       string
	Description string
}

// Plan returns the structured plan carried by a plan event, along with
// whether the plan is marked complete. A nil slice means no plan payload.
func (e *StepEvent) Plan() ([]PlanStep, bool) {
	complete := e.rawBool("plan_complete", "is_complete", "complete")
	raw, ok := e.RawData["plan"]
	if !ok {
		raw, ok = e.RawData["steps"]
	}
	items, isList := raw.([]any)
	if !ok || !isList {
		return nil, complete
	}

	var steps []PlanStep
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			if s, ok := item.(string); ok && s != "" {
				steps = append(steps, PlanStep{Description: s})
			}
			continue
		}
		step := PlanStep{}
		if s, ok := m["description"].(string); ok {
			step.Description = s
		} else if s, ok := m["step"].(string); ok {
			step.Description = s
		}
		if tasks, ok := m["tasks"].([]any); ok {
			for _, t := range tasks {
				tm, ok := t.(map[string]any)
				if !ok {
					continue
				}
				task := PlanTask{}
				if s, ok := tm["agent"].(string); ok {
					task.Agent = s
				}
				if s, ok := tm["description"].(string); ok {
					task.Description = s
				} else if s, ok := tm["task"].(string); ok {
					task.Description = s
				}
				step.Tasks = append(step.Tasks, task)
			}
		}
		steps = append(steps, step)
	}
	return steps, complete
}

// Role is the author of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageMetadata carries reconciliation linkage on a transcript message.
type MessageMetadata struct {
	QueryID         QueryID `json:"query_id,omitempty"`
	StepType        string  `json:"step_type,omitempty"`
	IsAgentProgress bool    `json:"is_agent_progress,omitempty"`
	IsLoading       bool    `json:"is_loading,omitempty"`
	IsStreaming     bool    `json:"is_streaming,omitempty"`
	ToolName        string  `json:"tool_name,omitempty"`
	ToolArguments   any     `json:"tool_arguments,omitempty"`
	ToolResult      any     `json:"tool_result,omitempty"`
	// ToolCallID links a tool-result message to the tool-call message it
	// was matched with (by tool name and recency; the backend sends no
	// shared correlation id).
	ToolCallID    MessageID `json:"tool_call_id,omitempty"`
	WorkflowType  string    `json:"workflow_type,omitempty"`
	Explanation   string    `json:"explanation,omitempty"`
	Clarification string    `json:"clarification,omitempty"`
	FileID        FileID    `json:"file_id,omitempty"`
	FileStatus    string    `json:"file_status,omitempty"`
}

// TranscriptMessage is one durable entry in a conversation transcript.
type TranscriptMessage struct {
	ID        MessageID       `json:"id"`
	Content   string          `json:"content"`
	Role      Role            `json:"role"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  MessageMetadata `json:"metadata,omitempty"`
}

// MessagePatch is a partial update applied to an existing transcript message.
// Nil fields are left unchanged.
type MessagePatch struct {
	Content  *string          `json:"content,omitempty"`
	Metadata *MessageMetadata `json:"metadata,omitempty"`
}

// HumanInputRequest is a backend-issued request for a tool-scoped value.
// At most one may be pending per conversation.
type HumanInputRequest struct {
	InputID         InputID        `json:"input_id"`
	ToolName        string         `json:"tool_name"`
	InputPrompt     string         `json:"input_prompt"`
	ToolDescription string         `json:"tool_description,omitempty"`
	QueryID         QueryID        `json:"query_id"`
	ConversationID  ConversationID `json:"conversation_id"`
}

// Attachment is a file or URL attached to an outgoing query.
type Attachment struct {
	ID      FileID `json:"id"`
	Name    string `json:"name"`
	URL     string `json:"url,omitempty"`
	Content string `json:"content,omitempty"`
	Status  string `json:"status"`
}

const (
	AttachmentPending  = "pending"
	AttachmentUploaded = "uploaded"
	AttachmentFailed   = "failed"
)

// AckStatus is the immediate disposition of an initiated query.
type AckStatus string

const (
	AckProcessing AckStatus = "processing"
	AckCompleted  AckStatus = "completed"
	AckError      AckStatus = "error"
)

// QueryAck is the synchronous response to an initiated query. It may carry
// an inline result or a processing acknowledgement.
type QueryAck struct {
	Status  AckStatus `json:"status"`
	Result  any       `json:"result,omitempty"`
	Message string    `json:"message,omitempty"`
	QueryID QueryID   `json:"query_id"`
}

// PollStatus is one response from the query status endpoint.
type PollStatus struct {
	Status  AckStatus `json:"status"`
	Message string    `json:"message,omitempty"`
	Result  any       `json:"result,omitempty"`
}
