// Package classify turns raw step events into a closed category enumeration
// so the reconciliation engine can switch exhaustively instead of repeating
// ad hoc string checks.
package classify

import (
	"fmt"
	"strings"
	"sync"

	"github.com/user/hivelink/internal/types"
)

// Category is the semantic class of a step event.
type Category int

const (
	Ignore Category = iota
	Duplicate
	Clarification
	HumanInput
	TerminalResult
	StreamPartial
	StreamFinal
	Decision
	Routing
	Running
	Chatting
	Status
	Plan
	ToolCall
	ToolResult
	FileStatus
	Finished
	Progress
)

var categoryNames = map[Category]string{
	Ignore:         "ignore",
	Duplicate:      "duplicate",
	Clarification:  "clarification",
	HumanInput:     "human_input",
	TerminalResult: "terminal_result",
	StreamPartial:  "stream_partial",
	StreamFinal:    "stream_final",
	Decision:       "decision",
	Routing:        "routing",
	Running:        "running",
	Chatting:       "chatting",
	Status:         "status",
	Plan:           "plan",
	ToolCall:       "tool_call",
	ToolResult:     "tool_result",
	FileStatus:     "file_status",
	Finished:       "finished",
	Progress:       "progress",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// Result is a classified event plus the payload fields the handler for its
// category needs.
type Result struct {
	Category Category
	Event    *types.StepEvent

	// Clarification
	Questions []string

	// HumanInput; Err is set when the event is malformed (missing input id).
	Input *types.HumanInputRequest
	Err   error

	// ToolCall / ToolResult
	ToolName      string
	ToolArguments any

	// Plan
	PlanSteps    []types.PlanStep
	PlanComplete bool

	// FileStatus
	FileID     types.FileID
	FileStatus string
}

// Classifier classifies step events and suppresses exact repeats. It keeps
// the immediately previous event per query for duplicate detection.
type Classifier struct {
	mu   sync.Mutex
	prev map[types.QueryID]*types.StepEvent
}

// New creates a Classifier.
func New() *Classifier {
	return &Classifier{
		prev: make(map[types.QueryID]*types.StepEvent),
	}
}

// Forget drops the duplicate-detection state for a query. Called on cleanup.
func (c *Classifier) Forget(queryID types.QueryID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.prev, queryID)
}

// Classify determines the event's category. Dispatch priority is fixed and
// first-match-wins: duplicate, clarification, human input, result
// (terminal or streaming), then the named step types, then a generic
// progress fallback for events that still carry a message.
func (c *Classifier) Classify(ev *types.StepEvent) Result {
	c.mu.Lock()
	last := c.prev[ev.QueryID]
	c.prev[ev.QueryID] = ev
	c.mu.Unlock()

	if ev.Equal(last) {
		return Result{Category: Duplicate, Event: ev}
	}

	step := strings.TrimSpace(ev.StepType)
	update := strings.TrimSpace(ev.UpdateType)

	if step == "clarification" || (step == "decision" && ev.NeedsClarification()) {
		return Result{
			Category:  Clarification,
			Event:     ev,
			Questions: ev.ClarificationQuestions(),
		}
	}

	if update == "human_input" {
		res := Result{Category: HumanInput, Event: ev}
		inputID := ev.InputID()
		if inputID == "" {
			res.Err = fmt.Errorf("human input event for query %s missing input_id", ev.QueryID)
			return res
		}
		res.Input = &types.HumanInputRequest{
			InputID:         inputID,
			ToolName:        ev.ToolName(),
			InputPrompt:     ev.Message,
			ToolDescription: toolDescription(ev),
			QueryID:         ev.QueryID,
		}
		return res
	}

	if step == "result" || update == "result" {
		if ev.Streaming() {
			if ev.StreamFinal() {
				return Result{Category: StreamFinal, Event: ev}
			}
			return Result{Category: StreamPartial, Event: ev}
		}
		return Result{Category: TerminalResult, Event: ev}
	}

	// Routing/running/chatting/status match case-insensitively; the backend
	// is inconsistent about casing for these and only these.
	switch strings.ToLower(step) {
	case "routing":
		return Result{Category: Routing, Event: ev}
	case "running":
		return Result{Category: Running, Event: ev}
	case "chatting":
		return Result{Category: Chatting, Event: ev}
	case "status":
		return Result{Category: Status, Event: ev}
	}

	switch step {
	case "decision":
		return Result{Category: Decision, Event: ev}
	case "plan":
		steps, complete := ev.Plan()
		return Result{Category: Plan, Event: ev, PlanSteps: steps, PlanComplete: complete}
	case "tool_call":
		return Result{
			Category:      ToolCall,
			Event:         ev,
			ToolName:      ev.ToolName(),
			ToolArguments: ev.ToolArguments(),
		}
	case "tool_result":
		return Result{Category: ToolResult, Event: ev, ToolName: ev.ToolName()}
	case "finished":
		return Result{Category: Finished, Event: ev}
	}

	if strings.HasPrefix(step, "file_") || update == "file_status" {
		return Result{
			Category:   FileStatus,
			Event:      ev,
			FileID:     ev.FileID(),
			FileStatus: ev.FileStatus(),
		}
	}

	if strings.TrimSpace(ev.Message) != "" {
		return Result{Category: Progress, Event: ev}
	}
	return Result{Category: Ignore, Event: ev}
}

func toolDescription(ev *types.StepEvent) string {
	if v, ok := ev.RawData["tool_description"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
