// Package reconcile owns one logical in-flight query per conversation and
// turns the backend's step-event stream into transcript messages and a
// single live status indicator. It guarantees an eventual terminal state
// with deterministic cleanup no matter which delivery path (inline result,
// transport push, or status poll) finishes first.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/hivelink/internal/classify"
	"github.com/user/hivelink/internal/registry"
	"github.com/user/hivelink/internal/transport"
	"github.com/user/hivelink/internal/types"
)

// ConversationState is the per-conversation runtime state mutated only by
// the engine. Created lazily on first use, reset to defaults on cleanup.
type ConversationState struct {
	IsLoading                 bool
	HumanInputRequest         *types.HumanInputRequest
	IsWaitingForClarification bool
}

// Engine is the reconciliation state machine.
type Engine struct {
	backend    types.Backend
	registry   *registry.Registry
	mux        *transport.Multiplexer
	classifier *classify.Classifier
	messages   types.MessageStore
	sink       types.PersistenceSink
	status     types.StatusSink

	pollInterval time.Duration
	graceDelay   time.Duration
	onFinal      func(conversationID types.ConversationID, content string)

	mu            sync.Mutex
	conversations map[types.ConversationID]*ConversationState
	processed     map[types.QueryID]bool
	pollers       map[types.QueryID]*poller
	loadingMsgs   map[types.QueryID]types.MessageID
	streamMsgs    map[types.QueryID]types.MessageID
}

// Option configures an Engine.
type Option func(*Engine)

// WithPollInterval sets the status-poll interval (default 1s).
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) { e.pollInterval = d }
}

// WithGraceDelay sets the delay between a transport error/close and
// cleanup, allowing a final in-flight result frame to land (default 2s).
func WithGraceDelay(d time.Duration) Option {
	return func(e *Engine) { e.graceDelay = d }
}

// WithOnFinal sets a callback invoked after a query's result has been
// committed to the transcript, e.g. for completion notifications.
func WithOnFinal(fn func(conversationID types.ConversationID, content string)) Option {
	return func(e *Engine) { e.onFinal = fn }
}

// noopStatus discards status updates.
type noopStatus struct{}

func (noopStatus) SetStatus(text, kind, agentName string) {}
func (noopStatus) ClearStatus()                           {}
func (noopStatus) SetWorkflowType(workflow string)        {}

// New creates an Engine wired to the given collaborators. status may be nil.
func New(backend types.Backend, messages types.MessageStore, sink types.PersistenceSink, status types.StatusSink, opts ...Option) *Engine {
	if status == nil {
		status = noopStatus{}
	}
	e := &Engine{
		backend:       backend,
		registry:      registry.New(),
		mux:           transport.New(backend),
		classifier:    classify.New(),
		messages:      messages,
		sink:          sink,
		status:        status,
		pollInterval:  time.Second,
		graceDelay:    2 * time.Second,
		conversations: make(map[types.ConversationID]*ConversationState),
		processed:     make(map[types.QueryID]bool),
		pollers:       make(map[types.QueryID]*poller),
		loadingMsgs:   make(map[types.QueryID]types.MessageID),
		streamMsgs:    make(map[types.QueryID]types.MessageID),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.mux.OnEvent(func(conversationID types.ConversationID, ev *types.StepEvent) {
		e.HandleEvent(ev)
	})
	e.mux.OnStatus(e.watchSessionStatus)
	return e
}

// State returns a copy of the conversation's runtime state.
func (e *Engine) State(conversationID types.ConversationID) ConversationState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.conversations[conversationID]; ok {
		return *st
	}
	return ConversationState{}
}

// stateLocked returns the conversation state, creating it lazily.
// Caller must hold e.mu.
func (e *Engine) stateLocked(conversationID types.ConversationID) *ConversationState {
	st, ok := e.conversations[conversationID]
	if !ok {
		st = &ConversationState{}
		e.conversations[conversationID] = st
	}
	return st
}

// StartQuery sends a new query for the conversation and begins tracking it.
// The user's text is appended to the transcript along with a loading
// placeholder; the query id is registered before any transport subscription
// so the first event can always be resolved to its conversation.
func (e *Engine) StartQuery(ctx context.Context, conversationID types.ConversationID, text string, attachments []types.Attachment, extraContext string) (types.QueryID, error) {
	queryID := types.NewQueryID()

	// A query parked on clarification stays registered until the user
	// answers; this message is that answer, so retire the old query first.
	if prev, ok := e.registry.ActiveQuery(conversationID); ok && e.State(conversationID).IsWaitingForClarification {
		e.mu.Lock()
		e.processed[prev] = true
		e.mu.Unlock()
		e.Cleanup(prev)
	}

	e.messages.AddMessage(conversationID, &types.TranscriptMessage{
		Content:  text,
		Role:     types.RoleUser,
		Metadata: types.MessageMetadata{QueryID: queryID},
	})
	loadingID := e.messages.AddMessage(conversationID, &types.TranscriptMessage{
		Content:  "Thinking...",
		Role:     types.RoleAssistant,
		Metadata: types.MessageMetadata{QueryID: queryID, IsLoading: true},
	})

	e.registry.Register(queryID, conversationID)

	e.mu.Lock()
	st := e.stateLocked(conversationID)
	st.IsLoading = true
	st.IsWaitingForClarification = false
	e.loadingMsgs[queryID] = loadingID
	e.mu.Unlock()

	ack, err := e.backend.InitiateQuery(ctx, text, attachments, queryID, conversationID, extraContext)
	if err != nil {
		e.failQuery(conversationID, queryID, fmt.Sprintf("Query failed: %v", err))
		return queryID, fmt.Errorf("initiate query: %w", err)
	}

	switch ack.Status {
	case types.AckCompleted:
		e.ApplyResult(ack.Result, nil, conversationID, queryID)
		return queryID, nil
	case types.AckError:
		msg := ack.Message
		if msg == "" {
			msg = "the backend reported an error"
		}
		e.failQuery(conversationID, queryID, "Query failed: "+msg)
		return queryID, nil
	}

	// Processing: push delivery when the transport slot is free, and the
	// polling fallback either way. The finalization guard makes the
	// redundant completion paths safe.
	if _, busy := e.mux.Active(); !busy {
		if err := e.mux.Connect(ctx, queryID, conversationID); err != nil {
			slog.Warn("transport connect failed, relying on polling", "query_id", queryID, "error", err)
		}
	}
	e.startPoller(queryID, conversationID)

	return queryID, nil
}

// HandleEvent classifies and applies one inbound step event. Events for
// unregistered queries are dropped with a warning, except file-status
// events which are applied best-effort.
func (e *Engine) HandleEvent(ev *types.StepEvent) {
	res := e.classifier.Classify(ev)
	if res.Category == classify.Duplicate {
		return
	}

	conversationID, registered := e.registry.Lookup(ev.QueryID)
	if !registered {
		if res.Category == classify.FileStatus {
			e.applyFileStatusAnywhere(res)
			return
		}
		slog.Warn("dropping event for unknown query",
			"query_id", ev.QueryID, "category", res.Category.String())
		return
	}

	switch res.Category {
	case classify.Clarification:
		e.handleClarification(conversationID, res)
	case classify.HumanInput:
		e.handleHumanInput(conversationID, res)
	case classify.TerminalResult:
		payload := ev.RawData["result"]
		if payload == nil && ev.Message != "" {
			payload = ev.Message
		}
		e.ApplyResult(payload, ev.RawData, conversationID, ev.QueryID)
	case classify.StreamPartial:
		e.handleStreamPartial(conversationID, res)
	case classify.StreamFinal:
		e.handleStreamFinal(conversationID, res)
	case classify.Routing, classify.Running, classify.Chatting, classify.Status, classify.Decision:
		e.handleStatusUpdate(conversationID, res)
	case classify.Plan:
		e.handlePlan(conversationID, res)
	case classify.ToolCall:
		e.handleToolCall(conversationID, res)
	case classify.ToolResult:
		e.handleToolResult(conversationID, res)
	case classify.FileStatus:
		e.applyFileStatus(conversationID, res)
	case classify.Finished:
		e.status.ClearStatus()
	case classify.Progress:
		e.handleProgress(conversationID, res)
	case classify.Ignore:
		// nothing to do
	}
}

// SubmitHumanInput sends the pending human-input value for the
// conversation and clears the request. The query resumes, so the
// conversation returns to loading.
func (e *Engine) SubmitHumanInput(ctx context.Context, conversationID types.ConversationID, value string) error {
	e.mu.Lock()
	st := e.stateLocked(conversationID)
	req := st.HumanInputRequest
	if req == nil {
		e.mu.Unlock()
		return fmt.Errorf("no pending human input for conversation %s", conversationID)
	}
	st.HumanInputRequest = nil
	st.IsLoading = true
	e.mu.Unlock()

	if err := e.backend.SubmitHumanInput(ctx, req.InputID, req.QueryID, req.ToolName, value); err != nil {
		return fmt.Errorf("submit human input: %w", err)
	}
	return nil
}

// humanInputCancelValue is the sentinel the backend recognises as a
// declined input request.
const humanInputCancelValue = "__cancel__"

// CancelHumanInput declines the pending human-input request.
func (e *Engine) CancelHumanInput(ctx context.Context, conversationID types.ConversationID) error {
	return e.SubmitHumanInput(ctx, conversationID, humanInputCancelValue)
}

// CancelQuery stops tracking the query and sends a best-effort
// cancellation notice to the backend. Cancellation is local-first: state
// is reset regardless of whether the notice lands.
func (e *Engine) CancelQuery(ctx context.Context, queryID types.QueryID) {
	if err := e.backend.CancelQuery(ctx, queryID); err != nil {
		slog.Warn("cancel notice failed", "query_id", queryID, "error", err)
	}
	e.mu.Lock()
	e.processed[queryID] = true
	e.mu.Unlock()
	e.Cleanup(queryID)
}

// failQuery records an error outcome in the transcript and tears the
// query down. The processed mark makes any late result a logged skip.
func (e *Engine) failQuery(conversationID types.ConversationID, queryID types.QueryID, text string) {
	e.mu.Lock()
	alreadyDone := e.processed[queryID]
	e.processed[queryID] = true
	loadingID, hadLoading := e.loadingMsgs[queryID]
	e.mu.Unlock()

	if !alreadyDone {
		if hadLoading {
			e.messages.DeleteMessage(conversationID, loadingID)
		}
		e.messages.AddMessage(conversationID, &types.TranscriptMessage{
			Content:  text,
			Role:     types.RoleSystem,
			Metadata: types.MessageMetadata{QueryID: queryID},
		})
		e.status.SetStatus(text, "error", "")
	}
	e.Cleanup(queryID)
}

// watchSessionStatus converts transport error/finished transitions into
// cleanup after a grace delay, so a final result frame already in flight
// can still be applied first.
func (e *Engine) watchSessionStatus(queryID types.QueryID, conversationID types.ConversationID, status transport.SessionStatus) {
	if status != transport.StatusError && status != transport.StatusFinished {
		return
	}
	isError := status == transport.StatusError
	time.AfterFunc(e.graceDelay, func() {
		if _, live := e.registry.Lookup(queryID); !live {
			return
		}
		if isError {
			slog.Warn("transport error, finishing query", "query_id", queryID)
			e.failQuery(conversationID, queryID, "Connection to the agent was lost.")
			return
		}
		slog.Info("transport closed, cleaning up query", "query_id", queryID)
		e.Cleanup(queryID)
	})
}
