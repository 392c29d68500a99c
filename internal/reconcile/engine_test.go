package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/user/hivelink/internal/store"
	"github.com/user/hivelink/internal/types"
)

type fakeSub struct {
	fn   func(*types.StepEvent)
	done func(error)
}

type humanInput struct {
	InputID types.InputID
	QueryID types.QueryID
	Tool    string
	Value   string
}

// fakeBackend scripts the ack and poll responses and lets tests push step
// events into the active subscription.
type fakeBackend struct {
	mu       sync.Mutex
	ack      *types.QueryAck
	ackErr   error
	poll     *types.PollStatus
	subErr   error
	subs     map[types.QueryID]*fakeSub
	inputs   []humanInput
	canceled []types.QueryID
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		ack:  &types.QueryAck{Status: types.AckProcessing},
		poll: &types.PollStatus{Status: types.AckProcessing},
		subs: make(map[types.QueryID]*fakeSub),
	}
}

func (b *fakeBackend) InitiateQuery(ctx context.Context, text string, attachments []types.Attachment, queryID types.QueryID, conversationID types.ConversationID, extraContext string) (*types.QueryAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ackErr != nil {
		return nil, b.ackErr
	}
	ack := *b.ack
	if ack.QueryID == "" {
		ack.QueryID = queryID
	}
	return &ack, nil
}

func (b *fakeBackend) PollQueryStatus(ctx context.Context, queryID types.QueryID) (*types.PollStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	status := *b.poll
	return &status, nil
}

func (b *fakeBackend) SubscribeStepEvents(ctx context.Context, queryID types.QueryID, fn func(*types.StepEvent), done func(error)) (types.UnsubscribeFunc, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subErr != nil {
		return nil, b.subErr
	}
	b.subs[queryID] = &fakeSub{fn: fn, done: done}
	return func() {
		b.mu.Lock()
		delete(b.subs, queryID)
		b.mu.Unlock()
	}, nil
}

func (b *fakeBackend) SubmitHumanInput(ctx context.Context, inputID types.InputID, queryID types.QueryID, toolName, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inputs = append(b.inputs, humanInput{inputID, queryID, toolName, value})
	return nil
}

func (b *fakeBackend) CancelQuery(ctx context.Context, queryID types.QueryID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.canceled = append(b.canceled, queryID)
	return nil
}

func (b *fakeBackend) push(queryID types.QueryID, ev *types.StepEvent) {
	b.mu.Lock()
	sub := b.subs[queryID]
	b.mu.Unlock()
	if sub != nil {
		sub.fn(ev)
	}
}

func (b *fakeBackend) closeStream(queryID types.QueryID, err error) {
	b.mu.Lock()
	sub := b.subs[queryID]
	delete(b.subs, queryID)
	b.mu.Unlock()
	if sub != nil {
		sub.done(err)
	}
}

func (b *fakeBackend) setPoll(status *types.PollStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.poll = status
}

func (b *fakeBackend) cancelCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.canceled)
}

// recordingSink captures persisted messages.
type recordingSink struct {
	mu    sync.Mutex
	saved []*types.TranscriptMessage
}

func (s *recordingSink) SaveMessage(ctx context.Context, conversationID types.ConversationID, msg *types.TranscriptMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, msg)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

// recordingStatus captures status-sink updates.
type recordingStatus struct {
	mu      sync.Mutex
	text    string
	kind    string
	cleared int
}

func (s *recordingStatus) SetStatus(text, kind, agentName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text, s.kind = text, kind
}

func (s *recordingStatus) ClearStatus() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text, s.kind = "", ""
	s.cleared++
}

func (s *recordingStatus) SetWorkflowType(workflow string) {}

func (s *recordingStatus) current() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text, s.kind
}

type fixture struct {
	backend  *fakeBackend
	messages *store.Memory
	sink     *recordingSink
	status   *recordingStatus
	engine   *Engine
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		backend:  newFakeBackend(),
		messages: store.NewMemory(),
		sink:     &recordingSink{},
		status:   &recordingStatus{},
	}
	base := []Option{WithPollInterval(10 * time.Millisecond), WithGraceDelay(20 * time.Millisecond)}
	f.engine = New(f.backend, f.messages, f.sink, f.status, append(base, opts...)...)
	return f
}

func waitFor(t *testing.T, cond func() bool, desc string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

const conv = types.ConversationID("conv-a")

func TestStartQueryInlineResult(t *testing.T) {
	f := newFixture(t)
	f.backend.ack = &types.QueryAck{Status: types.AckCompleted, Result: "the answer is 42"}

	queryID, err := f.engine.StartQuery(context.Background(), conv, "what is the answer?", nil, "")
	if err != nil {
		t.Fatal(err)
	}

	msgs := f.messages.Messages(conv)
	if len(msgs) != 2 {
		t.Fatalf("expected user + result, got %d messages", len(msgs))
	}
	if msgs[0].Role != types.RoleUser || msgs[0].Content != "what is the answer?" {
		t.Errorf("unexpected user message %+v", msgs[0])
	}
	if msgs[1].Role != types.RoleAssistant || msgs[1].Content != "the answer is 42" {
		t.Errorf("unexpected result message %+v", msgs[1])
	}
	if msgs[1].Metadata.IsLoading {
		t.Error("result message must not be the loading placeholder")
	}
	if !f.engine.Processed(queryID) {
		t.Error("inline result must mark the query processed")
	}
	if _, live := f.engine.ActiveQuery(conv); live {
		t.Error("query must be unregistered after inline result")
	}
	if f.sink.count() != 1 {
		t.Errorf("expected 1 persisted message, got %d", f.sink.count())
	}
}

func TestStartQueryProcessingThenPushResult(t *testing.T) {
	f := newFixture(t)

	queryID, err := f.engine.StartQuery(context.Background(), conv, "do the thing", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	st := f.engine.State(conv)
	if !st.IsLoading {
		t.Error("conversation must be loading while processing")
	}

	f.backend.push(queryID, &types.StepEvent{
		QueryID:    queryID,
		UpdateType: "result",
		RawData:    map[string]any{"result": "done it"},
	})

	msgs := f.messages.Messages(conv)
	if len(msgs) != 2 || msgs[1].Content != "done it" {
		t.Fatalf("expected committed result, got %+v", msgs)
	}
	if f.engine.State(conv).IsLoading {
		t.Error("loading must clear on completion")
	}
	if _, live := f.engine.ActiveQuery(conv); live {
		t.Error("query must be cleaned up after result")
	}
}

func TestDuplicateEventSuppressed(t *testing.T) {
	f := newFixture(t)
	queryID, _ := f.engine.StartQuery(context.Background(), conv, "q", nil, "")

	ev := &types.StepEvent{QueryID: queryID, UpdateType: "step_update", StepType: "working", Message: "crunching"}
	f.backend.push(queryID, ev)
	f.backend.push(queryID, ev)

	progress := 0
	for _, m := range f.messages.Messages(conv) {
		if m.Metadata.IsAgentProgress {
			progress++
		}
	}
	if progress != 1 {
		t.Errorf("expected 1 progress message, got %d", progress)
	}
}

func TestClarificationSingleQuestion(t *testing.T) {
	f := newFixture(t)
	queryID, _ := f.engine.StartQuery(context.Background(), conv, "book a flight", nil, "")

	f.backend.push(queryID, &types.StepEvent{
		QueryID:    queryID,
		UpdateType: "step_update",
		StepType:   "clarification",
		RawData:    map[string]any{"questions": []any{"Which city are you departing from?"}},
	})

	msgs := f.messages.Messages(conv)
	last := msgs[len(msgs)-1]
	want := "To help me proceed, please clarify: Which city are you departing from?"
	if last.Content != want {
		t.Errorf("expected %q, got %q", want, last.Content)
	}
	st := f.engine.State(conv)
	if st.IsLoading {
		t.Error("clarification must clear loading")
	}
	if !st.IsWaitingForClarification {
		t.Error("clarification must park the conversation")
	}
	if active, live := f.engine.ActiveQuery(conv); !live || active != queryID {
		t.Error("clarified query must stay registered until the user answers")
	}

	// The user's answer arrives as a fresh query and retires the parked one.
	newID, err := f.engine.StartQuery(context.Background(), conv, "from Lisbon", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if active, live := f.engine.ActiveQuery(conv); !live || active != newID {
		t.Errorf("expected only the follow-up query to be live, got %v", active)
	}
	if f.engine.State(conv).IsWaitingForClarification {
		t.Error("follow-up query must unpark the conversation")
	}
}

func TestClarificationMultipleQuestions(t *testing.T) {
	f := newFixture(t)
	queryID, _ := f.engine.StartQuery(context.Background(), conv, "plan", nil, "")

	f.backend.push(queryID, &types.StepEvent{
		QueryID:  queryID,
		StepType: "decision",
		RawData: map[string]any{
			"needs_clarification": true,
			"questions":           []any{"When?", "Where?"},
		},
	})

	msgs := f.messages.Messages(conv)
	last := msgs[len(msgs)-1]
	want := "To help me proceed, please clarify:\nWhen?\nWhere?"
	if last.Content != want {
		t.Errorf("expected %q, got %q", want, last.Content)
	}
}

func TestHumanInputRequestAndSubmit(t *testing.T) {
	f := newFixture(t)
	queryID, _ := f.engine.StartQuery(context.Background(), conv, "edit my file", nil, "")
	before := len(f.messages.Messages(conv))

	f.backend.push(queryID, &types.StepEvent{
		QueryID:    queryID,
		UpdateType: "human_input",
		Message:    "Which file should I edit?",
		RawData:    map[string]any{"input_id": "in-1", "tool_name": "editor"},
	})

	if got := len(f.messages.Messages(conv)); got != before {
		t.Errorf("input request must not append transcript messages, went from %d to %d", before, got)
	}
	st := f.engine.State(conv)
	if st.HumanInputRequest == nil {
		t.Fatal("expected a pending human input request")
	}
	if st.IsLoading {
		t.Error("a pending input request and loading are mutually exclusive")
	}
	if st.HumanInputRequest.ConversationID != conv {
		t.Errorf("request must carry the conversation id, got %q", st.HumanInputRequest.ConversationID)
	}

	if err := f.engine.SubmitHumanInput(context.Background(), conv, "notes.txt"); err != nil {
		t.Fatal(err)
	}
	f.backend.mu.Lock()
	got := f.backend.inputs
	f.backend.mu.Unlock()
	if len(got) != 1 || got[0].Value != "notes.txt" || got[0].InputID != "in-1" {
		t.Fatalf("unexpected submitted input %+v", got)
	}
	st = f.engine.State(conv)
	if st.HumanInputRequest != nil {
		t.Error("request must clear after submit")
	}
	if !st.IsLoading {
		t.Error("conversation returns to loading after submit")
	}
}

func TestHumanInputMissingIDIsError(t *testing.T) {
	f := newFixture(t)
	queryID, _ := f.engine.StartQuery(context.Background(), conv, "q", nil, "")

	f.backend.push(queryID, &types.StepEvent{
		QueryID:    queryID,
		UpdateType: "human_input",
		Message:    "need something",
	})

	if f.engine.State(conv).HumanInputRequest != nil {
		t.Error("malformed request must not become pending")
	}
	if _, kind := f.status.current(); kind != "error" {
		t.Errorf("expected error status, got kind %q", kind)
	}
}

func TestSubmitHumanInputWithoutRequest(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.SubmitHumanInput(context.Background(), conv, "x"); err == nil {
		t.Fatal("expected error when no request is pending")
	}
}

func TestCancelHumanInputSendsSentinel(t *testing.T) {
	f := newFixture(t)
	queryID, _ := f.engine.StartQuery(context.Background(), conv, "q", nil, "")
	f.backend.push(queryID, &types.StepEvent{
		QueryID:    queryID,
		UpdateType: "human_input",
		RawData:    map[string]any{"input_id": "in-2", "tool_name": "editor"},
	})

	if err := f.engine.CancelHumanInput(context.Background(), conv); err != nil {
		t.Fatal(err)
	}
	f.backend.mu.Lock()
	got := f.backend.inputs
	f.backend.mu.Unlock()
	if len(got) != 1 || got[0].Value != "__cancel__" {
		t.Fatalf("expected cancel sentinel, got %+v", got)
	}
}

func TestStatusEventsSkipTranscript(t *testing.T) {
	f := newFixture(t)
	queryID, _ := f.engine.StartQuery(context.Background(), conv, "q", nil, "")
	before := len(f.messages.Messages(conv))

	f.backend.push(queryID, &types.StepEvent{
		QueryID: queryID, StepType: "Routing", Message: "finding an agent",
	})
	f.backend.push(queryID, &types.StepEvent{
		QueryID: queryID, StepType: "running", RawData: map[string]any{"tool_name": "web_search", "agent_name": "researcher"},
	})

	if got := len(f.messages.Messages(conv)); got != before {
		t.Errorf("status events must not add messages, went from %d to %d", before, got)
	}
	text, kind := f.status.current()
	if kind != "running" || text != "Searching the web" {
		t.Errorf("unexpected status %q/%q", text, kind)
	}
}

func TestToolResultMatchesMostRecentCall(t *testing.T) {
	f := newFixture(t)
	queryID, _ := f.engine.StartQuery(context.Background(), conv, "q", nil, "")

	f.backend.push(queryID, &types.StepEvent{
		QueryID: queryID, StepType: "tool_call",
		RawData: map[string]any{"tool_name": "web_search", "tool_arguments": map[string]any{"q": "first"}},
	})
	f.backend.push(queryID, &types.StepEvent{
		QueryID: queryID, StepType: "tool_call",
		RawData: map[string]any{"tool_name": "web_search", "tool_arguments": map[string]any{"q": "second"}},
	})
	f.backend.push(queryID, &types.StepEvent{
		QueryID: queryID, StepType: "tool_result",
		RawData: map[string]any{"tool_name": "web_search", "tool_result": "ten links"},
	})

	var calls []*types.TranscriptMessage
	var result *types.TranscriptMessage
	for _, m := range f.messages.Messages(conv) {
		switch m.Metadata.StepType {
		case "tool_call":
			calls = append(calls, m)
		case "tool_result":
			result = m
		}
	}
	if len(calls) != 2 || result == nil {
		t.Fatalf("expected 2 calls and a result, got %d calls", len(calls))
	}
	if result.Metadata.ToolCallID != calls[1].ID {
		t.Error("result must attach to the most recent matching call")
	}
	if result.Content != "" {
		t.Errorf("tool-result message must have no visible content, got %q", result.Content)
	}
	if calls[1].Metadata.ToolResult != "ten links" {
		t.Errorf("call metadata must carry the result, got %v", calls[1].Metadata.ToolResult)
	}
	if calls[0].Metadata.ToolResult != nil {
		t.Error("earlier call must be untouched")
	}
}

func TestUnmatchedToolResultIsMetadataOnly(t *testing.T) {
	f := newFixture(t)
	queryID, _ := f.engine.StartQuery(context.Background(), conv, "q", nil, "")

	f.backend.push(queryID, &types.StepEvent{
		QueryID: queryID, StepType: "tool_result",
		RawData: map[string]any{"tool_name": "web_search", "tool_result": "ten links"},
	})

	var result *types.TranscriptMessage
	for _, m := range f.messages.Messages(conv) {
		if m.Metadata.StepType == "tool_result" {
			result = m
		}
	}
	if result == nil {
		t.Fatal("expected a standalone tool-result message")
	}
	if result.Content != "" {
		t.Errorf("tool-result message must have no visible content, got %q", result.Content)
	}
	if result.Metadata.ToolResult != "ten links" {
		t.Errorf("metadata must carry the payload, got %v", result.Metadata.ToolResult)
	}
	if result.Metadata.ToolCallID != "" {
		t.Error("unmatched result must not claim a call id")
	}
}

func TestStreamingUpdatesInPlaceThenCommits(t *testing.T) {
	f := newFixture(t)
	queryID, _ := f.engine.StartQuery(context.Background(), conv, "write a poem", nil, "")

	f.backend.push(queryID, &types.StepEvent{
		QueryID: queryID, UpdateType: "result",
		RawData: map[string]any{"is_streaming": true, "content": "Roses"},
	})
	f.backend.push(queryID, &types.StepEvent{
		QueryID: queryID, UpdateType: "result",
		RawData: map[string]any{"is_streaming": true, "content": "Roses are red"},
	})

	msgs := f.messages.Messages(conv)
	if len(msgs) != 2 {
		t.Fatalf("partial frames must update one message, got %d messages", len(msgs))
	}
	if msgs[1].Content != "Roses are red" || !msgs[1].Metadata.IsStreaming {
		t.Errorf("unexpected streaming message %+v", msgs[1])
	}

	f.backend.push(queryID, &types.StepEvent{
		QueryID: queryID, UpdateType: "result",
		RawData: map[string]any{"is_streaming": true, "is_final": true, "content": "Roses are red, violets are blue"},
	})

	msgs = f.messages.Messages(conv)
	last := msgs[len(msgs)-1]
	if last.Content != "Roses are red, violets are blue" {
		t.Errorf("expected committed final content, got %q", last.Content)
	}
	if last.Metadata.IsStreaming {
		t.Error("committed result must not be marked streaming")
	}
	for _, m := range msgs {
		if m.Metadata.IsStreaming {
			t.Error("streaming message must be removed on commit")
		}
	}
	if _, live := f.engine.ActiveQuery(conv); live {
		t.Error("final frame must finish the query")
	}
}

func TestResultAppliedExactlyOnce(t *testing.T) {
	f := newFixture(t)
	queryID, _ := f.engine.StartQuery(context.Background(), conv, "q", nil, "")

	f.engine.ApplyResult("only once", nil, conv, queryID)
	f.engine.ApplyResult("only once", nil, conv, queryID)
	f.engine.ApplyResult("something else", nil, conv, queryID)

	results := 0
	for _, m := range f.messages.Messages(conv) {
		if m.Role == types.RoleAssistant && m.Content == "only once" {
			results++
		}
		if m.Content == "something else" {
			t.Error("late result must be skipped")
		}
	}
	if results != 1 {
		t.Errorf("expected exactly one result message, got %d", results)
	}
	if f.sink.count() != 1 {
		t.Errorf("expected exactly one persisted message, got %d", f.sink.count())
	}
}

func TestEmptyResultSkipsTranscript(t *testing.T) {
	f := newFixture(t)
	queryID, err := f.engine.StartQuery(context.Background(), conv, "q", nil, "")
	if err != nil {
		t.Fatal(err)
	}

	f.engine.ApplyResult(nil, nil, conv, queryID)

	msgs := f.messages.Messages(conv)
	if len(msgs) != 1 || msgs[0].Role != types.RoleUser {
		t.Fatalf("expected only the user message to remain, got %d messages", len(msgs))
	}
	if f.sink.count() != 0 {
		t.Errorf("empty result must not be persisted, got %d saves", f.sink.count())
	}
	if !f.engine.Processed(queryID) {
		t.Error("query must still be marked processed")
	}
	if _, live := f.engine.ActiveQuery(conv); live {
		t.Error("query must be unregistered")
	}
}

func TestPollerFallbackCompletesQuery(t *testing.T) {
	f := newFixture(t)
	// Push transport unavailable; only polling can observe completion.
	f.backend.subErr = context.DeadlineExceeded

	queryID, err := f.engine.StartQuery(context.Background(), conv, "q", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	f.backend.setPoll(&types.PollStatus{Status: types.AckCompleted, Result: "polled result"})

	waitFor(t, func() bool { return f.engine.Processed(queryID) }, "poll completion")
	msgs := f.messages.Messages(conv)
	if msgs[len(msgs)-1].Content != "polled result" {
		t.Errorf("expected polled result, got %q", msgs[len(msgs)-1].Content)
	}
}

func TestPollerReportsBackendError(t *testing.T) {
	f := newFixture(t)
	f.backend.subErr = context.DeadlineExceeded

	queryID, _ := f.engine.StartQuery(context.Background(), conv, "q", nil, "")
	f.backend.setPoll(&types.PollStatus{Status: types.AckError, Message: "agent crashed"})

	waitFor(t, func() bool { return f.engine.Processed(queryID) }, "poll error")
	msgs := f.messages.Messages(conv)
	last := msgs[len(msgs)-1]
	if last.Role != types.RoleSystem || last.Content != "Query failed: agent crashed" {
		t.Errorf("unexpected failure message %+v", last)
	}
}

func TestTransportCloseGraceAllowsLateResult(t *testing.T) {
	f := newFixture(t, WithGraceDelay(50*time.Millisecond))
	queryID, _ := f.engine.StartQuery(context.Background(), conv, "q", nil, "")

	sub := func() *fakeSub {
		f.backend.mu.Lock()
		defer f.backend.mu.Unlock()
		return f.backend.subs[queryID]
	}()
	if sub == nil {
		t.Fatal("expected an active subscription")
	}
	// Stream closes cleanly, then the result lands inside the grace window.
	sub.done(nil)
	sub.fn(&types.StepEvent{QueryID: queryID, UpdateType: "result", RawData: map[string]any{"result": "late but fine"}})

	waitFor(t, func() bool { return f.engine.Processed(queryID) }, "late result")
	time.Sleep(80 * time.Millisecond)
	for _, m := range f.messages.Messages(conv) {
		if m.Role == types.RoleSystem {
			t.Errorf("grace window must not produce an error message: %q", m.Content)
		}
	}
}

func TestTransportErrorFailsQueryAfterGrace(t *testing.T) {
	f := newFixture(t, WithGraceDelay(10*time.Millisecond))
	queryID, _ := f.engine.StartQuery(context.Background(), conv, "q", nil, "")

	f.backend.closeStream(queryID, context.DeadlineExceeded)

	waitFor(t, func() bool { return f.engine.Processed(queryID) }, "grace cleanup")
	found := false
	for _, m := range f.messages.Messages(conv) {
		if m.Role == types.RoleSystem && m.Content == "Connection to the agent was lost." {
			found = true
		}
	}
	if !found {
		t.Error("expected a transport failure message")
	}
	if _, live := f.engine.ActiveQuery(conv); live {
		t.Error("failed query must be unregistered")
	}
}

func TestCancelQuery(t *testing.T) {
	f := newFixture(t)
	queryID, _ := f.engine.StartQuery(context.Background(), conv, "q", nil, "")

	f.engine.CancelQuery(context.Background(), queryID)

	if f.backend.cancelCount() != 1 {
		t.Error("expected a cancel notice")
	}
	if _, live := f.engine.ActiveQuery(conv); live {
		t.Error("canceled query must be unregistered")
	}
	if f.engine.State(conv).IsLoading {
		t.Error("cancel must clear loading")
	}

	// A result arriving after cancellation is a logged skip.
	f.engine.ApplyResult("too late", nil, conv, queryID)
	for _, m := range f.messages.Messages(conv) {
		if m.Content == "too late" {
			t.Error("post-cancel result must be skipped")
		}
	}
}

func TestUnknownQueryEventDropped(t *testing.T) {
	f := newFixture(t)
	before := len(f.messages.Messages(conv))

	f.engine.HandleEvent(&types.StepEvent{
		QueryID: "never-registered", StepType: "working", Message: "hello",
	})

	if got := len(f.messages.Messages(conv)); got != before {
		t.Errorf("unknown-query event must be dropped, got %d messages", got)
	}
}

func TestFileStatusBypassesRegistry(t *testing.T) {
	f := newFixture(t)
	id := f.messages.AddMessage(conv, &types.TranscriptMessage{
		Content:  "report.pdf",
		Role:     types.RoleUser,
		Metadata: types.MessageMetadata{FileID: "file-1", FileStatus: "pending"},
	})

	f.engine.HandleEvent(&types.StepEvent{
		QueryID:    "long-gone",
		UpdateType: "file_status",
		RawData:    map[string]any{"file_id": "file-1", "file_status": "uploaded"},
	})

	for _, m := range f.messages.Messages(conv) {
		if m.ID == id && m.Metadata.FileStatus != "uploaded" {
			t.Errorf("expected uploaded, got %q", m.Metadata.FileStatus)
		}
	}
}

func TestPlanRendering(t *testing.T) {
	f := newFixture(t)
	queryID, _ := f.engine.StartQuery(context.Background(), conv, "plan it", nil, "")

	f.backend.push(queryID, &types.StepEvent{
		QueryID:  queryID,
		StepType: "plan",
		RawData: map[string]any{
			"plan": []any{
				map[string]any{
					"description": "Gather data",
					"tasks": []any{
						map[string]any{"agent": "researcher", "description": "search the web"},
					},
				},
			},
		},
	})

	msgs := f.messages.Messages(conv)
	last := msgs[len(msgs)-1]
	want := "Plan:\n- Gather data\n  - researcher: search the web"
	if last.Content != want {
		t.Errorf("expected %q, got %q", want, last.Content)
	}
	if last.Role != types.RoleSystem {
		t.Errorf("plan renders as a system message, got %s", last.Role)
	}
}

func TestEventSequenceTranscriptShape(t *testing.T) {
	f := newFixture(t)
	queryID, _ := f.engine.StartQuery(context.Background(), conv, "look it up", nil, "")

	f.backend.push(queryID, &types.StepEvent{QueryID: queryID, StepType: "routing", Message: "picking an agent"})
	f.backend.push(queryID, &types.StepEvent{QueryID: queryID, StepType: "running", RawData: map[string]any{"tool_name": "web_search"}})
	f.backend.push(queryID, &types.StepEvent{QueryID: queryID, StepType: "tool_call", RawData: map[string]any{"tool_name": "web_search"}})
	f.backend.push(queryID, &types.StepEvent{QueryID: queryID, StepType: "tool_result", RawData: map[string]any{"tool_name": "web_search", "tool_result": "links"}})
	f.backend.push(queryID, &types.StepEvent{QueryID: queryID, UpdateType: "result", RawData: map[string]any{"result": "here you go"}})

	var steps []string
	for _, m := range f.messages.Messages(conv) {
		if m.Role == types.RoleUser {
			continue
		}
		if m.Metadata.StepType != "" {
			steps = append(steps, m.Metadata.StepType)
		}
	}
	// Routing and running touched only the status indicator.
	if len(steps) != 2 || steps[0] != "tool_call" || steps[1] != "tool_result" {
		t.Errorf("expected [tool_call tool_result] progress entries, got %v", steps)
	}
	msgs := f.messages.Messages(conv)
	if msgs[len(msgs)-1].Content != "here you go" {
		t.Errorf("expected final result last, got %q", msgs[len(msgs)-1].Content)
	}
}

func TestInitiateErrorFailsQuery(t *testing.T) {
	f := newFixture(t)
	f.backend.ackErr = context.DeadlineExceeded

	_, err := f.engine.StartQuery(context.Background(), conv, "q", nil, "")
	if err == nil {
		t.Fatal("expected error")
	}
	msgs := f.messages.Messages(conv)
	last := msgs[len(msgs)-1]
	if last.Role != types.RoleSystem {
		t.Errorf("expected a failure message, got %+v", last)
	}
	if f.engine.State(conv).IsLoading {
		t.Error("loading must clear on initiate failure")
	}
}

func TestOnFinalCallback(t *testing.T) {
	var mu sync.Mutex
	var notified []string
	f := newFixture(t, WithOnFinal(func(conversationID types.ConversationID, content string) {
		mu.Lock()
		notified = append(notified, content)
		mu.Unlock()
	}))
	f.backend.ack = &types.QueryAck{Status: types.AckCompleted, Result: "finished"}

	if _, err := f.engine.StartQuery(context.Background(), conv, "q", nil, ""); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(notified) != 1 || notified[0] != "finished" {
		t.Errorf("expected one completion notification, got %v", notified)
	}
}
