// Package transport owns the single active push subscription to the
// backend's step-event stream. Opening a subscription for a new query
// supersedes the previous one; events for superseded subscriptions are
// discarded.
package transport

import (
	"context"
	"log/slog"
	"sync"

	"github.com/user/hivelink/internal/types"
)

// SessionStatus is the coarse connection state of the active subscription.
type SessionStatus string

const (
	StatusIdle       SessionStatus = "idle"
	StatusConnecting SessionStatus = "connecting"
	StatusOpen       SessionStatus = "open"
	StatusFinished   SessionStatus = "finished"
	StatusError      SessionStatus = "error"
)

// Multiplexer holds at most one live subscription at a time.
type Multiplexer struct {
	backend types.Backend

	mu     sync.Mutex
	active types.QueryID
	conv   types.ConversationID
	unsub  types.UnsubscribeFunc
	latest *types.StepEvent
	status SessionStatus
	gen    uint64

	onEvent  func(conversationID types.ConversationID, ev *types.StepEvent)
	onStatus func(queryID types.QueryID, conversationID types.ConversationID, status SessionStatus)
}

// New creates a Multiplexer over the given backend.
func New(backend types.Backend) *Multiplexer {
	return &Multiplexer{
		backend: backend,
		status:  StatusIdle,
	}
}

// OnEvent sets the callback invoked for each event received on the active
// subscription. Must be set before Connect.
func (m *Multiplexer) OnEvent(fn func(conversationID types.ConversationID, ev *types.StepEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvent = fn
}

// OnStatus sets the callback invoked on session status transitions.
func (m *Multiplexer) OnStatus(fn func(queryID types.QueryID, conversationID types.ConversationID, status SessionStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStatus = fn
}

// Connect opens the subscription for queryID, implicitly superseding any
// prior subscription. The superseded subscription is closed, not merged.
func (m *Multiplexer) Connect(ctx context.Context, queryID types.QueryID, conversationID types.ConversationID) error {
	m.mu.Lock()
	if m.unsub != nil {
		slog.Info("superseding transport subscription", "old_query_id", m.active, "new_query_id", queryID)
		m.unsub()
		m.unsub = nil
	}
	m.active = queryID
	m.conv = conversationID
	m.latest = nil
	m.gen++
	gen := m.gen
	m.setStatusLocked(StatusConnecting)
	m.mu.Unlock()

	unsub, err := m.backend.SubscribeStepEvents(ctx, queryID,
		func(ev *types.StepEvent) { m.deliver(gen, ev) },
		func(streamErr error) { m.closed(gen, streamErr) },
	)

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		// Superseded while subscribing; tear down immediately.
		if err == nil && unsub != nil {
			unsub()
		}
		return nil
	}
	if err != nil {
		m.setStatusLocked(StatusError)
		return err
	}
	m.unsub = unsub
	m.setStatusLocked(StatusOpen)
	return nil
}

// deliver records the latest event and forwards it. Events from superseded
// subscriptions are dropped.
func (m *Multiplexer) deliver(gen uint64, ev *types.StepEvent) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.latest = ev
	conv := m.conv
	fn := m.onEvent
	m.mu.Unlock()

	if fn != nil {
		fn(conv, ev)
	}
}

// closed handles the stream-end signal from the backend subscription.
func (m *Multiplexer) closed(gen uint64, streamErr error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.unsub = nil
	if streamErr != nil {
		slog.Warn("transport stream error", "query_id", m.active, "error", streamErr)
		m.setStatusLocked(StatusError)
	} else {
		m.setStatusLocked(StatusFinished)
	}
	m.mu.Unlock()
}

// Close tears down the subscription if it belongs to queryID. Returns true
// only when something was actually torn down; redundant calls are safe.
func (m *Multiplexer) Close(queryID types.QueryID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != queryID || m.unsub == nil {
		return false
	}
	m.unsub()
	m.unsub = nil
	m.gen++
	m.setStatusLocked(StatusFinished)
	return true
}

// Active returns the query id the multiplexer currently serves, if any.
func (m *Multiplexer) Active() (types.QueryID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, m.unsub != nil
}

// Latest returns the last event received on the active subscription.
// Events are replaced, not queued.
func (m *Multiplexer) Latest() (*types.StepEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest, m.latest != nil
}

// Status returns the coarse session status.
func (m *Multiplexer) Status() SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// setStatusLocked updates the status and notifies the watcher. Caller must
// hold m.mu; the callback is invoked without the lock via goroutine to keep
// transitions non-reentrant.
func (m *Multiplexer) setStatusLocked(status SessionStatus) {
	if m.status == status {
		return
	}
	m.status = status
	if m.onStatus != nil {
		fn := m.onStatus
		queryID := m.active
		conv := m.conv
		go fn(queryID, conv, status)
	}
}
