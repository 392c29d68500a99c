package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/user/hivelink/internal/types"
)

// poller runs the status-poll fallback for one query. It exists alongside
// the push transport; whichever path observes the terminal state first wins
// and the finalization guard absorbs the loser.
type poller struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// startPoller begins polling the query's status every pollInterval until
// the query finishes, errors, or is cleaned up. Idempotent per query.
func (e *Engine) startPoller(queryID types.QueryID, conversationID types.ConversationID) {
	e.mu.Lock()
	if _, running := e.pollers[queryID]; running {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &poller{cancel: cancel, done: make(chan struct{})}
	e.pollers[queryID] = p
	e.mu.Unlock()

	go e.pollLoop(ctx, p, queryID, conversationID)
}

// stopPoller cancels the query's polling loop, if one is running.
func (e *Engine) stopPoller(queryID types.QueryID) {
	e.mu.Lock()
	p, ok := e.pollers[queryID]
	if ok {
		delete(e.pollers, queryID)
	}
	e.mu.Unlock()
	if ok {
		p.cancel()
	}
}

func (e *Engine) pollLoop(ctx context.Context, p *poller, queryID types.QueryID, conversationID types.ConversationID) {
	defer close(p.done)

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Liveness check before the network call: another path may have
		// finished the query while we slept.
		if _, live := e.registry.Lookup(queryID); !live {
			return
		}

		status, err := e.backend.PollQueryStatus(ctx, queryID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Debug("status poll failed", "query_id", queryID, "error", err)
			continue
		}

		// And again after: the poll races the transport frame carrying the
		// same outcome.
		if _, live := e.registry.Lookup(queryID); !live {
			return
		}

		switch status.Status {
		case types.AckCompleted:
			e.ApplyResult(status.Result, nil, conversationID, queryID)
			return
		case types.AckError:
			msg := status.Message
			if msg == "" {
				msg = "the backend reported an error"
			}
			e.failQuery(conversationID, queryID, "Query failed: "+msg)
			return
		}
	}
}
