package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/user/hivelink/internal/types"
)

// SubscribeStepEvents opens a server-sent-events stream for queryID and
// delivers each decoded StepEvent to fn. done is invoked exactly once when
// the stream ends: nil on a clean end-of-stream, non-nil on a transport
// failure. The returned unsubscribe closes the stream and is safe to call
// more than once.
func (c *Client) SubscribeStepEvents(ctx context.Context, queryID types.QueryID, fn func(*types.StepEvent), done func(error)) (types.UnsubscribeFunc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/queries/"+string(queryID)+"/events", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	// The stream outlives the request timeout; use a transport without one.
	stream := &http.Client{Transport: c.client.Transport}
	resp, err := stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &statusError{code: resp.StatusCode, body: string(body)}
	}

	var once sync.Once
	var closedByUnsubscribe bool
	var mu sync.Mutex

	unsubscribe := func() {
		mu.Lock()
		closedByUnsubscribe = true
		mu.Unlock()
		resp.Body.Close()
	}

	go func() {
		streamErr := readEventStream(resp.Body, queryID, fn)
		resp.Body.Close()

		mu.Lock()
		unsubscribed := closedByUnsubscribe
		mu.Unlock()
		if unsubscribed {
			streamErr = nil
		}
		once.Do(func() {
			if done != nil {
				done(streamErr)
			}
		})
	}()

	return unsubscribe, nil
}

// readEventStream parses SSE frames off the wire until EOF. A frame whose
// event field is "end" terminates the stream cleanly.
func readEventStream(r io.Reader, queryID types.QueryID, fn func(*types.StepEvent)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var eventName string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				if eventName == "end" {
					return nil
				}
				dispatchFrame(data.String(), queryID, fn)
			}
			eventName = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	// EOF without an explicit end frame: clean close.
	return nil
}

func dispatchFrame(payload string, queryID types.QueryID, fn func(*types.StepEvent)) {
	var ev types.StepEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		slog.Warn("dropping malformed step event frame", "query_id", queryID, "error", err)
		return
	}
	if ev.QueryID == "" {
		ev.QueryID = queryID
	}
	fn(&ev)
}
