// Package backend implements the HTTP client for the orchestration API:
// query initiation, status polling, step-event subscription, human input,
// cancellation, and the durable message sink.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/user/hivelink/internal/types"
	"github.com/user/hivelink/internal/userinfo"
)

// Client talks to the orchestration backend over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	retry   *RetryPolicy
}

// New creates a Client for the given base URL. timeout bounds individual
// request/response cycles; the SSE stream uses its own unbounded client.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		retry:   DefaultRetryPolicy(),
	}
}

type initiateRequest struct {
	Text           string               `json:"text"`
	Attachments    []types.Attachment   `json:"attachments,omitempty"`
	QueryID        types.QueryID        `json:"query_id"`
	ConversationID types.ConversationID `json:"conversation_id"`
	ExtraContext   string               `json:"extra_context,omitempty"`
}

// InitiateQuery submits a new query. The response may carry an inline
// result or a processing acknowledgement.
func (c *Client) InitiateQuery(ctx context.Context, text string, attachments []types.Attachment, queryID types.QueryID, conversationID types.ConversationID, extraContext string) (*types.QueryAck, error) {
	body := initiateRequest{
		Text:           text,
		Attachments:    attachments,
		QueryID:        queryID,
		ConversationID: conversationID,
		ExtraContext:   extraContext,
	}
	var ack types.QueryAck
	if err := c.postJSON(ctx, "/api/queries", body, &ack); err != nil {
		return nil, fmt.Errorf("initiate query: %w", err)
	}
	if ack.QueryID == "" {
		ack.QueryID = queryID
	}
	return &ack, nil
}

// PollQueryStatus fetches the current status of a query by correlation id.
func (c *Client) PollQueryStatus(ctx context.Context, queryID types.QueryID) (*types.PollStatus, error) {
	var status types.PollStatus
	if err := c.getJSON(ctx, "/api/queries/"+string(queryID)+"/status", &status); err != nil {
		return nil, fmt.Errorf("poll query status: %w", err)
	}
	return &status, nil
}

type humanInputRequest struct {
	InputID  types.InputID `json:"input_id"`
	QueryID  types.QueryID `json:"query_id"`
	ToolName string        `json:"tool_name"`
	Value    string        `json:"value"`
}

// SubmitHumanInput sends a human-provided value for a pending tool input.
// Cancellation uses the same call with a sentinel value.
func (c *Client) SubmitHumanInput(ctx context.Context, inputID types.InputID, queryID types.QueryID, toolName, value string) error {
	body := humanInputRequest{
		InputID:  inputID,
		QueryID:  queryID,
		ToolName: toolName,
		Value:    value,
	}
	if err := c.postJSON(ctx, "/api/human-input", body, nil); err != nil {
		return fmt.Errorf("submit human input: %w", err)
	}
	return nil
}

// CancelQuery sends a best-effort cancellation notice to the backend.
func (c *Client) CancelQuery(ctx context.Context, queryID types.QueryID) error {
	if err := c.postJSON(ctx, "/api/queries/"+string(queryID)+"/cancel", struct{}{}, nil); err != nil {
		return fmt.Errorf("cancel query: %w", err)
	}
	return nil
}

// SaveMessage durably persists a finalized message. A 404 means the
// conversation does not exist server-side yet; it is created lazily and
// the save retried once. Transient failures are retried per the policy.
func (c *Client) SaveMessage(ctx context.Context, conversationID types.ConversationID, msg *types.TranscriptMessage) error {
	path := "/api/conversations/" + string(conversationID) + "/messages/" + string(msg.ID)
	return c.retry.Execute(func() error {
		err := c.putJSON(ctx, path, msg)
		if err == nil {
			return nil
		}
		var httpErr *statusError
		if asStatusError(err, &httpErr) && httpErr.code == http.StatusNotFound {
			if createErr := c.postJSON(ctx, "/api/conversations", map[string]string{"id": string(conversationID)}, nil); createErr != nil {
				return fmt.Errorf("create conversation: %w", createErr)
			}
			return c.putJSON(ctx, path, msg)
		}
		return err
	})
}

// FetchUserInfo returns the profile the backend associates with the API key.
func (c *Client) FetchUserInfo(ctx context.Context) (*userinfo.Info, error) {
	var info userinfo.Info
	if err := c.getJSON(ctx, "/api/me", &info); err != nil {
		return nil, fmt.Errorf("fetch user info: %w", err)
	}
	return &info, nil
}

// statusError carries a non-2xx HTTP status for callers that branch on it.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("backend error (status %d): %s", e.code, e.body)
}

func asStatusError(err error, target **statusError) bool {
	se, ok := err.(*statusError)
	if ok {
		*target = se
	}
	return ok
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) putJSON(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, nil)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode, body: string(body)}
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}

var _ types.Backend = (*Client)(nil)
var _ types.PersistenceSink = (*Client)(nil)
