package workgatesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal workgate HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Event is a verified inbound event. DeliveryID doubles as the idempotency key.
type Event struct {
	DeliveryID  string         `json:"delivery_id"`
	Actor       string         `json:"actor,omitempty"`
	Target      string         `json:"target"`
	Action      string         `json:"action"`
	Environment string         `json:"environment,omitempty"`
	Path        string         `json:"path,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Reason explains a denial.
type Reason struct {
	Code          string   `json:"code"`
	Message       string   `json:"message"`
	Have          int      `json:"have,omitempty"`
	Need          int      `json:"need,omitempty"`
	State         string   `json:"state,omitempty"`
	Event         string   `json:"event,omitempty"`
	AllowedEvents []string `json:"allowed_events,omitempty"`
}

type Decision struct {
	Decision    string  `json:"decision"`
	WorkItemID  string  `json:"work_item_id"`
	PrincipalID string  `json:"principal_id"`
	Action      string  `json:"action"`
	Tier        int     `json:"tier"`
	Event       string  `json:"event,omitempty"`
	FromState   string  `json:"from_state"`
	ToState     string  `json:"to_state"`
	Reason      *Reason `json:"reason,omitempty"`
	Replayed    bool    `json:"replayed"`
	Seq         int64   `json:"seq"`
	Hash        string  `json:"hash"`
}

func (d Decision) Allowed() bool { return d.Decision == "allowed" }

type DispatchResult struct {
	DeliveryID    string   `json:"delivery_id"`
	PrincipalID   string   `json:"principal_id"`
	Routed        bool     `json:"routed"`
	Candidates    []string `json:"candidates,omitempty"`
	Decision      Decision `json:"decision"`
	EffectApplied bool     `json:"effect_applied"`
	EffectError   string   `json:"effect_error,omitempty"`
}

type WorkItem struct {
	ID            string   `json:"id"`
	State         string   `json:"state"`
	LastSeq       int64    `json:"last_seq"`
	AllowedEvents []string `json:"allowed_events"`
	Terminal      bool     `json:"terminal"`
	CreatedAt     string   `json:"created_at"`
	UpdatedAt     string   `json:"updated_at"`
}

// LedgerEntry is one recorded decision.
type LedgerEntry struct {
	ID             string  `json:"id"`
	Seq            int64   `json:"seq"`
	WorkItemID     string  `json:"work_item_id"`
	IdempotencyKey string  `json:"idempotency_key"`
	PrincipalID    string  `json:"principal_id"`
	Action         string  `json:"action"`
	Event          string  `json:"event,omitempty"`
	Environment    string  `json:"environment"`
	Tier           int     `json:"tier"`
	FromState      string  `json:"from_state"`
	ToState        string  `json:"to_state"`
	Decision       string  `json:"decision"`
	Reason         *Reason `json:"reason,omitempty"`
	Timestamp      string  `json:"timestamp"`
	PrevHash       string  `json:"prev_hash"`
	Hash           string  `json:"hash"`
}

type HistoryPage struct {
	Items        []LedgerEntry `json:"items"`
	NextAfterSeq int64         `json:"next_after_seq,omitempty"`
}

type VerifyReport struct {
	WorkItemID string `json:"work_item_id"`
	Entries    int    `json:"entries"`
	Head       string `json:"head"`
	OK         bool   `json:"ok"`
	BrokenAt   int64  `json:"broken_at,omitempty"`
	Message    string `json:"message"`
}

type RecoverReport struct {
	WorkItemID string `json:"work_item_id"`
	Stored     string `json:"stored_state"`
	StoredSeq  int64  `json:"stored_seq"`
	Replayed   string `json:"replayed_state"`
	LastSeq    int64  `json:"last_seq"`
	Repaired   bool   `json:"repaired"`
}

// APIError wraps non-2xx responses. Code comes from the error envelope when present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Retryable reports whether the request can be redelivered unchanged.
// Nothing was recorded for these responses.
func Retryable(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode == http.StatusServiceUnavailable
}

// Dispatch posts a verified event. Denials are returned as a normal result.
func (c *Client) Dispatch(ctx context.Context, evt Event) (DispatchResult, error) {
	var resp DispatchResult
	err := c.do(ctx, http.MethodPost, "v0/events", evt, &resp)
	return resp, err
}

// Authorize asks for a decision on behalf of the authenticated principal.
func (c *Client) Authorize(ctx context.Context, workItemID, action, environment, idempotencyKey string) (Decision, error) {
	body := map[string]any{
		"action":          action,
		"idempotency_key": idempotencyKey,
	}
	if environment != "" {
		body["environment"] = environment
	}
	var resp Decision
	err := c.do(ctx, http.MethodPost, c.itemPath(workItemID, "authorize"), body, &resp)
	return resp, err
}

func (c *Client) WorkItem(ctx context.Context, id string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodGet, c.itemPath(id, ""), nil, &resp)
	return resp, err
}

// History returns one page of ledger entries after afterSeq.
func (c *Client) History(ctx context.Context, id string, afterSeq int64, limit int) (HistoryPage, error) {
	q := url.Values{}
	if afterSeq > 0 {
		q.Set("after_seq", fmt.Sprintf("%d", afterSeq))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := c.itemPath(id, "history")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp HistoryPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Verify(ctx context.Context, id string) (VerifyReport, error) {
	var resp VerifyReport
	err := c.do(ctx, http.MethodGet, c.itemPath(id, "verify"), nil, &resp)
	return resp, err
}

func (c *Client) Recover(ctx context.Context, id string) (RecoverReport, error) {
	var resp RecoverReport
	err := c.do(ctx, http.MethodPost, c.itemPath(id, "recover"), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) itemPath(id, suffix string) string {
	p := "v0/work-items/" + url.PathEscape(id)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
