package lobbylinesdk

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

// Client is a minimal Lobbyline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "v0",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Branch represents the API branch model.
type Branch struct {
	ID                            string `json:"id"`
	Name                          string `json:"name,omitempty"`
	MaxOccupancy                  int    `json:"max_occupancy"`
	GracePeriodSeconds            int    `json:"grace_period_seconds"`
	AverageServiceMinutes         int    `json:"average_service_minutes"`
	ExcludeInServiceFromOccupancy bool   `json:"exclude_in_service_from_occupancy"`
	IsPaused                      bool   `json:"is_paused"`
}

// BranchSettings carries the fields to set; nil fields are left unchanged.
type BranchSettings struct {
	Name                          *string `json:"name,omitempty"`
	MaxOccupancy                  *int    `json:"max_occupancy,omitempty"`
	GracePeriodSeconds            *int    `json:"grace_period_seconds,omitempty"`
	AverageServiceMinutes         *int    `json:"average_service_minutes,omitempty"`
	ExcludeInServiceFromOccupancy *bool   `json:"exclude_in_service_from_occupancy,omitempty"`
	Paused                        *bool   `json:"paused,omitempty"`
}

// Ticket represents the API ticket model (partial).
type Ticket struct {
	ID                 string       `json:"id"`
	BranchID           string       `json:"branch_id"`
	QueueNumber        int          `json:"queue_number"`
	Status             string       `json:"status"`
	CustomerName       string       `json:"customer_name,omitempty"`
	Counter            string       `json:"counter,omitempty"`
	Owner              string       `json:"owner,omitempty"`
	JoinedAt           time.Time    `json:"joined_at"`
	EligibleForEntryAt *time.Time   `json:"eligible_for_entry_at,omitempty"`
	BumpedAt           *time.Time   `json:"bumped_at,omitempty"`
	WaitTimeMinutes    *int         `json:"wait_time_minutes,omitempty"`
	IsNoShow           bool         `json:"is_no_show"`
	FeedbackRating     *int         `json:"feedback_rating,omitempty"`
	StatusHistory      []Transition `json:"status_history"`
}

// Transition is one status history entry.
type Transition struct {
	From        string    `json:"from_status"`
	To          string    `json:"to_status"`
	At          time.Time `json:"timestamp"`
	TriggeredBy string    `json:"triggered_by"`
	Reason      string    `json:"reason,omitempty"`
}

type QueueEntry struct {
	Ticket               Ticket `json:"ticket"`
	EstimatedWaitMinutes int    `json:"estimated_wait_minutes"`
}

// Snapshot is a branch's occupancy and ordered queue.
type Snapshot struct {
	Branch     Branch       `json:"branch"`
	Occupancy  int          `json:"occupancy"`
	Waiting    int          `json:"waiting"`
	Eligible   int          `json:"eligible"`
	InBuilding int          `json:"in_building"`
	InService  int          `json:"in_service"`
	Queue      []QueueEntry `json:"queue"`
}

type SweepReport struct {
	At       time.Time         `json:"at"`
	Demoted  []string          `json:"demoted"`
	Promoted []string          `json:"promoted"`
	Failures map[string]string `json:"failures,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts"`
	Type     string         `json:"type"`
	BranchID string         `json:"branch_id"`
	TicketID string         `json:"ticket_id"`
	Actor    string         `json:"actor"`
	Cause    string         `json:"cause"`
	Payload  map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is the error envelope code when the
// body carried one.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// ErrorCode returns the API error code of err, or "".
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// Branches lists branches.
func (c *Client) Branches(ctx context.Context) ([]Branch, error) {
	var resp []Branch
	err := c.do(ctx, http.MethodGet, "branches", nil, &resp)
	return resp, err
}

// SaveBranch creates the branch or replaces the given settings.
func (c *Client) SaveBranch(ctx context.Context, id string, s BranchSettings) (Branch, bool, error) {
	body := struct {
		ID string `json:"id"`
		BranchSettings
	}{ID: id, BranchSettings: s}
	var resp struct {
		Branch  Branch `json:"branch"`
		Created bool   `json:"created"`
	}
	err := c.do(ctx, http.MethodPost, "branches", body, &resp)
	return resp.Branch, resp.Created, err
}

// UpdateBranch changes settings of an existing branch.
func (c *Client) UpdateBranch(ctx context.Context, id string, s BranchSettings) (Branch, error) {
	var resp Branch
	err := c.do(ctx, http.MethodPatch, branchPath(id, ""), s, &resp)
	return resp, err
}

func (c *Client) Snapshot(ctx context.Context, branchID string) (Snapshot, error) {
	var resp Snapshot
	err := c.do(ctx, http.MethodGet, branchPath(branchID, "snapshot"), nil, &resp)
	return resp, err
}

// Tickets lists a branch's tickets in queue order, optionally filtered by status.
func (c *Client) Tickets(ctx context.Context, branchID, status string, includeTerminal bool) ([]Ticket, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if includeTerminal {
		q.Set("include_terminal", "true")
	}
	endpoint := branchPath(branchID, "tickets")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Ticket `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Join adds a customer to the branch's remote queue.
func (c *Client) Join(ctx context.Context, branchID, name, phone, category string) (Ticket, error) {
	body := map[string]any{
		"name":             name,
		"phone":            phone,
		"service_category": category,
	}
	var resp Ticket
	err := c.do(ctx, http.MethodPost, branchPath(branchID, "tickets"), body, &resp)
	return resp, err
}

// PromoteNext invites the next waiting ticket. It returns nil when nobody
// could be invited.
func (c *Client) PromoteNext(ctx context.Context, branchID string) (*Ticket, error) {
	var resp struct {
		Promoted bool    `json:"promoted"`
		Ticket   *Ticket `json:"ticket"`
	}
	if err := c.do(ctx, http.MethodPost, branchPath(branchID, "promote"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Ticket, nil
}

func (c *Client) Ticket(ctx context.Context, id string) (Ticket, error) {
	var resp Ticket
	err := c.do(ctx, http.MethodGet, ticketPath(id, ""), nil, &resp)
	return resp, err
}

func (c *Client) History(ctx context.Context, id string) ([]Transition, error) {
	var resp []Transition
	err := c.do(ctx, http.MethodGet, ticketPath(id, "history"), nil, &resp)
	return resp, err
}

// Transition requests a status change as the token's role.
func (c *Client) Transition(ctx context.Context, id, status, reason, counter string) (Ticket, error) {
	body := map[string]any{"status": status}
	if reason != "" {
		body["reason"] = reason
	}
	if counter != "" {
		body["counter"] = counter
	}
	var resp Ticket
	err := c.do(ctx, http.MethodPost, ticketPath(id, "transition"), body, &resp)
	return resp, err
}

func (c *Client) Confirm(ctx context.Context, id string) (Ticket, error) {
	var resp Ticket
	err := c.do(ctx, http.MethodPost, ticketPath(id, "confirm"), nil, &resp)
	return resp, err
}

func (c *Client) NoShow(ctx context.Context, id string) (Ticket, error) {
	var resp Ticket
	err := c.do(ctx, http.MethodPost, ticketPath(id, "no-show"), nil, &resp)
	return resp, err
}

func (c *Client) Rate(ctx context.Context, id string, rating int) (Ticket, error) {
	var resp Ticket
	err := c.do(ctx, http.MethodPost, ticketPath(id, "rating"), map[string]any{"rating": rating}, &resp)
	return resp, err
}

// Sweep runs one grace-period sweep. Requires the system role.
func (c *Client) Sweep(ctx context.Context) (SweepReport, error) {
	var resp SweepReport
	err := c.do(ctx, http.MethodPost, "sweep", nil, &resp)
	return resp, err
}

// EventsPage returns a page of a branch's events, newest first.
func (c *Client) EventsPage(ctx context.Context, branchID string, limit int, cursor, eventType string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if eventType != "" {
		q.Set("type", eventType)
	}
	endpoint := branchPath(branchID, "events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DevLogin mints a token from a server started with dev login enabled.
func (c *Client) DevLogin(ctx context.Context, subject, role string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "auth/dev/login", map[string]any{"subject": subject, "role": role}, &resp)
	return resp.Token, err
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
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
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func branchPath(id, p string) string {
	out := "branches/" + url.PathEscape(id)
	if p != "" {
		out += "/" + p
	}
	return out
}

func ticketPath(id, p string) string {
	out := "tickets/" + url.PathEscape(id)
	if p != "" {
		out += "/" + p
	}
	return out
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
