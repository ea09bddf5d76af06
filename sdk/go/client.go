// Package taskmatchsdk is a minimal Go client for the Taskmatch HTTP API.
package taskmatchsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

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

// Task represents the API task model.
type Task struct {
	ID            string         `json:"id"`
	OwnerID       string         `json:"owner_id"`
	Subject       string         `json:"subject"`
	Title         string         `json:"title"`
	Description   string         `json:"description,omitempty"`
	Price         float64        `json:"price"`
	Deadline      string         `json:"deadline"`
	Status        string         `json:"status"`
	ExpertID      *string        `json:"expert_id,omitempty"`
	ReservedBy    *string        `json:"reserved_by,omitempty"`
	ReservedUntil *string        `json:"reserved_until,omitempty"`
	InvitedNow    int            `json:"invited_now"`
	NextWaveAt    *string        `json:"next_wave_at,omitempty"`
	Submission    map[string]any `json:"submission,omitempty"`
	CreatedAt     string         `json:"created_at"`
	CompletedAt   *string        `json:"completed_at,omitempty"`
}

type Expert struct {
	ID                 string         `json:"id"`
	DisplayName        string         `json:"display_name"`
	Subjects           []string       `json:"subjects"`
	MinPrice           float64        `json:"min_price"`
	MaxPrice           float64        `json:"max_price"`
	Level              string         `json:"level,omitempty"`
	RatingAvg          float64        `json:"rating_avg"`
	RatingCount        int            `json:"rating_count"`
	AcceptRate         float64        `json:"accept_rate"`
	MedianResponseMins float64        `json:"median_response_mins"`
	CompletedBySubject map[string]int `json:"completed_by_subject,omitempty"`
}

type Invite struct {
	ID          string  `json:"id"`
	TaskID      string  `json:"task_id"`
	ExpertID    string  `json:"expert_id"`
	SentAt      string  `json:"sent_at"`
	RespondedAt *string `json:"responded_at,omitempty"`
	Status      string  `json:"status"`
	LastScore   float64 `json:"last_score"`
}

type Reservation struct {
	TaskID        string `json:"task_id"`
	ReservedBy    string `json:"reserved_by"`
	ReservedUntil string `json:"reserved_until"`
	RemainingMS   int64  `json:"remaining_ms"`
}

type MatchingStatus struct {
	Task        Task         `json:"task"`
	Invites     []Invite     `json:"invites"`
	Reservation *Reservation `json:"reservation,omitempty"`
}

type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PostTask posts a new task; the engine fires the first invite wave.
func (c *Client) PostTask(ctx context.Context, subject, title string, price float64, deadline string) (Task, error) {
	body := map[string]any{
		"subject":  subject,
		"title":    title,
		"price":    price,
		"deadline": deadline,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks", body, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, taskPath(id, ""), nil, &resp)
	return resp, err
}

// MatchingStatus returns the task's invites and active reservation.
func (c *Client) MatchingStatus(ctx context.Context, taskID string) (MatchingStatus, error) {
	var resp MatchingStatus
	err := c.do(ctx, http.MethodGet, taskPath(taskID, "matching"), nil, &resp)
	return resp, err
}

// Reserve soft-claims an open task for the authenticated expert.
func (c *Client) Reserve(ctx context.Context, taskID string) (Reservation, error) {
	var resp Reservation
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "reserve"), nil, &resp)
	return resp, err
}

// Claim confirms a live reservation into a firm claim.
func (c *Client) Claim(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "claim"), nil, &resp)
	return resp, err
}

// Release gives a reservation back. No error if the hold already lapsed.
func (c *Client) Release(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodDelete, taskPath(taskID, "reserve"), nil, nil)
}

// Submit uploads the expert's work for a claimed task.
func (c *Client) Submit(ctx context.Context, taskID string, submission map[string]any) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "submit"), map[string]any{"submission": submission}, &resp)
	return resp, err
}

// Accept completes a submitted task.
func (c *Client) Accept(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "accept"), nil, &resp)
	return resp, err
}

// Reject sends a submitted task back to the expert for rework.
func (c *Client) Reject(ctx context.Context, taskID, reason string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "reject"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// RegisterExpert creates or updates an expert profile.
func (c *Client) RegisterExpert(ctx context.Context, x Expert) (Expert, error) {
	var resp Expert
	err := c.do(ctx, http.MethodPost, "v0/experts", x, &resp)
	return resp, err
}

// ExpertInvites lists invites sent to an expert, optionally by status.
func (c *Client) ExpertInvites(ctx context.Context, expertID, status string) ([]Invite, error) {
	endpoint := fmt.Sprintf("v0/experts/%s/invites", url.PathEscape(expertID))
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Invite
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RespondInvite accepts or declines an invite.
func (c *Client) RespondInvite(ctx context.Context, inviteID, response string) (Invite, error) {
	endpoint := fmt.Sprintf("v0/invites/%s/respond", url.PathEscape(inviteID))
	var resp Invite
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"response": response}, &resp)
	return resp, err
}

// Events returns recent event-log entries.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DevLogin mints a testing token and stores it on the client.
func (c *Client) DevLogin(ctx context.Context, actorID string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "v0/auth/dev/login", map[string]any{"actor_id": actorID}, &resp)
	if err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
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
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func taskPath(id, sub string) string {
	p := fmt.Sprintf("v0/tasks/%s", url.PathEscape(id))
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
