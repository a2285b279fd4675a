package stagelinesdk

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

// Client is a minimal Stageline HTTP API client.
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

// Application represents the API application model.
type Application struct {
	ID                   string `json:"id"`
	OrgID                string `json:"org_id"`
	CandidateID          string `json:"candidate_id"`
	JobID                string `json:"job_id"`
	Stage                string `json:"stage"`
	StageLabel           string `json:"stage_label"`
	Version              int64  `json:"version"`
	CandidateRecruiterID string `json:"candidate_recruiter_id,omitempty"`
	DeclineReason        string `json:"decline_reason,omitempty"`
	AIReviewScore        *int   `json:"ai_review_score,omitempty"`
	AcceptedByCompany    bool   `json:"accepted_by_company"`
	AcceptedAt           string `json:"accepted_at,omitempty"`
	CreatedAt            string `json:"created_at"`
	UpdatedAt            string `json:"updated_at"`
}

// Permissions mirrors the resolved action set for the caller.
type Permissions struct {
	CanApprove          bool   `json:"can_approve"`
	CanReject           bool   `json:"can_reject"`
	CanAddNote          bool   `json:"can_add_note"`
	CanRequestPrescreen bool   `json:"can_request_prescreen"`
	CanRequestChanges   bool   `json:"can_request_changes"`
	StageLabel          string `json:"stage_label"`
	ApproveButtonText   string `json:"approve_button_text,omitempty"`
	RejectButtonText    string `json:"reject_button_text,omitempty"`
}

// PermissionsResult couples permissions with the stage they were
// resolved against.
type PermissionsResult struct {
	ApplicationID string      `json:"application_id"`
	Stage         string      `json:"stage"`
	Version       int64       `json:"version"`
	Permissions   Permissions `json:"permissions"`
}

// Note represents a note entry.
type Note struct {
	ID             string `json:"id"`
	ApplicationID  string `json:"application_id"`
	CreatedByID    string `json:"created_by_id"`
	CreatedByType  string `json:"created_by_type"`
	NoteType       string `json:"note_type"`
	Visibility     string `json:"visibility"`
	MessageText    string `json:"message_text"`
	InResponseToID string `json:"in_response_to_id,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	OrgID      string `json:"org_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// ApplicationPage wraps list responses with cursors.
type ApplicationPage struct {
	Items      []Application `json:"items"`
	NextCursor string        `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsConflict reports whether the error is a stale-version conflict. The
// caller should re-read the application and retry.
func (e *APIError) IsConflict() bool {
	return e.StatusCode == http.StatusConflict
}

// Submit creates a new application.
func (c *Client) Submit(ctx context.Context, candidateID, jobID string, opts map[string]any) (Application, error) {
	body := map[string]any{
		"candidate_id": candidateID,
		"job_id":       jobID,
	}
	for k, v := range opts {
		body[k] = v
	}
	var resp Application
	err := c.do(ctx, http.MethodPost, "applications", body, &resp)
	return resp, err
}

// Get fetches one application.
func (c *Client) Get(ctx context.Context, id string) (Application, error) {
	var resp Application
	err := c.do(ctx, http.MethodGet, "applications/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// List returns a page of applications.
func (c *Client) List(ctx context.Context, stage string, limit int, cursor string) (ApplicationPage, error) {
	q := url.Values{}
	if stage != "" {
		q.Set("stage", stage)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "applications"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp ApplicationPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Permissions resolves what the caller may do to an application.
func (c *Client) Permissions(ctx context.Context, id string) (PermissionsResult, error) {
	var resp PermissionsResult
	err := c.do(ctx, http.MethodGet, "applications/"+url.PathEscape(id)+"/permissions", nil, &resp)
	return resp, err
}

// Approve advances the application. expectedVersion 0 skips the
// optimistic check.
func (c *Client) Approve(ctx context.Context, id, note string, moveToOffer bool, expectedVersion int64) (Application, error) {
	body := map[string]any{}
	if note != "" {
		body["note"] = note
	}
	if moveToOffer {
		body["move_to_offer"] = true
	}
	if expectedVersion > 0 {
		body["expected_version"] = expectedVersion
	}
	var resp Application
	err := c.do(ctx, http.MethodPost, "applications/"+url.PathEscape(id)+"/approve", body, &resp)
	return resp, err
}

// Deny rejects the application with a reason.
func (c *Client) Deny(ctx context.Context, id, reason string, expectedVersion int64) (Application, error) {
	body := map[string]any{"reason": reason}
	if expectedVersion > 0 {
		body["expected_version"] = expectedVersion
	}
	var resp Application
	err := c.do(ctx, http.MethodPost, "applications/"+url.PathEscape(id)+"/deny", body, &resp)
	return resp, err
}

// RequestChanges sends the application back to the recruiter.
func (c *Client) RequestChanges(ctx context.Context, id, note string, expectedVersion int64) (Application, error) {
	body := map[string]any{}
	if note != "" {
		body["note"] = note
	}
	if expectedVersion > 0 {
		body["expected_version"] = expectedVersion
	}
	var resp Application
	err := c.do(ctx, http.MethodPost, "applications/"+url.PathEscape(id)+"/request-changes", body, &resp)
	return resp, err
}

// AddNote attaches a general note.
func (c *Client) AddNote(ctx context.Context, id, text string) (Note, error) {
	body := map[string]any{"message_text": text}
	var resp Note
	err := c.do(ctx, http.MethodPost, "applications/"+url.PathEscape(id)+"/notes", body, &resp)
	return resp, err
}

// Notes lists notes for one application.
func (c *Client) Notes(ctx context.Context, id string) ([]Note, error) {
	var resp []Note
	err := c.do(ctx, http.MethodGet, "applications/"+url.PathEscape(id)+"/notes", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
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
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
