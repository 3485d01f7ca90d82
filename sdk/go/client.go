package forgelinesdk

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

// Client is a minimal Forgeline HTTP API client.
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

// AppRequest represents the API request model (partial).
type AppRequest struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	RequesterID string `json:"requester_id"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	StagedAppID string `json:"staged_app_id,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// StagedApp represents a wild west entry.
type StagedApp struct {
	ID            string `json:"id"`
	RequestID     string `json:"request_id"`
	ArtifactRef   string `json:"artifact_ref"`
	Title         string `json:"title"`
	Category      string `json:"category"`
	Upvotes       int    `json:"upvotes"`
	Downvotes     int    `json:"downvotes"`
	FeedbackCount int    `json:"feedback_count"`
	Eligible      bool   `json:"eligible"`
	Status        string `json:"status"`
}

// PublishIntent is the promotion handshake token.
type PublishIntent struct {
	ID          string `json:"id"`
	StagedAppID string `json:"staged_app_id"`
	RequestID   string `json:"request_id"`
	ArtifactRef string `json:"artifact_ref"`
}

// Promotion is the promote response: the pending app plus its intent.
type Promotion struct {
	StagedApp     StagedApp     `json:"staged_app"`
	PublishIntent PublishIntent `json:"publish_intent"`
}

// Tally holds recomputed vote counts for a target.
type Tally struct {
	TargetKind string `json:"target_kind"`
	TargetID   string `json:"target_id"`
	Up         int    `json:"up"`
	Down       int    `json:"down"`
}

// VoteResult reports what a cast or removal did to the ledger.
type VoteResult struct {
	Outcome string `json:"outcome"`
	Tally   Tally  `json:"tally"`
}

// FeedbackItem is one piece of structured feedback.
type FeedbackItem struct {
	ID          string `json:"id"`
	StagedAppID string `json:"staged_app_id"`
	AuthorID    string `json:"author_id"`
	Kind        string `json:"kind"`
	Message     string `json:"message"`
	Priority    string `json:"priority"`
	CreatedAt   string `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedRequests wraps request listings with a cursor.
type PaginatedRequests struct {
	Items      []AppRequest `json:"items"`
	NextCursor string       `json:"next_cursor"`
}

// PaginatedStagedApps wraps staged app listings with a cursor.
type PaginatedStagedApps struct {
	Items      []StagedApp `json:"items"`
	NextCursor string      `json:"next_cursor"`
}

// ListRequestsOptions filters a request listing. Zero values are omitted.
type ListRequestsOptions struct {
	Status   string
	Category string
	Limit    int
	Cursor   string
}

// ListStagedAppsOptions filters a staged app listing. Zero values are omitted.
type ListStagedAppsOptions struct {
	Status   string
	Category string
	Limit    int
	Cursor   string
}

// SubmitRequest files a new app request.
func (c *Client) SubmitRequest(ctx context.Context, title, description, category string) (AppRequest, error) {
	body := map[string]any{
		"title":       title,
		"description": description,
		"category":    category,
	}
	var resp AppRequest
	err := c.do(ctx, http.MethodPost, "v0/requests", body, &resp)
	return resp, err
}

// GetRequest fetches a request by id.
func (c *Client) GetRequest(ctx context.Context, id string) (AppRequest, error) {
	var resp AppRequest
	err := c.do(ctx, http.MethodGet, "v0/requests/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListRequests returns one page of requests.
func (c *Client) ListRequests(ctx context.Context, opts ListRequestsOptions) (PaginatedRequests, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Category != "" {
		q.Set("category", opts.Category)
	}
	if opts.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	var resp PaginatedRequests
	err := c.do(ctx, http.MethodGet, withQuery("v0/requests", q), nil, &resp)
	return resp, err
}

// ListStagedApps returns one page of wild west entries.
func (c *Client) ListStagedApps(ctx context.Context, opts ListStagedAppsOptions) (PaginatedStagedApps, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Category != "" {
		q.Set("category", opts.Category)
	}
	if opts.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	var resp PaginatedStagedApps
	err := c.do(ctx, http.MethodGet, withQuery("v0/staged-apps", q), nil, &resp)
	return resp, err
}

// GetStagedApp fetches a staged app by id.
func (c *Client) GetStagedApp(ctx context.Context, id string) (StagedApp, error) {
	var resp StagedApp
	err := c.do(ctx, http.MethodGet, "v0/staged-apps/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CastVote casts or flips the caller's vote on a target.
func (c *Client) CastVote(ctx context.Context, targetKind, targetID, direction string) (VoteResult, error) {
	body := map[string]any{
		"target_kind": targetKind,
		"target_id":   targetID,
		"direction":   direction,
	}
	var resp VoteResult
	err := c.do(ctx, http.MethodPost, "v0/votes", body, &resp)
	return resp, err
}

// Tally returns current vote counts for a target.
func (c *Client) Tally(ctx context.Context, targetKind, targetID string) (Tally, error) {
	q := url.Values{}
	q.Set("target_kind", targetKind)
	q.Set("target_id", targetID)
	var resp Tally
	err := c.do(ctx, http.MethodGet, withQuery("v0/votes/tally", q), nil, &resp)
	return resp, err
}

// SubmitFeedback files feedback against a staged app. Priority may be empty
// for the server default.
func (c *Client) SubmitFeedback(ctx context.Context, stagedAppID, kind, message, priority string) (FeedbackItem, error) {
	body := map[string]any{
		"kind":    kind,
		"message": message,
	}
	if priority != "" {
		body["priority"] = priority
	}
	var resp FeedbackItem
	endpoint := fmt.Sprintf("v0/staged-apps/%s/feedback", url.PathEscape(stagedAppID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// PromoteStagedApp requests promotion; override needs the admin tier.
func (c *Client) PromoteStagedApp(ctx context.Context, id string, override bool) (Promotion, error) {
	body := map[string]any{"override": override}
	var resp Promotion
	endpoint := fmt.Sprintf("v0/staged-apps/%s/promote", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
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
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
