package storyflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a minimal Storyflow HTTP API client.
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

// Item represents a content item.
type Item struct {
	ID          int64   `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Priority    *int    `json:"priority,omitempty"`
	SubmittedBy string  `json:"submitted_by"`
	ScriptOwner *string `json:"script_owner,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

// Stage is the derived pipeline position of an item.
type Stage struct {
	ItemID       int64  `json:"content_item_id"`
	Stage        string `json:"stage"`
	ContentID    *int64 `json:"content_id,omitempty"`
	ProductionID *int64 `json:"production_id,omitempty"`
	SocialPostID *int64 `json:"social_post_id,omitempty"`
}

// Move is the result of a forward transition.
type Move struct {
	ItemID  int64  `json:"content_item_id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Message string `json:"message"`
	Stage   Stage  `json:"stage"`
}

// TimelineEvent is one audit entry.
type TimelineEvent struct {
	ID          int64  `json:"id"`
	ItemID      int64  `json:"content_item_id"`
	EventType   string `json:"event_type"`
	Description string `json:"description"`
	ActorID     string `json:"actor_id"`
	ActorRole   string `json:"actor_role,omitempty"`
	OldValue    string `json:"old_value,omitempty"`
	NewValue    string `json:"new_value,omitempty"`
	OccurredAt  string `json:"occurred_at"`
}

// MoveOptions carries the optional payload of a forward move.
type MoveOptions struct {
	Confirm         bool   `json:"confirm,omitempty"`
	Note            string `json:"note,omitempty"`
	Script          string `json:"script,omitempty"`
	ProductionNotes string `json:"production_notes,omitempty"`
	Platform        string `json:"platform,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateItem submits a content idea.
func (c *Client) CreateItem(ctx context.Context, title, description, scriptOwner string) (Item, error) {
	body := map[string]any{
		"title":       title,
		"description": description,
	}
	if scriptOwner != "" {
		body["script_owner"] = scriptOwner
	}
	var resp Item
	err := c.do(ctx, http.MethodPost, "v1/content-items", body, &resp)
	return resp, err
}

// GetItem fetches a content item by id.
func (c *Client) GetItem(ctx context.Context, id int64) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v1/content-items/%d", id), nil, &resp)
	return resp, err
}

// GetStage resolves the item's derived stage.
func (c *Client) GetStage(ctx context.Context, id int64) (Stage, error) {
	var resp Stage
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v1/content-items/%d/stage", id), nil, &resp)
	return resp, err
}

// AssignScriptOwner sets or replaces the script owner.
func (c *Client) AssignScriptOwner(ctx context.Context, id int64, owner string) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v1/content-items/%d/assign", id), map[string]any{"owner": owner}, &resp)
	return resp, err
}

// MoveForward advances the item one stage.
func (c *Client) MoveForward(ctx context.Context, id int64, opts MoveOptions) (Move, error) {
	var resp Move
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v1/content-items/%d/move-forward", id), opts, &resp)
	return resp, err
}

// Timeline returns the item's audit trail, oldest first.
func (c *Client) Timeline(ctx context.Context, id int64) ([]TimelineEvent, error) {
	var resp struct {
		Items []TimelineEvent `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v1/content-items/%d/timeline", id), nil, &resp)
	return resp.Items, err
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
