package missionlinesdk

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

// Client is a minimal Missionline HTTP API client for console collaborators.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "v0",
		Timeout:  10 * time.Second,
	}
}

// Objective is one entry of the live objective view.
type Objective struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	Locked      bool   `json:"locked"`
}

// Objectives is the live view of the active mission.
type Objectives struct {
	MissionID   string      `json:"mission_id"`
	Objectives  []Objective `json:"objectives"`
	CanComplete bool        `json:"can_complete"`
}

// Mission represents a catalog entry (partial).
type Mission struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Summary         string   `json:"summary"`
	Status          string   `json:"status"`
	RequiredModules []string `json:"required_modules"`
	ObjectiveCount  int      `json:"objective_count"`
}

type missionList struct {
	Locale string    `json:"locale"`
	Items  []Mission `json:"items"`
}

type missionAction struct {
	MissionID string     `json:"mission_id"`
	View      Objectives `json:"view"`
}

// Progress is the saved progress of the workspace.
type Progress struct {
	ActiveMissionID     string              `json:"active_mission_id"`
	CompletedMissionIDs []string            `json:"completed_mission_ids"`
	CompletedTasks      map[string][]string `json:"completed_tasks"`
}

// JournalEntry represents a journal record.
type JournalEntry struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts"`
	Kind        string         `json:"kind"`
	MissionID   string         `json:"mission_id"`
	ObjectiveID string         `json:"objective_id"`
	Source      string         `json:"source"`
	Payload     map[string]any `json:"payload"`
}

// PaginatedJournal wraps journal listings with cursors.
type PaginatedJournal struct {
	Items      []JournalEntry `json:"items"`
	NextCursor string         `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
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

// IsCode reports whether err is an APIError with the given envelope code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Emit publishes an event and returns the objective view after it was
// handled.
func (c *Client) Emit(ctx context.Context, event, target string, data map[string]any) (Objectives, error) {
	body := map[string]any{"event": event}
	if target != "" {
		body["target"] = target
	}
	if len(data) > 0 {
		body["data"] = data
	}
	var resp Objectives
	err := c.do(ctx, http.MethodPost, "events", body, &resp)
	return resp, err
}

// Objectives returns the live objective view.
func (c *Client) Objectives(ctx context.Context) (Objectives, error) {
	var resp Objectives
	err := c.do(ctx, http.MethodGet, "objectives", nil, &resp)
	return resp, err
}

// CompleteObjective completes an ACTIVE objective by hand.
func (c *Client) CompleteObjective(ctx context.Context, id string) (Objectives, error) {
	var resp Objectives
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("objectives/%s/complete", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Missions lists the catalog with statuses.
func (c *Client) Missions(ctx context.Context) ([]Mission, error) {
	var resp missionList
	err := c.do(ctx, http.MethodGet, "missions", nil, &resp)
	return resp.Items, err
}

// Accept makes id the active mission. Without force it fails with code
// mission_active while another mission is active.
func (c *Client) Accept(ctx context.Context, id string, force bool) (Objectives, error) {
	endpoint := fmt.Sprintf("missions/%s/accept", url.PathEscape(id))
	if force {
		endpoint += "?force=true"
	}
	var resp missionAction
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp.View, err
}

// Abandon clears the active mission and returns its id.
func (c *Client) Abandon(ctx context.Context) (string, error) {
	var resp missionAction
	err := c.do(ctx, http.MethodPost, "missions/active/abandon", nil, &resp)
	return resp.MissionID, err
}

// Progress returns the saved progress.
func (c *Client) Progress(ctx context.Context) (Progress, error) {
	var resp Progress
	err := c.do(ctx, http.MethodGet, "progress", nil, &resp)
	return resp, err
}

// Journal returns recent journal entries.
func (c *Client) Journal(ctx context.Context, limit int) ([]JournalEntry, error) {
	page, err := c.JournalPage(ctx, limit, "")
	return page.Items, err
}

// JournalPage returns a paginated journal listing, newest first.
func (c *Client) JournalPage(ctx context.Context, limit int, cursor string) (PaginatedJournal, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "journal"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedJournal
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
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

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
