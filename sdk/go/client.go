package planlinesdk

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

// Client is a minimal Planline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	ActorID     string
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

// WorkItem represents the API work item model (partial).
type WorkItem struct {
	ID          string             `json:"id"`
	PortfolioID string             `json:"portfolio_id"`
	Title       string             `json:"title"`
	State       string             `json:"state"`
	Duration    int                `json:"duration"`
	DependsOn   []string           `json:"depends_on,omitempty"`
	Demand      map[string]float64 `json:"demand,omitempty"`
	Priority    int                `json:"priority"`
	StartPeriod *int               `json:"start_period,omitempty"`
}

// Violation mirrors one constraint failure.
type Violation struct {
	Code     string         `json:"code"`
	Severity string         `json:"severity"`
	Message  string         `json:"message"`
	ItemIDs  []string       `json:"item_ids,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// Warning mirrors one soft signal.
type Warning struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	ItemIDs []string `json:"item_ids,omitempty"`
}

// Decision is the outcome of a governed transition request.
type Decision struct {
	Approved    bool        `json:"approved"`
	Violations  []Violation `json:"violations,omitempty"`
	Warnings    []Warning   `json:"warnings,omitempty"`
	Alternative *struct {
		StartPeriod int      `json:"start_period"`
		Tradeoffs   []string `json:"tradeoffs,omitempty"`
	} `json:"alternative,omitempty"`
}

// TransitionResult wraps a decision with the committed item when approved.
type TransitionResult struct {
	Decision Decision  `json:"decision"`
	Item     *WorkItem `json:"item,omitempty"`
}

// HealthReport is the portfolio validation result.
type HealthReport struct {
	Score      int         `json:"score"`
	Violations []Violation `json:"violations,omitempty"`
	Warnings   []Warning   `json:"warnings,omitempty"`
}

// ScheduleResult is the auto-scheduling outcome.
type ScheduleResult struct {
	Feasible   bool        `json:"feasible"`
	Items      []WorkItem  `json:"items"`
	Violations []Violation `json:"violations,omitempty"`
}

// DecisionLogEntry is one audit log row.
type DecisionLogEntry struct {
	ID         string      `json:"id"`
	TS         string      `json:"ts"`
	Action     string      `json:"action"`
	ActorID    string      `json:"actor_id,omitempty"`
	Outcome    string      `json:"outcome"`
	Violations []Violation `json:"violations,omitempty"`
	DurationMS int64       `json:"duration_ms"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateItem registers a work item.
func (c *Client) CreateItem(ctx context.Context, title string, duration int, demand map[string]float64, dependsOn []string) (WorkItem, error) {
	body := map[string]any{
		"title":      title,
		"duration":   duration,
		"demand":     demand,
		"depends_on": dependsOn,
	}
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, "v0/items", body, &resp)
	return resp, err
}

// ListItems returns the portfolio's work items.
func (c *Client) ListItems(ctx context.Context) ([]WorkItem, error) {
	var resp []WorkItem
	err := c.do(ctx, http.MethodGet, "v0/items", nil, &resp)
	return resp, err
}

// GetItem fetches a work item by id.
func (c *Client) GetItem(ctx context.Context, id string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodGet, "v0/items/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// RequestTransition asks the governance engine to move an item to a new state.
func (c *Client) RequestTransition(ctx context.Context, itemID, state string, startPeriod *int) (TransitionResult, error) {
	patch := map[string]any{"state": state}
	if startPeriod != nil {
		patch["start_period"] = *startPeriod
	}
	body := map[string]any{"patch": patch}
	var resp TransitionResult
	endpoint := fmt.Sprintf("v0/items/%s/transition", url.PathEscape(itemID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Validate runs portfolio validation and returns the health report.
func (c *Client) Validate(ctx context.Context) (HealthReport, error) {
	var resp HealthReport
	err := c.do(ctx, http.MethodPost, "v0/validate", map[string]any{}, &resp)
	return resp, err
}

// AutoSchedule schedules all unscheduled items.
func (c *Client) AutoSchedule(ctx context.Context) (ScheduleResult, error) {
	var resp ScheduleResult
	err := c.do(ctx, http.MethodPost, "v0/schedule", map[string]any{}, &resp)
	return resp, err
}

// WhatIf evaluates a hypothetical change list without committing it. Changes
// follow the API's scenario change schema.
func (c *Client) WhatIf(ctx context.Context, changes []map[string]any) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodPost, "v0/what-if", map[string]any{"changes": changes}, &resp)
	return resp, err
}

// Decisions returns recent decision log entries.
func (c *Client) Decisions(ctx context.Context, limit int) ([]DecisionLogEntry, error) {
	endpoint := "v0/log"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []DecisionLogEntry
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
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
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
