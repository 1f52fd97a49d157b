package taskpointssdk

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Taskpoints HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	APIKey      string
	// Format is "json" (default) or "xml"; it sets the Accept header.
	Format     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base path.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Format:  "json",
		Timeout: 10 * time.Second,
	}
}

type Task struct {
	ID          int64  `json:"id" xml:"id"`
	Title       string `json:"title" xml:"title"`
	Description string `json:"description" xml:"description"`
	Points      int    `json:"points" xml:"points"`
	CreatedAt   string `json:"created_at" xml:"created_at"`
	EditedAt    string `json:"edited_at,omitempty" xml:"edited_at,omitempty"`
}

type User struct {
	ID        int64  `json:"id" xml:"id"`
	Name      string `json:"name" xml:"name"`
	Age       int    `json:"age" xml:"age"`
	Gender    string `json:"gender" xml:"gender"`
	CreatedAt string `json:"created_at" xml:"created_at"`
	EditedAt  string `json:"edited_at,omitempty" xml:"edited_at,omitempty"`
}

type History struct {
	ID          int64  `json:"id" xml:"id"`
	Name        string `json:"name" xml:"name"`
	Description string `json:"description" xml:"description"`
	UserID      int64  `json:"user_id" xml:"user_id"`
	TaskID      int64  `json:"task_id" xml:"task_id"`
	Finalized   bool   `json:"finalized" xml:"finalized"`
	CreatedAt   string `json:"created_at" xml:"created_at"`
	EditedAt    string `json:"edited_at,omitempty" xml:"edited_at,omitempty"`
}

// Reward is the collectible issued for a finalized history.
type Reward struct {
	ID          int64  `json:"id" xml:"id"`
	HistoryID   int64  `json:"history_id" xml:"history_id"`
	Name        string `json:"name" xml:"name"`
	Description string `json:"description" xml:"description"`
	ImageURL    string `json:"image_url,omitempty" xml:"image_url,omitempty"`
	Points      int    `json:"points" xml:"points"`
	CreatedAt   string `json:"created_at" xml:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// HistoryPatch holds the fields to change; nil fields are left as they are.
type HistoryPatch struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Finalized   *bool   `json:"finalized,omitempty"`
}

// Health returns the service status.
func (c *Client) Health(ctx context.Context) (string, error) {
	var resp struct {
		Status string `json:"status" xml:"status"`
	}
	err := c.do(ctx, http.MethodGet, "health", nil, &resp)
	return resp.Status, err
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, title, description string, points int) (Task, error) {
	body := map[string]any{
		"title":       title,
		"description": description,
		"points":      points,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", body, &resp)
	return resp, err
}

// Tasks lists live tasks.
func (c *Client) Tasks(ctx context.Context) ([]Task, error) {
	var resp struct {
		Items []Task `json:"items" xml:"task"`
	}
	err := c.do(ctx, http.MethodGet, "tasks", nil, &resp)
	return resp.Items, err
}

func (c *Client) GetTask(ctx context.Context, id int64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+strconv.FormatInt(id, 10), nil, &resp)
	return resp, err
}

// CreateUser creates a user.
func (c *Client) CreateUser(ctx context.Context, name string, age int, gender string) (User, error) {
	body := map[string]any{
		"name":   name,
		"age":    age,
		"gender": gender,
	}
	var resp User
	err := c.do(ctx, http.MethodPost, "users", body, &resp)
	return resp, err
}

// Users lists live users.
func (c *Client) Users(ctx context.Context) ([]User, error) {
	var resp struct {
		Items []User `json:"items" xml:"user"`
	}
	err := c.do(ctx, http.MethodGet, "users", nil, &resp)
	return resp.Items, err
}

func (c *Client) GetUser(ctx context.Context, id int64) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodGet, "users/"+strconv.FormatInt(id, 10), nil, &resp)
	return resp, err
}

// CreateHistory records a user performing a task.
func (c *Client) CreateHistory(ctx context.Context, name string, userID, taskID int64, finalized bool) (History, error) {
	body := map[string]any{
		"name":      name,
		"user_id":   userID,
		"task_id":   taskID,
		"finalized": finalized,
	}
	var resp History
	err := c.do(ctx, http.MethodPost, "histories", body, &resp)
	return resp, err
}

// Histories lists live histories, optionally for one user (userID > 0).
func (c *Client) Histories(ctx context.Context, userID int64) ([]History, error) {
	endpoint := "histories"
	if userID > 0 {
		endpoint += "?user_id=" + strconv.FormatInt(userID, 10)
	}
	var resp struct {
		Items []History `json:"items" xml:"history"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) GetHistory(ctx context.Context, id int64) (History, error) {
	var resp History
	err := c.do(ctx, http.MethodGet, "histories/"+strconv.FormatInt(id, 10), nil, &resp)
	return resp, err
}

// UpdateHistory patches a history. Setting Finalized to true may issue a reward.
func (c *Client) UpdateHistory(ctx context.Context, id int64, patch HistoryPatch) (History, error) {
	var resp History
	err := c.do(ctx, http.MethodPatch, "histories/"+strconv.FormatInt(id, 10), patch, &resp)
	return resp, err
}

// Rewards lists live rewards, optionally for one history (historyID > 0).
func (c *Client) Rewards(ctx context.Context, historyID int64) ([]Reward, error) {
	endpoint := "rewards"
	if historyID > 0 {
		endpoint += "?history_id=" + strconv.FormatInt(historyID, 10)
	}
	var resp struct {
		Items []Reward `json:"items" xml:"reward"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) GetReward(ctx context.Context, id int64) (Reward, error) {
	var resp Reward
	err := c.do(ctx, http.MethodGet, "rewards/"+strconv.FormatInt(id, 10), nil, &resp)
	return resp, err
}

// Raw performs a GET and returns the undecoded body in the client's format.
func (c *Client) Raw(ctx context.Context, endpoint string) ([]byte, error) {
	resp, err := c.send(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	resp, err := c.send(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if c.xml() {
		return xml.NewDecoder(resp.Body).Decode(out)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) send(ctx context.Context, method, endpoint string, body any) (*http.Response, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.xml() {
		req.Header.Set("Accept", "application/xml")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return resp, nil
}

func (c *Client) xml() bool {
	return strings.EqualFold(c.Format, "xml")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
