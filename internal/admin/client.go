package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client calls a running instance's admin surface. The CLI uses it for
// operations that must go through the live scheduler.
type Client struct {
	base  string
	token string
	http  *http.Client
}

func NewClient(addr, token string) *Client {
	base := strings.TrimRight(strings.TrimSpace(addr), "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{base: base, token: token, http: &http.Client{Timeout: 6 * time.Minute}}
}

// Trigger runs one task now and returns the decoded outcome.
func (c *Client) Trigger(ctx context.Context, taskType, id string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPost, taskPath(taskType, id, "trigger"), &out)
	return out, err
}

// Reset returns the reset task as decoded JSON.
func (c *Client) Reset(ctx context.Context, taskType, id string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPost, taskPath(taskType, id, "reset"), &out)
	return out, err
}

func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/status", &out)
	return out, err
}

func taskPath(taskType, id, action string) string {
	return "/tasks/" + url.PathEscape(taskType) + "/" + url.PathEscape(id) + "/" + action
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("admin %s %s: %d: %s", method, path, resp.StatusCode, e.Error)
		}
		return fmt.Errorf("admin %s %s: %d", method, path, resp.StatusCode)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}
