package panel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tabrelay/agent/internal/health"
	"github.com/tabrelay/agent/internal/httputil"
	"github.com/tabrelay/agent/internal/messaging"
	"github.com/tabrelay/agent/internal/tabs"
)

// Client calls a running agent's control API.
type Client struct {
	base string
	http *http.Client
}

// NewClient targets addr, a host:port or a full http URL.
func NewClient(addr string) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{base: base, http: &http.Client{Timeout: 35 * time.Second}}
}

func (c *Client) Status(ctx context.Context) (messaging.Reply, error) {
	var reply messaging.Reply
	err := httputil.DoJSON(ctx, c.http, http.MethodGet, c.base+"/api/v1/status", nil, &reply, httputil.DefaultRetryConfig())
	return reply, err
}

// Toggle is never retried: a replayed toggle would flip capture twice.
func (c *Client) Toggle(ctx context.Context) (messaging.Reply, error) {
	var reply messaging.Reply
	err := httputil.DoJSON(ctx, c.http, http.MethodPost, c.base+"/api/v1/toggle", nil, &reply, httputil.NoRetry())
	return reply, err
}

func (c *Client) Tabs(ctx context.Context) ([]tabs.Tab, error) {
	var list []tabs.Tab
	err := httputil.DoJSON(ctx, c.http, http.MethodGet, c.base+"/api/v1/tabs", nil, &list, httputil.DefaultRetryConfig())
	return list, err
}

func (c *Client) SetActiveTab(ctx context.Context, id string) ([]tabs.Tab, error) {
	var list []tabs.Tab
	body := map[string]string{"id": id}
	err := httputil.DoJSON(ctx, c.http, http.MethodPut, c.base+"/api/v1/tabs/active", body, &list, httputil.DefaultRetryConfig())
	return list, err
}

// Health returns the agent's health report. An unhealthy agent answers 503
// with the report in the body.
func (c *Client) Health(ctx context.Context) (health.Report, error) {
	var report health.Report
	resp, err := httputil.Do(ctx, c.http, http.MethodGet, c.base+"/api/v1/health", nil, nil, httputil.NoRetry())
	if err != nil {
		return report, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return report, &httputil.StatusError{StatusCode: resp.StatusCode, URL: resp.Request.URL.String()}
	}
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return report, fmt.Errorf("decode health: %w", err)
	}
	return report, nil
}
