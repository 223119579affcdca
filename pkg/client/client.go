// Package client is the typed HTTP client for the dbnest daemon API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to a running dbnest daemon.
type Client struct {
	baseURL string
	client  *http.Client
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// DefaultConfig points at the daemon's default listen address.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:7913/api/v1",
		Timeout: 30 * time.Second,
	}
}

func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// Create registers a new database record.
func (c *Client) Create(ctx context.Context, req CreateRequest) (Database, error) {
	var out Database
	err := c.do(ctx, http.MethodPost, "/databases", req, &out)
	return out, err
}

// List returns every record with live status.
func (c *Client) List(ctx context.Context) ([]Database, error) {
	var out []Database
	err := c.do(ctx, http.MethodGet, "/databases", nil, &out)
	return out, err
}

// Get fetches one record with live status.
func (c *Client) Get(ctx context.Context, id string) (Database, error) {
	var out Database
	err := c.do(ctx, http.MethodGet, "/databases/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Delete removes a stopped record.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/databases/"+url.PathEscape(id), nil, nil)
}

// Start launches the recorded instance.
func (c *Client) Start(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/databases/"+url.PathEscape(id)+"/start", nil, nil)
}

// Stop shuts the instance down.
func (c *Client) Stop(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/databases/"+url.PathEscape(id)+"/stop", nil, nil)
}

// Status reports the live lifecycle state.
func (c *Client) Status(ctx context.Context, id string) (Status, error) {
	var out Status
	err := c.do(ctx, http.MethodGet, "/databases/"+url.PathEscape(id)+"/status", nil, &out)
	return out, err
}

// UpdateCredentials provisions new credentials on a running instance.
func (c *Client) UpdateCredentials(ctx context.Context, id string, req CredentialsRequest) error {
	return c.do(ctx, http.MethodPost, "/databases/"+url.PathEscape(id)+"/credentials", req, nil)
}

// Check runs a driver-level connectivity probe.
func (c *Client) Check(ctx context.Context, id string) (CheckResult, error) {
	var out CheckResult
	err := c.do(ctx, http.MethodGet, "/databases/"+url.PathEscape(id)+"/check", nil, &out)
	return out, err
}

// AutoStart runs the daemon's auto-start pass.
func (c *Client) AutoStart(ctx context.Context) (AutoStartSummary, error) {
	var out AutoStartSummary
	err := c.do(ctx, http.MethodPost, "/autostart", nil, &out)
	return out, err
}

// Reconcile re-runs store/reality reconciliation.
func (c *Client) Reconcile(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/reconcile", nil, nil)
}

// KillAll triggers the last-defense teardown.
func (c *Client) KillAll(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/killall", nil, nil)
}

// Events fetches recent lifecycle events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	path := "/events"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []Event
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var er ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, er.Error)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
