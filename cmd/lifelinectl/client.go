package main

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

	"github.com/linnemanlabs/lifeline/internal/alertapi"
	"github.com/linnemanlabs/lifeline/internal/triage"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Body       alertapi.ErrorBody
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%d %s: %s", e.StatusCode, e.Body.Code, e.Body.Error)
	if e.Body.Status != "" {
		msg += fmt.Sprintf(" (alert is %s at version %d)", e.Body.Status, e.Body.Version)
	}
	return msg
}

// Client talks to the lifeline HTTP API.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient returns a client for the server at base.
func NewClient(base, token string) *Client {
	return &Client{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req) //nolint:gosec // G704: server url is operator supplied
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr.Body); err != nil {
			apiErr.Body.Error = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// List fetches alerts, optionally filtered.
func (c *Client) List(ctx context.Context, statuses []string, minSeverity string, limit int) ([]*triage.Alert, error) {
	q := url.Values{}
	for _, s := range statuses {
		q.Add("status", s)
	}
	if minSeverity != "" {
		q.Set("minSeverity", minSeverity)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	path := "/api/v1/alerts"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp alertapi.ListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Alerts, nil
}

// Get fetches one alert.
func (c *Client) Get(ctx context.Context, id string) (*triage.Alert, error) {
	var a triage.Alert
	if err := c.do(ctx, http.MethodGet, "/api/v1/alerts/"+url.PathEscape(id), nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Audit fetches an alert's audit stream and chain verification.
func (c *Client) Audit(ctx context.Context, id string) (*alertapi.AuditResponse, error) {
	var resp alertapi.AuditResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/alerts/"+url.PathEscape(id)+"/audit", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Command posts a transition command and returns the updated alert.
func (c *Client) Command(ctx context.Context, id, command string, body map[string]string) (*triage.Alert, error) {
	var a triage.Alert
	if err := c.do(ctx, http.MethodPost, "/api/v1/alerts/"+url.PathEscape(id)+"/"+command, body, &a); err != nil {
		return nil, err
	}
	return &a, nil
}
