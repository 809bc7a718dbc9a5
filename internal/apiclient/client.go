// Package apiclient talks to the audience API over HTTP.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ignite/audience/internal/pkg/httpretry"
	"github.com/ignite/audience/internal/pkg/httputil"
	"github.com/ignite/audience/internal/rules"
	"github.com/ignite/audience/internal/staging"
)

// Client calls the audience API. Transient failures are retried.
type Client struct {
	baseURL string
	http    httpretry.HTTPDoer
}

// New creates a client for the API at baseURL.
func New(baseURL string, doer httpretry.HTTPDoer) *Client {
	if doer == nil {
		doer = httpretry.NewRetryClient(nil, 3)
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: doer}
}

// Enqueued is the answer to a population request.
type Enqueued struct {
	JobID    string `json:"job_id"`
	Enqueued bool   `json:"enqueued"`
}

// Populate asks the API to repopulate an owner's audience.
func (c *Client) Populate(ctx context.Context, entity string, id int64) (Enqueued, error) {
	var out Enqueued
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/populations/%s/%d", entity, id), nil, &out)
	return out, err
}

// Progress reads an owner's staging progress.
func (c *Client) Progress(ctx context.Context, entity string, id int64) (staging.Progress, error) {
	var out staging.Progress
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/populations/%s/%d/progress", entity, id), nil, &out)
	return out, err
}

// AbortCampaign stops a campaign from being sent.
func (c *Client) AbortCampaign(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/campaigns/%d/abort", id), nil, nil)
}

// Check evaluates rules server side.
func (c *Client) Check(ctx context.Context, in rules.Input, rs ...rules.Rule) (bool, error) {
	var out struct {
		Match bool `json:"match"`
	}
	err := c.do(ctx, http.MethodPost, "/api/rules/check", map[string]any{"input": in, "rules": rs}, &out)
	return out.Match, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %w", method, path, httputil.ReadError(resp))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
