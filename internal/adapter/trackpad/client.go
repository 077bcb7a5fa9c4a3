// Package trackpad implements the tracker port against the Trackpad
// issue-tracker REST API.
package trackpad

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dispatchd/dispatchd/internal/domain"
	"github.com/dispatchd/dispatchd/internal/port/tracker"
)

// Client talks to the Trackpad API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a Trackpad client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Get returns the ticket by identifier.
func (c *Client) Get(ctx context.Context, id string) (*tracker.Ticket, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/tickets/"+id)
	if err != nil {
		return nil, fmt.Errorf("trackpad: get ticket %s: %w", id, err)
	}

	var t tracker.Ticket
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("trackpad: unmarshal ticket: %w", err)
	}
	return &t, nil
}

// MoveToReview transitions the ticket into the review column.
func (c *Client) MoveToReview(ctx context.Context, id string) error {
	if _, err := c.doRequest(ctx, http.MethodPost, "/api/tickets/"+id+"/review"); err != nil {
		return fmt.Errorf("trackpad: move ticket %s to review: %w", id, err)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string) ([]byte, error) {
	if c.baseURL == "" {
		return nil, domain.ErrNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, domain.ErrNotFound
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("trackpad API error %d: %s", resp.StatusCode, string(data))
	}
	return data, nil
}

var _ tracker.Tracker = (*Client)(nil)
