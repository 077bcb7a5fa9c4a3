// Package conveyor implements the agentbackend port for the Conveyor
// cloud coding-agent service.
package conveyor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dispatchd/dispatchd/internal/domain"
	"github.com/dispatchd/dispatchd/internal/port/agentbackend"
	"github.com/dispatchd/dispatchd/internal/resilience"
)

// Client talks to the Conveyor REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClient creates a Conveyor client. An empty apiKey is allowed at
// construction; operations fail with domain.ErrNotConfigured.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

type launchRequest struct {
	Prompt           string `json:"prompt"`
	Repo             string `json:"repo"`
	Target           string `json:"target,omitempty"`
	RefreshToolchain bool   `json:"refresh_toolchain,omitempty"`
}

type launchResponse struct {
	ID string `json:"id"`
}

// Launch delegates work to the backend and returns the external handle.
func (c *Client) Launch(ctx context.Context, spec agentbackend.LaunchSpec) (string, error) {
	body, err := json.Marshal(launchRequest{
		Prompt:           spec.Prompt,
		Repo:             spec.RepoRef,
		Target:           spec.TargetRef,
		RefreshToolchain: spec.RefreshToolchain,
	})
	if err != nil {
		return "", fmt.Errorf("conveyor: marshal launch: %w", err)
	}

	data, err := c.doRequest(ctx, http.MethodPost, "/v1/agents", body)
	if err != nil {
		return "", fmt.Errorf("conveyor: launch: %w", err)
	}

	var resp launchResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("conveyor: unmarshal launch: %w", err)
	}
	if resp.ID == "" {
		return "", errors.New("conveyor: launch returned no agent id")
	}
	return resp.ID, nil
}

type pollResponse struct {
	Status  string `json:"status"`
	Summary string `json:"summary,omitempty"`
	Error   string `json:"error,omitempty"`
	Target  struct {
		PullURL     string `json:"pull_url,omitempty"`
		AgentStatus string `json:"agent_status,omitempty"`
	} `json:"target"`
}

// Poll returns one observation of the delegated task.
func (c *Client) Poll(ctx context.Context, handle string) (*agentbackend.PollStatus, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/v1/agents/"+handle, nil)
	if err != nil {
		return nil, fmt.Errorf("conveyor: poll %s: %w", handle, err)
	}

	var resp pollResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("conveyor: unmarshal poll: %w", err)
	}
	return &agentbackend.PollStatus{
		Status:      resp.Status,
		Summary:     resp.Summary,
		Detail:      resp.Error,
		PullURL:     resp.Target.PullURL,
		AgentStatus: resp.Target.AgentStatus,
	}, nil
}

type conversationResponse struct {
	Messages []agentbackend.Message `json:"messages"`
}

// FetchConversation returns the transcript, or nil when the backend has
// none for this handle.
func (c *Client) FetchConversation(ctx context.Context, handle string) ([]agentbackend.Message, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/v1/agents/"+handle+"/conversation", nil)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("conveyor: conversation %s: %w", handle, err)
	}

	var resp conversationResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("conveyor: unmarshal conversation: %w", err)
	}
	return resp.Messages, nil
}

// FetchDiff returns change metadata for a finished task, or nil when none
// is available.
func (c *Client) FetchDiff(ctx context.Context, handle string) (*agentbackend.DiffStat, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/v1/agents/"+handle+"/diff", nil)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("conveyor: diff %s: %w", handle, err)
	}

	var stat agentbackend.DiffStat
	if err := json.Unmarshal(data, &stat); err != nil {
		return nil, fmt.Errorf("conveyor: unmarshal diff: %w", err)
	}
	return &stat, nil
}

// Cancel asks the backend to stop the delegated task.
func (c *Client) Cancel(ctx context.Context, handle string) error {
	if _, err := c.doRequest(ctx, http.MethodPost, "/v1/agents/"+handle+"/cancel", nil); err != nil {
		return fmt.Errorf("conveyor: cancel %s: %w", handle, err)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	if c.apiKey == "" {
		return nil, domain.ErrNotConfigured
	}

	var result []byte
	call := func() error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode >= 400 {
			return categorize(resp.StatusCode, data)
		}

		result = data
		return nil
	}

	if c.breaker != nil {
		if err := c.breaker.Execute(call); err != nil {
			return nil, err
		}
		return result, nil
	}

	if err := call(); err != nil {
		return nil, err
	}
	return result, nil
}

// categorize maps an HTTP failure to a structured human-readable message,
// grouped by response code class.
func categorize(status int, body []byte) error {
	detail := ""
	var apiErr struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
		detail = ": " + apiErr.Error
	}

	switch {
	case status == http.StatusUnauthorized:
		return fmt.Errorf("authentication failed (401)%s, check the API key", detail)
	case status == http.StatusForbidden:
		return fmt.Errorf("permission denied (403)%s", detail)
	case status == http.StatusNotFound:
		return fmt.Errorf("agent not found (404)%s: %w", detail, domain.ErrNotFound)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("rate limited by the agent backend (429)%s", detail)
	case status >= 500:
		return fmt.Errorf("agent backend error (%d)%s", status, detail)
	default:
		return fmt.Errorf("agent backend rejected the request (%d)%s", status, detail)
	}
}
