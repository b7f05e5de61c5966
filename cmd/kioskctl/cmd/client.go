package cmd

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"appfleet/pkg/api"

	"github.com/goccy/go-json"
)

// AgentClient handles API calls to the update agent.
type AgentClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewAgentClient creates a new client with the given base URL and token.
func NewAgentClient(baseURL, token string) *AgentClient {
	return &AgentClient{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Token:   token,
		HTTPClient: &http.Client{
			// POST /sync waits for the fleet API.
			Timeout: 2 * time.Minute,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// ListCandidates sends GET /candidates.
func (c *AgentClient) ListCandidates() (*api.CandidatesResponse, error) {
	var result api.CandidatesResponse
	if err := c.do(http.MethodGet, "/candidates", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Install sends POST /jobs to queue an install of the package's candidate.
func (c *AgentClient) Install(packageName string) (*api.InstallResponse, error) {
	var result api.InstallResponse
	if err := c.do(http.MethodPost, "/jobs", api.InstallRequest{PackageName: packageName}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListJobs sends GET /jobs.
func (c *AgentClient) ListJobs() ([]api.JobResponse, error) {
	var result []api.JobResponse
	if err := c.do(http.MethodGet, "/jobs", nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// GetJob sends GET /jobs/{id}.
func (c *AgentClient) GetJob(jobID string) (*api.JobResponse, error) {
	var result api.JobResponse
	if err := c.do(http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelJob sends DELETE /jobs/{id}.
func (c *AgentClient) CancelJob(jobID string) error {
	return c.do(http.MethodDelete, "/jobs/"+url.PathEscape(jobID), nil, nil)
}

// ResolveJob sends POST /jobs/{id}/resolve.
func (c *AgentClient) ResolveJob(jobID string, req api.ResolveRequest) error {
	return c.do(http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/resolve", req, nil)
}

// Sync sends POST /sync.
func (c *AgentClient) Sync() (*api.SyncResult, error) {
	var result api.SyncResult
	if err := c.do(http.MethodPost, "/sync", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// History sends GET /history.
func (c *AgentClient) History(limit int) ([]api.JobResponse, error) {
	var result []api.JobResponse
	if err := c.do(http.MethodGet, fmt.Sprintf("/history?limit=%d", limit), nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *AgentClient) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if c.Token != "" {
		httpReq.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	}
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// errorMessage prefers the error field of a JSON error body.
func errorMessage(body []byte) string {
	var e api.ErrorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		if e.Details != "" {
			return e.Error + ": " + e.Details
		}
		return e.Error
	}
	return strings.TrimSpace(string(body))
}
