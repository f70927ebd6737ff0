// Package api wraps the orchestration host's HTTP boundary: feature CRUD
// reads, the status probe, and the drift health/fix endpoints. Every call
// is plain request/response — reconnect and retry policy live with the
// callers, not here.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	serrors "github.com/p-blackswan/backlog-sync/internal/errors"
	"github.com/p-blackswan/backlog-sync/internal/models"
)

// HTTPClient abstracts HTTP calls for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to the orchestration host.
type Client struct {
	baseURL    string
	httpClient HTTPClient
	logger     zerolog.Logger
}

// NewClient creates a new boundary client.
func NewClient(baseURL string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With().Str("component", "api").Logger(),
	}
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(hc HTTPClient) {
	c.httpClient = hc
}

// StatusResponse is the payload of the status probe endpoint.
type StatusResponse struct {
	BackingHostOnline bool `json:"backing_host_online"`
	PendingOperations uint `json:"pending_operations"`
}

// Status probes the host and reports backing-compute-host reachability.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/status", nil)
	if err != nil {
		return nil, err
	}
	var out StatusResponse
	if err := decodeResponse(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListFeatures fetches the full feature collection for a project.
func (c *Client) ListFeatures(ctx context.Context, projectID string) ([]models.Feature, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/projects/"+projectID+"/features", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Features []models.Feature `json:"features"`
	}
	if err := decodeResponse(resp, &out); err != nil {
		return nil, err
	}
	return out.Features, nil
}

// ListProjects fetches the known project identifiers.
func (c *Client) ListProjects(ctx context.Context) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/projects", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Projects []string `json:"projects"`
	}
	if err := decodeResponse(resp, &out); err != nil {
		return nil, err
	}
	return out.Projects, nil
}

// Health runs the server-side drift comparison for a project. The server
// compares declared feature state against observed branch/worktree state;
// the client only packages the call.
func (c *Client) Health(ctx context.Context, projectID string) (*models.HealthReport, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/projects/"+projectID+"/health", nil)
	if err != nil {
		return nil, err
	}
	var out models.HealthReport
	if err := decodeResponse(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Fix invokes a remediation action for one feature's drift issue.
func (c *Client) Fix(ctx context.Context, projectID, featureID, action string) error {
	body, err := json.Marshal(map[string]string{
		"feature_id": featureID,
		"action":     action,
	})
	if err != nil {
		return fmt.Errorf("marshaling fix request: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/projects/"+projectID+"/fix", bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// do executes one API request and maps HTTP failures to APIError.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		apiErr := serrors.NewAPIError(path, resp.StatusCode, strings.TrimSpace(string(respBody)))
		if resp.StatusCode == http.StatusNotFound {
			apiErr.Err = serrors.ErrNotFound
		}
		return nil, apiErr
	}

	return resp, nil
}

// decodeResponse reads and decodes a JSON response.
func decodeResponse(resp *http.Response, v interface{}) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
