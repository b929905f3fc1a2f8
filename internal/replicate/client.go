// Package replicate drives image-generation predictions against the
// Replicate HTTP API: create, poll to a terminal state, cancel.
package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"nanobanana/internal/domain"
	"nanobanana/internal/infra"
)

// ErrMissingAPIToken indicates the client was configured without credentials.
var ErrMissingAPIToken = errors.New("replicate: api token is required")

const (
	// DefaultBaseURL is the public Replicate API endpoint.
	DefaultBaseURL = "https://api.replicate.com/v1"
	// DefaultModel is the text-to-image model the site generates with.
	DefaultModel = "qwen/qwen-image"

	// fallbackVersionID is used when the model-version lookup fails.
	// Degrading to a known-good pinned version beats refusing to generate.
	fallbackVersionID = "8101a2391b041aa46c01826321e4b46815624d4a810e16dd6989e2d805e0aea2"
)

// Options configures the Replicate client.
type Options struct {
	APIToken       string
	BaseURL        string
	Model          string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client performs HTTP calls to the Replicate predictions API.
type Client struct {
	token      string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *infra.Logger

	mu            sync.Mutex
	cachedVersion string
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = DefaultModel
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := infra.Logger(zerolog.New(io.Discard))
		logger = &discard
	}
	return &Client{
		token:      strings.TrimSpace(opts.APIToken),
		baseURL:    baseURL,
		model:      model,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.model
}

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool {
	return c.token != ""
}

type predictionRequest struct {
	Version string                 `json:"version"`
	Input   domain.PredictionInput `json:"input"`
}

type predictionResponse struct {
	ID          string                 `json:"id"`
	Status      string                 `json:"status"`
	Input       domain.PredictionInput `json:"input"`
	Output      json.RawMessage        `json:"output"`
	Error       string                 `json:"error"`
	Logs        string                 `json:"logs"`
	CreatedAt   string                 `json:"created_at"`
	CompletedAt string                 `json:"completed_at"`
}

type modelResponse struct {
	LatestVersion struct {
		ID string `json:"id"`
	} `json:"latest_version"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// CreatePrediction submits a generation request and returns the accepted
// prediction descriptor.
func (c *Client) CreatePrediction(ctx context.Context, version string, in domain.PredictionInput) (*domain.Prediction, error) {
	if !c.HasCredentials() {
		return nil, ErrMissingAPIToken
	}
	var resp predictionResponse
	payload := predictionRequest{Version: version, Input: in}
	if err := c.do(ctx, http.MethodPost, "/predictions", payload, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPredictionCreateFailed, err)
	}
	pred := resp.toDomain()
	c.logger.Info().Str("prediction_id", pred.ID).Str("status", string(pred.Status)).Msg("prediction created")
	return pred, nil
}

// GetPrediction fetches the current state of a prediction.
func (c *Client) GetPrediction(ctx context.Context, id string) (*domain.Prediction, error) {
	if !c.HasCredentials() {
		return nil, ErrMissingAPIToken
	}
	var resp predictionResponse
	if err := c.do(ctx, http.MethodGet, "/predictions/"+id, nil, &resp); err != nil {
		return nil, err
	}
	return resp.toDomain(), nil
}

// CancelPrediction asks the service to cancel a prediction. It is
// fire-and-forget with respect to any polling loop: the loop observes the
// resulting canceled status on its next fetch.
func (c *Client) CancelPrediction(ctx context.Context, id string) (*domain.Prediction, error) {
	if !c.HasCredentials() {
		return nil, ErrMissingAPIToken
	}
	var resp predictionResponse
	if err := c.do(ctx, http.MethodPost, "/predictions/"+id+"/cancel", nil, &resp); err != nil {
		return nil, err
	}
	return resp.toDomain(), nil
}

// ModelVersion resolves the latest version id for the configured model,
// caching the result. A failed lookup degrades to the pinned fallback
// version rather than failing the submission.
func (c *Client) ModelVersion(ctx context.Context) string {
	c.mu.Lock()
	cached := c.cachedVersion
	c.mu.Unlock()
	if cached != "" {
		return cached
	}

	var resp modelResponse
	if err := c.do(ctx, http.MethodGet, "/models/"+c.model, nil, &resp); err != nil || resp.LatestVersion.ID == "" {
		c.logger.Warn().Err(err).Str("model", c.model).Msg("model version lookup failed, using fallback")
		return fallbackVersionID
	}

	c.mu.Lock()
	c.cachedVersion = resp.LatestVersion.ID
	c.mu.Unlock()
	return resp.LatestVersion.ID
}

// HealthStatus reports whether the generation backend is reachable.
type HealthStatus struct {
	Healthy    bool   `json:"healthy"`
	Model      string `json:"model"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Health performs a lightweight model-metadata fetch as a connectivity check.
func (c *Client) Health(ctx context.Context) HealthStatus {
	status := HealthStatus{Model: c.model}
	if !c.HasCredentials() {
		status.Error = ErrMissingAPIToken.Error()
		return status
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models/"+c.model, nil)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	status.StatusCode = resp.StatusCode
	status.Healthy = resp.StatusCode >= 200 && resp.StatusCode < 300
	return status
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("replicate: encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("replicate: build request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("replicate: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("replicate: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr errorResponse
		detail := resp.Status
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Detail != "" {
			detail = apiErr.Detail
		}
		return fmt.Errorf("replicate: %s %s: %d - %s", method, path, resp.StatusCode, detail)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("replicate: decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Token "+c.token)
	req.Header.Set("Content-Type", "application/json")
}

func (r *predictionResponse) toDomain() *domain.Prediction {
	pred := &domain.Prediction{
		ID:     r.ID,
		Status: domain.PredictionStatus(r.Status),
		Input:  r.Input,
		Error:  r.Error,
		Logs:   r.Logs,
		Output: decodeOutput(r.Output),
	}
	if t, err := time.Parse(time.RFC3339Nano, r.CreatedAt); err == nil {
		pred.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, r.CompletedAt); err == nil {
		pred.CompletedAt = t
	}
	return pred
}

// decodeOutput accepts both output shapes the API produces: a single URL
// string or an array of URLs.
func decodeOutput(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil && single != "" {
		return []string{single}
	}
	return nil
}
