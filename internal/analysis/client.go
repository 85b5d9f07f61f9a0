package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// maxResponseBodySize caps how much of a backend response is read (4MB).
const maxResponseBodySize = 4 << 20

// Client calls the analysis backend. Every call is attempted exactly once.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientConfig holds configuration for the client.
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a new analysis client.
func NewClient(cfg ClientConfig, opts ...Option) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("analysis base URL cannot be empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	c := &Client{
		baseURL:    base,
		httpClient: &http.Client{Timeout: timeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// FollowUp asks the backend for follow-up questions about query.
func (c *Client) FollowUp(ctx context.Context, query string) (*FollowUp, error) {
	var resp generateResponse
	if err := c.post(ctx, GeneratePath, generateRequest{Query: query}, &resp); err != nil {
		return nil, err
	}

	out, err := resp.normalize(query)
	if err != nil {
		return nil, &RequestError{Endpoint: GeneratePath, Err: err}
	}

	c.logger.Debug("Follow-up questions received",
		"question_count", len(out.Questions),
		"candidate_count", len(out.Candidates),
	)
	return out, nil
}

// Diagnose sends the collected interview and returns the result text.
func (c *Client) Diagnose(ctx context.Context, req DiagnosisRequest) (string, error) {
	if req.Candidates == nil {
		req.Candidates = map[string]string{}
	}
	if req.FollowUpQuestions == nil {
		req.FollowUpQuestions = []string{}
	}
	if req.UserFollowupResponse == nil {
		req.UserFollowupResponse = []string{}
	}

	var resp analyzeResponse
	if err := c.post(ctx, AnalyzePath, req, &resp); err != nil {
		return "", err
	}

	text, err := resp.text()
	if err != nil {
		return "", &RequestError{Endpoint: AnalyzePath, Err: err}
	}
	return text, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &RequestError{Endpoint: path, Err: fmt.Errorf("encode request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &RequestError{Endpoint: path, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RequestError{Endpoint: path, Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close analysis response body", "endpoint", path, "error", closeErr)
		}
	}()

	c.logger.Debug("Analysis request completed",
		"endpoint", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBodySize))
		return &RequestError{Endpoint: path, StatusCode: resp.StatusCode}
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBodySize)).Decode(out); err != nil {
		return &RequestError{Endpoint: path, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
