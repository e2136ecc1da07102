package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
)

// ErrNotFound is returned for unknown service names.
var ErrNotFound = errors.New("not found")

// Client talks to the control API of a running streamctl supervisor
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:3100/api",
		Timeout: 30 * time.Second,
	}
}

// New creates a new control API client
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the supervisor is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Supervisor unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode != http.StatusNotFound
}

// Start starts one service, or all of them when name is empty.
func (c *Client) Start(ctx context.Context, name string) (ActionResult, error) {
	var res ActionResult
	err := c.do(ctx, http.MethodPost, c.endpoint("/start", name), &res, http.StatusConflict)
	return res, err
}

// Stop stops one service, or all of them when name is empty.
func (c *Client) Stop(ctx context.Context, name string) (ActionResult, error) {
	var res ActionResult
	err := c.do(ctx, http.MethodPost, c.endpoint("/stop", name), &res, http.StatusConflict)
	return res, err
}

// Statuses returns every declared service after a health refresh.
func (c *Client) Statuses(ctx context.Context) ([]ServiceStatus, error) {
	var sts []ServiceStatus
	err := c.do(ctx, http.MethodGet, c.endpoint("/status", ""), &sts)
	return sts, err
}

// Status returns one service after a health refresh.
func (c *Client) Status(ctx context.Context, name string) (ServiceStatus, error) {
	var st ServiceStatus
	err := c.do(ctx, http.MethodGet, c.endpoint("/status", name), &st)
	return st, err
}

// Health probes every running service.
func (c *Client) Health(ctx context.Context) (HealthReport, error) {
	var h HealthReport
	err := c.do(ctx, http.MethodGet, c.endpoint("/health", ""), &h)
	return h, err
}

func (c *Client) endpoint(path, name string) string {
	u := c.baseURL + path
	if name != "" {
		u += "?name=" + url.QueryEscape(name)
	}
	return u
}

// do performs the request and decodes a 200 (or any of accept) body into out.
func (c *Client) do(ctx context.Context, method, u string, out any, accept ...int) error {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", u)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	ok := resp.StatusCode == http.StatusOK
	for _, code := range accept {
		if resp.StatusCode == code {
			ok = true
		}
	}
	if !ok {
		return c.handleErrorResponse(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var errorResp ErrorResponse
	if err := json.Unmarshal(body, &errorResp); err != nil || errorResp.Error == "" {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, errorResp.Error)
	}
	return fmt.Errorf("API error: %s", errorResp.Error)
}
