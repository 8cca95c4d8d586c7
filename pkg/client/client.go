package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"
)

// ErrNotFound is returned when the API reports 404, e.g. stopping a
// channel that is not recording.
var ErrNotFound = errors.New("not found")

// Client talks to the streamwatch HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	CACert   string       // PEM file trusted in addition to system roots
	Insecure bool         // Skip TLS verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8090/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a client. A CA certificate that cannot be loaded is an error.
func New(config Config) (*Client, error) {
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

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.Insecure || config.CACert != "" {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// Status returns the monitor's last published snapshot.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var s Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &s)
	return s, err
}

// Recordings lists held recording sessions.
func (c *Client) Recordings(ctx context.Context) ([]Recording, error) {
	var out []Recording
	err := c.do(ctx, http.MethodGet, "/recordings", nil, &out)
	return out, err
}

// StopRecording asks the monitor to stop recording name.
func (c *Client) StopRecording(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/recordings/"+url.PathEscape(name)+"/stop", nil, nil)
}

// Pause suspends polling for d, or until Resume when d is zero.
func (c *Client) Pause(ctx context.Context, d time.Duration) error {
	q := url.Values{}
	if d > 0 {
		q.Set("duration", d.String())
	}
	return c.do(ctx, http.MethodPost, "/control/pause", q, nil)
}

func (c *Client) Resume(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/control/resume", nil, nil)
}

// Shutdown asks the monitor to stop all recordings and exit.
func (c *Client) Shutdown(ctx context.Context, reason string) error {
	q := url.Values{}
	if reason != "" {
		q.Set("reason", reason)
	}
	return c.do(ctx, http.MethodPost, "/control/stop", q, nil)
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		// #nosec G402 explicit opt-in for self-signed development certificates
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	caCert, err := os.ReadFile(config.CACert)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

// do performs a request and decodes a JSON body into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
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

	if resp.StatusCode >= 300 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, errorResp.Error)
	}
	return fmt.Errorf("API error: %s", errorResp.Error)
}
