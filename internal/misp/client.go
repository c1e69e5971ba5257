package misp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// ErrEventNotFound is returned when MISP has no event for the requested id.
var ErrEventNotFound = errors.New("MISP event not found")

// Client fetches events from a MISP instance.
type Client struct {
	config     ClientConfig
	apiKey     string
	httpClient *http.Client
}

// ClientConfig holds MISP connection settings.
type ClientConfig struct {
	BaseURL   string        `yaml:"base_url"`
	APIKeyEnv string        `yaml:"api_key_env"`
	VerifySSL bool          `yaml:"verify_ssl"`
	Timeout   time.Duration `yaml:"timeout"`
}

// DefaultClientConfig returns sensible defaults for MISP.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		APIKeyEnv: "MISP_API_KEY",
		VerifySSL: true,
		Timeout:   30 * time.Second,
	}
}

// NewClient creates a new MISP client. The API key is read from the
// environment variable named by APIKeyEnv.
func NewClient(config ClientConfig) (*Client, error) {
	apiKey := os.Getenv(config.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("MISP API key not found in env var: %s", config.APIKeyEnv)
	}

	if config.BaseURL == "" {
		return nil, fmt.Errorf("MISP base URL is required")
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !config.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for lab instances
	}

	return &Client{
		config: config,
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// HealthCheck verifies connectivity to MISP.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/servers/getVersion")
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("MISP health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("MISP returned status %d", resp.StatusCode)
	}

	return nil
}

// FetchEvent retrieves a full event (attributes, objects, galaxies, tags).
func (c *Client) FetchEvent(ctx context.Context, id string) (*Event, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/events/view/"+url.PathEscape(id))
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("MISP event fetch failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("MISP returned %d: %s", resp.StatusCode, string(body))
	}

	ev, err := Decode(resp.Body)
	if err != nil {
		return nil, err
	}
	if ev.UUID == "" {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	return ev, nil
}

// newRequest creates an authenticated MISP API request.
func (c *Client) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	endpoint := strings.TrimSuffix(c.config.BaseURL, "/") + path

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	return req, nil
}
