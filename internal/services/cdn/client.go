package cdn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultHTTPTimeout = 120 * time.Second

// Config captures the runtime settings required to talk to the CDN.
type Config struct {
	BaseURL        string
	APIKey         string
	TimeoutSeconds int
}

// Client wraps the CDN publish API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient constructs a CDN client using the supplied configuration.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	client := &Client{
		cfg: Config{
			BaseURL:        strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
			APIKey:         strings.TrimSpace(cfg.APIKey),
			TimeoutSeconds: cfg.TimeoutSeconds,
		},
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.httpClient == nil {
		client.httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return client
}

// Object describes a published artifact.
type Object struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

type publishRequest struct {
	SourceRef string `json:"source_ref"`
}

type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("cdn request: http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// Upload publishes the artifact behind sourceRef under the given key and
// returns the object's public location.
func (c *Client) Upload(ctx context.Context, key, sourceRef string) (Object, error) {
	var obj Object
	key = strings.TrimSpace(key)
	sourceRef = strings.TrimSpace(sourceRef)
	if key == "" {
		return obj, errors.New("cdn upload: key required")
	}
	if sourceRef == "" {
		return obj, errors.New("cdn upload: source ref required")
	}
	if c.cfg.BaseURL == "" {
		return obj, errors.New("cdn upload: base url required")
	}

	endpoint, err := url.JoinPath(c.cfg.BaseURL, "objects", key)
	if err != nil {
		return obj, fmt.Errorf("cdn upload: build url: %w", err)
	}
	encoded, err := json.Marshal(publishRequest{SourceRef: sourceRef})
	if err != nil {
		return obj, fmt.Errorf("cdn upload: encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return obj, fmt.Errorf("cdn upload: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return obj, fmt.Errorf("cdn upload: http error: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return obj, fmt.Errorf("cdn upload: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return obj, &statusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if err := json.Unmarshal(body, &obj); err != nil {
		return obj, fmt.Errorf("cdn upload: decode response: %w", err)
	}
	if obj.URL == "" {
		obj.URL = c.PublicURL(key)
	}
	if obj.Key == "" {
		obj.Key = key
	}
	return obj, nil
}

// Exists reports whether the key was already published.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, errors.New("cdn exists: key required")
	}
	if c.cfg.BaseURL == "" {
		return false, errors.New("cdn exists: base url required")
	}
	endpoint, err := url.JoinPath(c.cfg.BaseURL, "objects", key)
	if err != nil {
		return false, fmt.Errorf("cdn exists: build url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("cdn exists: new request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("cdn exists: http error: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		return false, &statusError{StatusCode: resp.StatusCode}
	}
}

// PublicURL returns the canonical public location for a key. Used when a
// duplicate-checked upload is skipped and no publish response is available.
func (c *Client) PublicURL(key string) string {
	return c.cfg.BaseURL + "/objects/" + strings.TrimSpace(key)
}

// HealthCheck verifies the service is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.cfg.BaseURL == "" {
		return errors.New("cdn health: base url required")
	}
	endpoint, err := url.JoinPath(c.cfg.BaseURL, "health")
	if err != nil {
		return fmt.Errorf("cdn health: build url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("cdn health: new request: %w", err)
	}
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cdn health: http error: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return &statusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
}
