package gpu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPTimeout    = 60 * time.Second
	defaultPollInterval   = 2 * time.Second
	defaultRetryMaxDelay  = 10 * time.Second
	defaultRetryBaseDelay = 1 * time.Second
	defaultRetryAttempts  = 5
)

const (
	taskStatusQueued     = "queued"
	taskStatusProcessing = "processing"
	taskStatusCompleted  = "completed"
	taskStatusFailed     = "failed"
	taskStatusNotFound   = "not_found"
)

// Config captures the runtime settings required to talk to the inference
// service.
type Config struct {
	BaseURL             string
	TimeoutSeconds      int
	PollIntervalSeconds int
}

// Client wraps the asynchronous task API of the GPU inference service.
type Client struct {
	cfg        Config
	httpClient *http.Client

	pollInterval     time.Duration
	retryMaxAttempts int
	retryBaseDelay   time.Duration
	retryMaxDelay    time.Duration
	sleeper          func(time.Duration)
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

// WithRetryMaxAttempts overrides the default per-request retry count.
func WithRetryMaxAttempts(attempts int) Option {
	return func(c *Client) {
		c.retryMaxAttempts = attempts
	}
}

// WithRetryBackoff overrides the retry backoff delays.
func WithRetryBackoff(baseDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.retryBaseDelay = baseDelay
		c.retryMaxDelay = maxDelay
	}
}

// WithSleeper overrides how retry and poll sleeps are performed (useful for
// tests).
func WithSleeper(sleeper func(time.Duration)) Option {
	return func(c *Client) {
		c.sleeper = sleeper
	}
}

// WithPollInterval overrides the status poll interval.
func WithPollInterval(interval time.Duration) Option {
	return func(c *Client) {
		if interval > 0 {
			c.pollInterval = interval
		}
	}
}

// NewClient constructs an inference client using the supplied configuration.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	poll := defaultPollInterval
	if cfg.PollIntervalSeconds > 0 {
		poll = time.Duration(cfg.PollIntervalSeconds) * time.Second
	}
	client := &Client{
		cfg: Config{
			BaseURL:             strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
			TimeoutSeconds:      cfg.TimeoutSeconds,
			PollIntervalSeconds: cfg.PollIntervalSeconds,
		},
		httpClient:       &http.Client{Timeout: timeout},
		pollInterval:     poll,
		retryMaxAttempts: defaultRetryAttempts,
		retryBaseDelay:   defaultRetryBaseDelay,
		retryMaxDelay:    defaultRetryMaxDelay,
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.httpClient == nil {
		client.httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return client
}

// Task describes one unit of inference work. Inputs maps upstream stage
// names to the artifact references their runs produced; Params carries the
// stage-specific generation parameters verbatim. IdempotencyKey is stable
// across attempts so the service can discard a duplicate delivery of work
// it already holds; Priority lets the service order its own internal queue.
type Task struct {
	Operation      string            `json:"operation"`
	JobID          string            `json:"job_id"`
	Stage          string            `json:"stage"`
	IdempotencyKey string            `json:"idempotency_key"`
	Priority       string            `json:"priority,omitempty"`
	Topic          string            `json:"topic,omitempty"`
	Inputs         map[string]string `json:"inputs,omitempty"`
	Params         json.RawMessage   `json:"params,omitempty"`
}

// TaskFailedError reports a task the service accepted and then failed. It is
// terminal for this attempt; the pipeline's retry policy decides what
// happens next.
type TaskFailedError struct {
	TaskID  string
	Message string
}

func (e *TaskFailedError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "no failure detail reported"
	}
	return fmt.Sprintf("gpu task %s failed: %s", e.TaskID, msg)
}

type httpStatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("gpu request: http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// RequestRejected reports whether err is an HTTP rejection that replaying
// the same request cannot fix (a 4xx other than 408 and 429). Callers treat
// these as permanent rather than consuming retry attempts.
func RequestRejected(err error) bool {
	var statusErr *httpStatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	switch statusErr.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return statusErr.StatusCode >= http.StatusBadRequest && statusErr.StatusCode < http.StatusInternalServerError
}

type taskSubmitResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type taskStatusResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	URL    string `json:"url"`
	File   string `json:"file"`
	Error  string `json:"error"`
}

// resultRef returns the artifact reference the service recorded for a
// completed task. The service reports a served URL when it has one and a
// raw file path otherwise.
func (s taskStatusResponse) resultRef() string {
	if ref := strings.TrimSpace(s.URL); ref != "" {
		return ref
	}
	return strings.TrimSpace(s.File)
}

// Invoke enqueues the task and blocks until it reaches a terminal status,
// returning the artifact reference recorded by the service. The context
// bounds the whole call; the executor derives it from the stage timeout.
func (c *Client) Invoke(ctx context.Context, task Task) (string, error) {
	if strings.TrimSpace(task.Operation) == "" {
		return "", errors.New("gpu invoke: operation required")
	}
	if strings.TrimSpace(c.cfg.BaseURL) == "" {
		return "", errors.New("gpu invoke: base url required")
	}

	taskID, err := c.submit(ctx, task)
	if err != nil {
		return "", err
	}

	for {
		status, err := c.status(ctx, taskID)
		if err != nil {
			return "", err
		}
		switch status.Status {
		case taskStatusCompleted:
			ref := status.resultRef()
			if ref == "" {
				return "", fmt.Errorf("gpu task %s completed without a result reference", taskID)
			}
			return ref, nil
		case taskStatusFailed:
			return "", &TaskFailedError{TaskID: taskID, Message: status.Error}
		case taskStatusNotFound:
			// The service restarted and forgot the task. Fail the attempt;
			// the stage retry policy decides whether to resubmit.
			return "", fmt.Errorf("gpu task %s no longer known to the service", taskID)
		case taskStatusQueued, taskStatusProcessing:
			if err := c.sleep(ctx, c.pollInterval); err != nil {
				return "", err
			}
		default:
			return "", fmt.Errorf("gpu task %s reported unknown status %q", taskID, status.Status)
		}
	}
}

// HealthCheck verifies the service is reachable and reports itself ready.
func (c *Client) HealthCheck(ctx context.Context) error {
	if strings.TrimSpace(c.cfg.BaseURL) == "" {
		return errors.New("gpu health: base url required")
	}
	endpoint, err := url.JoinPath(c.cfg.BaseURL, "health")
	if err != nil {
		return fmt.Errorf("gpu health: build url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("gpu health: new request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gpu health: http error: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return &httpStatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return nil
}

func (c *Client) submit(ctx context.Context, task Task) (string, error) {
	// wait=false declines the service's synchronous mode; the caller polls.
	encoded, err := json.Marshal(struct {
		Task
		Wait bool `json:"wait"`
	}{Task: task})
	if err != nil {
		return "", fmt.Errorf("gpu submit: encode body: %w", err)
	}
	endpoint, err := url.JoinPath(c.cfg.BaseURL, "enqueue")
	if err != nil {
		return "", fmt.Errorf("gpu submit: build url: %w", err)
	}

	var submitted taskSubmitResponse
	err = c.doWithRetry(ctx, "gpu submit", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
		if err != nil {
			return fmt.Errorf("gpu submit: new request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		return c.decodeResponse(req, &submitted)
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(submitted.ID) == "" {
		return "", errors.New("gpu submit: service returned no task id")
	}
	return submitted.ID, nil
}

func (c *Client) status(ctx context.Context, taskID string) (taskStatusResponse, error) {
	var status taskStatusResponse
	endpoint, err := url.JoinPath(c.cfg.BaseURL, "status", taskID)
	if err != nil {
		return status, fmt.Errorf("gpu status: build url: %w", err)
	}
	err = c.doWithRetry(ctx, "gpu status", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("gpu status: new request: %w", err)
		}
		return c.decodeResponse(req, &status)
	})
	return status, err
}

func (c *Client) decodeResponse(req *http.Request, target any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gpu request: http error (timeout=%s): %w", c.timeoutDuration(), err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("gpu request: read body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		retryAfter, _ := parseRetryAfter(resp.Header.Get("Retry-After"))
		return &httpStatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			RetryAfter: retryAfter,
		}
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("gpu request: decode response: %w", err)
	}
	return nil
}

func (c *Client) doWithRetry(ctx context.Context, op string, call func(context.Context) error) error {
	attempts := c.retryAttempts()
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		err := call(ctx)
		if err == nil {
			return nil
		}

		delay, retry := c.retryDelay(ctx, err, attempt, attempts)
		if !retry {
			return err
		}
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
		lastErr = err
	}

	if lastErr == nil {
		lastErr = errors.New("unknown retry failure")
	}
	return fmt.Errorf("%s: failed after %d attempts: %w", op, attempts, lastErr)
}

func (c *Client) timeoutDuration() time.Duration {
	if c == nil || c.httpClient == nil {
		return defaultHTTPTimeout
	}
	if c.httpClient.Timeout <= 0 {
		return defaultHTTPTimeout
	}
	return c.httpClient.Timeout
}

func (c *Client) retryAttempts() int {
	if c == nil {
		return 1
	}
	if c.retryMaxAttempts <= 0 {
		return 1
	}
	return c.retryMaxAttempts
}

func (c *Client) retryDelay(ctx context.Context, err error, attempt, maxAttempts int) (time.Duration, bool) {
	if attempt >= maxAttempts {
		return 0, false
	}
	if err == nil {
		return 0, false
	}
	if ctx == nil || ctx.Err() != nil {
		return 0, false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 0, false
	}

	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusRequestTimeout,
			statusErr.StatusCode == http.StatusTooManyRequests,
			statusErr.StatusCode >= http.StatusInternalServerError:
			if statusErr.RetryAfter > 0 {
				return c.capDelay(statusErr.RetryAfter), true
			}
			return c.backoffDelay(attempt), true
		default:
			return 0, false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return c.backoffDelay(attempt), true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return c.backoffDelay(attempt), true
	}

	return 0, false
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	base := defaultRetryBaseDelay
	maxDelay := defaultRetryMaxDelay
	if c != nil {
		if c.retryBaseDelay >= 0 {
			base = c.retryBaseDelay
		}
		if c.retryMaxDelay > 0 {
			maxDelay = c.retryMaxDelay
		}
	}
	if base <= 0 {
		return 0
	}

	delay := base
	for i := 1; i < attempt; i++ {
		if delay > maxDelay/2 {
			delay = maxDelay
			break
		}
		delay *= 2
	}
	return c.capDelay(delay)
}

func (c *Client) capDelay(delay time.Duration) time.Duration {
	if delay < 0 {
		return 0
	}
	maxDelay := defaultRetryMaxDelay
	if c != nil && c.retryMaxDelay > 0 {
		maxDelay = c.retryMaxDelay
	}
	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}
	return delay
}

func (c *Client) sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	if ctx == nil {
		return errors.New("gpu retry: nil context")
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if c != nil && c.sleeper != nil {
		c.sleeper(delay)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		delay := time.Until(when)
		if delay < 0 {
			return 0, false
		}
		return delay, true
	}
	return 0, false
}
