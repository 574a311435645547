package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL matches the daemon's default listen address and base path.
const DefaultBaseURL = "http://127.0.0.1:8089/api"

// Client provides HTTP client functionality to communicate with the stackbox daemon
type Client struct {
	baseURL string
	client  *http.Client
	stream  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration // per request; actions block for their whole verification budget
	Logger  *slog.Logger
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: time.Minute,
	}
}

// APIError is returned for non-2xx responses. Outcome is set when an action
// ran and failed.
type APIError struct {
	StatusCode int
	Message    string
	Outcome    *Outcome
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given HTTP status.
func IsStatus(err error, code int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == code
}

func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = time.Minute
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
		stream:  &http.Client{},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/services", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) Services(ctx context.Context) ([]ServiceInfo, error) {
	var out []ServiceInfo
	err := c.do(ctx, http.MethodGet, "/services", &out)
	return out, err
}

func (c *Client) Start(ctx context.Context, name string) (Outcome, error) {
	return c.action(ctx, name, "start")
}

func (c *Client) Stop(ctx context.Context, name string) (Outcome, error) {
	return c.action(ctx, name, "stop")
}

func (c *Client) Restart(ctx context.Context, name string) (Outcome, error) {
	return c.action(ctx, name, "restart")
}

func (c *Client) action(ctx context.Context, name, action string) (Outcome, error) {
	c.logger.Debug("requesting action", "service", name, "action", action)
	var resp actionResponse
	err := c.do(ctx, http.MethodPost, "/services/"+url.PathEscape(name)+"/"+action, &resp)
	if err != nil {
		var ae *APIError
		if errors.As(err, &ae) && ae.Outcome != nil {
			return *ae.Outcome, err
		}
		return Outcome{Service: name, Action: action}, err
	}
	return resp.Outcome, nil
}

// DeletePIDFile removes a stopped service's PID file.
// Abort cancels the start, stop or restart in flight on name and reports
// whether there was one.
func (c *Client) Abort(ctx context.Context, name string) (bool, error) {
	var resp abortResponse
	err := c.do(ctx, http.MethodPost, "/services/"+url.PathEscape(name)+"/abort", &resp)
	return resp.Aborted, err
}

func (c *Client) DeletePIDFile(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/services/"+url.PathEscape(name)+"/pidfile", nil)
}

// Status dets the monitored services now.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/status", &st)
	return st, err
}

// Shutdown asks the daemon to drain and exit. It returns once the drain has
// been accepted, with the daemon's lifecycle state at that moment.
func (c *Client) Shutdown(ctx context.Context) (string, error) {
	var resp shutdownResponse
	err := c.do(ctx, http.MethodPost, "/shutdown", &resp)
	return resp.State, err
}

// Watch follows the status stream and calls fn for every snapshot until ctx
// is done or the daemon closes the stream.
func (c *Client) Watch(ctx context.Context, fn func(Status)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status/stream", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var event, data string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if event == "status" && data != "" {
				var st Status
				if err := json.Unmarshal([]byte(data), &st); err != nil {
					return fmt.Errorf("decode status event: %w", err)
				}
				fn(st)
			}
			event, data = "", ""
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return sc.Err()
}

// do performs HTTP request with common error handling
func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: er.Error, Outcome: er.Outcome}
}
