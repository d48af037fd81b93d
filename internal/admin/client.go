package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/bc-dunia/preforkd/internal/otel"
	"github.com/bc-dunia/preforkd/internal/types"
)

const maxResponseBodyBytes = 1 << 20

// ClientConfig configures the admin client. Zero-value retry fields get
// defaults from DefaultClientConfig.
type ClientConfig struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL:    baseURL,
		Timeout:    10 * time.Second,
		MaxRetries: 3,
		Backoff:    200 * time.Millisecond,
		MaxBackoff: 2 * time.Second,
	}
}

// Client talks to the admin API with capped exponential backoff on
// transport errors, and on 5xx replies for read endpoints. Used by
// preforkctl and the e2e suite.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	defaults := DefaultClientConfig(cfg.BaseURL)
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaults.Backoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaults.MaxBackoff
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// APIError is a non-2xx admin reply, decoded from the ErrorResponse body
// when one was sent.
type APIError struct {
	StatusCode int
	Type       string
	Code       string
	Message    string
	Retryable  bool
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("admin API %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("admin API %d: %s", e.StatusCode, e.Message)
}

func (c *Client) Health(ctx context.Context) error {
	_, err := c.get(ctx, "/healthz", nil)
	return err
}

func (c *Client) Ready(ctx context.Context) (*ReadyResponse, error) {
	var out ReadyResponse
	if _, err := c.get(ctx, "/readyz", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Status(ctx context.Context) (*types.StatusResponse, error) {
	var out types.StatusResponse
	if _, err := c.get(ctx, "/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Workers(ctx context.Context) (*types.WorkersResponse, error) {
	var out types.WorkersResponse
	if _, err := c.get(ctx, "/workers", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Events(ctx context.Context, limit int) (*types.EventsResponse, error) {
	path := "/events"
	if limit > 0 {
		path = fmt.Sprintf("/events?limit=%d", limit)
	}
	var out types.EventsResponse
	if _, err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Metrics(ctx context.Context) (string, error) {
	data, err := c.do(ctx, http.MethodGet, "/metrics", nil, true)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Reload triggers a rolling reload and waits for it to finish. Not
// retried on 5xx: an aborted reload is a result, not a transient.
func (c *Client) Reload(ctx context.Context) (*types.ControlResponse, error) {
	data, err := c.do(ctx, http.MethodPost, "/control/reload", nil, false)
	if err != nil {
		return nil, err
	}
	var out types.ControlResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode reload response: %w", err)
	}
	return &out, nil
}

// Stop asks the daemon to shut down. Mode is "graceful" or "immediate";
// empty means graceful.
func (c *Client) Stop(ctx context.Context, mode string) (*types.ControlResponse, error) {
	var body interface{}
	if mode != "" {
		body = &types.StopRequest{Mode: mode}
	}
	data, err := c.do(ctx, http.MethodPost, "/control/stop", body, false)
	if err != nil {
		return nil, err
	}
	var out types.ControlResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode stop response: %w", err)
	}
	return &out, nil
}

func (c *Client) BaseURL() string {
	return c.cfg.BaseURL
}

func (c *Client) get(ctx context.Context, path string, out interface{}) ([]byte, error) {
	data, err := c.do(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return nil, err
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return nil, fmt.Errorf("failed to decode %s response: %w", path, err)
		}
	}
	return data, nil
}

// do runs the request with retries, returning the body on 2xx and an
// *APIError otherwise. Retries happen on transport errors always, and on
// 5xx only when retryOn5xx is set; each retry lands as an event on the
// caller's span.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, retryOn5xx bool) ([]byte, error) {
	url := c.cfg.BaseURL + path

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	span := trace.SpanFromContext(ctx)
	backoff := c.cfg.Backoff
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			otel.RecordRetry(span, attempt, retryReason(lastErr))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
				if backoff > c.cfg.MaxBackoff {
					backoff = c.cfg.MaxBackoff
				}
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.cfg.Token != "" {
			req.Header.Set("X-Admin-Token", c.cfg.Token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		data, err := readResponseBody(resp)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return data, nil
		}

		apiErr := decodeAPIError(resp.StatusCode, data)
		if resp.StatusCode >= 500 && retryOn5xx {
			lastErr = apiErr
			continue
		}
		return nil, apiErr
	}

	return nil, lastErr
}

func decodeAPIError(status int, data []byte) *APIError {
	var body ErrorResponse
	if err := json.Unmarshal(data, &body); err != nil || body.ErrorMessage == "" {
		return &APIError{StatusCode: status, Message: string(data)}
	}
	return &APIError{
		StatusCode: status,
		Type:       body.ErrorType,
		Code:       body.ErrorCode,
		Message:    body.ErrorMessage,
		Retryable:  body.Retryable,
	}
}

func retryReason(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("status_%d", apiErr.StatusCode)
	}
	if err != nil {
		return "transport_error"
	}
	return "unknown"
}

func readResponseBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
}
