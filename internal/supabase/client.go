// Package supabase talks to a PostgREST endpoint: a query.Executor for the
// collections and an RPC call used by the shared rate limiter.
package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	svcerrors "github.com/R3E-Network/chat_layer/internal/errors"
)

// Config holds PostgREST client configuration.
type Config struct {
	// URL is the project URL (e.g. https://xxx.supabase.co); requests go to
	// URL + "/rest/v1".
	URL string
	// APIKey is sent as apikey and bearer token.
	APIKey  string
	Timeout time.Duration

	Retry   RetryConfig
	Breaker CircuitBreakerConfig

	// Transport overrides the base round tripper. Used by tests.
	Transport http.RoundTripper
}

// Client is a PostgREST client.
type Client struct {
	restURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *CircuitBreaker
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("APIKey is required")
	}
	base := strings.TrimRight(cfg.URL, "/")
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	next := cfg.Transport
	if next == nil {
		next = http.DefaultTransport
	}

	breaker := NewCircuitBreaker(cfg.Breaker)
	return &Client{
		restURL: base + "/rest/v1",
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: &resilientTransport{next: next, retry: cfg.Retry, breaker: breaker},
		},
		breaker: breaker,
	}, nil
}

// CircuitState returns the breaker state.
func (c *Client) CircuitState() CircuitState {
	return c.breaker.State()
}

// RPC calls a Postgres function and returns the raw response body.
func (c *Client) RPC(ctx context.Context, fn string, params interface{}) ([]byte, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	resp, err := c.request(ctx, http.MethodPost, c.restURL+"/rpc/"+url.PathEscape(fn), body, nil)
	if err != nil {
		return nil, err
	}
	if resp.status >= 400 {
		return nil, toServiceError("rpc "+fn, parseError(resp.body, resp.status))
	}
	return resp.body, nil
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (c *Client) request(ctx context.Context, method, rawURL string, body []byte, headers map[string]string) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

// Error is a PostgREST error body.
type Error struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	Hint       string `json:"hint,omitempty"`
	StatusCode int    `json:"status_code"`
}

func (e *Error) Error() string {
	if e.Details != "" {
		return e.Message + ": " + e.Details
	}
	return e.Message
}

func parseError(body []byte, statusCode int) *Error {
	if !gjson.ValidBytes(body) {
		return &Error{Code: "unknown", Message: strings.TrimSpace(string(body)), StatusCode: statusCode}
	}
	parsed := gjson.ParseBytes(body)
	msg := parsed.Get("message").String()
	if msg == "" {
		msg = parsed.Get("error").String()
	}
	if msg == "" {
		msg = http.StatusText(statusCode)
	}
	return &Error{
		Code:       parsed.Get("code").String(),
		Message:    msg,
		Details:    parsed.Get("details").String(),
		Hint:       parsed.Get("hint").String(),
		StatusCode: statusCode,
	}
}

// uniqueViolation is the Postgres SQLSTATE for a unique index violation.
const uniqueViolation = "23505"

func toServiceError(op string, e *Error) error {
	if e.Code == uniqueViolation || e.StatusCode == http.StatusConflict {
		return svcerrors.Conflict(op, e)
	}
	return svcerrors.Store(op, e)
}
