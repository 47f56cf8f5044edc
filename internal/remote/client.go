// Package remote is the HTTP client for the farm backend. Every
// resource type shares the same REST shape: POST to create, PUT by
// server id to upsert, DELETE by server id, GET to list or search.
package remote

import (
	"bytes"
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
	"unicode/utf8"

	"github.com/alexjbarnes/farm-sync/internal/models"
	"github.com/tidwall/gjson"
)

const (
	// httpClientTimeout is the timeout for the default HTTP client.
	// Only the health probe uses a shorter, caller supplied deadline.
	httpClientTimeout = 30 * time.Second

	// maxResponseBytes caps response body reads.
	maxResponseBytes = 4 * 1024 * 1024

	// maxErrorBodyLen is how much of an error body ends up in messages.
	maxErrorBodyLen = 256
)

// TransientError wraps a network level failure that is safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// APIError is a non-2xx response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s returned status %d", e.Method, e.Path, e.StatusCode)
	}

	return fmt.Sprintf("%s %s returned status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Retryable reports whether the status indicates a temporary condition.
func (e *APIError) Retryable() bool {
	return isTransientStatus(e.StatusCode)
}

// IsRetryable reports whether err is worth retrying after a backoff.
// Network errors, timeouts, 408, 425, 429 and 5xx are retryable. Other
// 4xx responses and malformed success bodies are permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Retryable()
	}

	return errors.Is(err, context.DeadlineExceeded)
}

func isTransientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooEarly,
		http.StatusTooManyRequests:
		return true
	}

	return code >= http.StatusInternalServerError
}

// Entity is the minimal shape returned by a name search.
type Entity struct {
	ID   string
	Name string
}

// Client talks to the farm backend REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *slog.Logger
}

// NewClient creates an API client. If httpClient is nil, a client with
// a 30-second timeout is used.
func NewClient(baseURL, apiKey string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpClientTimeout}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		logger:     logger.With(slog.String("component", "remote")),
	}
}

// BaseURL returns the API root the client was built with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health probes GET /health without credentials. The caller bounds it
// with a context deadline.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/health", nil, false)
	return err
}

// Create POSTs a new entity and returns the server assigned id from
// {"data":{"id":...}}.
func (c *Client) Create(ctx context.Context, resource models.Resource, body []byte) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/"+string(resource), body, true)
	if err != nil {
		return "", err
	}

	id := gjson.GetBytes(resp, "data.id")
	if !id.Exists() {
		id = gjson.GetBytes(resp, "id")
	}

	if !id.Exists() || id.String() == "" {
		return "", fmt.Errorf("create %s: response has no id", resource)
	}

	return id.String(), nil
}

// Update PUTs the full entity to /{resource}/{serverID}.
func (c *Client) Update(ctx context.Context, resource models.Resource, serverID string, body []byte) error {
	_, err := c.do(ctx, http.MethodPut, "/"+string(resource)+"/"+url.PathEscape(serverID), body, true)
	return err
}

// Delete removes /{resource}/{serverID}. A 404 counts as success since
// the entity is already gone.
func (c *Client) Delete(ctx context.Context, resource models.Resource, serverID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/"+string(resource)+"/"+url.PathEscape(serverID), nil, true)

	var ae *APIError
	if errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound {
		return nil
	}

	return err
}

// List returns remote items of a resource, optionally only those
// changed since the given time. Both a bare JSON array and a
// {"data":[...]} envelope are accepted.
func (c *Client) List(ctx context.Context, resource models.Resource, since *time.Time) ([]json.RawMessage, error) {
	path := "/" + string(resource)
	if since != nil {
		path += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
	}

	resp, err := c.do(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return nil, err
	}

	return items(resp, path)
}

// Search looks up entities by name. nameField is the JSON field the
// server reports the name in.
func (c *Client) Search(ctx context.Context, resource models.Resource, nameField, name string) ([]Entity, error) {
	path := "/" + string(resource) + "?name=" + url.QueryEscape(name)

	resp, err := c.do(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return nil, err
	}

	raw, err := items(resp, path)
	if err != nil {
		return nil, err
	}

	out := make([]Entity, 0, len(raw))
	for _, item := range raw {
		id := gjson.GetBytes(item, "id").String()
		if id == "" {
			continue
		}

		out = append(out, Entity{ID: id, Name: gjson.GetBytes(item, nameField).String()})
	}

	return out, nil
}

func items(resp []byte, path string) ([]json.RawMessage, error) {
	if !gjson.ValidBytes(resp) {
		return nil, fmt.Errorf("decoding response from %s: invalid JSON", path)
	}

	list := gjson.ParseBytes(resp)
	if !list.IsArray() {
		list = list.Get("data")
	}

	if !list.IsArray() {
		return nil, fmt.Errorf("decoding response from %s: expected array", path)
	}

	arr := list.Array()
	out := make([]json.RawMessage, 0, len(arr))

	for _, item := range arr {
		out = append(out, json.RawMessage(item.Raw))
	}

	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, authed bool) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if authed && c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return nil, &TransientError{Err: fmt.Errorf("%s %s: %w", method, path, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("reading response from %s: %w", path, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debug("request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
		)

		return nil, &APIError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       sanitizeResponseBody(respBody),
		}
	}

	return respBody, nil
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Non-printable characters are replaced
// to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	if len(body) > maxErrorBodyLen {
		body = body[:maxErrorBodyLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return strings.TrimSpace(string(clean))
}
