package api

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

	"github.com/hashicorp/go-retryablehttp"
)

// APIError is a non-2xx response from a remote service
type APIError struct {
	Service    string
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s %s: status %d: %s", e.Service, e.Method, e.Path, e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from a remote service
func IsNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

// IsValidation reports whether the remote rejected the request body
func IsValidation(err error) bool {
	return hasStatus(err, http.StatusBadRequest, http.StatusUnprocessableEntity)
}

// IsAuth reports whether the remote refused our credentials
func IsAuth(err error) bool {
	return hasStatus(err, http.StatusUnauthorized, http.StatusForbidden)
}

func hasStatus(err error, codes ...int) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, c := range codes {
		if apiErr.StatusCode == c {
			return true
		}
	}
	return false
}

// restClient is a JSON-over-HTTP client with retries on 429 and 5xx
type restClient struct {
	service   string
	baseURL   string
	http      *retryablehttp.Client
	authorize func(*http.Request)
}

func newRESTClient(service, baseURL string, base *http.Client) *restClient {
	rc := retryablehttp.NewClient()
	if base != nil {
		rc.HTTPClient = base
	}
	rc.RetryMax = 4
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 30 * time.Second
	rc.Logger = retryLogger{service: service}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &restClient{
		service: service,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    rc,
	}
}

// do sends a request and decodes a JSON response into out, when non-nil.
func (c *restClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", c.service, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", c.service, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authorize != nil {
		c.authorize(req.Request)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s %s: %w", c.service, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{
			Service:    c.service,
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response for %s: %w", c.service, path, err)
	}
	return nil
}

// retryLogger adapts slog to retryablehttp.LeveledLogger, demoting its
// per-attempt chatter to DEBUG
type retryLogger struct {
	service string
}

func (l retryLogger) Error(msg string, kv ...any) {
	slog.Warn(msg, append([]any{"service", l.service}, kv...)...)
}

func (l retryLogger) Info(msg string, kv ...any) {
	slog.Debug(msg, append([]any{"service", l.service}, kv...)...)
}

func (l retryLogger) Debug(msg string, kv ...any) {
	slog.Debug(msg, append([]any{"service", l.service}, kv...)...)
}

func (l retryLogger) Warn(msg string, kv ...any) {
	slog.Warn(msg, append([]any{"service", l.service}, kv...)...)
}
