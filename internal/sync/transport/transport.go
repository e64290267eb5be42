// Package transport executes queued requests against the backend and
// classifies failures as retryable network errors or terminal rejections.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
)

// Result is the outcome of a successful request.
type Result struct {
	StatusCode int             `json:"status_code"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Transport delivers one request. Failures must be classifiable with
// errors.IsNetwork and errors.IsBusiness.
type Transport interface {
	Execute(ctx context.Context, method, endpoint string, body json.RawMessage) (*Result, error)
}

// Func adapts a function to Transport.
type Func func(ctx context.Context, method, endpoint string, body json.RawMessage) (*Result, error)

func (f Func) Execute(ctx context.Context, method, endpoint string, body json.RawMessage) (*Result, error) {
	return f(ctx, method, endpoint, body)
}

// TokenSource supplies the bearer token sent with each request. An empty
// token sends no Authorization header.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StatusError is the non-2xx response behind a classified failure.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server responded %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("server responded %d: %s", e.StatusCode, e.Message)
}

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 10 << 20

// Option customizes an HTTPTransport.
type Option func(*HTTPTransport)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *HTTPTransport) { t.client = c }
}

// WithTokenSource enables bearer authentication.
func WithTokenSource(ts TokenSource) Option {
	return func(t *HTTPTransport) { t.tokens = ts }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(t *HTTPTransport) { t.userAgent = ua }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(t *HTTPTransport) { t.log = l }
}

// HTTPTransport sends requests to a JSON HTTP API rooted at a base URL.
type HTTPTransport struct {
	baseURL   string
	client    *http.Client
	tokens    TokenSource
	userAgent string
	log       *logging.Logger
}

// NewHTTPTransport creates a transport for baseURL. Per-attempt deadlines
// come from the context passed to Execute.
func NewHTTPTransport(baseURL string, opts ...Option) (*HTTPTransport, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, apperrors.New(apperrors.ErrConfigInvalid, fmt.Sprintf("invalid api base url %q", baseURL))
	}

	t := &HTTPTransport{
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{},
		userAgent: "offlinesync/1.0",
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.log == nil {
		t.log = logging.Get().Component("transport")
	}
	return t, nil
}

// Execute sends the request and returns the decoded response on 2xx.
func (t *HTTPTransport) Execute(ctx context.Context, method, endpoint string, body json.RawMessage) (*Result, error) {
	target := t.resolve(endpoint)

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "failed to build request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", t.userAgent)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if t.tokens != nil {
		token, err := t.tokens.Token(ctx)
		if err != nil {
			// A missing credential may be restored; keep the request queued.
			return nil, apperrors.Wrap(apperrors.ErrNetwork, "credential unavailable", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}

	t.log.Debug("Request completed", map[string]interface{}{
		"method":      method,
		"endpoint":    endpoint,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &Result{StatusCode: resp.StatusCode, Data: asJSON(payload)}, nil
	}
	return nil, classifyStatus(resp.StatusCode, payload)
}

func (t *HTTPTransport) resolve(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	return t.baseURL + "/" + strings.TrimLeft(endpoint, "/")
}

func classifyTransportError(ctx context.Context, err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.ErrSyncTimeout, "request timed out", err)
	}
	var urlErr *url.Error
	if stderrors.As(err, &urlErr) && urlErr.Timeout() {
		return apperrors.Wrap(apperrors.ErrSyncTimeout, "request timed out", err)
	}
	return apperrors.Wrap(apperrors.ErrNetwork, "request failed", err)
}

// classifyStatus maps a non-2xx response onto the error taxonomy: 408, 429
// and 5xx are transient; any other status is a terminal rejection.
func classifyStatus(status int, payload []byte) error {
	se := &StatusError{StatusCode: status, Message: serverMessage(payload)}

	switch {
	case status == http.StatusRequestTimeout:
		return apperrors.Wrap(apperrors.ErrSyncTimeout, "server timed out", se)
	case status == http.StatusTooManyRequests || status >= 500:
		return apperrors.Wrap(apperrors.ErrNetwork, "server unavailable", se)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return apperrors.Wrap(apperrors.ErrValidation, "request rejected as invalid", se)
	default:
		return apperrors.Wrap(apperrors.ErrBusinessRejected, "request rejected", se)
	}
}

// serverMessage extracts a human-readable message from an error body.
func serverMessage(payload []byte) string {
	var body struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(payload, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		var s string
		if json.Unmarshal(body.Error, &s) == nil && s != "" {
			return s
		}
		var nested struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body.Error, &nested) == nil && nested.Message != "" {
			return nested.Message
		}
	}

	text := strings.TrimSpace(string(payload))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}

// asJSON returns payload as JSON, quoting it as a string when the server
// sent something else.
func asJSON(payload []byte) json.RawMessage {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil
	}
	if json.Valid(payload) {
		return json.RawMessage(payload)
	}
	quoted, _ := json.Marshal(string(payload))
	return quoted
}
