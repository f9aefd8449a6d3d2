// Package remote is the HTTP JSON client for the Unforgotten backend. It
// lists records of one kind changed since a version cursor and pushes
// creates, updates and deletes. Transient failures are retried with
// exponential backoff; 4xx answers are returned immediately.
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
	"strconv"
	"strings"
	"time"

	"github.com/njoerd114/unforgotten/internal/backoff"
	"github.com/njoerd114/unforgotten/internal/model"
)

const (
	// defaultMaxAttempts is the number of tries per request.
	defaultMaxAttempts = 3

	defaultTimeout = 30 * time.Second
)

// Client is the backend contract used by the sync engine. The realtime
// service uses a separate WebSocket connection.
type Client interface {
	// List returns records of kind changed after version since. With an
	// empty accountID the backend scopes accounts and account_members to
	// the authenticated user.
	List(ctx context.Context, kind model.Kind, accountID string, since int64) (ListResult, error)
	Create(ctx context.Context, rec model.Record) (model.Record, error)
	Update(ctx context.Context, rec model.Record) (model.Record, error)
	// Delete is idempotent: deleting an unknown id is not an error.
	Delete(ctx context.Context, kind model.Kind, id string) error
}

// ListResult is the body of a list response.
type ListResult struct {
	Records []model.Record `json:"records"`

	// Version is the backend's current global version; the next pull uses
	// it as its cursor.
	Version int64 `json:"version"`
}

// Error is a non-2xx backend response.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Message)
}

// IsStatus reports whether err is an *Error with the given status.
func IsStatus(err error, status int) bool {
	var e *Error
	return errors.As(err, &e) && e.Status == status
}

// retryable reports whether a status is worth retrying.
func retryable(status int) bool {
	return status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}

// HTTPClient talks to the backend over HTTP.
type HTTPClient struct {
	baseURL string
	token   string
	hc      *http.Client
	retry   backoff.Policy
	logger  *slog.Logger
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.hc = hc }
}

// WithRetryPolicy replaces the backoff policy.
func WithRetryPolicy(p backoff.Policy) Option {
	return func(c *HTTPClient) { c.retry = p }
}

// New creates a client for the backend at baseURL authenticating with the
// bearer token.
func New(baseURL, token string, logger *slog.Logger, opts ...Option) (*HTTPClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid backend URL %q", baseURL)
	}
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		hc:      &http.Client{Timeout: defaultTimeout},
		retry:   backoff.Default,
		logger:  logger,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// List implements [Client].
func (c *HTTPClient) List(ctx context.Context, kind model.Kind, accountID string, since int64) (ListResult, error) {
	q := url.Values{}
	if accountID != "" {
		q.Set("account_id", accountID)
	}
	q.Set("since", strconv.FormatInt(since, 10))
	endpoint := fmt.Sprintf("%s/v1/%s?%s", c.baseURL, url.PathEscape(string(kind)), q.Encode())

	var res ListResult
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &res); err != nil {
		return ListResult{}, fmt.Errorf("listing %s since %d: %w", kind, since, err)
	}
	return res, nil
}

// Create implements [Client]. The backend treats a create for an id it
// already holds as success and returns the stored record.
func (c *HTTPClient) Create(ctx context.Context, rec model.Record) (model.Record, error) {
	endpoint := fmt.Sprintf("%s/v1/%s", c.baseURL, url.PathEscape(string(rec.Kind)))
	var out model.Record
	if err := c.do(ctx, http.MethodPost, endpoint, rec, &out); err != nil {
		return model.Record{}, fmt.Errorf("creating %s %s: %w", rec.Kind, rec.ID, err)
	}
	return out, nil
}

// Update implements [Client].
func (c *HTTPClient) Update(ctx context.Context, rec model.Record) (model.Record, error) {
	endpoint := fmt.Sprintf("%s/v1/%s/%s", c.baseURL, url.PathEscape(string(rec.Kind)), url.PathEscape(rec.ID))
	var out model.Record
	if err := c.do(ctx, http.MethodPut, endpoint, rec, &out); err != nil {
		return model.Record{}, fmt.Errorf("updating %s %s: %w", rec.Kind, rec.ID, err)
	}
	return out, nil
}

// Delete implements [Client].
func (c *HTTPClient) Delete(ctx context.Context, kind model.Kind, id string) error {
	endpoint := fmt.Sprintf("%s/v1/%s/%s", c.baseURL, url.PathEscape(string(kind)), url.PathEscape(id))
	err := c.do(ctx, http.MethodDelete, endpoint, nil, nil)
	if IsStatus(err, http.StatusNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deleting %s %s: %w", kind, id, err)
	}
	return nil
}

// Ping checks that the backend is reachable.
func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, c.baseURL+"/health", nil, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	return c.retry.Retry(ctx, defaultMaxAttempts, func() error {
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			c.logger.Debug("backend request failed", "method", method, "url", endpoint, "error", err)
			return fmt.Errorf("%w: %v", model.ErrNetwork, err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 300 {
			var msg struct {
				Error string `json:"error"`
			}
			_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&msg)
			apiErr := &Error{Status: resp.StatusCode, Message: msg.Error}
			if retryable(resp.StatusCode) {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}

		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %s %s: %v", model.ErrDecode, method, endpoint, err))
		}
		return nil
	})
}
