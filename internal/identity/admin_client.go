package identity

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

// Compile-time check that AdminClient implements Store.
var _ Store = (*AdminClient)(nil)

// Static errors for admin API operations.
var (
	// ErrBaseURLRequired is returned when the admin API URL is not provided.
	ErrBaseURLRequired = errors.New("identity: admin API URL is required")
	// ErrServiceKeyRequired is returned when the service key is not provided.
	ErrServiceKeyRequired = errors.New("identity: service key is required")
	// ErrServerError is returned when the server returns a 5xx status code.
	ErrServerError = errors.New("identity: server error")
	// ErrRateLimited is returned when the server returns a 429 status code.
	ErrRateLimited = errors.New("identity: rate limited")
	// ErrRequestFailed is returned when the request fails with a non-2xx status code.
	ErrRequestFailed = errors.New("identity: request failed")
)

// AdminClient talks to a GoTrue-compatible admin API
// (POST /admin/users, GET and DELETE /admin/users/{id}) with a service key.
type AdminClient struct {
	serviceKey  string
	baseURL     string
	httpClient  *http.Client
	maxRetries  int
	baseBackoff time.Duration
}

// AdminOption configures an AdminClient.
type AdminOption func(*AdminClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) AdminOption {
	return func(ac *AdminClient) {
		ac.httpClient = c
	}
}

// WithMaxRetries sets the maximum number of retries for transient failures.
func WithMaxRetries(n int) AdminOption {
	return func(ac *AdminClient) {
		ac.maxRetries = n
	}
}

// WithBaseBackoff sets the initial backoff duration for retries.
func WithBaseBackoff(d time.Duration) AdminOption {
	return func(ac *AdminClient) {
		ac.baseBackoff = d
	}
}

// NewAdminClient creates an admin API client rooted at baseURL, e.g.
// https://project.example.co/auth/v1.
func NewAdminClient(baseURL, serviceKey string, opts ...AdminOption) (*AdminClient, error) {
	if baseURL == "" {
		return nil, ErrBaseURLRequired
	}
	if serviceKey == "" {
		return nil, ErrServiceKeyRequired
	}

	c := &AdminClient{
		serviceKey:  serviceKey,
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		maxRetries:  3,
		baseBackoff: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type adminUser struct {
	ID           string            `json:"id"`
	Email        string            `json:"email"`
	CreatedAt    time.Time         `json:"created_at"`
	UserMetadata map[string]string `json:"user_metadata,omitempty"`
}

type createUserRequest struct {
	Email        string            `json:"email"`
	Password     string            `json:"password"`
	EmailConfirm bool              `json:"email_confirm"`
	UserMetadata map[string]string `json:"user_metadata,omitempty"`
}

type adminErrorBody struct {
	Code      any    `json:"code"`
	ErrorCode string `json:"error_code"`
	Msg       string `json:"msg"`
	Message   string `json:"message"`
}

// Create registers a confirmed user. A 422 reporting an existing
// registration maps to ErrEmailTaken.
func (c *AdminClient) Create(ctx context.Context, in NewIdentity) (Identity, error) {
	md := make(map[string]string, len(in.Metadata)+1)
	for k, v := range in.Metadata {
		md[k] = v
	}
	if in.Username != "" {
		md["username"] = in.Username
	}

	body, err := json.Marshal(createUserRequest{
		Email:        in.Email,
		Password:     in.Password,
		EmailConfirm: true,
		UserMetadata: md,
	})
	if err != nil {
		return Identity{}, fmt.Errorf("identity: marshal request: %w", err)
	}

	var user adminUser
	if err := c.doRequestWithRetry(ctx, http.MethodPost, c.baseURL+"/admin/users", body, &user, false); err != nil {
		return Identity{}, err
	}
	if user.ID == "" {
		return Identity{}, fmt.Errorf("%w: no user id returned", ErrRequestFailed)
	}
	return user.toIdentity(), nil
}

// Get fetches a user by id.
func (c *AdminClient) Get(ctx context.Context, id string) (Identity, error) {
	if id == "" {
		return Identity{}, ErrNotFound
	}
	var user adminUser
	if err := c.doRequestWithRetry(ctx, http.MethodGet, c.userURL(id), nil, &user, true); err != nil {
		return Identity{}, err
	}
	return user.toIdentity(), nil
}

// Delete removes a user by id.
func (c *AdminClient) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrNotFound
	}
	return c.doRequestWithRetry(ctx, http.MethodDelete, c.userURL(id), nil, nil, true)
}

func (c *AdminClient) userURL(id string) string {
	return c.baseURL + "/admin/users/" + url.PathEscape(id)
}

func (u adminUser) toIdentity() Identity {
	return Identity{
		ID:        u.ID,
		Email:     u.Email,
		Username:  u.UserMetadata["username"],
		CreatedAt: u.CreatedAt,
	}
}

// doRequestWithRetry performs an HTTP request with exponential backoff retry.
// A non-idempotent request is only retried on 429, where the server has
// not acted on it; a 5xx or transport error may follow a completed create.
func (c *AdminClient) doRequestWithRetry(ctx context.Context, method, url string, body []byte, result any, idempotent bool) error {
	var lastErr error
	backoff := c.baseBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("identity: context cancelled: %w", ctx.Err())
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := c.doRequest(ctx, method, url, body, result)
		if err == nil {
			return nil
		}
		if !isRetryable(err) || (!idempotent && !errors.Is(err, ErrRateLimited)) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("identity: max retries exceeded: %w", lastErr)
}

// doRequest performs a single HTTP request.
func (c *AdminClient) doRequest(ctx context.Context, method, url string, body []byte, result any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("identity: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	req.Header.Set("apikey", c.serviceKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &retryableError{err: fmt.Errorf("identity: request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &retryableError{err: fmt.Errorf("identity: read response: %w", err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 500:
		return &retryableError{err: fmt.Errorf("%w %d: %s", ErrServerError, resp.StatusCode, string(respBody))}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &retryableError{err: fmt.Errorf("%w: %s", ErrRateLimited, string(respBody))}
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case isEmailTaken(resp.StatusCode, respBody):
		return ErrEmailTaken
	default:
		return fmt.Errorf("%w with status %d: %s", ErrRequestFailed, resp.StatusCode, string(respBody))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("identity: unmarshal response: %w", err)
		}
	}
	return nil
}

// isEmailTaken recognises the admin API's duplicate-registration responses.
func isEmailTaken(status int, body []byte) bool {
	if status != http.StatusUnprocessableEntity && status != http.StatusConflict && status != http.StatusBadRequest {
		return false
	}
	var e adminErrorBody
	_ = json.Unmarshal(body, &e)
	if e.ErrorCode == "email_exists" || e.ErrorCode == "user_already_exists" {
		return true
	}
	msg := strings.ToLower(e.Msg + " " + e.Message)
	return strings.Contains(msg, "already been registered") || strings.Contains(msg, "already registered")
}

// retryableError wraps errors that should be retried.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

// isRetryable returns true if the error should be retried.
func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}
