// Package remoteapi implements the Remote Apply interface over the warehouse
// backend's HTTP API.
package remoteapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TokenProvider hands the client a session token per call. The session is an
// explicit collaborator, never ambient state the client re-initializes on its
// own.
type TokenProvider func(ctx context.Context) (string, error)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type ClientOptions struct {
	BaseURL       string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	UserAgent     string
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
}

// Client talks to the warehouse backend. Each call carries its own bounded
// timeout (via the injected http.Client) and retries only transport errors,
// 429s, and 5xx responses; a definitive non-success answer is returned as an
// *HTTPError without retry.
type Client struct {
	baseURL       string
	tokenProvider TokenProvider
	httpClient    *http.Client
	userAgent     string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8069"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &Client{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
	}
}

// ProbeURL is the endpoint the connectivity gate polls.
func (c *Client) ProbeURL() string {
	return c.baseURL + "/v1/ping"
}

func (c *Client) Validate(ctx context.Context, id string) (bool, error) {
	var out struct {
		OK bool `json:"ok"`
	}
	path := fmt.Sprintf("/v1/transfers/%s/validate", url.PathEscape(id))
	if err := c.doJSON(ctx, http.MethodPost, path, nil, nil, &out); err != nil {
		return false, err
	}
	return out.OK, nil
}

func (c *Client) Cancel(ctx context.Context, id string) (bool, error) {
	var out struct {
		OK bool `json:"ok"`
	}
	path := fmt.Sprintf("/v1/transfers/%s/cancel", url.PathEscape(id))
	if err := c.doJSON(ctx, http.MethodPost, path, nil, nil, &out); err != nil {
		return false, err
	}
	return out.OK, nil
}

func (c *Client) UpdateHeader(ctx context.Context, id string, fields map[string]any) (bool, error) {
	var out struct {
		OK bool `json:"ok"`
	}
	path := fmt.Sprintf("/v1/transfers/%s", url.PathEscape(id))
	if err := c.doJSON(ctx, http.MethodPatch, path, nil, fields, &out); err != nil {
		return false, err
	}
	return out.OK, nil
}

func (c *Client) UpdateLine(ctx context.Context, lineID string, fields map[string]any) (bool, error) {
	var out struct {
		OK bool `json:"ok"`
	}
	path := fmt.Sprintf("/v1/transfer-lines/%s", url.PathEscape(lineID))
	if err := c.doJSON(ctx, http.MethodPatch, path, nil, fields, &out); err != nil {
		return false, err
	}
	return out.OK, nil
}

// Create posts a new transfer draft. The idempotency token rides along so the
// backend can deduplicate a retry of an interrupted create.
func (c *Client) Create(ctx context.Context, payload map[string]any, token string) (int64, error) {
	var out struct {
		ID int64 `json:"id"`
	}
	headers := map[string]string{}
	if strings.TrimSpace(token) != "" {
		headers["Idempotency-Key"] = strings.TrimSpace(token)
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/transfers", headers, payload, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

func (c *Client) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) error {
	if c == nil {
		return fmt.Errorf("remoteapi client is nil")
	}
	if c.tokenProvider == nil {
		return fmt.Errorf("token provider is required")
	}
	token, err := c.tokenProvider(ctx)
	if err != nil {
		return err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("session token is empty")
	}
	var bodyBytes []byte
	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	correlation := "txb_" + uuid.NewString()

	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("X-Correlation-Id", correlation)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		message := errPayload.Message
		if message == "" {
			message = strings.TrimSpace(string(payloadBytes))
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    message,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
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
