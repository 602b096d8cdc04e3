package vaultsync

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
)

// CloudAccessTokenProvider supplies the bearer token for cloud store calls.
type CloudAccessTokenProvider func(ctx context.Context) (string, error)

type CloudHTTPClientOptions struct {
	BaseURL       string
	TokenProvider CloudAccessTokenProvider
	HTTPClient    *http.Client
	UserAgent     string
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
}

// HTTPCloudStore talks to a remote replica over HTTPS. Transient failures
// (429, 5xx, transport errors) are retried with capped backoff, honoring
// Retry-After when the server sends one.
type HTTPCloudStore struct {
	baseURL       string
	tokenProvider CloudAccessTokenProvider
	httpClient    *http.Client
	userAgent     string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
}

func NewHTTPCloudStore(opts CloudHTTPClientOptions) *HTTPCloudStore {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8090"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
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
	return &HTTPCloudStore{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
	}
}

func (c *HTTPCloudStore) Push(ctx context.Context, req PushRequest) (PushAck, error) {
	var ack PushAck
	err := c.doJSON(ctx, http.MethodPost, "/v1/replica/changesets", req, &ack)
	if err != nil {
		return PushAck{}, &StorageError{Kind: StorageCloud, Op: "push", Cause: err}
	}
	return ack, nil
}

func (c *HTTPCloudStore) Abort(ctx context.Context, documentID, operationID string) error {
	path := fmt.Sprintf("/v1/replica/changesets/%s/%s",
		url.PathEscape(documentID), url.PathEscape(operationID))
	if err := c.doJSON(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return &StorageError{Kind: StorageCloud, Op: "abort", Cause: err}
	}
	return nil
}

func (c *HTTPCloudStore) RemoteVersion(ctx context.Context, documentID string) (string, error) {
	var out struct {
		Version string `json:"version"`
	}
	path := "/v1/replica/versions/" + url.PathEscape(documentID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", &StorageError{Kind: StorageCloud, Op: "version", Cause: err}
	}
	return out.Version, nil
}

func (c *HTTPCloudStore) Healthy(ctx context.Context) error {
	if err := c.doJSON(ctx, http.MethodGet, "/health", nil, nil); err != nil {
		return &StorageError{Kind: StorageCloud, Op: "health", Cause: err}
	}
	return nil
}

func (c *HTTPCloudStore) doJSON(ctx context.Context, method, path string, body, out any) error {
	if c == nil {
		return fmt.Errorf("cloud http client is nil")
	}
	token := ""
	if c.tokenProvider != nil {
		provided, err := c.tokenProvider(ctx)
		if err != nil {
			return err
		}
		token = strings.TrimSpace(provided)
	}
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
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
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			return json.Unmarshal(respBody, out)
		}
		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		errMessage := strings.TrimSpace(string(respBody))
		var parsed struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &parsed) == nil && parsed.Message != "" {
			errMessage = parsed.Message
		}
		if parsed.Code != "" {
			return fmt.Errorf("cloud store call failed: status=%d code=%s message=%s", resp.StatusCode, parsed.Code, errMessage)
		}
		return fmt.Errorf("cloud store call failed: status=%d message=%s", resp.StatusCode, errMessage)
	}
}

func (c *HTTPCloudStore) retryDelay(attempt int, retryAfterHeader string) time.Duration {
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
