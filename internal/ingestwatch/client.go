package ingestwatch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/praxisworks/vaultsync/internal/vaultsync"
)

// ErrReplayRejected is returned when the daemon has already seen this
// signed request.
var ErrReplayRejected = errors.New("ingest request rejected as replay")

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("daemon request failed: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

// IngestResponse is what the daemon's internal ingest endpoint returns.
type IngestResponse struct {
	DocumentID     string                          `json:"documentId"`
	Classification *vaultsync.ClassificationResult `json:"classification"`
	LocalVersion   string                          `json:"localVersion"`
	Sync           *vaultsync.SyncResult           `json:"sync,omitempty"`
	SyncError      string                          `json:"syncError,omitempty"`
}

// DaemonClient is what the watcher needs from the sync daemon.
type DaemonClient interface {
	IngestFile(ctx context.Context, req vaultsync.IngestRequest, autoSync bool) (IngestResponse, error)
}

// HTTPClient signs each ingest with the shared internal HMAC secret.
// Transient failures (429, 5xx, transport errors) are retried with
// capped backoff honoring Retry-After.
type HTTPClient struct {
	baseURL    string
	hmacSecret string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, hmacSecret string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		hmacSecret: strings.TrimSpace(hmacSecret),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) IngestFile(ctx context.Context, req vaultsync.IngestRequest, autoSync bool) (IngestResponse, error) {
	path := "/v1/internal/ingest"
	if autoSync {
		path += "?sync=true"
	}
	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return IngestResponse{}, err
	}

	for attempt := 0; ; attempt++ {
		// Sign each attempt freshly; a reused timestamp+signature pair
		// trips the daemon's replay guard.
		timestamp := time.Now().UTC().Format(time.RFC3339Nano)
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(bodyBytes))
		if err != nil {
			return IngestResponse{}, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("X-Correlation-Id", correlationID())
		httpReq.Header.Set("X-Internal-Timestamp", timestamp)
		httpReq.Header.Set("X-Internal-Signature", c.sign(timestamp, bodyBytes))

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return IngestResponse{}, waitErr
				}
				continue
			}
			return IngestResponse{}, err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return IngestResponse{}, readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			var out IngestResponse
			if len(payloadBytes) > 0 {
				if err := json.Unmarshal(payloadBytes, &out); err != nil {
					return IngestResponse{}, err
				}
			}
			return out, nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return IngestResponse{}, waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		if resp.StatusCode == http.StatusConflict && errPayload.Code == "replay_detected" {
			return IngestResponse{}, ErrReplayRejected
		}
		return IngestResponse{}, &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPClient) sign(timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(c.hmacSecret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
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

func waitWithContext(ctx context.Context, delay time.Duration) error {
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

func correlationID() string {
	return fmt.Sprintf("watch_%d", time.Now().UnixNano())
}
