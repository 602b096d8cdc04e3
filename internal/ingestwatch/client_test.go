package ingestwatch

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/praxisworks/vaultsync/internal/vaultsync"
)

func fastClient(baseURL, secret string) *HTTPClient {
	c := NewHTTPClient(baseURL, secret, nil)
	c.baseDelay = time.Millisecond
	c.maxDelay = 5 * time.Millisecond
	return c
}

func TestIngestFileSignsRequest(t *testing.T) {
	const secret = "internal-secret"
	var (
		mu        sync.Mutex
		gotURL    string
		gotTS     string
		gotSig    string
		gotCorrID string
		gotBody   []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotURL = r.URL.String()
		gotTS = r.Header.Get("X-Internal-Timestamp")
		gotSig = r.Header.Get("X-Internal-Signature")
		gotCorrID = r.Header.Get("X-Correlation-Id")
		gotBody = body
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(IngestResponse{
			DocumentID:   "corp/msa.txt",
			LocalVersion: "lv_1",
		})
	}))
	defer server.Close()

	client := fastClient(server.URL, secret)
	resp, err := client.IngestFile(context.Background(), vaultsync.IngestRequest{
		DocumentID: "corp/msa.txt",
		Content:    "master services agreement",
		Metadata:   vaultsync.DocumentMetadata{ClientID: "client_a", PracticeArea: "corp"},
	}, true)
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}
	if resp.LocalVersion != "lv_1" {
		t.Fatalf("LocalVersion = %q, want lv_1", resp.LocalVersion)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotURL != "/v1/internal/ingest?sync=true" {
		t.Fatalf("url = %q, want /v1/internal/ingest?sync=true", gotURL)
	}
	if gotCorrID == "" {
		t.Fatal("request missing X-Correlation-Id")
	}
	if _, err := time.Parse(time.RFC3339Nano, gotTS); err != nil {
		t.Fatalf("timestamp %q is not RFC3339Nano: %v", gotTS, err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(gotTS))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(gotBody)
	if want := hex.EncodeToString(mac.Sum(nil)); gotSig != want {
		t.Fatalf("signature = %q, want %q", gotSig, want)
	}
}

func TestIngestFileRetriesTransientFailures(t *testing.T) {
	var (
		mu       sync.Mutex
		attempts int
		sigs     []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		sigs = append(sigs, r.Header.Get("X-Internal-Timestamp")+"|"+r.Header.Get("X-Internal-Signature"))
		mu.Unlock()
		switch n {
		case 1:
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(IngestResponse{DocumentID: "doc_1"})
		}
	}))
	defer server.Close()

	client := fastClient(server.URL, "secret")
	resp, err := client.IngestFile(context.Background(), vaultsync.IngestRequest{
		DocumentID: "doc_1",
		Content:    "hello",
	}, false)
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}
	if resp.DocumentID != "doc_1" {
		t.Fatalf("DocumentID = %q", resp.DocumentID)
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	// Each attempt must carry a fresh timestamp+signature pair or the
	// daemon's replay guard rejects the retry.
	seen := map[string]struct{}{}
	for _, sig := range sigs {
		if _, dup := seen[sig]; dup {
			t.Fatalf("reused timestamp+signature pair across retries: %q", sig)
		}
		seen[sig] = struct{}{}
	}
}

func TestIngestFileGivesUpAfterMaxRetries(t *testing.T) {
	var (
		mu       sync.Mutex
		attempts int
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "shutting_down", "message": "draining"})
	}))
	defer server.Close()

	client := fastClient(server.URL, "secret")
	client.maxRetries = 2
	_, err := client.IngestFile(context.Background(), vaultsync.IngestRequest{DocumentID: "doc_1"}, false)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("error = %v, want *HTTPError", err)
	}
	if httpErr.StatusCode != http.StatusServiceUnavailable || httpErr.Code != "shutting_down" {
		t.Fatalf("httpErr = %+v", httpErr)
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Fatalf("attempts = %d, want initial try plus 2 retries", attempts)
	}
}

func TestIngestFileDoesNotRetryClientErrors(t *testing.T) {
	var (
		mu       sync.Mutex
		attempts int
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "bad_request", "message": "missing document id"})
	}))
	defer server.Close()

	client := fastClient(server.URL, "secret")
	_, err := client.IngestFile(context.Background(), vaultsync.IngestRequest{}, false)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("error = %v, want *HTTPError", err)
	}
	if httpErr.Code != "bad_request" {
		t.Fatalf("code = %q, want bad_request", httpErr.Code)
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestIngestFileMapsReplayRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "replay_detected", "message": "internal request already processed"})
	}))
	defer server.Close()

	client := fastClient(server.URL, "secret")
	_, err := client.IngestFile(context.Background(), vaultsync.IngestRequest{DocumentID: "doc_1"}, false)
	if !errors.Is(err, ErrReplayRejected) {
		t.Fatalf("error = %v, want ErrReplayRejected", err)
	}
}

func TestIngestFileHonorsContextDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "secret", nil)
	client.maxDelay = 10 * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.IngestFile(ctx, vaultsync.IngestRequest{DocumentID: "doc_1"}, false)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("waited %v, context should have cut the backoff short", elapsed)
	}
}

func TestRetryDelay(t *testing.T) {
	client := NewHTTPClient("http://localhost", "secret", nil)

	if got := client.retryDelay(1, ""); got != 100*time.Millisecond {
		t.Fatalf("first delay = %v, want 100ms", got)
	}
	if got := client.retryDelay(2, ""); got != 200*time.Millisecond {
		t.Fatalf("second delay = %v, want 200ms", got)
	}
	if got := client.retryDelay(10, ""); got != client.maxDelay {
		t.Fatalf("late delay = %v, want cap %v", got, client.maxDelay)
	}
	if got := client.retryDelay(1, "1"); got != time.Second {
		t.Fatalf("Retry-After delay = %v, want 1s", got)
	}
	if got := client.retryDelay(1, "3600"); got != client.maxDelay {
		t.Fatalf("huge Retry-After = %v, want cap %v", got, client.maxDelay)
	}
	if got := client.retryDelay(1, "soon"); got != 100*time.Millisecond {
		t.Fatalf("garbage Retry-After = %v, want backoff fallback", got)
	}
}
