package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/praxisworks/vaultsync/internal/vaultsync"
)

const (
	testJWTSecret      = "test-jwt-secret"
	testInternalSecret = "test-internal-secret"

	routineBody    = "Standard invoice template v2"
	privilegedBody = "CONFIDENTIAL ATTORNEY-CLIENT memorandum outlining litigation strategy for the pending matter."
)

func newTestServer(t *testing.T, cfg ServerConfig) (*Server, *vaultsync.Manager) {
	t.Helper()
	manager, err := vaultsync.NewManagerWithOptions(vaultsync.ManagerOptions{
		CloudStore:     vaultsync.NewMemoryCloudStore(),
		DisableWorkers: true,
		SyncTimeout:    2 * time.Second,
		Retry:          vaultsync.RetryConfig{MaxAttempts: 1},
	})
	if err != nil {
		t.Fatalf("NewManagerWithOptions: %v", err)
	}
	controller, err := vaultsync.NewController(vaultsync.ControllerOptions{
		Mode:              vaultsync.ModeHybridCloud,
		Manager:           manager,
		CloudStore:        vaultsync.NewMemoryCloudStore(),
		DisableHealthLoop: true,
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	if err := controller.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = controller.Shutdown(ctx)
	})

	if cfg.JWTSecret == "" {
		cfg.JWTSecret = testJWTSecret
	}
	if cfg.InternalHMACSecret == "" {
		cfg.InternalHMACSecret = testInternalSecret
	}
	return NewServerWithConfig(manager, controller, cfg), manager
}

func mintToken(t *testing.T, secret, operator string, scopes []string, exp time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payloadBytes, err := json.Marshal(map[string]any{
		"operator_name": operator,
		"scopes":        scopes,
		"aud":           "vaultsync",
		"exp":           exp.Unix(),
	})
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	signingInput := header + "." + base64.RawURLEncoding.EncodeToString(payloadBytes)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

type apiRequest struct {
	method        string
	path          string
	body          string
	token         string
	correlationID string
	extraHeaders  map[string]string
}

func doRequest(t *testing.T, srv *Server, req apiRequest) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	httpReq := httptest.NewRequest(req.method, req.path, strings.NewReader(req.body))
	if req.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.token)
	}
	if req.correlationID != "" {
		httpReq.Header.Set("X-Correlation-Id", req.correlationID)
	}
	for k, v := range req.extraHeaders {
		httpReq.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httpReq)

	var parsed map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &parsed); err != nil {
			t.Fatalf("response is not a JSON object: %v\nbody: %s", err, rec.Body.String())
		}
	}
	return rec, parsed
}

func adminToken(t *testing.T) string {
	return mintToken(t, testJWTSecret, "alex", []string{
		"documents:read", "documents:write", "sync:trigger", "sync:read", "sync:manage",
	}, time.Now().Add(time.Hour))
}

func ingestDocument(t *testing.T, srv *Server, token, docID, content string) {
	t.Helper()
	body, _ := json.Marshal(vaultsync.IngestRequest{
		DocumentID: docID,
		Content:    content,
		Metadata:   vaultsync.DocumentMetadata{ClientID: "client_a"},
	})
	rec, parsed := doRequest(t, srv, apiRequest{
		method:        http.MethodPost,
		path:          "/v1/documents",
		body:          string(body),
		token:         token,
		correlationID: "req_ingest",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("ingest status = %d, want 201: %v", rec.Code, parsed)
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{})
	rec, parsed := doRequest(t, srv, apiRequest{method: http.MethodGet, path: "/health"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if parsed["status"] != "ok" {
		t.Fatalf("status field = %v, want ok", parsed["status"])
	}
	if parsed["state"] != string(vaultsync.StateReady) {
		t.Fatalf("state = %v, want READY", parsed["state"])
	}
}

func TestBearerTokenRequired(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{})

	rec, parsed := doRequest(t, srv, apiRequest{
		method: http.MethodGet, path: "/v1/statistics", correlationID: "req_1",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rec.Code)
	}
	if parsed["code"] != "unauthorized" {
		t.Fatalf("code = %v, want unauthorized", parsed["code"])
	}

	expired := mintToken(t, testJWTSecret, "alex", []string{"sync:read"}, time.Now().Add(-time.Minute))
	rec, _ = doRequest(t, srv, apiRequest{
		method: http.MethodGet, path: "/v1/statistics", token: expired, correlationID: "req_2",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expired token: status = %d, want 401", rec.Code)
	}

	wrongKey := mintToken(t, "other-secret", "alex", []string{"sync:read"}, time.Now().Add(time.Hour))
	rec, _ = doRequest(t, srv, apiRequest{
		method: http.MethodGet, path: "/v1/statistics", token: wrongKey, correlationID: "req_3",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("forged token: status = %d, want 401", rec.Code)
	}
}

func TestScopeEnforcement(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{})

	readOnly := mintToken(t, testJWTSecret, "alex", []string{"documents:read", "sync:read"}, time.Now().Add(time.Hour))
	rec, parsed := doRequest(t, srv, apiRequest{
		method:        http.MethodPost,
		path:          "/v1/documents",
		body:          `{"documentId":"doc_1","content":"hello","metadata":{"clientId":"client_a"}}`,
		token:         readOnly,
		correlationID: "req_1",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if parsed["code"] != "forbidden" {
		t.Fatalf("code = %v, want forbidden", parsed["code"])
	}
	if msg, _ := parsed["message"].(string); !strings.Contains(msg, "documents:write") {
		t.Fatalf("message should name the missing scope, got %q", msg)
	}

	rec, _ = doRequest(t, srv, apiRequest{
		method: http.MethodGet, path: "/v1/statistics", token: readOnly, correlationID: "req_2",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("granted scope: status = %d, want 200", rec.Code)
	}
}

func TestCorrelationIDRequired(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{})
	rec, parsed := doRequest(t, srv, apiRequest{
		method: http.MethodGet, path: "/v1/statistics", token: adminToken(t),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if msg, _ := parsed["message"].(string); !strings.Contains(msg, "X-Correlation-Id") {
		t.Fatalf("message = %q, want correlation header mention", msg)
	}
}

func TestRateLimitPerOperator(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{
		RateLimitMax:    2,
		RateLimitWindow: time.Minute,
	})
	token := adminToken(t)

	for i := 0; i < 2; i++ {
		rec, _ := doRequest(t, srv, apiRequest{
			method: http.MethodGet, path: "/v1/statistics", token: token, correlationID: "req_ok",
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, rec.Code)
		}
	}
	rec, parsed := doRequest(t, srv, apiRequest{
		method: http.MethodGet, path: "/v1/statistics", token: token, correlationID: "req_limited",
	})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if parsed["code"] != "rate_limited" {
		t.Fatalf("code = %v, want rate_limited", parsed["code"])
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("429 response missing Retry-After header")
	}

	// The window is keyed per operator, not globally.
	other := mintToken(t, testJWTSecret, "sam", []string{"sync:read"}, time.Now().Add(time.Hour))
	rec, _ = doRequest(t, srv, apiRequest{
		method: http.MethodGet, path: "/v1/statistics", token: other, correlationID: "req_other",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("other operator: status = %d, want 200", rec.Code)
	}
}

func TestClassifyEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{})
	token := adminToken(t)

	body, _ := json.Marshal(map[string]any{
		"content":  privilegedBody,
		"metadata": vaultsync.DocumentMetadata{ClientID: "client_a"},
	})
	rec, parsed := doRequest(t, srv, apiRequest{
		method: http.MethodPost, path: "/v1/classify", body: string(body),
		token: token, correlationID: "req_1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	classification, ok := parsed["classification"].(map[string]any)
	if !ok {
		t.Fatalf("missing classification object: %v", parsed)
	}
	if classification["strategy"] != string(vaultsync.StrategyLocalOnly) {
		t.Fatalf("strategy = %v, want LOCAL_ONLY", classification["strategy"])
	}

	// Classification errors fail closed but still answer 200 with the verdict.
	body, _ = json.Marshal(map[string]any{
		"content":  routineBody,
		"metadata": vaultsync.DocumentMetadata{ClientID: "client_a", Jurisdiction: "atlantis"},
	})
	rec, parsed = doRequest(t, srv, apiRequest{
		method: http.MethodPost, path: "/v1/classify", body: string(body),
		token: token, correlationID: "req_2",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("fail-closed status = %d, want 200", rec.Code)
	}
	if _, ok := parsed["error"]; !ok {
		t.Fatalf("fail-closed response should carry the error, got %v", parsed)
	}
	classification = parsed["classification"].(map[string]any)
	if classification["strategy"] != string(vaultsync.StrategyLocalOnly) {
		t.Fatalf("fail-closed strategy = %v, want LOCAL_ONLY", classification["strategy"])
	}
}

func TestIngestAndGetDocument(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{})
	token := adminToken(t)

	body, _ := json.Marshal(vaultsync.IngestRequest{
		DocumentID: "doc_invoice",
		Content:    routineBody,
		Metadata:   vaultsync.DocumentMetadata{ClientID: "client_a"},
	})
	rec, parsed := doRequest(t, srv, apiRequest{
		method: http.MethodPost, path: "/v1/documents", body: string(body),
		token: token, correlationID: "req_1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %v", rec.Code, parsed)
	}
	if _, ok := parsed["rawContent"]; ok {
		t.Fatal("ingest response must not echo raw content")
	}
	if parsed["localVersion"] != "lv_1" {
		t.Fatalf("localVersion = %v, want lv_1", parsed["localVersion"])
	}

	rec, parsed = doRequest(t, srv, apiRequest{
		method: http.MethodGet, path: "/v1/documents/doc_invoice",
		token: token, correlationID: "req_2",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", rec.Code)
	}
	doc, ok := parsed["document"].(map[string]any)
	if !ok {
		t.Fatalf("missing document in query response: %v", parsed)
	}
	if _, ok := doc["rawContent"]; ok {
		t.Fatal("query without content=true must strip raw content")
	}

	rec, parsed = doRequest(t, srv, apiRequest{
		method: http.MethodGet, path: "/v1/documents/doc_invoice?content=true",
		token: token, correlationID: "req_3",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("get with content: status = %d, want 200", rec.Code)
	}
	doc = parsed["document"].(map[string]any)
	if doc["rawContent"] != routineBody {
		t.Fatalf("rawContent = %v, want original content", doc["rawContent"])
	}
}

func TestErrorMapping(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{})
	token := adminToken(t)

	rec, parsed := doRequest(t, srv, apiRequest{
		method: http.MethodGet, path: "/v1/documents/doc_missing",
		token: token, correlationID: "req_1",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing doc: status = %d, want 404", rec.Code)
	}
	if parsed["code"] != "not_found" {
		t.Fatalf("code = %v, want not_found", parsed["code"])
	}
	if parsed["correlationId"] != "req_1" {
		t.Fatalf("correlationId = %v, want req_1", parsed["correlationId"])
	}

	rec, parsed = doRequest(t, srv, apiRequest{
		method: http.MethodPost, path: "/v1/documents", body: "{not json",
		token: token, correlationID: "req_2",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json: status = %d, want 400", rec.Code)
	}
	if parsed["code"] != "bad_request" {
		t.Fatalf("code = %v, want bad_request", parsed["code"])
	}

	rec, parsed = doRequest(t, srv, apiRequest{
		method: http.MethodGet, path: "/v1/nonsense",
		token: token, correlationID: "req_3",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown route: status = %d, want 404", rec.Code)
	}
	if parsed["code"] != "not_found" {
		t.Fatalf("code = %v, want not_found", parsed["code"])
	}
}

func TestBodySizeLimit(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{MaxBodyBytes: 64})
	rec, parsed := doRequest(t, srv, apiRequest{
		method:        http.MethodPost,
		path:          "/v1/classify",
		body:          `{"content":"` + strings.Repeat("x", 256) + `"}`,
		token:         adminToken(t),
		correlationID: "req_1",
	})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if parsed["code"] != "payload_too_large" {
		t.Fatalf("code = %v, want payload_too_large", parsed["code"])
	}
}

func TestSubmitSyncStatusCodes(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{})
	token := adminToken(t)

	ingestDocument(t, srv, token, "doc_routine", routineBody)
	ingestDocument(t, srv, token, "doc_privileged", privilegedBody)

	rec, parsed := doRequest(t, srv, apiRequest{
		method: http.MethodPost, path: "/v1/documents/doc_routine/sync",
		token: token, correlationID: "req_1",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("queued sync: status = %d, want 202: %v", rec.Code, parsed)
	}
	if opID, _ := parsed["operationId"].(string); opID == "" {
		t.Fatal("queued sync response missing operationId")
	}

	rec, parsed = doRequest(t, srv, apiRequest{
		method: http.MethodPost, path: "/v1/documents/doc_privileged/sync",
		token: token, correlationID: "req_2",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("skipped sync: status = %d, want 200: %v", rec.Code, parsed)
	}
	if skipped, _ := parsed["skipped"].(bool); !skipped {
		t.Fatalf("skipped = %v, want true", parsed["skipped"])
	}
}

func TestSyncQueryMetadataEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{})
	token := adminToken(t)

	rec, parsed := doRequest(t, srv, apiRequest{
		method:        http.MethodPost,
		path:          "/v1/sync/query-metadata",
		body:          `{"query":"find settlement drafts","response":"2 matches","userId":"user_7"}`,
		token:         token,
		correlationID: "req_1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %v", rec.Code, parsed)
	}
	if parsed["status"] != string(vaultsync.OpCommitted) {
		t.Fatalf("status = %v, want committed", parsed["status"])
	}

	rec, parsed = doRequest(t, srv, apiRequest{
		method:        http.MethodPost,
		path:          "/v1/sync/query-metadata",
		body:          `{"query":"find settlement drafts"}`,
		token:         token,
		correlationID: "req_2",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing user: status = %d, want 400: %v", rec.Code, parsed)
	}
}

func TestModeEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{})
	token := adminToken(t)

	rec, parsed := doRequest(t, srv, apiRequest{
		method: http.MethodGet, path: "/v1/mode",
		token: token, correlationID: "req_1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("get mode: status = %d, want 200", rec.Code)
	}
	if parsed["mode"] != string(vaultsync.ModeHybridCloud) {
		t.Fatalf("mode = %v, want HYBRID", parsed["mode"])
	}
	if parsed["state"] != string(vaultsync.StateReady) {
		t.Fatalf("state = %v, want READY", parsed["state"])
	}

	rec, parsed = doRequest(t, srv, apiRequest{
		method: http.MethodPut, path: "/v1/mode", body: `{"mode":"TURBO"}`,
		token: token, correlationID: "req_2",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad mode: status = %d, want 400: %v", rec.Code, parsed)
	}

	rec, parsed = doRequest(t, srv, apiRequest{
		method: http.MethodPut, path: "/v1/mode", body: `{"mode":"LOCAL_ONLY"}`,
		token: token, correlationID: "req_3",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("set mode: status = %d, want 200: %v", rec.Code, parsed)
	}
	if parsed["mode"] != string(vaultsync.ModeLocalOnly) {
		t.Fatalf("mode after set = %v, want LOCAL_ONLY", parsed["mode"])
	}
}

func signInternal(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func postInternalIngest(t *testing.T, srv *Server, timestamp, signature string, body []byte, query string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	httpReq := httptest.NewRequest(http.MethodPost, "/v1/internal/ingest"+query, bytes.NewReader(body))
	httpReq.Header.Set("X-Internal-Timestamp", timestamp)
	httpReq.Header.Set("X-Internal-Signature", signature)
	httpReq.Header.Set("X-Correlation-Id", "watch_1")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httpReq)

	var parsed map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &parsed); err != nil {
			t.Fatalf("response is not a JSON object: %v", err)
		}
	}
	return rec, parsed
}

func TestInternalIngestAcceptsSignedRequest(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{})
	body, _ := json.Marshal(vaultsync.IngestRequest{
		DocumentID: "corp/contracts/msa.txt",
		Content:    routineBody,
		Metadata:   vaultsync.DocumentMetadata{ClientID: "client_a", PracticeArea: "corp"},
	})
	timestamp := time.Now().UTC().Format(time.RFC3339Nano)

	rec, parsed := postInternalIngest(t, srv, timestamp, signInternal(testInternalSecret, timestamp, body), body, "?sync=true")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %v", rec.Code, parsed)
	}
	if parsed["documentId"] != "corp/contracts/msa.txt" {
		t.Fatalf("documentId = %v", parsed["documentId"])
	}
	if _, ok := parsed["sync"]; !ok {
		t.Fatalf("sync=true response missing sync result: %v", parsed)
	}
}

func TestInternalIngestRejectsReplay(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{})
	body, _ := json.Marshal(vaultsync.IngestRequest{
		DocumentID: "doc_replay",
		Content:    routineBody,
		Metadata:   vaultsync.DocumentMetadata{ClientID: "client_a"},
	})
	timestamp := time.Now().UTC().Format(time.RFC3339Nano)
	signature := signInternal(testInternalSecret, timestamp, body)

	rec, _ := postInternalIngest(t, srv, timestamp, signature, body, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("first request: status = %d, want 201", rec.Code)
	}
	rec, parsed := postInternalIngest(t, srv, timestamp, signature, body, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("replay: status = %d, want 409", rec.Code)
	}
	if parsed["code"] != "replay_detected" {
		t.Fatalf("code = %v, want replay_detected", parsed["code"])
	}
}

func TestInternalIngestRejectsBadAuth(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{InternalMaxSkew: time.Minute})
	body, _ := json.Marshal(vaultsync.IngestRequest{
		DocumentID: "doc_auth",
		Content:    routineBody,
		Metadata:   vaultsync.DocumentMetadata{ClientID: "client_a"},
	})

	stale := time.Now().UTC().Add(-10 * time.Minute).Format(time.RFC3339Nano)
	rec, _ := postInternalIngest(t, srv, stale, signInternal(testInternalSecret, stale, body), body, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("stale timestamp: status = %d, want 401", rec.Code)
	}

	fresh := time.Now().UTC().Format(time.RFC3339Nano)
	rec, _ = postInternalIngest(t, srv, fresh, signInternal("wrong-secret", fresh, body), body, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature: status = %d, want 401", rec.Code)
	}

	rec, _ = postInternalIngest(t, srv, fresh, "", body, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing signature: status = %d, want 401", rec.Code)
	}
}

func TestOperationsFeedOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{})
	token := adminToken(t)

	ingestDocument(t, srv, token, "doc_a", routineBody)
	rec, _ := doRequest(t, srv, apiRequest{
		method: http.MethodPost, path: "/v1/documents/doc_a/sync",
		token: token, correlationID: "req_1",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("sync status = %d, want 202", rec.Code)
	}

	rec, parsed := doRequest(t, srv, apiRequest{
		method: http.MethodGet, path: "/v1/operations?limit=10",
		token: token, correlationID: "req_2",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("operations status = %d, want 200", rec.Code)
	}
	items, ok := parsed["items"].([]any)
	if !ok || len(items) != 1 {
		t.Fatalf("items = %v, want one entry", parsed["items"])
	}

	rec, parsed = doRequest(t, srv, apiRequest{
		method: http.MethodGet, path: "/v1/operations?cursor=garbage",
		token: token, correlationID: "req_3",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad cursor status = %d, want 400: %v", rec.Code, parsed)
	}
}
