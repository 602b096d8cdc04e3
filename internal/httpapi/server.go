package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/praxisworks/vaultsync/internal/vaultsync"
)

type ServerConfig struct {
	JWTSecret          string
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
}

type Server struct {
	manager            *vaultsync.Manager
	controller         *vaultsync.Controller
	cfg                ServerConfig
	rateLimiter        *rateLimiter
	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(manager *vaultsync.Manager, controller *vaultsync.Controller) *Server {
	return NewServerWithConfig(manager, controller, ServerConfig{})
}

func NewServerWithConfig(manager *vaultsync.Manager, controller *vaultsync.Controller, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.InternalHMACSecret == "" {
		cfg.InternalHMACSecret = "dev-internal-secret"
	}
	if cfg.InternalMaxSkew == 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		manager:            manager,
		controller:         controller,
		cfg:                cfg,
		rateLimiter:        limiter,
		internalReplaySeen: map[string]time.Time{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		s.handleHealth(w, r)
		return
	}
	if r.URL.Path == "/dashboard" && r.Method == http.MethodGet {
		s.handleDashboard(w, r)
		return
	}
	if r.URL.Path == "/v1/internal/ingest" && r.Method == http.MethodPost {
		s.handleInternalIngest(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "classify" && r.Method == http.MethodPost:
		requiredScope = "documents:read"
		route = "classify"
	case len(parts) == 2 && parts[1] == "documents" && r.Method == http.MethodPost:
		requiredScope = "documents:write"
		route = "ingest"
	case len(parts) == 3 && parts[1] == "documents" && r.Method == http.MethodGet:
		requiredScope = "documents:read"
		route = "get_document"
	case len(parts) == 3 && parts[1] == "documents" && r.Method == http.MethodPatch:
		requiredScope = "documents:write"
		route = "update_document"
	case len(parts) == 4 && parts[1] == "documents" && parts[3] == "sync" && r.Method == http.MethodPost:
		requiredScope = "sync:trigger"
		route = "submit_sync"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "query-metadata" && r.Method == http.MethodPost:
		requiredScope = "sync:trigger"
		route = "sync_query_metadata"
	case len(parts) == 2 && parts[1] == "operations" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "operations"
	case len(parts) == 3 && parts[1] == "operations" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "operation"
	case len(parts) == 2 && parts[1] == "conflicts" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "conflicts"
	case len(parts) == 4 && parts[1] == "conflicts" && parts[3] == "resolve" && r.Method == http.MethodPost:
		requiredScope = "sync:manage"
		route = "resolve_conflict"
	case len(parts) == 2 && parts[1] == "statistics" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "statistics"
	case len(parts) == 2 && parts[1] == "mode" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "get_mode"
	case len(parts) == 2 && parts[1] == "mode" && r.Method == http.MethodPut:
		requiredScope = "sync:manage"
		route = "set_mode"
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "events"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(claims.OperatorName, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "classify":
		s.handleClassify(w, r, correlationID)
	case "ingest":
		s.handleIngest(w, r, correlationID)
	case "get_document":
		s.handleGetDocument(w, r, parts[2], correlationID)
	case "update_document":
		s.handleUpdateDocument(w, r, parts[2], correlationID)
	case "submit_sync":
		s.handleSubmitSync(w, r, parts[2], correlationID)
	case "sync_query_metadata":
		s.handleSyncQueryMetadata(w, r, correlationID)
	case "operations":
		s.handleOperations(w, r, correlationID)
	case "operation":
		s.handleOperation(w, parts[2], correlationID)
	case "conflicts":
		s.handleConflicts(w, r, correlationID)
	case "resolve_conflict":
		s.handleResolveConflict(w, r, parts[2], correlationID)
	case "statistics":
		writeJSON(w, http.StatusOK, s.manager.Statistics())
	case "get_mode":
		s.handleGetMode(w)
	case "set_mode":
		s.handleSetMode(w, r, correlationID)
	case "events":
		s.handleEvents(w, r, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":     "ok",
		"queueDepth": s.manager.QueueDepth(),
	}
	if s.controller != nil {
		state := s.controller.State()
		resp["state"] = state
		resp["mode"] = s.controller.Mode()
		if state == vaultsync.StateDegraded {
			resp["status"] = "degraded"
		}
		if state == vaultsync.StateShutdown {
			resp["status"] = "shutting_down"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req struct {
		Content  string                     `json:"content"`
		Metadata vaultsync.DocumentMetadata `json:"metadata"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	result, err := s.manager.ClassifyContent(req.Content, req.Metadata)
	if err != nil {
		// The fail-closed result is still returned; the caller sees both
		// the local-only verdict and the reason.
		writeJSON(w, http.StatusOK, map[string]any{
			"classification": result,
			"error":          err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"classification": result})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req vaultsync.IngestRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	doc, err := s.manager.IngestDocument(req)
	if err != nil {
		s.writeManagerError(w, err, correlationID)
		return
	}
	doc.RawContent = ""
	writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleInternalIngest(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := time.Now().UTC()
	timestamp := r.Header.Get("X-Internal-Timestamp")
	signature := r.Header.Get("X-Internal-Signature")
	if authErr := verifyInternalHMAC(s.cfg.InternalHMACSecret, timestamp, signature, body, now, s.cfg.InternalMaxSkew); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markInternalReplaySeen(timestamp, signature, now) {
		writeError(w, http.StatusConflict, "replay_detected", "internal request already processed", correlationID)
		return
	}
	var req vaultsync.IngestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	doc, err := s.manager.IngestDocument(req)
	if err != nil {
		s.writeManagerError(w, err, correlationID)
		return
	}
	// The watch agent follows ingest with a sync submission for anything
	// the classifier allows off-premises.
	autoSync := strings.EqualFold(r.URL.Query().Get("sync"), "true")
	resp := map[string]any{
		"documentId":     doc.ID,
		"classification": doc.Classification,
		"localVersion":   doc.LocalVersion,
	}
	if autoSync {
		result, syncErr := s.manager.SubmitSync(r.Context(), doc.ID)
		if syncErr != nil {
			resp["syncError"] = syncErr.Error()
		} else {
			resp["sync"] = result
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request, documentID, correlationID string) {
	includeContent := parseBool(r.URL.Query().Get("content"), false)
	if s.controller != nil {
		resp, err := s.controller.ProcessQuery(r.Context(), vaultsync.QueryRequest{
			DocumentID:     documentID,
			IncludeContent: includeContent,
		})
		if err != nil {
			s.writeManagerError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}
	doc, err := s.manager.GetDocument(documentID)
	if err != nil {
		s.writeManagerError(w, err, correlationID)
		return
	}
	if !includeContent {
		doc.RawContent = ""
	}
	writeJSON(w, http.StatusOK, vaultsync.QueryResponse{Document: doc, ServedFrom: "local"})
}

func (s *Server) handleUpdateDocument(w http.ResponseWriter, r *http.Request, documentID, correlationID string) {
	var changes vaultsync.DocumentChanges
	if !s.decodeJSONBody(w, r, correlationID, &changes) {
		return
	}
	doc, err := s.manager.UpdateDocument(documentID, changes)
	if err != nil {
		s.writeManagerError(w, err, correlationID)
		return
	}
	doc.RawContent = ""
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleSubmitSync(w http.ResponseWriter, r *http.Request, documentID, correlationID string) {
	result, err := s.manager.SubmitSync(r.Context(), documentID)
	if err != nil {
		s.writeManagerError(w, err, correlationID)
		return
	}
	status := http.StatusAccepted
	if result.Skipped {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (s *Server) handleSyncQueryMetadata(w http.ResponseWriter, r *http.Request, correlationID string) {
	var rec vaultsync.QueryAuditRecord
	if !s.decodeJSONBody(w, r, correlationID, &rec) {
		return
	}
	result, err := s.manager.SyncQueryMetadata(r.Context(), rec)
	if err != nil {
		s.writeManagerError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request, correlationID string) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 500)
	feed, err := s.manager.Operations(r.URL.Query().Get("cursor"), limit)
	if err != nil {
		s.writeManagerError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, feed)
}

func (s *Server) handleOperation(w http.ResponseWriter, opID, correlationID string) {
	op, err := s.manager.GetOperation(opID)
	if err != nil {
		s.writeManagerError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request, correlationID string) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 500)
	feed, err := s.manager.Conflicts(r.URL.Query().Get("cursor"), limit)
	if err != nil {
		s.writeManagerError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, feed)
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request, conflictID, correlationID string) {
	var req struct {
		Resolution vaultsync.ConflictResolution `json:"resolution"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	record, err := s.manager.ResolveConflict(conflictID, req.Resolution)
	if err != nil {
		s.writeManagerError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleGetMode(w http.ResponseWriter) {
	if s.controller == nil {
		writeJSON(w, http.StatusOK, map[string]any{"mode": vaultsync.ModeLocalOnly})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":            s.controller.Mode(),
		"state":           s.controller.State(),
		"securityContext": s.controller.SecurityContext(),
	})
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.controller == nil {
		writeError(w, http.StatusConflict, "invalid_state", "no deployment controller attached", correlationID)
		return
	}
	var req struct {
		Mode string `json:"mode"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	mode, err := vaultsync.ParseDeploymentMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	if err := s.controller.SetMode(mode); err != nil {
		s.writeManagerError(w, err, correlationID)
		return
	}
	s.handleGetMode(w)
}

func (s *Server) writeManagerError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, vaultsync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, vaultsync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, vaultsync.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error(), correlationID)
	case errors.Is(err, vaultsync.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
	case errors.Is(err, vaultsync.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", err.Error(), correlationID)
	case errors.Is(err, vaultsync.ErrVersionConflict):
		writeError(w, http.StatusConflict, "version_conflict", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (s *Server) markInternalReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.InternalMaxSkew
	if window <= 0 {
		window = 5 * time.Minute
	}
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.internalReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.internalReplaySeen[key] = now.Add(window)
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func parseBool(raw string, fallback bool) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return parsed
}
