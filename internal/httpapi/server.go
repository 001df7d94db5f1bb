package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/sirupsen/logrus"

	"github.com/Bhekie452/EngageHub-sub003/internal/actionsync"
)

const (
	scopeActionsWrite = "actions:write"
	scopeSyncRead     = "sync:read"
	scopeAdminSweep   = "admin:sweep"

	defaultListLimit = 50
	maxListLimit     = 500
)

type ServerConfig struct {
	JWTSecret       string
	JWTAudience     string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	StreamBuffer    int
	Logger          logrus.FieldLogger
	Now             func() time.Time
}

// Services are the sync components the API exposes. Sweeper and Events are
// optional; their routes answer 404 when unset.
type Services struct {
	Actions *actionsync.ActionHandler
	Ledger  actionsync.Ledger
	Sweeper *actionsync.Sweeper
	Events  *actionsync.Broadcaster
}

type Server struct {
	services     Services
	cfg          ServerConfig
	logger       logrus.FieldLogger
	rateLimiter  *rateLimiter
	actionSchema *jsonschema.Schema
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

type actionPayload struct {
	Action           string              `json:"action"`
	ExternalEntityID string              `json:"externalEntityId"`
	Platform         string              `json:"platform"`
	Metadata         actionsync.Metadata `json:"metadata"`
}

type intentList struct {
	Items []actionsync.SyncIntent `json:"items"`
}

func NewServer(services Services, cfg ServerConfig) (*Server, error) {
	if services.Actions == nil || services.Ledger == nil {
		return nil, fmt.Errorf("%w: server requires an action handler and a ledger", actionsync.ErrInvalidInput)
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.JWTAudience == "" {
		cfg.JWTAudience = "engagehub"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 32
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	schema, err := compileActionRequestSchema()
	if err != nil {
		return nil, err
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
		services:     services,
		cfg:          cfg,
		logger:       logger,
		rateLimiter:  limiter,
		actionSchema: schema,
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/admin/sync/sweep" && r.Method == http.MethodPost {
		s.handleAdminSweep(w, r, correlationID)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 5 || parts[0] != "v1" || parts[1] != "workspaces" || parts[2] == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	workspaceID := parts[2]

	var requiredScope string
	var route string
	switch {
	case len(parts) == 6 && parts[3] == "posts" && parts[4] != "" && parts[5] == "actions" && r.Method == http.MethodPost:
		requiredScope = scopeActionsWrite
		route = "record_action"
	case len(parts) == 5 && parts[3] == "sync" && parts[4] == "intents" && r.Method == http.MethodGet:
		requiredScope = scopeSyncRead
		route = "list_intents"
	case len(parts) == 6 && parts[3] == "sync" && parts[4] == "intents" && parts[5] != "" && r.Method == http.MethodGet:
		requiredScope = scopeSyncRead
		route = "get_intent"
	case len(parts) == 5 && parts[3] == "sync" && parts[4] == "stream" && r.Method == http.MethodGet:
		requiredScope = scopeSyncRead
		route = "stream"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	claims, authErr := authorizeBearer(bearerFromRequest(r), s.cfg.JWTSecret, s.cfg.JWTAudience, workspaceID, requiredScope, s.cfg.Now())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil && route != "stream" {
		key := workspaceID + "|" + claims.Subject
		if !s.rateLimiter.allow(key, s.cfg.Now()) {
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
	case "record_action":
		s.handleRecordAction(w, r, workspaceID, parts[4], claims, correlationID)
	case "list_intents":
		s.handleListIntents(w, r, workspaceID, correlationID)
	case "get_intent":
		s.handleGetIntent(w, r, workspaceID, parts[5], correlationID)
	case "stream":
		s.handleStream(w, r, workspaceID, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleRecordAction(w http.ResponseWriter, r *http.Request, workspaceID, postID string, claims tokenClaims, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	decodeErr, validationErr := validateJSON(s.actionSchema, body)
	if decodeErr != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if validationErr != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_payload", validationErr.Error(), correlationID)
		return
	}
	var payload actionPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}

	metadata := payload.Metadata.Clone()
	if claims.Name != "" {
		metadata[actionsync.MetadataActorName] = claims.Name
	}
	if claims.Email != "" {
		metadata[actionsync.MetadataActorEmail] = claims.Email
	}
	metadata[actionsync.MetadataCorrelationID] = correlationID

	result, err := s.services.Actions.RecordAction(r.Context(), actionsync.ActionRequest{
		WorkspaceID:      workspaceID,
		UserID:           claims.Subject,
		PostID:           postID,
		Action:           payload.Action,
		ExternalEntityID: payload.ExternalEntityID,
		Platform:         payload.Platform,
		Metadata:         metadata,
	})
	if err != nil {
		if errors.Is(err, actionsync.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		s.logger.WithError(err).WithFields(logrus.Fields{
			"workspace_id":   workspaceID,
			"post_id":        postID,
			"correlation_id": correlationID,
		}).Error("record action failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to record action", correlationID)
		return
	}
	status := http.StatusOK
	if result.SyncError != "" {
		// recorded locally; the sweeper owns further attempts
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

func (s *Server) handleListIntents(w http.ResponseWriter, r *http.Request, workspaceID, correlationID string) {
	query := r.URL.Query()
	limit, err := parseOptionalBoundedInt(query.Get("limit"), defaultListLimit, 1, maxListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer", correlationID)
		return
	}
	intents, err := s.services.Ledger.ListIntents(r.Context(), actionsync.IntentFilter{
		WorkspaceID: workspaceID,
		Status:      actionsync.IntentStatus(strings.TrimSpace(query.Get("status"))),
		Limit:       limit,
	})
	if err != nil {
		s.writeLedgerError(w, err, correlationID)
		return
	}
	if intents == nil {
		intents = []actionsync.SyncIntent{}
	}
	writeJSON(w, http.StatusOK, intentList{Items: intents})
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request, workspaceID, intentID, correlationID string) {
	intent, err := s.services.Ledger.GetIntent(r.Context(), intentID)
	if err != nil {
		s.writeLedgerError(w, err, correlationID)
		return
	}
	if intent.WorkspaceID != workspaceID {
		// intents from other workspaces are indistinguishable from missing ones
		writeError(w, http.StatusNotFound, "not_found", "intent not found", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

func (s *Server) handleAdminSweep(w http.ResponseWriter, r *http.Request, correlationID string) {
	if _, authErr := authorizeBearer(bearerFromRequest(r), s.cfg.JWTSecret, s.cfg.JWTAudience, "", scopeAdminSweep, s.cfg.Now()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.services.Sweeper == nil {
		writeError(w, http.StatusNotFound, "not_found", "sweeper not configured", correlationID)
		return
	}
	result, err := s.services.Sweeper.Sweep(r.Context())
	if err != nil {
		s.logger.WithError(err).WithField("correlation_id", correlationID).Error("manual sweep failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "sweep failed", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) writeLedgerError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, actionsync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "intent not found", correlationID)
	case errors.Is(err, actionsync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	default:
		s.logger.WithError(err).WithField("correlation_id", correlationID).Error("ledger query failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "ledger query failed", correlationID)
	}
}

// getCorrelationID returns the caller's X-Correlation-Id or a fresh one.
func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
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

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < min {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	if parsed > max {
		return max, nil
	}
	return parsed, nil
}
