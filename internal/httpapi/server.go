package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chisabyte/PropozalApp-sub001/internal/propozal"
)

const (
	correlationHeader = "X-Correlation-Id"
	// Public telemetry is keyed by client address under this endpoint.
	publicEndpoint = "public"
)

type ServerConfig struct {
	JWTSecret          string
	JWTAudience        string
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	GenerationLimit    int
	GenerationWindow   time.Duration
	PublicLimit        int
	PublicWindow       time.Duration
	MaxBodyBytes       int64
	// TrustForwardedFor keys public rate limits on X-Forwarded-For.
	TrustForwardedFor bool
	Logger            *slog.Logger
	Now               func() time.Time
}

type Server struct {
	svc                *propozal.Service
	cfg                ServerConfig
	logger             *slog.Logger
	schemas            *schemaSet
	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
}

func NewServer(svc *propozal.Service) *Server {
	return NewServerWithConfig(svc, ServerConfig{})
}

func NewServerWithConfig(svc *propozal.Service, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.JWTAudience == "" {
		cfg.JWTAudience = "propozal"
	}
	if cfg.InternalHMACSecret == "" {
		cfg.InternalHMACSecret = "dev-internal-secret"
	}
	if cfg.InternalMaxSkew == 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.GenerationLimit <= 0 {
		cfg.GenerationLimit = 5
	}
	if cfg.GenerationWindow <= 0 {
		cfg.GenerationWindow = time.Minute
	}
	if cfg.PublicLimit < 0 {
		cfg.PublicLimit = 0
	}
	if cfg.PublicWindow <= 0 {
		cfg.PublicWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		svc:                svc,
		cfg:                cfg,
		logger:             logger.With("component", "httpapi"),
		schemas:            mustCompileSchemas(),
		internalReplaySeen: map[string]time.Time{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set(correlationHeader, correlationID)

	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"queueDepth": s.svc.Webhooks.QueueDepth(),
		})
		return
	}
	if r.URL.Path == "/v1/internal/proposals" && r.Method == http.MethodPost {
		s.handleInternalRegisterProposal(w, r, correlationID)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	// Unauthenticated routes hit by proposal recipients.
	switch {
	case len(parts) == 4 && parts[1] == "public" && parts[2] == "proposals" && r.Method == http.MethodGet:
		if s.allowPublic(w, r, correlationID) {
			s.handlePublicProposal(w, r, parts[3], correlationID)
		}
		return
	case len(parts) == 4 && parts[1] == "proposals" && parts[3] == "engagement" && r.Method == http.MethodPost:
		if s.allowPublic(w, r, correlationID) {
			s.handleRecordEngagement(w, r, parts[2], correlationID)
		}
		return
	}

	var route string
	switch {
	case len(parts) == 3 && parts[1] == "proposals" && r.Method == http.MethodGet:
		route = "proposal"
	case len(parts) == 4 && parts[1] == "proposals" && parts[3] == "status" && r.Method == http.MethodPatch:
		route = "transition"
	case len(parts) == 4 && parts[1] == "proposals" && parts[3] == "engagement" && r.Method == http.MethodGet:
		route = "engagement"
	case len(parts) == 5 && parts[1] == "proposals" && parts[3] == "engagement" && parts[4] == "sessions" && r.Method == http.MethodGet:
		route = "sessions"
	case len(parts) == 5 && parts[1] == "proposals" && parts[3] == "engagement" && parts[4] == "stream" && r.Method == http.MethodGet:
		route = "stream"
	case len(parts) == 2 && parts[1] == "analytics" && r.Method == http.MethodGet:
		route = "analytics"
	case len(parts) == 2 && parts[1] == "quota" && r.Method == http.MethodGet:
		route = "quota"
	case len(parts) == 3 && parts[1] == "generation" && parts[2] == "authorize" && r.Method == http.MethodPost:
		route = "authorize_generation"
	case len(parts) == 3 && parts[1] == "webhooks" && parts[2] == "subscription" && r.Method == http.MethodGet:
		route = "get_subscription"
	case len(parts) == 3 && parts[1] == "webhooks" && parts[2] == "subscription" && r.Method == http.MethodPut:
		route = "put_subscription"
	case len(parts) == 3 && parts[1] == "webhooks" && parts[2] == "test" && r.Method == http.MethodPost:
		route = "webhook_test"
	case len(parts) == 3 && parts[1] == "webhooks" && parts[2] == "deliveries" && r.Method == http.MethodGet:
		route = "webhook_deliveries"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	claims, authErr := parseBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, s.cfg.JWTAudience, s.cfg.Now())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	userID := claims.UserID

	switch route {
	case "proposal":
		s.handleGetProposal(w, r, userID, parts[2], correlationID)
	case "transition":
		s.handleTransition(w, r, userID, parts[2], correlationID)
	case "engagement":
		s.handleEngagementRollup(w, r, userID, parts[2], correlationID)
	case "sessions":
		s.handleEngagementSessions(w, r, userID, parts[2], correlationID)
	case "stream":
		s.handleEngagementStream(w, r, userID, parts[2], correlationID)
	case "analytics":
		s.handleAnalytics(w, r, userID, correlationID)
	case "quota":
		s.handleQuota(w, r, userID, correlationID)
	case "authorize_generation":
		s.handleAuthorizeGeneration(w, r, userID, correlationID)
	case "get_subscription":
		s.handleGetSubscription(w, r, userID, correlationID)
	case "put_subscription":
		s.handlePutSubscription(w, r, userID, correlationID)
	case "webhook_test":
		s.handleWebhookTest(w, r, userID, correlationID)
	case "webhook_deliveries":
		s.handleWebhookDeliveries(w, r, userID, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// allowPublic applies the per-address limit to unauthenticated routes. It
// fails open: telemetry must not break because the counter store is down.
func (s *Server) allowPublic(w http.ResponseWriter, r *http.Request, correlationID string) bool {
	if s.cfg.PublicLimit == 0 {
		return true
	}
	key := "ip:" + s.clientAddress(r)
	_, err := s.svc.Limiter.Enforce(r.Context(), key, publicEndpoint, s.cfg.PublicLimit, s.cfg.PublicWindow, propozal.FailOpen)
	if err == nil {
		return true
	}
	s.writeDomainError(w, r, err, correlationID)
	return false
}

func (s *Server) clientAddress(r *http.Request) string {
	if s.cfg.TrustForwardedFor {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			if addr := strings.TrimSpace(first); addr != "" {
				return addr
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// getCorrelationID echoes the caller's id or mints one.
func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(correlationHeader)); id != "" {
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

// decodeJSONBody reads the body, checks it against the named schema and
// unmarshals it into dst.
func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID, schema string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := s.schemas.validate(schema, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
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

func retryAfterSeconds(resetAt, now time.Time) int {
	seconds := int(math.Ceil(resetAt.Sub(now).Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return seconds
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
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// parseTimeRange reads since/until as RFC 3339. Empty ends are open.
func parseTimeRange(r *http.Request) (propozal.TimeRange, error) {
	var out propozal.TimeRange
	for _, field := range []struct {
		name string
		dst  *time.Time
	}{{"since", &out.Since}, {"until", &out.Until}} {
		raw := strings.TrimSpace(r.URL.Query().Get(field.name))
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return propozal.TimeRange{}, &propozal.ValidationError{Field: field.name, Message: "must be an RFC 3339 timestamp"}
		}
		*field.dst = t
	}
	if !out.Since.IsZero() && !out.Until.IsZero() && out.Until.Before(out.Since) {
		return propozal.TimeRange{}, &propozal.ValidationError{Field: "until", Message: "must not be before since"}
	}
	return out, nil
}
