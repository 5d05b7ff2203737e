package httpapi

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chisabyte/PropozalApp-sub001/internal/propozal"
)

type engagementEventRequest struct {
	EventType     string   `json:"event_type"`
	SessionID     string   `json:"session_id"`
	ScrollDepth   *float64 `json:"scroll_depth,omitempty"`
	TimeSpent     *float64 `json:"time_spent,omitempty"`
	SectionViewed string   `json:"section_viewed,omitempty"`
	DeviceType    string   `json:"device_type,omitempty"`
	Referrer      string   `json:"referrer,omitempty"`
	UserAgent     string   `json:"user_agent,omitempty"`
}

func (req engagementEventRequest) toEvent(proposalID, headerUserAgent string) propozal.EngagementEvent {
	e := propozal.EngagementEvent{
		ProposalID: proposalID,
		SessionID:  req.SessionID,
		Type:       propozal.EventType(req.EventType),
		Section:    req.SectionViewed,
		DeviceType: req.DeviceType,
		UserAgent:  req.UserAgent,
		Referrer:   req.Referrer,
	}
	if e.UserAgent == "" {
		e.UserAgent = headerUserAgent
	}
	if req.ScrollDepth != nil {
		depth := int(clampFloat(*req.ScrollDepth, -1, 101))
		e.ScrollDepth = &depth
	}
	if req.TimeSpent != nil {
		spent := int64(clampFloat(*req.TimeSpent, -1, propozal.MaxTimeSpentDelta+1))
		e.TimeSpent = &spent
	}
	return e
}

// clampFloat keeps float-to-int conversion defined for hostile inputs; the
// domain layer does the real clamping.
func clampFloat(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (s *Server) handleRecordEngagement(w http.ResponseWriter, r *http.Request, proposalID, correlationID string) {
	var req engagementEventRequest
	if !s.decodeJSONBody(w, r, correlationID, schemaEngagementEvent, &req) {
		return
	}
	session, err := s.svc.Engagement.RecordEvent(r.Context(), req.toEvent(proposalID, r.UserAgent()))
	if err != nil {
		switch {
		case errors.Is(err, propozal.ErrInvalidInput), errors.Is(err, propozal.ErrNotFound):
			s.writeDomainError(w, r, err, correlationID)
		default:
			// Telemetry is best effort; never surface storage trouble to viewers.
			s.logger.WarnContext(r.Context(), "engagement event dropped",
				"proposal_id", proposalID, "correlation_id", correlationID, "error", err)
			writeJSON(w, http.StatusAccepted, map[string]any{"status": "dropped"})
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":    "recorded",
		"sessionId": session.SessionID,
	})
}

func (s *Server) handlePublicProposal(w http.ResponseWriter, r *http.Request, proposalID, correlationID string) {
	view, err := s.svc.Lifecycle.PublicView(r.Context(), proposalID)
	if err != nil {
		s.writeDomainError(w, r, err, correlationID)
		return
	}
	switch view.Visibility {
	case propozal.VisibilityHidden:
		writeError(w, http.StatusNotFound, "not_found", "proposal not found", correlationID)
	case propozal.VisibilityRedirect:
		w.Header().Set("Location", view.RedirectURL)
		writeJSON(w, http.StatusTemporaryRedirect, view)
	case propozal.VisibilityExpired:
		writeJSON(w, http.StatusGone, view)
	default:
		writeJSON(w, http.StatusOK, view)
	}
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request, userID, proposalID, correlationID string) {
	p, err := s.svc.Lifecycle.Get(r.Context(), userID, proposalID)
	if err != nil {
		s.writeDomainError(w, r, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, userID, proposalID, correlationID string) {
	var req propozal.TransitionRequest
	if !s.decodeJSONBody(w, r, correlationID, schemaStatusChange, &req) {
		return
	}
	updated, err := s.svc.Lifecycle.Transition(r.Context(), userID, proposalID, req)
	if err != nil {
		s.writeDomainError(w, r, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleEngagementRollup(w http.ResponseWriter, r *http.Request, userID, proposalID, correlationID string) {
	window, err := parseTimeRange(r)
	if err != nil {
		s.writeDomainError(w, r, err, correlationID)
		return
	}
	rollup, err := s.svc.Engagement.ProposalRollup(r.Context(), userID, proposalID, window)
	if err != nil {
		s.writeDomainError(w, r, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, rollup)
}

func (s *Server) handleEngagementSessions(w http.ResponseWriter, r *http.Request, userID, proposalID, correlationID string) {
	sessions, err := s.svc.Engagement.Sessions(r.Context(), userID, proposalID)
	if err != nil {
		s.writeDomainError(w, r, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"proposalId": proposalID,
		"sessions":   sessions,
	})
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	window, err := parseTimeRange(r)
	if err != nil {
		s.writeDomainError(w, r, err, correlationID)
		return
	}
	analytics, err := s.svc.Engagement.UserRollup(r.Context(), userID, window)
	if err != nil {
		s.writeDomainError(w, r, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, analytics)
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	status, err := s.svc.Quota.CheckQuota(r.Context(), userID)
	if err != nil {
		s.writeDomainError(w, r, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleAuthorizeGeneration(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	grant, err := s.svc.AuthorizeGeneration(r.Context(), userID, s.cfg.GenerationLimit, s.cfg.GenerationWindow)
	if err != nil {
		s.writeDomainError(w, r, err, correlationID)
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(grant.Rate.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(grant.Rate.Remaining))
	writeJSON(w, http.StatusOK, grant)
}

type internalProposalRequest struct {
	ID                 string     `json:"id"`
	OwnerID            string     `json:"ownerId"`
	Title              string     `json:"title"`
	Status             string     `json:"status"`
	ExpiresAt          *time.Time `json:"expiresAt"`
	ExpiredAction      string     `json:"expiredAction"`
	ExpiredMessage     string     `json:"expiredMessage"`
	ExpiredRedirectURL string     `json:"expiredRedirectUrl"`
	ClientName         string     `json:"clientName"`
	ClientEmail        string     `json:"clientEmail"`
}

// handleInternalRegisterProposal is called by the generation pipeline once a
// proposal exists. It is authenticated with the shared HMAC secret.
func (s *Server) handleInternalRegisterProposal(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := s.cfg.Now()
	timestamp := r.Header.Get(internalTimestampHeader)
	signature := r.Header.Get(internalSignatureHeader)
	if authErr := verifyInternalHMAC(s.cfg.InternalHMACSecret, timestamp, signature, body, now, s.cfg.InternalMaxSkew); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markInternalReplaySeen(timestamp, signature, now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
		return
	}
	if err := s.schemas.validate(schemaInternalProposal, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	var req internalProposalRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	created, usage, err := s.svc.RecordGeneration(r.Context(), propozal.Proposal{
		ID:                 req.ID,
		OwnerID:            req.OwnerID,
		Title:              req.Title,
		Status:             propozal.Status(strings.ToLower(strings.TrimSpace(req.Status))),
		ExpiresAt:          req.ExpiresAt,
		ExpiredAction:      propozal.ExpiredAction(req.ExpiredAction),
		ExpiredMessage:     req.ExpiredMessage,
		ExpiredRedirectURL: req.ExpiredRedirectURL,
		ClientName:         req.ClientName,
		ClientEmail:        req.ClientEmail,
	})
	if err != nil && created.ID == "" {
		s.writeDomainError(w, r, err, correlationID)
		return
	}
	if err != nil {
		// The proposal exists; a lost usage increment must not hide it.
		s.logger.ErrorContext(r.Context(), "usage increment failed",
			"proposal_id", created.ID, "owner_id", created.OwnerID, "error", err)
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"proposal": created,
		"usage":    usage,
	})
}

type subscriptionRequest struct {
	URL     string   `json:"url"`
	Enabled *bool    `json:"enabled"`
	Events  []string `json:"events"`
	Secret  string   `json:"secret"`
}

var subscribableEvents = map[string]struct{}{
	propozal.WebhookProposalCreated: {},
	propozal.WebhookProposalSent:    {},
	propozal.WebhookProposalViewed:  {},
	propozal.WebhookProposalWon:     {},
	propozal.WebhookProposalLost:    {},
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	sub, err := s.svc.Repository.GetSubscription(r.Context(), userID)
	if err != nil {
		s.writeDomainError(w, r, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handlePutSubscription(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	var req subscriptionRequest
	if !s.decodeJSONBody(w, r, correlationID, schemaSubscription, &req) {
		return
	}
	target := strings.TrimSpace(req.URL)
	if target != "" && !isHTTPURL(target) {
		writeError(w, http.StatusBadRequest, "bad_request", "url: must be an absolute http(s) url", correlationID)
		return
	}
	events := make([]string, 0, len(req.Events))
	for _, event := range req.Events {
		event = strings.TrimSpace(event)
		if _, ok := subscribableEvents[event]; !ok {
			writeError(w, http.StatusBadRequest, "bad_request", "events: unknown event "+strconv.Quote(event), correlationID)
			return
		}
		events = append(events, event)
	}
	sub := propozal.WebhookSubscription{
		UserID:  userID,
		URL:     target,
		Enabled: target != "",
		Events:  events,
		Secret:  strings.TrimSpace(req.Secret),
	}
	if req.Enabled != nil {
		sub.Enabled = *req.Enabled && target != ""
	}
	generated := ""
	if sub.Secret == "" {
		existing, err := s.svc.Repository.GetSubscription(r.Context(), userID)
		switch {
		case err == nil && existing.Secret != "":
			sub.Secret = existing.Secret
		case err == nil, errors.Is(err, propozal.ErrNotFound):
			secret, genErr := propozal.GenerateWebhookSecret()
			if genErr != nil {
				s.writeDomainError(w, r, genErr, correlationID)
				return
			}
			sub.Secret, generated = secret, secret
		default:
			s.writeDomainError(w, r, err, correlationID)
			return
		}
	}
	if err := s.svc.Repository.PutSubscription(r.Context(), sub); err != nil {
		s.writeDomainError(w, r, err, correlationID)
		return
	}
	resp := map[string]any{"subscription": sub}
	if generated != "" {
		resp["secret"] = generated
	}
	writeJSON(w, http.StatusOK, resp)
}

type webhookTestRequest struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

func (s *Server) handleWebhookTest(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	var req webhookTestRequest
	if !s.decodeJSONBody(w, r, correlationID, schemaWebhookTest, &req) {
		return
	}
	result, err := s.svc.Webhooks.SendTest(r.Context(), userID, req.URL, req.Secret)
	if err != nil {
		s.writeDomainError(w, r, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleWebhookDeliveries(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 50, 1, 500)
	deliveries, err := s.svc.Repository.ListDeliveries(r.Context(), userID, limit)
	if err != nil {
		s.writeDomainError(w, r, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": deliveries})
}

func isHTTPURL(raw string) bool {
	lower := strings.ToLower(raw)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
