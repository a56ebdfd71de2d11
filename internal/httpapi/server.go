// Package httpapi exposes the matchmaker over HTTP to the web application's
// backend-for-frontend. Request payloads are typed and validated here, before
// the core is invoked.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/pairview/match-service/internal/history"
	"github.com/pairview/match-service/internal/matchmaker"
	"github.com/pairview/match-service/internal/metrics"
	"github.com/pairview/match-service/internal/ratelimit"
)

// Matcher is the matchmaking surface the API fronts.
type Matcher interface {
	RequestMatch(ctx context.Context, req matchmaker.Request) (*matchmaker.Result, error)
	Leave(ctx context.Context, userID string) error
	Heartbeat(ctx context.Context, userID string) error
}

// HistoryReader serves the match archive. Nil disables the history endpoint.
type HistoryReader interface {
	RecentForUser(ctx context.Context, userID string, limit int) ([]history.Match, error)
}

// RateLimiter throttles per-user request rates. Nil disables throttling.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Server holds the HTTP handlers for the match service.
type Server struct {
	matcher Matcher
	history HistoryReader
	limiter RateLimiter
}

// NewServer creates the API server. hist and limiter may be nil.
func NewServer(matcher Matcher, hist HistoryReader, limiter RateLimiter) *Server {
	return &Server{matcher: matcher, history: hist, limiter: limiter}
}

// Router builds the full HTTP handler, CORS included.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	api := r.PathPrefix("/api/match").Subrouter()
	api.HandleFunc("", s.handleRequestMatch).Methods("POST")
	api.HandleFunc("/leave", s.handleLeave).Methods("POST")
	api.HandleFunc("/heartbeat", s.handleHeartbeat).Methods("POST")
	api.HandleFunc("/history", s.handleHistory).Methods("GET")

	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler(r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleRequestMatch(w http.ResponseWriter, r *http.Request) {
	var req matchmaker.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be JSON")
		return
	}
	if req.UserID == "" || req.Mode == "" {
		writeError(w, http.StatusBadRequest, "missing_fields", "user_id and mode are required")
		return
	}
	if !s.allow(r.Context(), req.UserID, ratelimit.RuleRequest) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many match requests, slow down")
		return
	}

	result, err := s.matcher.RequestMatch(r.Context(), req)
	switch {
	case errors.Is(err, matchmaker.ErrAlreadyMatched):
		writeError(w, http.StatusConflict, "already_matched", "leave the current room before matching again")
	case errors.Is(err, matchmaker.ErrRoomProvisioning):
		writeError(w, http.StatusBadGateway, "provisioning_failed", "could not create a video room, try again")
	case err != nil:
		log.Printf("[httpapi] request match for %s: %v", req.UserID, err)
		writeError(w, http.StatusInternalServerError, "internal", "match attempt failed")
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

type userIDPayload struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	var req userIDPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "missing_fields", "user_id is required")
		return
	}

	if err := s.matcher.Leave(r.Context(), req.UserID); err != nil {
		log.Printf("[httpapi] leave %s: %v", req.UserID, err)
		writeError(w, http.StatusInternalServerError, "internal", "leave failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req userIDPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "missing_fields", "user_id is required")
		return
	}
	if !s.allow(r.Context(), req.UserID, ratelimit.RuleHeartbeat) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many heartbeats, slow down")
		return
	}

	if err := s.matcher.Heartbeat(r.Context(), req.UserID); err != nil {
		log.Printf("[httpapi] heartbeat %s: %v", req.UserID, err)
		writeError(w, http.StatusInternalServerError, "internal", "heartbeat failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "history_disabled", "match history is not enabled")
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing_fields", "user_id is required")
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	matches, err := s.history.RecentForUser(r.Context(), userID, limit)
	if err != nil {
		log.Printf("[httpapi] history %s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "internal", "history lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"matches": matches})
}

// allow applies a rate limit rule. Limiter errors fail open inside Allow, so
// only an explicit denial blocks the request.
func (s *Server) allow(ctx context.Context, userID string, rule ratelimit.Rule) bool {
	if s.limiter == nil {
		return true
	}
	ok, _ := s.limiter.Allow(ctx, userID, rule)
	return ok
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[httpapi] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
