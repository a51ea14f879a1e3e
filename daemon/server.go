// Package daemon exposes a Knugget client over a local HTTP API: session
// state and lifecycle, summary operations, the origin-gated external
// message intake, and a Server-Sent Events stream of bus events. It is
// the background context of the system; popup-style frontends and web
// pages talk to it instead of holding their own session.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	knugget "github.com/mrinal-mann/Knugget-new"
	"github.com/mrinal-mann/Knugget-new/api"
	"github.com/mrinal-mann/Knugget-new/bus"
	"github.com/mrinal-mann/Knugget-new/core"
	"github.com/mrinal-mann/Knugget-new/msg"
	"github.com/mrinal-mann/Knugget-new/session"
	"github.com/mrinal-mann/Knugget-new/sse"
)

// ServerConfig controls daemon HTTP server dependencies.
type ServerConfig struct {
	// Client is the session and request core the server fronts. Required.
	Client *knugget.Client
	// Events persists bus events for stream replay. Defaults to an
	// in-memory store.
	Events bus.EventStore
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server exposes session, summary, messaging, and event-stream endpoints.
type Server struct {
	client *knugget.Client
	events bus.EventStore
	stream *sse.EventStreamHandler
	logger *slog.Logger

	sub  bus.Subscription
	done <-chan struct{}
}

// NewServer constructs a daemon API server and starts recording bus
// events for stream replay.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Client == nil {
		return nil, errors.New("daemon: client is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	events := cfg.Events
	if events == nil {
		events = bus.NewMemEventStore()
	}

	s := &Server{
		client: cfg.Client,
		events: events,
		stream: sse.NewEventStreamHandler(events, cfg.Client.Bus(), logger),
		logger: logger,
	}

	// A persistent journal may already hold events from an earlier run.
	// Seed the bus past them so new sequence numbers continue the stored
	// stream and replay cursors stay monotonic across restarts.
	if latest, err := events.LatestSeq(context.Background()); err != nil {
		logger.Warn("could not read journal sequence", "error", err)
	} else if latest > 0 {
		if seeder, ok := cfg.Client.Bus().(interface{ SeedSeq(uint64) }); ok {
			seeder.SeedSeq(latest)
		}
	}

	// Record every bus event so reconnecting stream clients can replay
	// what they missed.
	recorder := bus.NewStoreSubscriber(events, logger)
	s.sub = cfg.Client.Bus().SubscribeAll()
	s.done = bus.Drain(s.sub, recorder.Handle)

	return s, nil
}

// Close stops the event recorder and waits for the last event to be
// persisted. The wrapped client is not closed; the caller owns it.
func (s *Server) Close() error {
	err := s.sub.Close()
	<-s.done
	return err
}

// Handler returns an http.Handler exposing the daemon API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/session", s.handleSession)
	mux.HandleFunc("POST /v1/login", s.handleLogin)
	mux.HandleFunc("POST /v1/logout", s.handleLogout)
	mux.HandleFunc("POST /v1/session/refresh", s.handleRefresh)

	mux.HandleFunc("POST /v1/summaries/generate", s.handleGenerateSummary)
	mux.HandleFunc("GET /v1/summaries", s.handleListSummaries)
	mux.HandleFunc("POST /v1/summaries", s.handleSaveSummary)
	mux.HandleFunc("PUT /v1/summaries/{id}", s.handleUpdateSummary)
	mux.HandleFunc("DELETE /v1/summaries/{id}", s.handleDeleteSummary)

	mux.Handle("GET /v1/events", s.stream)
	mux.HandleFunc("POST /v1/external", s.handleExternal)

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return mux
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type generateSummaryRequest struct {
	Transcript core.Transcript `json:"transcript"`
	VideoMeta  core.VideoMeta  `json:"videoMetadata"`
}

// sessionResponse mirrors the auth-status payload the message channel
// uses, plus the last persisted snapshot for frontends that render
// before the first backend round-trip.
type sessionResponse struct {
	Authenticated bool           `json:"isAuthenticated"`
	User          *core.User     `json:"user,omitempty"`
	LastKnown     *lastKnownAuth `json:"lastKnown,omitempty"`
}

type lastKnownAuth struct {
	Authenticated bool      `json:"isAuthenticated"`
	User          core.User `json:"user"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type apiErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type apiErrorResponse struct {
	Error apiErrorDetail `json:"error"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if user, ok := s.client.CurrentUser(); ok {
		writeJSON(w, http.StatusOK, sessionResponse{Authenticated: true, User: &user})
		return
	}

	resp := sessionResponse{}
	if snap, ok := s.client.LastKnownAuth(r.Context()); ok {
		resp.LastKnown = &lastKnownAuth{
			Authenticated: snap.Authenticated,
			User:          snap.User,
			UpdatedAt:     snap.UpdatedAt,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", err.Error(), nil)
		return
	}

	user, err := s.client.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Authenticated: true, User: &user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.client.Logout(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	user, err := s.client.RefreshSession(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Authenticated: true, User: &user})
}

func (s *Server) handleGenerateSummary(w http.ResponseWriter, r *http.Request) {
	var req generateSummaryRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", err.Error(), nil)
		return
	}

	summary, err := s.client.GenerateSummary(r.Context(), req.Transcript, req.VideoMeta)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleListSummaries(w http.ResponseWriter, r *http.Request) {
	// Query parameter names mirror the backend listing endpoint.
	opts := api.ListSummariesOptions{}
	if raw, ok := queryParam(r, "page"); ok {
		page, err := strconv.Atoi(raw)
		if err != nil || page < 1 {
			writeJSONError(w, http.StatusBadRequest, "INVALID_QUERY", "page must be a positive integer", nil)
			return
		}
		opts.Page = page
	}
	if raw, ok := queryParam(r, "limit"); ok {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeJSONError(w, http.StatusBadRequest, "INVALID_QUERY", "limit must be a positive integer", nil)
			return
		}
		opts.PageSize = limit
	}
	opts.VideoID = strings.TrimSpace(r.URL.Query().Get("videoId"))

	page, err := s.client.ListSummaries(r.Context(), opts)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleSaveSummary(w http.ResponseWriter, r *http.Request) {
	var summary core.Summary
	if err := decodeJSONBody(r, &summary); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", err.Error(), nil)
		return
	}

	saved, err := s.client.SaveSummary(r.Context(), summary)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleUpdateSummary(w http.ResponseWriter, r *http.Request) {
	var summary core.Summary
	if err := decodeJSONBody(r, &summary); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", err.Error(), nil)
		return
	}

	updated, err := s.client.UpdateSummary(r.Context(), r.PathValue("id"), summary)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteSummary(w http.ResponseWriter, r *http.Request) {
	if err := s.client.DeleteSummary(r.Context(), r.PathValue("id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleExternal accepts KNUGGET_* messages from web pages. The sender's
// Origin header is authoritative; any origin claimed in the body is
// discarded before the allow-list check.
func (s *Server) handleExternal(w http.ResponseWriter, r *http.Request) {
	var m msg.Message
	if err := decodeJSONBody(r, &m); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", err.Error(), nil)
		return
	}
	if m.Kind == "" {
		writeJSONError(w, http.StatusBadRequest, "INVALID_MESSAGE", "message type is required", nil)
		return
	}
	m.Origin = r.Header.Get("Origin")

	reply, err := s.client.External().Request(r.Context(), m)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"authenticated": s.client.Authenticated(),
	})
}

// writeServiceError maps client errors onto HTTP statuses. The code is
// the machine-readable failure kind; the message is safe to display.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var apiErr *api.Error
	switch {
	case errors.Is(err, msg.ErrOriginNotAllowed):
		writeJSONError(w, http.StatusForbidden, "ORIGIN_FORBIDDEN", "This origin is not allowed to talk to Knugget", nil)
	case errors.Is(err, msg.ErrNoListener):
		writeJSONError(w, http.StatusNotFound, "UNKNOWN_KIND", err.Error(), nil)
	case errors.Is(err, msg.ErrMalformedPayload):
		writeJSONError(w, http.StatusBadRequest, "INVALID_MESSAGE", err.Error(), nil)
	case errors.As(err, &apiErr):
		writeJSONError(w, statusForKind(apiErr.Kind), string(apiErr.Kind), api.UserMessage(err), nil)
	case errors.Is(err, session.ErrInvalidRecord):
		writeJSONError(w, http.StatusBadRequest, "INVALID_RECORD", err.Error(), nil)
	case errors.Is(err, session.ErrNotAuthenticated):
		writeJSONError(w, http.StatusUnauthorized, string(api.KindAuthRequired), api.KindMessage(api.KindAuthRequired), nil)
	case errors.Is(err, session.ErrSessionExpired):
		writeJSONError(w, http.StatusUnauthorized, string(api.KindSessionExpired), api.KindMessage(api.KindSessionExpired), nil)
	default:
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
	}
}

func statusForKind(kind api.Kind) int {
	switch kind {
	case api.KindAuthRequired, api.KindSessionExpired, api.KindInvalidCredentials:
		return http.StatusUnauthorized
	case api.KindInsufficientCredits:
		return http.StatusPaymentRequired
	case api.KindRateLimited:
		return http.StatusTooManyRequests
	case api.KindRequestRejected:
		return http.StatusBadRequest
	case api.KindServerUnavailable, api.KindNetworkUnavailable:
		return http.StatusBadGateway
	case api.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func queryParam(r *http.Request, key string) (string, bool) {
	values, ok := r.URL.Query()[key]
	if !ok || len(values) == 0 {
		return "", false
	}
	return values[0], true
}

func decodeJSONBody(r *http.Request, target any) error {
	if target == nil {
		return errors.New("decode target is nil")
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return err
	}
	if decoder.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, apiErrorResponse{
		Error: apiErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}
