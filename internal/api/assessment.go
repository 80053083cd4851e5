package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/evalstream/internal/domain"
	"github.com/ashureev/evalstream/internal/identity"
	"github.com/ashureev/evalstream/internal/prompt"
	"github.com/ashureev/evalstream/internal/session"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// AssessmentHandler serves the participant-facing assessment endpoints.
type AssessmentHandler struct {
	sessions *session.Manager
	catalog  *prompt.Catalog
	limiter  *RateLimiter
	logger   *slog.Logger
}

// NewAssessmentHandler creates the participant handler. limiter may be nil
// to disable chat rate limiting.
func NewAssessmentHandler(sessions *session.Manager, catalog *prompt.Catalog, limiter *RateLimiter, logger *slog.Logger) *AssessmentHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if catalog == nil {
		catalog = prompt.Default()
	}
	return &AssessmentHandler{
		sessions: sessions,
		catalog:  catalog,
		limiter:  limiter,
		logger:   logger,
	}
}

// LoginRequest starts an assessment.
type LoginRequest struct {
	Name     string `json:"name"`
	Language string `json:"language"`
}

// ChatRequest carries one participant message.
type ChatRequest struct {
	Message string `json:"message"`
}

// PreferencesRequest updates display preferences. Absent fields are left as is.
type PreferencesRequest struct {
	Language      *string `json:"language,omitempty"`
	FontSizeIndex *int    `json:"font_size_index,omitempty"`
	HeaderVisible *bool   `json:"header_visible,omitempty"`
}

// StateResponse is the participant view of a session.
type StateResponse struct {
	State    domain.SessionState `json:"state"`
	LoggedIn bool                `json:"logged_in"`
	Busy     bool                `json:"busy"`
	FontSize string              `json:"font_size"`
	Status   domain.Status       `json:"status"`
	Notice   string              `json:"notice,omitempty"`
}

func stateOf(s *session.Session) StateResponse {
	snap := s.Snapshot()
	return StateResponse{
		State:    snap,
		LoggedIn: !snap.IsEmpty(),
		Busy:     s.Busy(),
		FontSize: domain.FontSizes[domain.ClampFontSizeIndex(snap.FontSizeIndex)],
		Status:   domain.DeriveStatus(snap.Score),
	}
}

// chatErrorEvent is sent when an exchange fails after streaming started.
type chatErrorEvent struct {
	Error   string         `json:"error"`
	Message domain.Message `json:"message"`
}

// RegisterRoutes registers the assessment routes.
func (h *AssessmentHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/assessment", func(r chi.Router) {
		r.Post("/login", h.HandleLogin)
		r.Get("/state", h.HandleState)
		r.Post("/chat", h.HandleChat)
		r.Post("/preferences", h.HandlePreferences)
		r.Post("/reset", h.HandleReset)
		r.Post("/logout", h.HandleLogout)
		r.Get("/packages", h.HandlePackages)
	})
}

func (h *AssessmentHandler) session(w http.ResponseWriter, r *http.Request) (*session.Session, string, bool) {
	id := identity.FromContext(r.Context())
	if id == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return nil, "", false
	}
	s, err := h.sessions.Get(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to open session", "identity", id, "error", err)
		Error(w, http.StatusInternalServerError, "session unavailable")
		return nil, "", false
	}
	return s, id, true
}

// HandleLogin starts a fresh assessment for the caller.
func (h *AssessmentHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s, id, ok := h.session(w, r)
	if !ok {
		return
	}

	if _, err := s.Login(r.Context(), req.Name, domain.ParseLanguage(req.Language)); err != nil {
		h.writeSessionError(w, err)
		return
	}
	h.logger.Info("Assessment started", "identity", id, "language", req.Language)
	JSON(w, http.StatusOK, stateOf(s))
}

// HandleState returns the caller's current session.
func (h *AssessmentHandler) HandleState(w http.ResponseWriter, r *http.Request) {
	s, _, ok := h.session(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, stateOf(s))
}

// HandleChat sends one message and streams the reply as SSE. Each
// "message" event carries the reply so far; the stream ends with "done"
// carrying the session state, or "error".
func (h *AssessmentHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	var req ChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s, id, ok := h.session(w, r)
	if !ok {
		return
	}
	if h.limiter != nil && !h.limiter.Allow(id) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	h.logger.Info("Assessment chat request",
		"identity", id,
		"request_id", chiMiddleware.GetReqID(r.Context()),
		"message_length", len(req.Message),
	)

	var (
		stream   *sseStream
		last     domain.Message
		writeErr error
	)
	err := s.Send(r.Context(), req.Message, func(msg domain.Message) {
		last = msg
		if writeErr != nil {
			return
		}
		if stream == nil {
			stream, _ = startSSE(w)
		}
		writeErr = stream.send("message", msg)
	})
	if writeErr != nil {
		h.logger.Warn("failed to write SSE message event", "identity", id, "error", writeErr)
		return
	}

	if stream == nil {
		if err != nil {
			h.writeSessionError(w, err)
			return
		}
		stream, _ = startSSE(w)
	}

	if err != nil {
		h.logger.Warn("Assessment exchange failed", "identity", id, "error", err)
		if sendErr := stream.send("error", chatErrorEvent{Error: "exchange failed", Message: last}); sendErr != nil {
			h.logger.Warn("failed to write SSE error event", "error", sendErr)
		}
		return
	}
	if sendErr := stream.send("done", stateOf(s)); sendErr != nil {
		h.logger.Warn("failed to write SSE done event", "error", sendErr)
	}
}

// HandlePreferences updates language and display preferences.
func (h *AssessmentHandler) HandlePreferences(w http.ResponseWriter, r *http.Request) {
	var req PreferencesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s, _, ok := h.session(w, r)
	if !ok {
		return
	}

	if req.Language != nil {
		s.SetLanguage(domain.ParseLanguage(*req.Language))
	}
	if req.FontSizeIndex != nil {
		s.SetFontSizeIndex(*req.FontSizeIndex)
	}
	if req.HeaderVisible != nil {
		s.SetHeaderVisible(*req.HeaderVisible)
	}
	JSON(w, http.StatusOK, stateOf(s))
}

// HandleReset abandons the assessment and returns the logged-out state.
func (h *AssessmentHandler) HandleReset(w http.ResponseWriter, r *http.Request) {
	s, id, ok := h.session(w, r)
	if !ok {
		return
	}
	lang := s.Snapshot().Language
	if err := s.Reset(r.Context()); err != nil {
		h.writeSessionError(w, err)
		return
	}
	h.logger.Info("Assessment reset", "identity", id)
	resp := stateOf(s)
	resp.Notice = h.catalog.ResetNotice(lang)
	JSON(w, http.StatusOK, resp)
}

// HandleLogout ends the assessment.
func (h *AssessmentHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	s, id, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.Logout(r.Context()); err != nil {
		h.writeSessionError(w, err)
		return
	}
	h.logger.Info("Participant logged out", "identity", id)
	JSON(w, http.StatusOK, stateOf(s))
}

// HandlePackages lists the price packages for ?lang=, or for the caller's
// session language when the query is absent.
func (h *AssessmentHandler) HandlePackages(w http.ResponseWriter, r *http.Request) {
	lang := domain.ParseLanguage(r.URL.Query().Get("lang"))
	if r.URL.Query().Get("lang") == "" {
		s, _, ok := h.session(w, r)
		if !ok {
			return
		}
		lang = s.Snapshot().Language
	}
	JSON(w, http.StatusOK, map[string]any{
		"language": lang,
		"packages": h.catalog.Packages(lang),
	})
}

func (h *AssessmentHandler) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrEmptyInput):
		Error(w, http.StatusBadRequest, "input is required")
	case errors.Is(err, session.ErrNotLoggedIn):
		Error(w, http.StatusBadRequest, "login required")
	case errors.Is(err, session.ErrBusy):
		Error(w, http.StatusConflict, "a reply is still in progress")
	case errors.Is(err, session.ErrClosed):
		Error(w, http.StatusServiceUnavailable, "session closed")
	default:
		h.logger.Error("Assessment request failed", "error", err)
		Error(w, http.StatusBadGateway, "exchange failed")
	}
}
