// Package httpapi provides the HTTP API handler for microcase.
// It delegates all business logic to the engine.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/jxucoder/microcase/engine"
	"github.com/jxucoder/microcase/model"
)

// Handler provides the HTTP API for microcase.
type Handler struct {
	engine   *engine.Engine
	validate *validator.Validate
	logger   *zap.Logger
	router   chi.Router
}

// New creates a new HTTP API handler.
func New(eng *engine.Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{engine: eng, validate: validator.New(), logger: logger.Named("http")}
	h.router = h.buildRouter()
	return h
}

// Router returns the HTTP router.
func (h *Handler) Router() chi.Router {
	return h.router
}

func (h *Handler) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Post("/gen-microcases/", h.handleGenerate)
		r.Post("/evaluate-review/", h.handleEvaluate)
		r.Get("/api/sessions", h.handleListSessions)
		r.Get("/api/sessions/{id}", h.handleGetSession)
		r.Post("/api/sessions/{id}/stop", h.handleStopSession)
	})
	r.Group(func(r chi.Router) {
		// Verification runs a test suite; allow it more time.
		r.Use(middleware.Timeout(2 * time.Minute))
		r.Post("/check-microcase/", h.handleCheck)
	})
	r.Get("/stream-microcases/{id}", h.handleStream)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	return r
}

// --- Request/Response types ---

// Field aliases (url, user_id, solution, review) match the chat front-ends.

type generateRequest struct {
	SourceReference string `json:"source_reference" validate:"required,url,max=2048"`
	URL             string `json:"url,omitempty"`
	RequesterID     string `json:"requester_id" validate:"required,max=256"`
	UserID          string `json:"user_id,omitempty"`
}

func (r *generateRequest) normalize() {
	r.SourceReference = strings.TrimSpace(firstNonEmpty(r.SourceReference, r.URL))
	r.RequesterID = strings.TrimSpace(firstNonEmpty(r.RequesterID, r.UserID))
}

type generateResponse struct {
	SessionID string `json:"session_id"`
}

type checkRequest struct {
	RequesterID     string `json:"requester_id" validate:"required,max=256"`
	UserID          string `json:"user_id,omitempty"`
	MicrocaseID     *int   `json:"microcase_id" validate:"required,min=0"`
	SolutionSource  string `json:"solution_source" validate:"required,max=200000"`
	Solution        string `json:"solution,omitempty"`
	SourceReference string `json:"source_reference,omitempty" validate:"omitempty,url"`
}

func (r *checkRequest) normalize() {
	r.RequesterID = strings.TrimSpace(firstNonEmpty(r.RequesterID, r.UserID))
	r.SolutionSource = firstNonEmpty(r.SolutionSource, r.Solution)
	r.SourceReference = strings.TrimSpace(r.SourceReference)
}

type evaluateRequest struct {
	RequesterID     string `json:"requester_id" validate:"required,max=256"`
	UserID          string `json:"user_id,omitempty"`
	ReviewText      string `json:"review_text" validate:"required,max=20000"`
	Review          string `json:"review,omitempty"`
	SourceReference string `json:"source_reference,omitempty" validate:"omitempty,url"`
}

func (r *evaluateRequest) normalize() {
	r.RequesterID = strings.TrimSpace(firstNonEmpty(r.RequesterID, r.UserID))
	r.ReviewText = strings.TrimSpace(firstNonEmpty(r.ReviewText, r.Review))
	r.SourceReference = strings.TrimSpace(r.SourceReference)
}

type errorResponse struct {
	Error string `json:"error"`
}

// --- Handlers ---

func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !h.decode(w, r, &req, req.normalize) {
		return
	}

	sess, err := h.engine.CreateSession(r.Context(), req.RequesterID, req.SourceReference)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, generateResponse{SessionID: sess.ID})
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, err := h.engine.Stream(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for event := range events {
		if err := writeSSE(w, event); err != nil {
			h.logger.Debug("stream write failed", zap.String("session", id), zap.Error(err))
			return
		}
		flusher.Flush()
	}
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !h.decode(w, r, &req, req.normalize) {
		return
	}

	res, err := h.engine.CheckMicrocase(r.Context(), engine.CheckRequest{
		RequesterID:     req.RequesterID,
		MicrocaseID:     *req.MicrocaseID,
		Solution:        req.SolutionSource,
		SourceReference: req.SourceReference,
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !h.decode(w, r, &req, req.normalize) {
		return
	}

	eval, err := h.engine.EvaluateReview(r.Context(), engine.EvaluateRequest{
		RequesterID:     req.RequesterID,
		ReviewText:      req.ReviewText,
		SourceReference: req.SourceReference,
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eval)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.engine.Store().ListSessions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		h.logger.Error("listing sessions", zap.Error(err))
		return
	}
	if sessions == nil {
		sessions = []*model.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.engine.GetSession(chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.engine.Cancel(id); err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, generateResponse{SessionID: id})
}

// --- Helpers ---

// decode reads a JSON body into v, applies normalize and validates the result.
// It writes a 400 response and returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any, normalize func()) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	normalize()
	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			writeError(w, http.StatusBadRequest, fmt.Sprintf("%s failed on '%s' validation", fe.Field(), fe.Tag()))
			return false
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidSource),
		errors.Is(err, engine.ErrNoComments),
		errors.Is(err, engine.ErrNothingSolved):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrSessionNotFound),
		errors.Is(err, engine.ErrUnknownMicrocase):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrMicrocaseNotReady):
		return http.StatusConflict
	case errors.Is(err, engine.ErrTooManySessions):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeSSE writes one frame. The data line carries the event payload.
func writeSSE(w http.ResponseWriter, event *model.Event) error {
	data := event.Data
	if data == "" {
		data = "{}"
	}
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data)
	return err
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
