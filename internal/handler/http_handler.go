package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/pesio-ai/be-gov-certificates/internal/errors"
	"github.com/pesio-ai/be-gov-certificates/internal/logger"
	"github.com/pesio-ai/be-gov-certificates/internal/service"
	"github.com/pesio-ai/be-gov-certificates/internal/workflow"
)

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	service *service.ActionProcessor
	timeout time.Duration
	log     *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler. timeout bounds each request;
// zero means no bound beyond the client's own.
func NewHTTPHandler(service *service.ActionProcessor, timeout time.Duration, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		service: service,
		timeout: timeout,
		log:     log,
	}
}

// NewRouter wires h behind auth. metrics may be nil.
func NewRouter(h *HTTPHandler, auth *Authenticator, metrics http.Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(h.accessLog)

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(auth.Middleware)
	api.HandleFunc("/requests/{id}/actions", h.Act).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/history", h.History).Methods(http.MethodGet)
	api.HandleFunc("/inbox", h.Inbox).Methods(http.MethodGet)

	return r
}

// ActRequest is the body of POST /api/v1/requests/{id}/actions.
type ActRequest struct {
	Action    workflow.Action `json:"action"`
	Comment   *string         `json:"comment,omitempty"`
	Signature *string         `json:"signature,omitempty"`
}

// ActResponse is returned after a committed action.
type ActResponse struct {
	Status     workflow.Status      `json:"status"`
	Entry      *workflow.AuditEntry `json:"entry"`
	Assignment *workflow.Assignment `json:"assignment,omitempty"`
}

// Act handles action submissions
func (h *HTTPHandler) Act(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())

	var req ActRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, errors.InvalidInput("body", "invalid JSON"))
		return
	}
	if req.Action == "" {
		writeError(w, errors.InvalidInput("action", "is required"))
		return
	}

	ctx, cancel := service.Timeout(r.Context(), h.timeout)
	defer cancel()

	res, err := h.service.Act(ctx, service.ActRequest{
		RequestID: mux.Vars(r)["id"],
		Principal: principal,
		Action:    req.Action,
		Comment:   req.Comment,
		Signature: req.Signature,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ActResponse{Status: res.Status, Entry: res.Entry, Assignment: res.Assignment})
}

// History handles audit trail requests
func (h *HTTPHandler) History(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())

	ctx, cancel := service.Timeout(r.Context(), h.timeout)
	defer cancel()

	entries := []*workflow.AuditEntry{}
	for entry, err := range h.service.History(ctx, principal, mux.Vars(r)["id"]) {
		if err != nil {
			writeError(w, err)
			return
		}
		entries = append(entries, entry)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": mux.Vars(r)["id"],
		"entries":    entries,
	})
}

// Inbox handles requests for the caller's assigned work
func (h *HTTPHandler) Inbox(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())

	ctx, cancel := service.Timeout(r.Context(), h.timeout)
	defer cancel()

	reqs, err := h.service.Inbox(ctx, principal)
	if err != nil {
		writeError(w, err)
		return
	}
	if reqs == nil {
		reqs = []*workflow.Request{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"requests": reqs,
		"total":    len(reqs),
	})
}

// Health handles health check requests
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ── helpers ───────────────────────────────────────────────────────────────────

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *HTTPHandler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		h.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

type errorResponse struct {
	Code    errors.Code `json:"code"`
	Message string      `json:"message"`
}

func httpStatus(code errors.Code) int {
	switch code {
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeNoActiveStep, errors.ErrCodeConflict:
		return http.StatusConflict
	case errors.ErrCodeForbidden:
		return http.StatusForbidden
	case errors.ErrCodeInvalidAction:
		return http.StatusUnprocessableEntity
	case errors.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	case errors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	msg := err.Error()
	var appErr *errors.AppError
	if errors.As(err, &appErr) && appErr.Message != "" {
		msg = appErr.Message
	}
	if code == errors.ErrCodeInternal {
		msg = "internal error"
	}
	writeJSON(w, httpStatus(code), errorResponse{Code: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
