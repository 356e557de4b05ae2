package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/codelab/engine/internal/advisory"
	"github.com/codelab/engine/internal/debug"
	"github.com/codelab/engine/internal/grading"
	"github.com/codelab/engine/internal/language"
	"github.com/codelab/engine/internal/session"
	"github.com/codelab/engine/internal/stream"
	"github.com/codelab/engine/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

// Handler contains the dependencies for HTTP handlers.
type Handler struct {
	sessions *session.Manager
	debugger *debug.Manager
	grader   *grading.Engine
	registry *language.Registry
	hub      *stream.Hub
	advisor  *advisory.Client
	logger   *logrus.Logger
}

// NewHandler creates a new handler instance.
func NewHandler(
	sessions *session.Manager,
	debugger *debug.Manager,
	grader *grading.Engine,
	registry *language.Registry,
	hub *stream.Hub,
	advisor *advisory.Client,
	logger *logrus.Logger,
) *Handler {
	return &Handler{
		sessions: sessions,
		debugger: debugger,
		grader:   grader,
		registry: registry,
		hub:      hub,
		advisor:  advisor,
		logger:   logger,
	}
}

// GetVersion returns the API version.
func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, map[string]string{"message": "Execution Engine v1.0.0"}, http.StatusOK)
}

type executeRequest struct {
	types.ExecutionRequest
	TestCases []types.TestCase `json:"test_cases,omitempty"`
}

type executeResponse struct {
	Success         bool                `json:"success"`
	Status          types.SessionStatus `json:"status"`
	SessionID       string              `json:"session_id"`
	Stdout          string              `json:"stdout"`
	Stderr          string              `json:"stderr,omitempty"`
	ExitCode        int                 `json:"exit_code"`
	ExecutionTimeMs int64               `json:"execution_time_ms"`
	MemoryUsedKb    *int64              `json:"memory_used_kb,omitempty"`
	ErrorKind       types.ErrorKind     `json:"error_kind,omitempty"`
	ErrorSuggestion string              `json:"error_suggestion,omitempty"`
	Grading         *gradingResponse    `json:"grading,omitempty"`
}

type gradingResponse struct {
	PassedCount  int                  `json:"passed_count"`
	TotalCount   int                  `json:"total_count"`
	EarnedPoints int                  `json:"earned_points"`
	TotalPoints  int                  `json:"total_points"`
	Cases        []grading.CaseReport `json:"cases"`
}

// Execute accepts a submission and dispatches on its mode. Run submissions
// are scheduled as sessions and awaited; grade submissions require inline
// test cases. Expected failures come back as success=false plus error_kind
// on a 200, never as transport errors.
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	var request executeRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&request); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			h.sendError(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		h.sendError(w, "Invalid JSON request", http.StatusBadRequest)
		return
	}

	if request.Code == "" {
		h.sendError(w, "code is required as a string", http.StatusBadRequest)
		return
	}
	if request.LanguageID == "" {
		h.sendError(w, "language is required as a string", http.StatusBadRequest)
		return
	}

	switch request.Mode {
	case "", types.ModeRun:
		h.executeRun(w, r, request.ExecutionRequest)
	case types.ModeGrade:
		h.executeGrade(w, r, request)
	case types.ModeDebug:
		h.sendError(w, "debug mode uses the debug/session endpoints", http.StatusBadRequest)
	default:
		h.sendError(w, "mode must be one of run, grade, debug", http.StatusBadRequest)
	}
}

func (h *Handler) executeRun(w http.ResponseWriter, r *http.Request, req types.ExecutionRequest) {
	id, err := h.sessions.Submit(req)
	if err != nil {
		h.sendTaxonomyError(w, err)
		return
	}

	sess, err := h.sessions.Await(r.Context(), id)
	if err != nil {
		h.sendError(w, "Execution interrupted", http.StatusServiceUnavailable)
		return
	}

	resp := executeResponse{
		Status:    sess.Status,
		SessionID: sess.ID,
	}
	if sess.Result != nil {
		resp.Success = sess.Result.Success
		resp.Stdout = sess.Result.Stdout
		resp.Stderr = sess.Result.Stderr
		resp.ExitCode = sess.Result.ExitCode
		resp.ExecutionTimeMs = sess.Result.ExecutionTimeMs
		resp.MemoryUsedKb = sess.Result.MemoryUsedKb
		resp.ErrorKind = sess.Result.ErrorKind
		if !sess.Result.Success {
			resp.ErrorSuggestion = h.advisor.Suggest(r.Context(), req, *sess.Result)
		}
	}
	if sess.Status == types.SessionFailed {
		h.sendError(w, "Failed to provision execution context", http.StatusInternalServerError)
		return
	}

	h.sendJSON(w, resp, http.StatusOK)
}

func (h *Handler) executeGrade(w http.ResponseWriter, r *http.Request, req executeRequest) {
	if len(req.TestCases) == 0 {
		h.sendError(w, "test_cases are required for grade mode", http.StatusBadRequest)
		return
	}

	summary, err := h.grader.Grade(r.Context(), req.Code, req.LanguageID, req.TestCases)
	if err != nil {
		h.sendTaxonomyError(w, err)
		return
	}

	h.sendJSON(w, executeResponse{
		Success: summary.PassedCount == summary.TotalCount,
		Status:  types.SessionCompleted,
		Grading: &gradingResponse{
			PassedCount:  summary.PassedCount,
			TotalCount:   summary.TotalCount,
			EarnedPoints: summary.EarnedPoints,
			TotalPoints:  summary.TotalPoints,
			Cases:        grading.Redact(req.TestCases, summary),
		},
	}, http.StatusOK)
}

// GetExecution returns one session's status and result.
func (h *Handler) GetExecution(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.sendTaxonomyError(w, err)
		return
	}
	h.sendJSON(w, sess, http.StatusOK)
}

// ListExecutions returns retained sessions, most recent first.
func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, h.sessions.History(), http.StatusOK)
}

// CancelExecution requests cooperative termination of a session.
func (h *Handler) CancelExecution(w http.ResponseWriter, r *http.Request) {
	cancelled, err := h.sessions.Cancel(chi.URLParam(r, "id"))
	if err != nil {
		h.sendTaxonomyError(w, err)
		return
	}
	h.sendJSON(w, map[string]bool{"cancelled": cancelled}, http.StatusOK)
}

// GetLanguages lists the registered languages.
func (h *Handler) GetLanguages(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, h.registry.List(), http.StatusOK)
}

// Validate proxies the external validation gate.
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	h.proxyAdvisory(w, r, h.advisor.Validate)
}

// Format proxies the external formatting gate.
func (h *Handler) Format(w http.ResponseWriter, r *http.Request) {
	h.proxyAdvisory(w, r, h.advisor.Format)
}

func (h *Handler) proxyAdvisory(w http.ResponseWriter, r *http.Request,
	call func(context.Context, string) (json.RawMessage, error)) {

	var request struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		h.sendError(w, "Invalid JSON request", http.StatusBadRequest)
		return
	}
	if request.Code == "" {
		h.sendError(w, "code is required as a string", http.StatusBadRequest)
		return
	}

	raw, err := call(r.Context(), request.Code)
	if err != nil {
		h.sendError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// sendTaxonomyError maps engine sentinel errors onto HTTP statuses.
func (h *Handler) sendTaxonomyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrUnsupportedLanguage),
		errors.Is(err, types.ErrLimitExceeded):
		h.sendError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, types.ErrBusy):
		h.sendError(w, err.Error(), http.StatusTooManyRequests)
	case errors.Is(err, types.ErrSessionNotFound):
		h.sendError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, types.ErrSessionBusy):
		h.sendError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, types.ErrSessionTerminal):
		h.sendError(w, err.Error(), http.StatusGone)
	default:
		h.logger.WithError(err).Error("Request failed")
		h.sendError(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (h *Handler) sendError(w http.ResponseWriter, message string, statusCode int) {
	h.sendJSON(w, types.ErrorResponse{Message: message, Code: statusCode}, statusCode)
}

func (h *Handler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
