package handler

import (
	"encoding/json"
	"net/http"

	"github.com/codelab/engine/internal/types"
)

type debugStartRequest struct {
	SnippetID string `json:"snippet_id"`
	Code      string `json:"code"`
	Language  string `json:"language"`
}

type debugStepRequest struct {
	SessionID string `json:"session_id"`
	Action    string `json:"action"`
	Line      int    `json:"line,omitempty"`
}

type debugResponse struct {
	Success bool                    `json:"success"`
	Session *types.DebugSessionView `json:"session,omitempty"`
}

// StartDebugSession creates a debug session suspended at the first
// executable line.
func (h *Handler) StartDebugSession(w http.ResponseWriter, r *http.Request) {
	var request debugStartRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		h.sendError(w, "Invalid JSON request", http.StatusBadRequest)
		return
	}
	if request.SnippetID == "" || request.Code == "" || request.Language == "" {
		h.sendError(w, "snippet_id, code and language are required", http.StatusBadRequest)
		return
	}

	view, err := h.debugger.Start(r.Context(), request.SnippetID, request.Code, request.Language)
	if err != nil {
		h.sendTaxonomyError(w, err)
		return
	}

	h.sendJSON(w, debugResponse{Success: true, Session: &view}, http.StatusOK)
}

// DebugStep executes one step/continue/terminate command on a session.
func (h *Handler) DebugStep(w http.ResponseWriter, r *http.Request) {
	var request debugStepRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		h.sendError(w, "Invalid JSON request", http.StatusBadRequest)
		return
	}
	if request.SessionID == "" {
		h.sendError(w, "session_id is required", http.StatusBadRequest)
		return
	}

	var view types.DebugSessionView
	var err error
	switch request.Action {
	case "step":
		view, err = h.debugger.Step(request.SessionID)
	case "continue":
		view, err = h.debugger.Continue(request.SessionID)
	case "terminate":
		view, err = h.debugger.Terminate(request.SessionID)
	default:
		h.sendError(w, "action must be one of step, continue, terminate", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.sendTaxonomyError(w, err)
		return
	}

	h.sendJSON(w, debugResponse{Success: true, Session: &view}, http.StatusOK)
}

// DebugBreakpoint adds a breakpoint to a live session.
func (h *Handler) DebugBreakpoint(w http.ResponseWriter, r *http.Request) {
	var request debugStepRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		h.sendError(w, "Invalid JSON request", http.StatusBadRequest)
		return
	}
	if request.SessionID == "" {
		h.sendError(w, "session_id is required", http.StatusBadRequest)
		return
	}

	view, err := h.debugger.SetBreakpoint(request.SessionID, request.Line)
	if err != nil {
		h.sendTaxonomyError(w, err)
		return
	}

	h.sendJSON(w, debugResponse{Success: true, Session: &view}, http.StatusOK)
}

// GetDebugSession returns the current projection of a debug session.
func (h *Handler) GetDebugSession(w http.ResponseWriter, r *http.Request) {
	view, err := h.debugger.Get(r.URL.Query().Get("session_id"))
	if err != nil {
		h.sendTaxonomyError(w, err)
		return
	}
	h.sendJSON(w, debugResponse{Success: true, Session: &view}, http.StatusOK)
}
