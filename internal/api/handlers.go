package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"procplane/internal/supervisor"
	"procplane/pkg/api"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Handlers bundles the HTTP handlers with their dependencies.
type Handlers struct {
	sup    *supervisor.Supervisor
	logger *slog.Logger
}

// NewHandlers creates the handler set on top of a supervisor.
func NewHandlers(sup *supervisor.Supervisor, logger *slog.Logger) *Handlers {
	return &Handlers{sup: sup, logger: logger}
}

// Health handles GET /healthz.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// RunExecution handles POST /executions.
// Starts a command and returns its execution ID without waiting for it.
func (h *Handlers) RunExecution(w http.ResponseWriter, r *http.Request) {
	var req api.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Command) == 0 {
		h.httpError(w, "Command must not be empty", http.StatusBadRequest)
		return
	}

	id, err := h.sup.Start(r.Context(), req.Command)
	switch {
	case errors.Is(err, supervisor.ErrBusy):
		h.httpError(w, "Concurrency limit reached", http.StatusServiceUnavailable)
		return
	case errors.Is(err, supervisor.ErrRateLimited):
		w.Header().Set("Retry-After", "1")
		h.httpError(w, "Spawn rate exceeded", http.StatusTooManyRequests)
		return
	case err != nil:
		h.logger.Error("failed to start execution", "error", err)
		h.httpError(w, "Failed to start execution", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusCreated, api.RunResponse{ExecutionID: id.String()})
}

// GetExecution handles GET /executions/{id}.
// Returns the current state and result of an execution.
func (h *Handlers) GetExecution(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid execution id", http.StatusBadRequest)
		return
	}

	info, err := h.sup.Get(id)
	if err != nil {
		h.httpError(w, "Execution not found", http.StatusNotFound)
		return
	}

	h.respondJson(w, http.StatusOK, toExecutionResponse(info))
}

// ListExecutions handles GET /executions.
func (h *Handlers) ListExecutions(w http.ResponseWriter, r *http.Request) {
	infos := h.sup.List()

	resp := api.ListExecutionsResponse{
		Executions: make([]api.ExecutionResponse, 0, len(infos)),
	}
	for _, info := range infos {
		resp.Executions = append(resp.Executions, toExecutionResponse(info))
	}

	h.respondJson(w, http.StatusOK, resp)
}

// SignalExecution handles POST /executions/{id}/signal.
func (h *Handlers) SignalExecution(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid execution id", http.StatusBadRequest)
		return
	}

	var req api.SignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Signal <= 0 || req.Signal > 64 {
		h.httpError(w, "Invalid signal number", http.StatusBadRequest)
		return
	}

	switch err := h.sup.Signal(id, unix.Signal(req.Signal)); {
	case errors.Is(err, supervisor.ErrNotFound):
		h.httpError(w, "Execution not found", http.StatusNotFound)
	case errors.Is(err, supervisor.ErrDone):
		h.httpError(w, "Execution already finished", http.StatusConflict)
	case err != nil:
		h.logger.Error("failed to signal execution", "id", id, "error", err)
		h.httpError(w, "Failed to signal execution", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

func toExecutionResponse(info supervisor.Info) api.ExecutionResponse {
	return api.ExecutionResponse{
		ID:          info.ID.String(),
		Command:     info.Command,
		State:       string(info.State),
		Pid:         info.Pid,
		ExitCode:    info.ExitCode,
		StartedAt:   info.StartedAt,
		CompletedAt: info.CompletedAt,
		OutputTail:  info.OutputTail,
	}
}

func (h *Handlers) respondJson(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) httpError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(api.ErrorResponse{Error: msg})
}
