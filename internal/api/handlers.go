package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"polyglot-exec/internal/auth"
	"polyglot-exec/internal/execution"
	"polyglot-exec/internal/service"
)

// ExecutionService is the facade the handlers drive.
type ExecutionService interface {
	Submit(ctx context.Context, req service.SubmitRequest) (service.Result, error)
	ListRecent(ctx context.Context, limit int) ([]execution.Record, error)
	ListAll(ctx context.Context) ([]execution.Record, error)
	Get(ctx context.Context, id string) (execution.Record, error)
	Rerun(ctx context.Context, id string) (execution.Record, error)
	Kill(ctx context.Context, id string) (execution.Record, error)
}

type Handlers struct {
	svc ExecutionService
}

func NewHandlers(svc ExecutionService) *Handlers {
	return &Handlers{svc: svc}
}

func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, r, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	p, _ := auth.FromContext(r.Context())
	res, err := h.svc.Submit(r.Context(), service.SubmitRequest{
		UserID:    p.UserID,
		Language:  req.Language,
		Code:      req.Code,
		SnippetID: req.SnippetID,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	if res.Status == execution.StatusSuccess {
		writeJSON(w, http.StatusOK, ExecuteResponse{
			Output:      res.Stdout,
			Status:      "success",
			ExecutionID: res.ExecutionID,
		})
		return
	}
	writeJSON(w, http.StatusBadRequest, ExecuteFailure{
		Message:     res.Stderr,
		Status:      "error",
		ExecutionID: res.ExecutionID,
	})
}

func (h *Handlers) HandleRecent(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeMessage(w, r, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	recs, err := h.svc.ListRecent(r.Context(), limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	out := make([]execution.Summary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Summary())
	}
	writeJSON(w, http.StatusOK, out)
}

// writeServiceError is the one place service errors become status codes.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		writeMessage(w, r, http.StatusBadRequest, "Language and code are required")
	case errors.Is(err, service.ErrUnsupportedLanguage):
		writeMessage(w, r, http.StatusBadRequest, "Unsupported language")
	case errors.Is(err, service.ErrNotFound):
		writeMessage(w, r, http.StatusNotFound, "Execution not found")
	case errors.Is(err, service.ErrInFlight):
		writeMessage(w, r, http.StatusConflict, "Execution is still running")
	case errors.Is(err, service.ErrInvalidTransition):
		writeMessage(w, r, http.StatusConflict, "Execution cannot change from its current status")
	case errors.Is(err, service.ErrShuttingDown):
		writeMessage(w, r, http.StatusServiceUnavailable, "Server shutting down")
	case errors.Is(err, service.ErrBusy):
		w.Header().Set("Retry-After", "5")
		writeMessage(w, r, http.StatusServiceUnavailable, "Sandbox capacity exhausted, try again later")
	case errors.Is(err, context.Canceled):
		// Client went away; nobody is listening for the response.
		log.Debug().Str("request_id", RequestIDFromContext(r.Context())).Msg("request canceled")
	default:
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("request failed")
		writeMessage(w, r, http.StatusInternalServerError, "Server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeMessage(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, MessageResponse{
		Message:   msg,
		RequestID: RequestIDFromContext(r.Context()),
	})
}
