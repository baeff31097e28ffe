package api

import (
	"net/http"

	"polyglot-exec/internal/execution"
)

func (h *Handlers) HandleAdminList(w http.ResponseWriter, r *http.Request) {
	recs, err := h.svc.ListAll(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if recs == nil {
		recs = []execution.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handlers) HandleAdminGet(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handlers) HandleAdminRerun(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Rerun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	if rec.Status == execution.StatusSuccess {
		writeJSON(w, http.StatusOK, AdminResponse{Message: "Execution re-run successfully", Execution: rec})
		return
	}
	writeJSON(w, http.StatusBadRequest, AdminResponse{Message: rec.Stderr, Execution: rec})
}

func (h *Handlers) HandleAdminKill(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Kill(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AdminResponse{Message: "Execution killed successfully", Execution: rec})
}
