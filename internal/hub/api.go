package hub

import (
	"encoding/json"
	"net/http"
	"strings"
)

type enqueueRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type enqueueResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// serveJobs handles POST /api/jobs (enqueue) and GET /api/jobs (list).
func (h *Hub) serveJobs(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Queue == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "job queue not configured"})
		return
	}

	switch r.Method {
	case http.MethodPost:
		var req enqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
			return
		}
		if req.Type == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "type is required"})
			return
		}
		id := h.cfg.Queue.Add(req.Type, req.Payload)
		writeJSON(w, http.StatusAccepted, enqueueResponse{ID: id})

	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.cfg.Queue.List())

	default:
		w.Header().Set("Allow", "GET, POST")
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
	}
}

// serveJobStatus handles GET /api/jobs/{id}.
func (h *Hub) serveJobStatus(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Queue == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "job queue not configured"})
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "job id required"})
		return
	}
	job := h.cfg.Queue.Status(id)
	if job == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "job not found"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
