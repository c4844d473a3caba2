package realtime

import (
	"encoding/json"
	"errors"
	"net/http"

	"editor-bridge/internal/batch"
)

type healthResponse struct {
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.conn != nil {
		resp.Connected = s.conn.Status().Connected
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.conn == nil {
		writeError(w, http.StatusServiceUnavailable, "connection status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.conn.Status())
}

func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	if s.batches == nil {
		writeError(w, http.StatusServiceUnavailable, "batch status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.batches.Status())
}

func (s *Server) handleBatchReset(w http.ResponseWriter, r *http.Request) {
	// Browsers attach Origin to cross-site form posts; local tools do not.
	if r.Header.Get("Origin") != "" {
		writeError(w, http.StatusForbidden, "cross-origin requests are not accepted")
		return
	}
	if s.batches == nil {
		writeError(w, http.StatusServiceUnavailable, "batch status unavailable")
		return
	}
	if err := s.batches.Reset(); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, batch.ErrBatchRunning) {
			code = http.StatusConflict
		}
		writeError(w, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reset": true})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
