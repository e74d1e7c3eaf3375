package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) systemHealth(w http.ResponseWriter, r *http.Request) {
	report, err := s.reporter.System(r.Context())
	if err != nil {
		s.writeInternalError(w, "system health", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) keyHealth(w http.ResponseWriter, r *http.Request) {
	jobKey := chi.URLParam(r, "job_key")
	kh, err := s.reporter.KeyHealth(r.Context(), jobKey)
	if err != nil {
		s.writeInternalError(w, "key health", err)
		return
	}
	writeJSON(w, http.StatusOK, kh)
}
