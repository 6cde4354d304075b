package api

import "net/http"

// reloadResponse is the JSON response for POST /v1/templates/reload.
type reloadResponse struct {
	Status string `json:"status"`
	Loaded int    `json:"loaded"`
}

func (s *Server) handleListTemplates(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.templates.List())
}

func (s *Server) handleReloadTemplates(w http.ResponseWriter, _ *http.Request) {
	if err := s.templates.Load(); err != nil {
		s.logger.Error("reload templates", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to reload templates")
		return
	}

	s.writeJSON(w, http.StatusOK, reloadResponse{
		Status: "ok",
		Loaded: len(s.templates.List()),
	})
}
