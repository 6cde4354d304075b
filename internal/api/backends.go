package api

import "net/http"

func (s *Server) handleListBackends(w http.ResponseWriter, _ *http.Request) {
	backends := s.backends.Snapshot()
	s.writeJSON(w, http.StatusOK, backends)
}
