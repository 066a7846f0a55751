package api

import (
	"net/http"

	"github.com/seantiz/foundry/internal/hosts"
)

func (s *Server) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.project.Definitions())
}

// hostResponse is one entry of GET /v1/hosts. Credentials are never exposed.
type hostResponse struct {
	*hosts.Host
	Local  bool     `json:"local"`
	Queues []string `json:"queues,omitempty"`
}

func (s *Server) handleListHosts(w http.ResponseWriter, r *http.Request) {
	list := s.project.Hosts().List()
	out := make([]hostResponse, len(list))
	for i, h := range list {
		out[i] = hostResponse{Host: h, Local: h.IsLocal(), Queues: h.QueueSystem.QueueNames()}
	}
	s.writeJSON(w, http.StatusOK, out)
}
