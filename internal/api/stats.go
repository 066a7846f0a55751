package api

import (
	"net/http"

	"github.com/seantiz/foundry/internal/model"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total    int                  `json:"total"`
	ByStatus map[model.Status]int `json:"by_status"`
	ByClass  map[string]int       `json:"by_class"`
	Steps    int                  `json:"steps"`
	OpenSets int                  `json:"open_sets"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.project.Store().GetStats(r.Context())
	if err != nil {
		s.logger.Error("get protocol stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:    stats.Total,
		ByStatus: stats.CountByStatus,
		ByClass:  stats.CountByClass,
		Steps:    stats.Steps,
		OpenSets: stats.OpenSets,
	})
}
