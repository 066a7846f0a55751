package api

import (
	"net/http"
	"strconv"

	"github.com/seantiz/foundry/internal/graph"
)

// graphResponse is the JSON response for GET /v1/graph.
type graphResponse struct {
	Nodes  []graph.Node   `json:"nodes"`
	Levels map[string]int `json:"levels"`
	Order  []int64        `json:"order"`
}

func (s *Server) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	g, err := s.project.RunsGraph(r.Context(), refresh)
	if err != nil {
		s.logger.Error("build runs graph", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to build runs graph")
		return
	}

	levels := g.Levels()
	byID := make(map[string]int, len(levels))
	for id, l := range levels {
		byID[strconv.FormatInt(id, 10)] = l
	}
	order := make([]int64, 0, len(g.Nodes))
	for _, n := range g.Nodes[1:] {
		order = append(order, n.ID)
	}

	s.writeJSON(w, http.StatusOK, graphResponse{Nodes: g.Nodes, Levels: byID, Order: order})
}
