package api

import (
	"net/http"

	"github.com/seantiz/taskgrid/internal/engine"
	"github.com/seantiz/taskgrid/internal/model"
	"github.com/seantiz/taskgrid/internal/store"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Engine engine.Counts            `json:"engine"`
	ByKind map[string]engine.Counts `json:"by_kind"`
	Stored *store.TaskStats         `json:"stored"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.logger.Error("get task stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	byKind := make(map[string]engine.Counts, 3)
	for _, k := range []model.Kind{model.KindApplication, model.KindParallel, model.KindSequential} {
		byKind[string(k)] = s.engine.Counts(k)
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Engine: s.engine.Counts(),
		ByKind: byKind,
		Stored: stats,
	})
}
