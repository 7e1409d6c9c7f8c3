package api

import (
	"encoding/json"
	"net/http"
)

type healthResponse struct {
	Status        string `json:"status"`
	EngineRunning bool   `json:"engine_running"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	resp := healthResponse{Status: "ok", EngineRunning: s.engine.Running()}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("encode healthz response", "error", err)
	}
}
