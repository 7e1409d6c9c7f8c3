package api

import (
	"net/http"

	"github.com/seantiz/taskgrid/internal/model"
)

// resourcesResponse is the JSON response for GET /v1/resources.
type resourcesResponse struct {
	Types     []string               `json:"types"`
	Resources []model.ResourceStatus `json:"resources"`
}

func (s *Server) handleListResources(w http.ResponseWriter, _ *http.Request) {
	resp := resourcesResponse{
		Types:     []string{},
		Resources: s.engine.Resources(),
	}
	if s.registry != nil {
		resp.Types = s.registry.Types()
	}
	s.writeJSON(w, http.StatusOK, resp)
}
