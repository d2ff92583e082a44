package api

import (
	"stackctl/internal/dependency"
	"stackctl/internal/orchestrator"
	"stackctl/internal/services"
)

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	RunID    string              `json:"run_id"`
	Stack    string              `json:"stack"`
	Phase    orchestrator.Phase  `json:"phase"`
	Services []services.Snapshot `json:"services"`
}

// GraphResponse is the body of GET /v1/graph.
type GraphResponse struct {
	Levels   [][]string          `json:"levels"`
	Startup  []string            `json:"startup"`
	Shutdown []string            `json:"shutdown"`
	Depends  map[string][]string `json:"depends_on"`
}

// StopResponse is the body of POST /v1/stop.
type StopResponse struct {
	Phase orchestrator.Phase `json:"phase"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

// NewGraphResponse flattens a dependency graph for the wire.
func NewGraphResponse(g *dependency.Graph) GraphResponse {
	resp := GraphResponse{
		Startup:  ids(g.StartupOrder()),
		Shutdown: ids(g.ShutdownOrder()),
		Depends:  make(map[string][]string, g.Len()),
	}
	for _, level := range g.Levels() {
		resp.Levels = append(resp.Levels, ids(level))
	}
	for _, n := range g.Nodes() {
		resp.Depends[string(n.ID)] = ids(g.Dependencies(n.ID))
	}
	return resp
}

func ids(in []dependency.NodeID) []string {
	out := make([]string, len(in))
	for i, id := range in {
		out[i] = string(id)
	}
	return out
}
