// Package http exposes the operational surface of the pipeline: liveness,
// pipeline counters and dependency probes. Ingestion itself happens over
// MLLP, not here.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/service/pipeline/app"
	"github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/service/pipeline/app/queries"
)

// Prober checks reachability of one downstream dependency.
type Prober func(ctx context.Context) error

type Server struct {
	queryBus app.QueryBus
	probes   map[string]Prober
}

func NewServer(queryBus app.QueryBus, probes map[string]Prober) *Server {
	return &Server{
		queryBus: queryBus,
		probes:   probes,
	}
}

type healthResponse struct {
	Status       string            `json:"status"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// GetHealthStatus reports liveness plus one probe per downstream dependency.
// Any failing dependency degrades the response to 503.
func (s *Server) GetHealthStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Dependencies: make(map[string]string, len(s.probes))}
	code := http.StatusOK
	for name, probe := range s.probes {
		if err := probe(ctx); err != nil {
			resp.Status = "degraded"
			resp.Dependencies[name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Dependencies[name] = "ok"
	}

	writeJSON(w, code, resp)
}

type statusResponse struct {
	UptimeSeconds float64 `json:"uptime_seconds"`
	Received      uint64  `json:"received"`
	Committed     uint64  `json:"committed"`
	Suppressed    uint64  `json:"suppressed"`
	Rejected      uint64  `json:"rejected"`
	Failed        uint64  `json:"failed"`
	LastOutcomeAt string  `json:"last_outcome_at,omitempty"`
}

func (s *Server) GetPipelineStatus(w http.ResponseWriter, r *http.Request) {
	result, err := s.queryBus.GetPipelineStatus(r.Context(), queries.GetPipelineStatusQuery{})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := statusResponse{
		UptimeSeconds: result.Uptime.Seconds(),
		Received:      result.Received,
		Committed:     result.Committed,
		Suppressed:    result.Suppressed,
		Rejected:      result.Rejected,
		Failed:        result.Failed,
	}
	if !result.LastOutcomeAt.IsZero() {
		resp.LastOutcomeAt = result.LastOutcomeAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
