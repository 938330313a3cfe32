package runtime

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/service/config"
	pipelineHTTP "github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/service/pipeline/adapters/http"
)

// NewHTTPServer builds the operational HTTP server: health, status and
// metrics. It serves until the service shuts it down.
func NewHTTPServer(cfg config.Config, server *pipelineHTTP.Server, registry *prometheus.Registry) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", server.GetHealthStatus)
	r.Get("/status", server.GetPipelineStatus)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &http.Server{
		Addr:              cfg.Ops.Bind,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
