package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/pkg/retry"
	"github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/service/config"
	"github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/service/pipeline"
	"github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/service/pipeline/adapters/fhir"
	pipelineHTTP "github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/service/pipeline/adapters/http"
	"github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/service/pipeline/adapters/matchbox"
	"github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/service/pipeline/adapters/mllp"
	"github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/service/pipeline/app"
	"github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/service/pipeline/app/commands"
	"github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/service/pipeline/app/queries"
	"github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/service/runtime"
)

type Service struct {
	cfg        config.Config
	logger     *slog.Logger
	mllpServer *mllp.Server
	opsServer  *http.Server
}

// NewPipelineService wires the whole ingestion pipeline from configuration:
// gateway and store clients, dedup engine, submission coordinator, MLLP
// listener and the operational HTTP server.
func NewPipelineService(configPath string) (*Service, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// adapters
	gateway := matchbox.NewClient(matchbox.Config{
		BaseURL:      cfg.Gateway.BaseURL,
		StructureMap: cfg.Gateway.StructureMap,
		Timeout:      cfg.Gateway.Timeout.Std(),
	}, logger)
	store := fhir.NewClient(fhir.ClientConfig{
		BaseURL:  cfg.Store.BaseURL,
		Username: cfg.Store.Username,
		Password: cfg.Store.Password,
		Timeout:  cfg.Store.Timeout.Std(),
	}, logger, registry)
	dedup := fhir.NewDeduplicator(store, cfg.Device, logger)

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.Retry.MaxAttempts
	retryCfg.InitialDelay = cfg.Retry.InitialDelay.Std()
	retryCfg.MaxDelay = cfg.Retry.MaxDelay.Std()

	stats := pipeline.NewStats()

	// commands
	processHandler := commands.NewProcessMessageHandler(
		gateway, dedup, store, cfg.Device, retryCfg, stats, logger, registry)
	cmdBus := app.NewCommandBus(processHandler)

	// queries
	statusHandler := queries.NewGetPipelineStatusHandler(stats)
	queryBus := app.NewQueryBus(statusHandler)

	// ingestion listener
	mllpServer := mllp.NewServer(mllp.ServerConfig{
		Bind:          cfg.MLLP.Bind,
		MaxFrameBytes: cfg.MLLP.MaxFrameBytes,
		GracePeriod:   cfg.MLLP.GracePeriod.Std(),
	}, cmdBus, logger, registry)

	// operational surface
	opsHandlers := pipelineHTTP.NewServer(queryBus, map[string]pipelineHTTP.Prober{
		"store":   store.Healthcheck,
		"gateway": gateway.Ping,
	})
	opsServer := runtime.NewHTTPServer(cfg, opsHandlers, registry)

	return &Service{
		cfg:        cfg,
		logger:     logger,
		mllpServer: mllpServer,
		opsServer:  opsServer,
	}, nil
}

// Start runs the service until SIGINT/SIGTERM, then shuts down gracefully:
// the listener stops accepting, in-flight messages get the configured grace
// period, then connections are force-closed.
func (s *Service) Start(ctx context.Context) error {
	if err := s.mllpServer.Start(ctx); err != nil {
		return err
	}

	go func() {
		s.logger.Info("ops server listening", "bind", s.cfg.Ops.Bind)
		if err := s.opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ops server failed", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case <-stop:
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	s.mllpServer.Stop()

	timeoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.opsServer.Shutdown(timeoutCtx); err != nil {
		return err
	}

	s.logger.Info("stopped")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
