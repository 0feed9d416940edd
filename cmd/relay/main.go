package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/services"
	httphandlers "rillcall/internal/handlers/http"
	"rillcall/internal/infrastructure/distributed"
	"rillcall/internal/infrastructure/middleware"
	"rillcall/internal/infrastructure/monitoring"
	"rillcall/internal/infrastructure/repositories"
	relay "rillcall/internal/infrastructure/signal"
	"rillcall/pkg/circuitbreaker"
	"rillcall/pkg/config"
	"rillcall/pkg/logger"
	"rillcall/pkg/relaycred"
	"rillcall/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.New("info", "json").Sugar().Fatalw("Failed to load configuration", "path", *configPath, "error", err)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	ctxLog := logger.NewContextLogger(zapLogger)

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("Failed to initialize tracing", "error", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage
	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	records := repoFactory.CreateCallRecordRepository()
	archive, err := repoFactory.CreateSampleArchive(rootCtx)
	if err != nil {
		log.Fatalw("Failed to initialize sample archive", "error", err)
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := monitoring.NewPrometheusCollector(registry)
	metricsService := services.NewMetricsService()

	breakerCfg := circuitbreaker.DefaultConfig()
	breakerCfg.Name = "call_records"
	breaker := circuitbreaker.New(breakerCfg)
	breaker.OnStateChange(func(name string, from, to circuitbreaker.State) {
		collector.RecordBreakerState(name, from, to)
		log.Warnw("Circuit breaker state changed", "name", name, "from", from, "to", to)
	})

	ledgerOpts := []services.CallLedgerOption{
		services.WithCallObservers(metricsService, collector),
	}
	if archive != nil {
		ledgerOpts = append(ledgerOpts, services.WithSampleArchive(archive))
	}

	var eventBus *distributed.EventBus
	if client := repoFactory.RedisClient(); client != nil {
		instanceID := uuid.NewString()
		eventBus = distributed.NewEventBus(client, instanceID, log)
		ledgerOpts = append(ledgerOpts, services.WithEventPublisher(eventBus))
		go func() {
			err := eventBus.Subscribe(rootCtx, func(event domain.CallEvent) error {
				log.Debugw("Remote call event",
					"type", event.Type,
					"call_id", event.CallID,
					"status", event.Status,
				)
				return nil
			})
			if err != nil && rootCtx.Err() == nil {
				log.Errorw("Event bus subscription ended", "error", err)
			}
		}()
		log.Infow("Publishing call events", "instance_id", instanceID, "channel", distributed.DefaultChannel)
	}

	ledger := services.NewCallLedger(records, breaker, log, ledgerOpts...)

	// Signaling
	relayCfg := relay.DefaultConfig()
	relayCfg.PingInterval = cfg.Signal.PingInterval
	relayCfg.ReadTimeout = cfg.Signal.PongTimeout
	relayCfg.WriteTimeout = cfg.Signal.WriteTimeout
	relayCfg.AllowedOrigins = cfg.Auth.AllowedOrigins
	relayCfg.MessageRate = 0
	if cfg.RateLimiting.Enabled {
		relayCfg.MessageRate = cfg.RateLimiting.WebSocket.MessagesPerSecond
		relayCfg.MessageBurst = cfg.RateLimiting.WebSocket.Burst
	}

	relayOpts := []relay.Option{relay.WithMetrics(collector)}
	var authService *services.AuthService
	if cfg.Auth.Enabled {
		authService = services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL, cfg.Auth.Issuer)
		relayOpts = append(relayOpts, relay.WithAuth(authService))
	}
	relayServer := relay.NewRelayServer(relayCfg, ledger, log, relayOpts...)

	// Health
	checker := monitoring.NewHealthChecker()
	checker.AddRepositoryCheck(records, cfg.Monitoring.HealthCheckInterval, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		checker.AddRedisCheck(client, cfg.Monitoring.HealthCheckInterval, 2*time.Second)
	}
	checker.StartBackgroundChecks(rootCtx)

	// HTTP
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestIDMiddleware(),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(ctxLog),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	var gatherer prometheus.Gatherer
	if cfg.Monitoring.PrometheusEnabled {
		gatherer = registry
	}
	httphandlers.NewHealthHandler(checker, gatherer).SetupRoutes(router)
	router.GET(cfg.Signal.Path, gin.WrapF(relayServer.HandleWebSocket))

	api := router.Group("/api/v1")
	if authService != nil {
		api.Use(middleware.AuthMiddleware(authService))
	}
	httphandlers.NewCallHandler(relayServer, ledger, records, metricsService).SetupRoutes(api)
	if cfg.RelayCredentials.Secret != "" {
		issuer := relaycred.NewIssuer(cfg.RelayCredentials.Secret, cfg.RelayCredentials.TTL, cfg.RelayCredentials.URIs)
		httphandlers.NewRelayCredentialsHandler(issuer, authService != nil).SetupRoutes(api)
	}

	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout would cut hijacked websocket connections; the relay sets its own write deadlines.
		IdleTimeout: 2 * cfg.Server.ReadTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting rillcall relay",
			"address", cfg.Server.Address,
			"signal_path", cfg.Signal.Path,
			"auth", authService != nil,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	failed := false
	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
		failed = true
	case <-rootCtx.Done():
		log.Info("Received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		_ = srv.Close()
	}
	relayServer.Shutdown()

	// Outcomes of calls dropped by the shutdown are written before storage closes.
	done := make(chan struct{})
	go func() {
		ledger.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn("Timed out waiting for call records to flush")
	}
	ledger.Close()

	if eventBus != nil {
		_ = eventBus.Close()
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer", "error", err)
	}

	log.Info("rillcall relay stopped")
	if failed {
		os.Exit(1)
	}
}
