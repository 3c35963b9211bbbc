package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rendezvous/internal/core/services"
	httphandlers "rendezvous/internal/handlers/http"
	"rendezvous/internal/infrastructure/middleware"
	"rendezvous/internal/infrastructure/monitoring"
	"rendezvous/internal/infrastructure/repositories"
	relay "rendezvous/internal/infrastructure/signal"
	"rendezvous/pkg/config"
	"rendezvous/pkg/logger"
	"rendezvous/pkg/tracing"
	"rendezvous/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.StringP("config", "c", "configs/config.yaml", "path to the YAML configuration file")
	address := pflag.String("address", "", "listen address, overrides server.address")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *address != "" {
		cfg.Server.Address = *address
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialise tracing", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage
	repoFactory := repositories.NewRepositoryFactory(ctx, cfg, log)
	eventLog := repoFactory.CreateEventLogRepository()
	mirror, err := repoFactory.CreateEventMirror(ctx)
	if err != nil {
		log.Warnw("running without event mirror", "error", err)
	}

	// Signaling
	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	opts := []services.SignalingOption{services.WithSignalingMetrics(collector)}
	if mirror != nil {
		opts = append(opts, services.WithEventMirror(mirror))
	}
	signaling := services.NewSignalingService(eventLog, cfg.Signal.HeartbeatInterval, cfg.ReapAfter(), log, opts...)
	wsServer := relay.NewWebSocketServer(signaling, cfg, middleware.NewWebSocketLimiter(cfg), log)

	go signaling.Run(ctx)

	// Health
	checker := monitoring.NewHealthChecker()
	checker.AddEventLogCheck(eventLog, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		checker.AddRedisCheck(client, 2*time.Second)
	}
	if lease := repoFactory.MirrorLease(); lease != nil {
		checker.AddLeaseCheck("mirror", lease.Lost())
	}
	checker.AddSessionCapacityCheck(signaling, cfg.RateLimiting.WebSocket.MaxConcurrent)

	// HTTP
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestIDMiddleware(),
		middleware.TracingMiddleware(),
		middleware.RequestLoggerMiddleware(log),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	router.GET(cfg.Signal.Path, gin.WrapF(wsServer.HandleWebSocket))

	presence := httphandlers.NewPresenceHandler(signaling, cfg.API.CacheTTL, cfg.API.MaxLogSlice, log)
	defer presence.Close()
	presence.SetupRoutes(router)
	httphandlers.NewHealthHandler(checker).SetupRoutes(router)

	if cfg.Monitoring.PrometheusEnabled {
		router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.Handler()))
		log.Infow("Prometheus metrics enabled", "path", cfg.Monitoring.MetricsPath)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting rendezvous signaling server",
			"address", cfg.Server.Address,
			"path", cfg.Signal.Path,
			"heartbeat", cfg.Signal.HeartbeatInterval,
			"reap_after", cfg.ReapAfter(),
		)
		for _, addr := range utils.LocalIPv4Addrs() {
			log.Infow("listening on interface", "interface", addr.Interface, "address", addr.Address)
		}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case <-ctx.Done():
		log.Info("received shutdown signal")
	}

	log.Info("shutting down rendezvous signaling server...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Errorw("websocket connections did not drain", "error", err, "open", wsServer.ConnectionCount())
	}
	if mirror != nil {
		if err := mirror.Close(); err != nil {
			log.Errorw("error flushing event mirror", "error", err)
		}
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer", "error", err)
	}

	log.Infow("rendezvous signaling server stopped", "log_length", signaling.LogLength())
}
