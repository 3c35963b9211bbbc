package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rendezvous/internal/core/services"
	"rendezvous/internal/infrastructure/monitoring"
	relay "rendezvous/internal/infrastructure/signal"
	webrtcinfra "rendezvous/internal/infrastructure/webrtc"
	"rendezvous/pkg/config"
	"rendezvous/pkg/logger"
	"rendezvous/pkg/retry"
	"rendezvous/pkg/validation"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.StringP("config", "c", "configs/config.yaml", "path to the YAML configuration file")
	server := pflag.StringP("server", "s", "", "relay websocket URL, overrides participant.server_url")
	name := pflag.StringP("name", "n", "", "display name reported in status updates")
	latitude := pflag.Float64("lat", 0, "latitude reported in status updates")
	longitude := pflag.Float64("lon", 0, "longitude reported in status updates")
	metricsAddr := pflag.String("metrics-address", "", "serve Prometheus metrics on this address when set")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *server != "" {
		cfg.Participant.ServerURL = *server
	}
	if pflag.CommandLine.Changed("name") {
		cfg.Participant.Name = *name
	}
	if pflag.CommandLine.Changed("lat") {
		cfg.Participant.Latitude = *latitude
	}
	if pflag.CommandLine.Changed("lon") {
		cfg.Participant.Longitude = *longitude
	}

	if err := validation.ValidateRelayURL(cfg.Participant.ServerURL); err != nil {
		fmt.Fprintf(os.Stderr, "invalid server URL: %v\n", err)
		os.Exit(2)
	}
	if err := validation.ValidateStatus(cfg.Participant.Name, cfg.Participant.Latitude, cfg.Participant.Longitude); err != nil {
		fmt.Fprintf(os.Stderr, "invalid status: %v\n", err)
		os.Exit(2)
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	if *metricsAddr != "" {
		go serveMetrics(ctx, *metricsAddr, log)
	}

	peers, err := webrtcinfra.NewPeerFactory(webrtcinfra.PeerConfigFrom(cfg), log)
	if err != nil {
		log.Fatalw("failed to create peer factory", "error", err)
	}

	agentCfg := services.DefaultAgentConfig()
	agentCfg.StatusInterval = cfg.Participant.StatusInterval
	agentCfg.GreetingPayload = cfg.WebRTC.GreetingPayload

	reconnect := retry.Config{
		Enabled:      cfg.Participant.Reconnect.Enabled,
		MaxAttempts:  cfg.Participant.Reconnect.MaxAttempts,
		InitialDelay: cfg.Participant.Reconnect.InitialDelay,
		MaxDelay:     cfg.Participant.Reconnect.MaxDelay,
		Multiplier:   2.0,
		Jitter:       0.2,
	}

	for {
		client, err := retry.DoValue(ctx, reconnect, func(ctx context.Context) (*relay.RelayClient, error) {
			return relay.Dial(ctx, cfg.Participant.ServerURL, relay.DefaultClientOptions(), log)
		}, retry.OnRetry(func(attempt int, delay time.Duration, err error) {
			log.Warnw("relay unreachable, retrying", "attempt", attempt, "delay", delay, "error", err)
		}))
		if err != nil {
			if ctx.Err() == nil {
				log.Errorw("giving up on relay", "url", cfg.Participant.ServerURL, "error", err)
			}
			break
		}

		agent := services.NewParticipantAgent(client, peers, agentCfg, log, services.WithAgentMetrics(collector))
		agent.SetStatus(currentStatus(cfg))
		agent.OnUpdate(logUpdate(log))

		err = agent.Run(ctx)
		_ = client.Close()

		if ctx.Err() != nil {
			break
		}
		if !errors.Is(err, services.ErrRelayClosed) || !cfg.Participant.Reconnect.Enabled {
			log.Errorw("participant agent stopped", "error", err)
			break
		}
		log.Warn("relay connection lost, reconnecting")
	}

	log.Info("participant stopped")
}
