package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"rendezvous/internal/core/ports"
	"rendezvous/internal/core/services"
	"rendezvous/pkg/config"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func currentStatus(cfg *config.Config) ports.ParticipantStatus {
	return ports.ParticipantStatus{
		Name:      cfg.Participant.Name,
		Latitude:  cfg.Participant.Latitude,
		Longitude: cfg.Participant.Longitude,
	}
}

// logUpdate reports the agent's view whenever the log moves.
func logUpdate(log *zap.SugaredLogger) func(services.Update) {
	return func(u services.Update) {
		switch u.Kind {
		case services.UpdateInit:
			log.Infow("joined relay", "participant_id", u.ID, "ip", u.IP, "log_length", u.LogLength)
		case services.UpdateLogUpdate:
			linked := 0
			for _, p := range u.State.Others(u.ID) {
				if u.State.IsActive(u.ID, p.ID) && !u.State.ClosedAfter(u.ID, p.ID) {
					linked++
				}
			}
			log.Infow("log updated",
				"participant_id", u.ID,
				"log_length", u.LogLength,
				"participants", len(u.State.Participants),
				"linked", linked,
			)
		case services.UpdateStatus:
			log.Debugw("status sent", "participant_id", u.ID)
		}
	}
}

func serveMetrics(ctx context.Context, addr string, log *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infow("serving metrics", "address", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorw("metrics server failed", "error", err)
	}
}
