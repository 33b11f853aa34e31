// Command canvascast runs the canvas-to-RTMP streaming relay: it accepts
// rendered avatar frames from browsers over WebSocket and publishes them
// to RTMP ingest endpoints through per-session encoder subprocesses.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/canvascast/canvascast/internal/api"
	"github.com/canvascast/canvascast/internal/certs"
	"github.com/canvascast/canvascast/internal/config"
	"github.com/canvascast/canvascast/internal/gateway"
	"github.com/canvascast/canvascast/internal/logging"
	"github.com/canvascast/canvascast/internal/metrics"
	"github.com/canvascast/canvascast/internal/quality"
	"github.com/canvascast/canvascast/internal/session"
)

var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	cfgPath := os.Getenv("CANVASCAST_CONFIG")
	if cfgPath == "" {
		cfgPath = "canvascast.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	registry := session.NewRegistry(log)
	met := metrics.New()
	table := quality.NewTable(planOverrides(cfg.Plans))

	gw := gateway.New(gateway.Config{
		Registry:       registry,
		Quality:        table,
		EncoderBinary:  cfg.Encoder.Binary,
		SpawnTimeout:   cfg.Encoder.SpawnTimeout(),
		StopGrace:      cfg.Encoder.StopGrace(),
		QueueSize:      cfg.Stream.MaxPendingFrames,
		StatusInterval: cfg.Stream.StatusInterval(),
		Instruments:    met,
		Logger:         log,
	})

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: api.New(registry, met, gw, log).Router(),
	}

	scheme := "ws"
	if cfg.Server.TLS {
		cert, err := certs.Generate(30 * 24 * time.Hour)
		if err != nil {
			log.Error("failed to generate certificate", "error", err)
			os.Exit(1)
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert.TLSCert}}
		scheme = "wss"
		log.Info("self-signed certificate generated",
			"fingerprint", cert.FingerprintBase64(),
			"expires", cert.NotAfter.Format(time.RFC3339),
		)
	}

	log.Info("canvascast starting",
		"version", version,
		"addr", cfg.Server.Addr,
		"scheme", scheme,
		"encoder", cfg.Encoder.Binary,
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if cfg.Server.TLS {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)

		stopAllSessions(registry, log)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

// stopAllSessions tears down every live session and waits for the encoder
// subprocesses to be reaped so none outlive the daemon.
func stopAllSessions(registry *session.Registry, log *slog.Logger) {
	sessions := registry.List()
	if len(sessions) == 0 {
		return
	}
	log.Info("stopping live sessions", "count", len(sessions))

	for _, s := range sessions {
		s.RequestStop()
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-time.After(shutdownTimeout):
			log.Warn("session did not finish in time", "session", s.ID())
		}
	}
}

func planOverrides(plans []config.PlanConfig) map[string]quality.Profile {
	if len(plans) == 0 {
		return nil
	}
	out := make(map[string]quality.Profile, len(plans))
	for _, p := range plans {
		out[p.Name] = quality.Profile{
			BitrateKbps: p.BitrateKbps,
			Width:       p.Width,
			Height:      p.Height,
			FrameRate:   p.FrameRate,
		}
	}
	return out
}
