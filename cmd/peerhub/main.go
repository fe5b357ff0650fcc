package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/driftlab/peerhub/internal/config"
	"github.com/driftlab/peerhub/internal/httpserver"
	"github.com/driftlab/peerhub/internal/metrics"
	"github.com/driftlab/peerhub/internal/room"
	"github.com/driftlab/peerhub/internal/signaling"
)

func main() {
	// Optional .env for local development; missing files are fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting peerhub",
		"listen_addr", cfg.ListenAddr,
		"static_dir", cfg.StaticDir,
		"heartbeat_interval", cfg.HeartbeatInterval,
		"reap_interval", cfg.ReapInterval,
		"max_message_bytes", cfg.MaxMessageBytes,
		"max_messages_per_second", cfg.MaxMessagesPerSecond,
	)

	registry := room.NewRegistry()
	m := metrics.New(func() float64 { return float64(registry.RoomCount()) })

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	srv := httpserver.New(cfg, logger, registry.RoomCount)

	sig := signaling.NewServer(signaling.Config{
		Registry:             registry,
		Logger:               logger,
		Metrics:              m,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		ReapInterval:         cfg.ReapInterval,
		MaxMessageBytes:      cfg.MaxMessageBytes,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		SendQueueSize:        cfg.SendQueueSize,
	})
	sig.RegisterRoutes(srv.Mux())

	srv.Mux().Handle("GET /metrics", m.Handler())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	// The monitor's timers start only once the listener is accepting.
	sig.StartMonitor()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	sig.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}
