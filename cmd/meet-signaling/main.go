package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/moundir/meet-signaling/internal/config"
	"github.com/moundir/meet-signaling/internal/httpserver"
	"github.com/moundir/meet-signaling/internal/metrics"
	"github.com/moundir/meet-signaling/internal/room"
	"github.com/moundir/meet-signaling/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting meet-signaling",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"allowed_origins", cfg.AllowedOrigins,
		"ws_idle_timeout", cfg.SignalingWSIdleTimeout,
		"ws_ping_interval", cfg.SignalingWSPingInterval,
		"max_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"send_queue_length", cfg.SendQueueLength,
		"ice_servers", len(cfg.ICEServers),
	)

	if err := cfg.ICEConfigError(); err != nil {
		// Keep serving so /readyz can report the problem; clients just won't
		// get ICE servers until the config is fixed.
		logger.Warn("ICE server config invalid, continuing without ICE servers", "err", err)
	}

	logStartupSecurityWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	m := metrics.New()
	srv := httpserver.New(cfg, logger, resolveBuildInfo(buildCommit, buildTime), m)

	authz, err := signaling.NewAuthAuthorizer(cfg)
	if err != nil {
		logger.Error("failed to configure signaling auth", "err", err)
		os.Exit(2)
	}

	registry := room.NewRegistry()
	table := room.NewTable(registry)

	var sig *signaling.Server
	// The signaling server is the router's delivery transport; the router is
	// the signaling server's event sink. Break the construction cycle with a
	// thin indirection.
	delivery := deliveryFunc(func(connID string, ev room.Event) error {
		return sig.Send(connID, ev)
	})
	router := room.NewRouter(registry, table, delivery, logger, m)
	sig = signaling.NewServer(cfg, router, authz, logger, m)
	sig.RegisterRoutes(srv.Mux(), srv.WithOriginPolicy)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

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

type deliveryFunc func(connID string, ev room.Event) error

func (f deliveryFunc) Send(connID string, ev room.Event) error { return f(connID, ev) }

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if cfg.Mode != config.ModeProd {
		return
	}
	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("AUTH_MODE=none in prod mode; any client can use the relay")
	}
	if len(cfg.AllowedOrigins) == 0 {
		logger.Warn("ALLOWED_ORIGINS empty in prod mode; only same-host browser clients will be accepted")
	}
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			logger.Warn("ALLOWED_ORIGINS contains \"*\"; any website can open signaling connections")
		}
	}
}

func resolveBuildInfo(commit, buildTime string) httpserver.BuildInfo {
	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return httpserver.BuildInfo{Commit: commit, BuildTime: buildTime}
}
