package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcourtman/quartermaster/internal/api"
	"github.com/rcourtman/quartermaster/internal/config"
	"github.com/rcourtman/quartermaster/internal/logging"
	"github.com/rcourtman/quartermaster/internal/registration"
	"github.com/rcourtman/quartermaster/internal/rhsm"
	"github.com/rcourtman/quartermaster/internal/screen"
	"github.com/rcourtman/quartermaster/internal/status"
	"github.com/rcourtman/quartermaster/internal/websocket"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 30 * time.Second

// newGateway opens the bus gateway. Tests replace it with a fake.
var newGateway = func(cfg *config.Config) (rhsm.Gateway, func() error) {
	gw := rhsm.NewDBusGateway(cfg.BusRetries)
	return gw, gw.Close
}

func clientConfig(cfg *config.Config) rhsm.ClientConfig {
	return rhsm.ClientConfig{
		CallTimeout:     cfg.CallTimeout,
		RegisterTimeout: cfg.RegisterTimeout,
		BreakerFailures: cfg.BreakerFailures,
		BreakerCooldown: cfg.BreakerCooldown,
		Bus:             rhsm.Bus(cfg.Bus),
	}
}

func initLogging(cfg *config.Config) {
	logging.Init(logging.Config{
		Format:     cfg.LogFormat,
		Level:      cfg.LogLevel,
		Component:  "quartermaster",
		FilePath:   cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSize,
		MaxAgeDays: cfg.LogMaxAge,
		MaxBackups: cfg.LogBackups,
	})
}

func runServer() {
	// Baseline logger for early startup messages
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "quartermaster",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	initLogging(cfg)
	defer logging.Shutdown()

	log.Info().Str("version", Version).Str("bus", cfg.Bus).Msg("Starting Quartermaster")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.MetricsPort > 0 {
		startMetricsServer(ctx, net.JoinHostPort(cfg.FrontendHost, strconv.Itoa(cfg.MetricsPort)))
	}

	gateway, closeGateway := newGateway(cfg)
	defer func() {
		if err := closeGateway(); err != nil {
			log.Warn().Err(err).Msg("Failed to close bus connections")
		}
	}()

	client := rhsm.NewClient(gateway, clientConfig(cfg))
	feed := status.NewFeed(client)
	panel := screen.New(feed, registration.NewFlow(client))

	wsHub := websocket.NewHub(panel)
	wsHub.SetAllowedOrigins(cfg.OriginList())
	go wsHub.Run(ctx)

	router := api.NewRouter(api.Options{
		WebSocket:      wsHub.HandleWebSocket,
		Status:         feed,
		Config:         client,
		Version:        api.VersionInfo{Version: Version, BuildTime: BuildTime, GitCommit: GitCommit},
		AllowEmbedding: cfg.AllowEmbedding,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	// ReadHeaderTimeout instead of ReadTimeout: a read deadline on the
	// connection would outlive the WebSocket upgrade.
	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.FrontendHost, strconv.Itoa(cfg.FrontendPort)),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	configWatcher, err := config.NewConfigWatcher(cfg, logging.SetGlobalLevel)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create config watcher, .env changes will require restart")
	} else {
		if err := configWatcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start config watcher")
		}
		defer configWatcher.Stop()
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("host", cfg.FrontendHost).
			Int("port", cfg.FrontendPort).
			Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	reloadChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	signal.Notify(reloadChan, syscall.SIGHUP)

loop:
	for {
		select {
		case <-reloadChan:
			log.Info().Msg("Received SIGHUP, reloading configuration...")
			if configWatcher != nil {
				configWatcher.ReloadConfig()
			}
		case err := <-serveErr:
			log.Error().Err(err).Msg("HTTP server failed")
			break loop
		case <-sigChan:
			log.Info().Msg("Shutting down server...")
			break loop
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	// Ending the sessions stops any register server still open. The bus
	// connections are closed by the deferred closeGateway only after that.
	cancel()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer drainCancel()
	if err := wsHub.Wait(drainCtx); err != nil {
		log.Warn().Err(err).Int("sessions", wsHub.GetClientCount()).Msg("Panel sessions still running at shutdown")
	}
	log.Info().Msg("Server stopped")
}

// startMetricsServer exposes the Prometheus registry on its own listener so
// it can stay off the public interface.
func startMetricsServer(ctx context.Context, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to shut down metrics server cleanly")
		}
	}()

	go func() {
		log.Info().Str("addr", addr).Msg("Metrics endpoint listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Str("addr", addr).Msg("Metrics server stopped unexpectedly")
		}
	}()
	return srv
}
