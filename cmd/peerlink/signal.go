package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"peerlink/internal/core/services"
	httphandlers "peerlink/internal/handlers/http"
	"peerlink/internal/infrastructure/monitoring"
	"peerlink/internal/infrastructure/signal"
	"peerlink/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

const healthCheckInterval = 30 * time.Second

var signalCmd = &cobra.Command{
	Use:   "signal",
	Short: "run the websocket signaling relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		zapLogger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer zapLogger.Sync()
		log := zapLogger.Sugar()

		tp, err := tracing.Init(cfg.Tracing)
		if err != nil {
			return err
		}
		defer tp.Shutdown(context.Background())

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		collector := monitoring.NewPrometheusCollector(nil)
		server := signal.NewWebSocketServer(cfg, collector, log)

		health := monitoring.NewHealthChecker()
		if cfg.Signal.MaxRooms > 0 {
			health.AddRoomCountCheck(server.RoomCount, cfg.Signal.MaxRooms, healthCheckInterval)
		}
		health.StartBackgroundChecks(ctx, func(name string, err error) {
			log.Warnw("health check failed", "check", name, "error", err)
		})

		var authService services.AuthService
		if cfg.Auth.Enabled {
			authService = services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
		}

		if cfg.Logging.Level != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}
		router := httphandlers.NewRouter(httphandlers.RouterDeps{
			Config: cfg,
			Server: server,
			Auth:   authService,
			Health: health,
			Logger: log,
		})

		srv := &http.Server{
			Addr:    cfg.Signal.Address,
			Handler: router,
		}

		serverErr := make(chan error, 1)
		go func() {
			log.Infow("starting signaling relay", "address", cfg.Signal.Address, "auth", cfg.Auth.Enabled)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()

		sigChan := make(chan os.Signal, 1)
		ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer ossignal.Stop(sigChan)

		select {
		case err := <-serverErr:
			return fmt.Errorf("server failed: %w", err)
		case sig := <-sigChan:
			log.Infow("received shutdown signal", "signal", sig)
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
		defer shutdownCancel()

		// hijacked websocket connections are not tracked by http.Server
		server.Shutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("error during server shutdown", "error", err)
			if closeErr := srv.Close(); closeErr != nil {
				log.Errorw("error force closing server", "error", closeErr)
			}
		} else {
			log.Info("server shutdown gracefully")
		}

		return nil
	},
}
