package http

import (
	"context"
	"net/http"
	"time"

	"peerlink/internal/core/services"
	"peerlink/internal/infrastructure/middleware"
	"peerlink/internal/infrastructure/monitoring"
	"peerlink/internal/infrastructure/signal"
	"peerlink/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const readinessTimeout = 2 * time.Second

// RouterDeps collects what the relay HTTP surface is built from
type RouterDeps struct {
	Config *config.Config
	Server *signal.WebSocketServer
	// Auth is nil when room tokens are not required
	Auth   services.AuthService
	Health *monitoring.HealthChecker
	// Gatherer backs /metrics, prometheus.DefaultGatherer when nil
	Gatherer prometheus.Gatherer
	Logger   *zap.SugaredLogger
}

// NewRouter wires the websocket relay, token issuance, health and metrics
// endpoints behind the shared middleware chain
func NewRouter(d RouterDeps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = zap.NewNop().Sugar()
	}
	startTime := time.Now()

	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(d.Logger),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(d.Logger),
	)

	// probes and scrapes stay outside the relay limits
	relay := router.Group("/", middleware.NewRelayRateLimitMiddleware(d.Config))
	ws := gin.WrapF(d.Server.HandleWebSocket)
	if d.Auth != nil {
		relay.GET("/ws", middleware.RoomAuthMiddleware(d.Auth), ws)
		NewAuthHandler(d.Auth, d.Config.Auth.TokenTTL).SetupRoutes(relay)
	} else {
		relay.GET("/ws", ws)
	}

	router.GET("/health", gin.WrapF(d.Server.HealthCheck))

	router.GET("/ready", func(c *gin.Context) {
		if d.Health == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ready", "timestamp": time.Now()})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
		defer cancel()

		status := d.Health.CheckAll(ctx)
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":    status.Status,
			"timestamp": status.Timestamp,
			"checks":    status.Checks,
			"uptime":    time.Since(startTime).String(),
		})
	})

	if d.Config.Monitoring.PrometheusEnabled {
		gatherer := d.Gatherer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	return router
}
