package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"peerlink/internal/infrastructure/distributed"
	"peerlink/internal/infrastructure/monitoring"
	"peerlink/internal/infrastructure/signal"
	"peerlink/pkg/circuitbreaker"
	"peerlink/pkg/config"
	"peerlink/pkg/peer"
	"peerlink/pkg/tracing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	connectOptions struct {
		initiator      bool
		room           string
		peerID         string
		metricsAddress string
	}
	connectCmd = &cobra.Command{
		Use:   "connect",
		Short: "join a room and pipe stdin and stdout over a data channel",
		RunE:  runConnect,
	}
)

func init() {
	connectCmd.Flags().BoolVar(&connectOptions.initiator, "initiator", false, "create the data channel and send the offer")
	connectCmd.Flags().StringVar(&connectOptions.room, "room", "", "overrides relay.room")
	connectCmd.Flags().StringVar(&connectOptions.peerID, "peer-id", "", "the id to join the room under, assigned by the relay when empty")
	connectCmd.Flags().StringVar(&connectOptions.metricsAddress, "metrics-address", "", "serve prometheus metrics on this address")
}

func runConnect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if connectOptions.room != "" {
		cfg.Relay.Room = connectOptions.room
	}

	zapLogger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if !peer.Supported() {
		return errors.New("webrtc is not supported in this environment")
	}

	tp, err := tracing.Init(cfg.Tracing)
	if err != nil {
		return err
	}
	defer tp.Shutdown(context.Background())

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	collector := monitoring.NewPrometheusCollector(nil)
	if connectOptions.metricsAddress != "" {
		go func() {
			if err := http.ListenAndServe(connectOptions.metricsAddress, promhttp.Handler()); err != nil {
				log.Warnw("metrics server stopped", "error", err)
			}
		}()
	}

	pionCfg := cfg.PionConfig()
	pionCfg.Logger = zapLogger.Named("pion")
	engine, err := peer.NewPionEngine(pionCfg)
	if err != nil {
		return err
	}

	relay, err := openRelay(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer relay.Close()

	opts := cfg.PeerOptions(connectOptions.initiator)
	opts.Engine = engine
	opts.Logger = zapLogger
	opts.Observer = collector
	opts.Context = ctx
	p, err := peer.New(opts)
	if err != nil {
		return err
	}
	defer p.Destroy()

	p.OnData(dataSink(os.Stdout, p, log))
	p.OnConnect(func() {
		log.Infow("connected", "room", cfg.Relay.Room, "remote", p.RemoteAddress())
		go func() {
			if _, err := io.Copy(p, os.Stdin); err != nil {
				log.Warnw("stopped reading stdin", "error", err)
				return
			}
			// stdin is exhausted, let the remote drain what we sent
			p.Finish()
		}()
	})

	bridged := make(chan error, 1)
	go func() { bridged <- signal.Bridge(ctx, p, relay, log) }()

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer ossignal.Stop(sigChan)

	select {
	case err := <-bridged:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("session ended: %w", err)
		}
		log.Info("session ended")
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}
	return nil
}

// dataSink copies received data to w. The first failed write finishes the
// session since nothing further can be delivered.
func dataSink(w io.Writer, p interface{ Finish() }, log *zap.SugaredLogger) func([]byte) {
	failed := false
	return func(data []byte) {
		if failed {
			return
		}
		if _, err := w.Write(data); err != nil {
			failed = true
			log.Warnw("failed to write received data, finishing", "error", err)
			p.Finish()
		}
	}
}

// openRelay joins the configured room through the configured relay kind
func openRelay(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (signal.Relay, error) {
	switch cfg.Relay.Kind {
	case config.RelayWebSocket:
		client, err := signal.Dial(ctx, signal.ClientConfig{
			URL:          cfg.Relay.URL,
			Room:         cfg.Relay.Room,
			PeerID:       connectOptions.peerID,
			Token:        cfg.Relay.Token,
			WriteTimeout: cfg.Signal.WriteTimeout,
			Retry:        cfg.Relay.Retry,
			Logger:       log,
		})
		if err != nil {
			return nil, err
		}
		return client, nil

	case config.RelayRedis:
		client, err := distributed.NewRedisClient(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, log)
		if err != nil {
			return nil, err
		}
		// losing Redis mid-negotiation stalls the session, so say so early
		health := monitoring.NewHealthChecker()
		health.AddRedisCheck(client, 10*time.Second, 2*time.Second)
		health.StartBackgroundChecks(ctx, func(name string, err error) {
			log.Warnw("health check failed", "check", name, "error", err)
		})

		instanceID := connectOptions.peerID
		if instanceID == "" {
			instanceID = uuid.NewString()
		}
		breaker := circuitbreaker.New(cfg.Redis.CircuitBreaker)
		breaker.OnStateChange(func(from, to circuitbreaker.State) {
			log.Warnw("redis circuit breaker changed state", "from", from, "to", to)
		})
		bus := distributed.NewEventBus(client, instanceID, cfg.Redis.ChannelPrefix, log).WithCircuitBreaker(breaker)
		relay, err := distributed.NewRedisRelay(ctx, bus, cfg.Relay.Room, log)
		if err != nil {
			client.Close()
			return nil, err
		}
		return relay, nil

	default:
		return nil, fmt.Errorf("relay kind %q cannot connect separate processes", cfg.Relay.Kind)
	}
}
