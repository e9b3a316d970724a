package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pion/webrtc/v3"
	"gopkg.in/yaml.v2"

	"peerlink/pkg/circuitbreaker"
	"peerlink/pkg/peer"
	"peerlink/pkg/retry"
	"peerlink/pkg/tracing"
	"peerlink/pkg/validation"
)

// Relay kinds
const (
	RelayWebSocket = "websocket"
	RelayRedis     = "redis"
	RelayMemory    = "memory"
)

// ICEServer is one STUN or TURN server
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Peer struct {
		Trickle             bool          `yaml:"trickle"`
		ReconnectGrace      time.Duration `yaml:"reconnect_grace"`
		ChannelName         string        `yaml:"channel_name"`
		Ordered             bool          `yaml:"ordered"`
		OfferToReceiveAudio bool          `yaml:"offer_to_receive_audio"`
		OfferToReceiveVideo bool          `yaml:"offer_to_receive_video"`
		ICEServers          []ICEServer   `yaml:"ice_servers"`
		PortRange           struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"peer"`

	Signal struct {
		Address             string        `yaml:"address"`
		PingInterval        time.Duration `yaml:"ping_interval"`
		PongTimeout         time.Duration `yaml:"pong_timeout"`
		WriteTimeout        time.Duration `yaml:"write_timeout"`
		ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
		MaxMessageSizeBytes int64         `yaml:"max_message_size_bytes"`
		MaxPeersPerRoom     int           `yaml:"max_peers_per_room"`
		MaxRooms            int           `yaml:"max_rooms"`
		AllowedOrigins      []string      `yaml:"allowed_origins"`
	} `yaml:"signal"`

	Relay struct {
		Kind  string       `yaml:"kind"`
		URL   string       `yaml:"url"`
		Room  string       `yaml:"room"`
		Token string       `yaml:"token"`
		Retry retry.Config `yaml:"retry"`
	} `yaml:"relay"`

	Redis struct {
		Address       string `yaml:"address"`
		Password      string `yaml:"password"`
		DB            int    `yaml:"db"`
		PoolSize      int    `yaml:"pool_size"`
		ChannelPrefix string `yaml:"channel_prefix"`

		CircuitBreaker circuitbreaker.Config `yaml:"circuit_breaker"`
	} `yaml:"redis"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Tracing tracing.Config `yaml:"tracing"`

	Auth struct {
		Enabled   bool          `yaml:"enabled"`
		JWTSecret string        `yaml:"jwt_secret"`
		Issuer    string        `yaml:"issuer"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond float64 `yaml:"messages_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Peer
	if c.Peer.ReconnectGrace < 0 {
		return fmt.Errorf("peer.reconnect_grace must be >= 0")
	}
	if c.Peer.PortRange.Min > 0 || c.Peer.PortRange.Max > 0 {
		if c.Peer.PortRange.Min == 0 || c.Peer.PortRange.Max == 0 {
			return fmt.Errorf("peer.port_range.min and max must both be set when one is set")
		}
		if c.Peer.PortRange.Min >= c.Peer.PortRange.Max {
			return fmt.Errorf("peer.port_range.min must be < max")
		}
	}
	if c.Peer.ChannelName != "" {
		if err := validation.ValidateStringLength(c.Peer.ChannelName, 1, 65535, "peer.channel_name"); err != nil {
			return err
		}
	}
	for i, s := range c.Peer.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("peer.ice_servers[%d].urls must not be empty", i)
		}
		for _, u := range s.URLs {
			if err := validation.ValidateICEURL(u); err != nil {
				return fmt.Errorf("peer.ice_servers[%d]: %w", i, err)
			}
		}
	}

	// Signal
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.ShutdownTimeout <= 0 {
		return fmt.Errorf("signal.shutdown_timeout must be > 0")
	}
	if c.Signal.MaxMessageSizeBytes <= 0 {
		return fmt.Errorf("signal.max_message_size_bytes must be > 0")
	}
	if c.Signal.MaxPeersPerRoom < 2 {
		return fmt.Errorf("signal.max_peers_per_room must be >= 2")
	}
	if c.Signal.MaxRooms < 0 {
		return fmt.Errorf("signal.max_rooms must be >= 0")
	}

	// Relay
	switch c.Relay.Kind {
	case RelayWebSocket:
		if err := validation.ValidateRelayURL(c.Relay.URL); err != nil {
			return fmt.Errorf("relay.url: %w", err)
		}
	case RelayRedis:
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when relay.kind=redis")
		}
		if err := validation.ValidateNonEmptyString(c.Redis.ChannelPrefix, "redis.channel_prefix"); err != nil {
			return err
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when relay.kind=redis")
		}
		if c.Redis.CircuitBreaker.FailureThreshold > 0 && c.Redis.CircuitBreaker.OpenTimeout <= 0 {
			return fmt.Errorf("redis.circuit_breaker.open_timeout must be > 0 when the breaker is enabled")
		}
	case RelayMemory:
	default:
		return fmt.Errorf("relay.kind must be one of websocket, redis, memory, got %q", c.Relay.Kind)
	}
	if err := validation.ValidateRoom(c.Relay.Room); err != nil {
		return fmt.Errorf("relay.room: %w", err)
	}
	if c.Relay.Retry.Enabled && c.Relay.Retry.MaxAttempts < 0 {
		return fmt.Errorf("relay.retry.max_attempts must be >= 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Tracing
	if c.Tracing.Enabled && c.Tracing.JaegerURL == "" {
		return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
	}

	// Auth
	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret must not be empty when auth.enabled=true")
		}
		if c.Auth.TokenTTL <= 0 {
			return fmt.Errorf("auth.token_ttl must be > 0 when auth.enabled=true")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); configPath == "" || os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Peer.Trickle = true
	cfg.Peer.Ordered = true

	cfg.Signal.Address = ":8081"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.ShutdownTimeout = 30 * time.Second
	cfg.Signal.MaxMessageSizeBytes = 64 * 1024
	cfg.Signal.MaxPeersPerRoom = 2
	cfg.Signal.MaxRooms = 10000
	cfg.Signal.AllowedOrigins = []string{"*"}

	cfg.Relay.Kind = RelayWebSocket
	cfg.Relay.URL = "ws://localhost:8081/ws"
	cfg.Relay.Room = "default"
	cfg.Relay.Retry = retry.DefaultConfig()

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.ChannelPrefix = "peerlink:room:"
	cfg.Redis.CircuitBreaker = circuitbreaker.DefaultConfig()

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Tracing = tracing.DefaultConfig()

	cfg.Auth.Enabled = false
	cfg.Auth.Issuer = "peerlink"
	cfg.Auth.TokenTTL = time.Hour

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("PEERLINK_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if kind := os.Getenv("PEERLINK_RELAY_KIND"); kind != "" {
		c.Relay.Kind = kind
	}
	if url := os.Getenv("PEERLINK_RELAY_URL"); url != "" {
		c.Relay.URL = url
	}
	if room := os.Getenv("PEERLINK_RELAY_ROOM"); room != "" {
		c.Relay.Room = room
	}
	if token := os.Getenv("PEERLINK_RELAY_TOKEN"); token != "" {
		c.Relay.Token = token
	}
	if addr := os.Getenv("PEERLINK_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
	if level := os.Getenv("PEERLINK_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("PEERLINK_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
}

// ICEServers converts the configured servers, nil when none are configured
func (c *Config) ICEServers() []webrtc.ICEServer {
	if len(c.Peer.ICEServers) == 0 {
		return nil
	}
	servers := make([]webrtc.ICEServer, 0, len(c.Peer.ICEServers))
	for _, s := range c.Peer.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, server)
	}
	return servers
}

// PeerOptions builds session options from the peer section. Engine, logger
// and observer are left for the caller.
func (c *Config) PeerOptions(initiator bool) peer.Options {
	ordered := c.Peer.Ordered
	opts := peer.Options{
		Initiator:      initiator,
		ChannelName:    c.Peer.ChannelName,
		ChannelConfig:  &webrtc.DataChannelInit{Ordered: &ordered},
		ReconnectGrace: c.Peer.ReconnectGrace,
		Trickle:        peer.Bool(c.Peer.Trickle),
	}
	if servers := c.ICEServers(); servers != nil {
		opts.Config = &webrtc.Configuration{ICEServers: servers}
	}

	offer := peer.Constraints{}
	if c.Peer.OfferToReceiveAudio {
		offer[peer.OfferToReceiveAudio] = true
	}
	if c.Peer.OfferToReceiveVideo {
		offer[peer.OfferToReceiveVideo] = true
	}
	if len(offer) > 0 {
		opts.OfferConstraints = offer
	}
	return opts
}

// PionConfig configures the default engine from the peer section
func (c *Config) PionConfig() peer.PionConfig {
	return peer.PionConfig{PortMin: c.Peer.PortRange.Min, PortMax: c.Peer.PortRange.Max}
}
