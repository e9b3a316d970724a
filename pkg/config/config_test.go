package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerlink/pkg/peer"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, RelayWebSocket, cfg.Relay.Kind)
	assert.True(t, cfg.Peer.Trickle)
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "negative reconnect grace",
			mutate: func(c *Config) { c.Peer.ReconnectGrace = -time.Second },
		},
		{
			name:   "half a port range",
			mutate: func(c *Config) { c.Peer.PortRange.Min = 5000 },
		},
		{
			name: "inverted port range",
			mutate: func(c *Config) {
				c.Peer.PortRange.Min = 6000
				c.Peer.PortRange.Max = 5000
			},
		},
		{
			name:   "ice server without urls",
			mutate: func(c *Config) { c.Peer.ICEServers = []ICEServer{{Username: "u"}} },
		},
		{
			name:   "ice server with http url",
			mutate: func(c *Config) { c.Peer.ICEServers = []ICEServer{{URLs: []string{"http://stun.example.org"}}} },
		},
		{
			name:   "room of one",
			mutate: func(c *Config) { c.Signal.MaxPeersPerRoom = 1 },
		},
		{
			name:   "relay url with http scheme",
			mutate: func(c *Config) { c.Relay.URL = "http://localhost:8081/ws" },
		},
		{
			name:   "room with spaces",
			mutate: func(c *Config) { c.Relay.Room = "my room" },
		},
		{
			name:   "empty signal address",
			mutate: func(c *Config) { c.Signal.Address = "" },
		},
		{
			name:   "pong timeout not above ping interval",
			mutate: func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval },
		},
		{
			name:   "unknown relay kind",
			mutate: func(c *Config) { c.Relay.Kind = "carrier-pigeon" },
		},
		{
			name: "redis relay without address",
			mutate: func(c *Config) {
				c.Relay.Kind = RelayRedis
				c.Redis.Address = ""
			},
		},
		{
			name:   "empty room",
			mutate: func(c *Config) { c.Relay.Room = "" },
		},
		{
			name:   "auth without secret",
			mutate: func(c *Config) { c.Auth.Enabled = true },
		},
		{
			name: "rate limiting with zero burst",
			mutate: func(c *Config) {
				c.RateLimiting.Enabled = true
				c.RateLimiting.WebSocket.Burst = 0
			},
		},
		{
			name: "tracing without collector",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.JaegerURL = ""
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0

	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("PEERLINK_RELAY_ROOM", "lobby")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "lobby", cfg.Relay.Room)
	assert.Equal(t, ":8081", cfg.Signal.Address)
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peerlink.yaml")
	data := `
peer:
  trickle: false
  reconnect_grace: 5s
  channel_name: files
  offer_to_receive_audio: true
  ice_servers:
    - urls: ["stun:stun.example.org:3478"]
    - urls: ["turn:turn.example.org:3478"]
      username: alice
      credential: secret
  port_range:
    min: 50000
    max: 50100
relay:
  kind: redis
  room: team
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	t.Setenv("PEERLINK_LOG_LEVEL", "warn")
	t.Setenv("PEERLINK_REDIS_ADDRESS", "redis:6379")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.False(t, cfg.Peer.Trickle)
	assert.Equal(t, 5*time.Second, cfg.Peer.ReconnectGrace)
	assert.Equal(t, RelayRedis, cfg.Relay.Kind)
	assert.Equal(t, "team", cfg.Relay.Room)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "redis:6379", cfg.Redis.Address)
	// untouched sections keep their defaults
	assert.Equal(t, 30*time.Second, cfg.Signal.PingInterval)

	pion := cfg.PionConfig()
	assert.Equal(t, uint16(50000), pion.PortMin)
	assert.Equal(t, uint16(50100), pion.PortMax)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("peer: [unterminated"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestPeerOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Peer.Trickle = false
	cfg.Peer.ReconnectGrace = 2 * time.Second
	cfg.Peer.ChannelName = "chat"
	cfg.Peer.Ordered = false
	cfg.Peer.OfferToReceiveVideo = true
	cfg.Peer.ICEServers = []ICEServer{
		{URLs: []string{"stun:stun.example.org:3478"}},
		{URLs: []string{"turn:turn.example.org:3478"}, Username: "alice", Credential: "secret"},
	}

	opts := cfg.PeerOptions(true)

	assert.True(t, opts.Initiator)
	assert.Equal(t, "chat", opts.ChannelName)
	assert.Equal(t, 2*time.Second, opts.ReconnectGrace)
	require.NotNil(t, opts.Trickle)
	assert.False(t, *opts.Trickle)
	require.NotNil(t, opts.ChannelConfig.Ordered)
	assert.False(t, *opts.ChannelConfig.Ordered)
	assert.Equal(t, peer.Constraints{peer.OfferToReceiveVideo: true}, opts.OfferConstraints)

	require.NotNil(t, opts.Config)
	require.Len(t, opts.Config.ICEServers, 2)
	assert.Nil(t, opts.Config.ICEServers[0].Credential)
	assert.Equal(t, "secret", opts.Config.ICEServers[1].Credential)
	assert.Equal(t, webrtc.ICECredentialTypePassword, opts.Config.ICEServers[1].CredentialType)
}

func TestPeerOptions_DefaultsLeaveEngineChoices(t *testing.T) {
	opts := DefaultConfig().PeerOptions(false)

	assert.Nil(t, opts.Config)
	assert.Nil(t, opts.OfferConstraints)
	assert.Nil(t, opts.Engine)
}
