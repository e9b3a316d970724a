package peer

import (
	"context"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	// HighWaterMark is the buffered byte count above which write completions are held
	HighWaterMark = 64 * 1024

	lowWatermarkPollInterval = 150 * time.Millisecond
	statsRetryInterval       = 100 * time.Millisecond
	finishGrace              = 1000 * time.Millisecond
)

// Options configure a Peer. They are copied by New and never modified afterwards.
type Options struct {
	// Initiator creates the data channel and sends the offer
	Initiator bool
	// ChannelName labels the initiator's data channel, a random uuid when empty
	ChannelName   string
	ChannelConfig *webrtc.DataChannelInit
	// Config defaults to DefaultConfiguration when nil
	Config *webrtc.Configuration

	Constraints       Constraints
	OfferConstraints  Constraints
	AnswerConstraints Constraints

	// ReconnectGrace is how long a disconnected ICE connection may take to
	// recover before the peer is destroyed. Zero destroys immediately.
	ReconnectGrace time.Duration
	// SDPTransform rewrites local descriptions before they are applied and sent
	SDPTransform func(sdp string) string
	// Trickle emits candidates individually as they are gathered. Defaults to true.
	Trickle *bool

	// Engine overrides the capability provider
	Engine   Engine
	Logger   *zap.Logger
	Observer Observer
	// Context is the parent of the session's tracing span
	Context context.Context
}

// Bool returns a pointer to b, for Options.Trickle
func Bool(b bool) *bool {
	return &b
}

// DefaultConfiguration returns the ICE configuration used when Options.Config is nil
func DefaultConfiguration() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
			{URLs: []string{"stun:global.stun.twilio.com:3478"}},
		},
	}
}

func (o Options) trickle() bool {
	return o.Trickle == nil || *o.Trickle
}

// Observer receives session lifecycle notifications, typically for metrics.
// Methods are called from the session's serialized context and must not block.
type Observer interface {
	PeerCreated(id string, initiator bool)
	PeerConnected(id string, setup time.Duration)
	PeerClosed(id string, err error)
	SignalEmitted(kind string)
	BytesSent(n int)
	BytesReceived(n int)
	Backpressure()
}

type nopObserver struct{}

func (nopObserver) PeerCreated(string, bool)            {}
func (nopObserver) PeerConnected(string, time.Duration) {}
func (nopObserver) PeerClosed(string, error)            {}
func (nopObserver) SignalEmitted(string)                {}
func (nopObserver) BytesSent(int)                       {}
func (nopObserver) BytesReceived(int)                   {}
func (nopObserver) Backpressure()                       {}
