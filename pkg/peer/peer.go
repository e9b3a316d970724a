// Package peer manages a single WebRTC peer connection: offer/answer
// negotiation, candidate trickling, the data channel with its flow control,
// endpoint resolution and teardown.
//
// All engine callbacks, timers and state-changing calls are funneled through
// one serializer per Peer, so listeners never run concurrently for the same
// Peer. Events raised before Start are held until Start is called.
package peer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"peerlink/pkg/eventbus"
	perrors "peerlink/pkg/errors"
	"peerlink/pkg/tracing"
)

// Event names
const (
	EventSignal               = "signal"
	EventConnect              = "connect"
	EventData                 = "data"
	EventTrack                = "track"
	EventStream               = "stream"
	EventClose                = "close"
	EventError                = "error"
	EventICEStateChange       = "iceStateChange"
	EventSignalingStateChange = "signalingStateChange"
)

// Addr is a resolved endpoint of the connection
type Addr struct {
	Address string
	Port    int
	Family  string
}

// Peer is one side of a peer-to-peer connection
type Peer struct {
	bus      *eventbus.Bus
	serial   *serializer
	id       string
	opts     Options
	engine   Engine
	log      *zap.Logger
	observer Observer

	ctx  context.Context
	span trace.Span

	offerConstraints  Constraints
	answerConstraints Constraints

	// guarded by mu; written only from the serializer, except destroyed
	mu           sync.Mutex
	destroyed    bool
	connected    bool
	channelName  string
	pc           PeerConnection
	channel      DataChannel
	local        Endpoint
	remote       Endpoint
	remoteFamily string
	closeErr     error
	done         chan struct{}
	createdAt    time.Time
	earlyMessage []byte
	hasEarly     bool

	// serializer-owned state
	connecting        bool
	pcReady           bool
	channelReady      bool
	iceComplete       bool
	remoteSet         bool
	offerRequested    bool
	pendingCandidates []webrtc.ICECandidateInit
	awaitingGather    *webrtc.SessionDescription
	previousStreams   map[string]struct{}

	chunk     []byte
	chunkDone func(error)
	writeDone func(error)

	reconnectTimer *time.Timer
	reconnectGen   uint64
	finishTimer    *time.Timer
	statsTimer     *time.Timer
	pollStop       chan struct{}
}

// New creates a Peer and attaches it to a connection handle from the engine.
// Negotiation starts once Start is called.
func New(opts Options) (*Peer, error) {
	engine := opts.Engine
	if engine == nil {
		engine = currentEngine()
	}
	if engine == nil {
		return nil, ErrNoWebRTCSupport
	}

	p := &Peer{
		bus:             eventbus.New(),
		serial:          newSerializer(true),
		id:              uuid.NewString()[:8],
		opts:            opts,
		engine:          engine,
		observer:        opts.Observer,
		done:            make(chan struct{}),
		createdAt:       time.Now(),
		previousStreams: make(map[string]struct{}),
	}
	if p.observer == nil {
		p.observer = nopObserver{}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	p.log = log.With(zap.String("peer_id", p.id), zap.Bool("initiator", opts.Initiator))

	legacy := engine.LegacyConstraints()
	p.offerConstraints = TransformConstraints(opts.OfferConstraints, legacy)
	p.answerConstraints = TransformConstraints(opts.AnswerConstraints, legacy)

	cfg := DefaultConfiguration()
	if opts.Config != nil {
		cfg = *opts.Config
	}

	pc, err := engine.NewPeerConnection(cfg, TransformConstraints(opts.Constraints, legacy))
	if err != nil {
		return nil, wrap(err, perrors.CodePeerConnection, "failed to create peer connection")
	}
	p.pc = pc

	parent := opts.Context
	if parent == nil {
		parent = context.Background()
	}
	p.ctx, p.span = tracing.TracePeerSession(parent, p.id, opts.Initiator)

	p.attachConnection(pc)

	if opts.Initiator {
		p.channelName = opts.ChannelName
		if p.channelName == "" {
			p.channelName = uuid.NewString()
		}
		dc, err := pc.CreateDataChannel(p.channelName, opts.ChannelConfig)
		if err == nil && dc == nil {
			err = ErrMissingChannel
		}
		if err != nil {
			_ = pc.Close()
			p.span.End()
			return nil, wrap(err, perrors.CodeDataChannel, "failed to create data channel")
		}
		p.setupData(pc, dc)

		// not every engine raises negotiationneeded for the first channel
		p.serial.do(func() { p.onNegotiationNeeded(pc) })
	}

	p.observer.PeerCreated(p.id, opts.Initiator)
	p.log.Debug("new peer", zap.String("channel", p.channelName))
	return p, nil
}

// Start lets queued engine events flow to listeners. Register listeners
// between New and Start to observe every event.
func (p *Peer) Start() {
	p.serial.release()
}

func (p *Peer) attachConnection(pc PeerConnection) {
	pc.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		p.serial.do(func() { p.onICECandidate(pc, c) })
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.serial.do(func() { p.onICEStateChange(pc, state) })
	})
	pc.OnSignalingStateChange(func(state webrtc.SignalingState) {
		p.serial.do(func() { p.onSignalingStateChange(pc, state) })
	})
	pc.OnTrack(func(t Track) {
		p.serial.do(func() { p.onTrack(pc, t) })
	})
	if p.opts.Initiator {
		pc.OnNegotiationNeeded(func() {
			p.serial.do(func() { p.onNegotiationNeeded(pc) })
		})
		pc.OnDataChannel(func(DataChannel) {})
	} else {
		pc.OnNegotiationNeeded(func() {})
		pc.OnDataChannel(func(dc DataChannel) {
			p.serial.do(func() {
				if !p.current(pc) {
					return
				}
				p.setupData(pc, dc)
			})
		})
	}
}

// current reports whether pc is still this session's live connection
func (p *Peer) current(pc PeerConnection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.destroyed && p.pc == pc
}

// ID is the random session identifier
func (p *Peer) ID() string { return p.id }

// Initiator reports the role chosen at construction
func (p *Peer) Initiator() bool { return p.opts.Initiator }

// ChannelName is the label of the data channel, empty on a responder until the channel arrives
func (p *Peer) ChannelName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channelName
}

// Connected reports whether the connect event has fired and the peer is not destroyed
func (p *Peer) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Destroyed reports whether Destroy has been called or the session failed
func (p *Peer) Destroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

// Done is closed after the close event fired
func (p *Peer) Done() <-chan struct{} { return p.done }

// Err returns the error the session was destroyed with, if any
func (p *Peer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeErr
}

// BufferSize is the number of bytes queued on the data channel
func (p *Peer) BufferSize() uint64 {
	p.mu.Lock()
	dc := p.channel
	p.mu.Unlock()
	if dc == nil {
		return 0
	}
	return dc.BufferedAmount()
}

// Address is the local endpoint of the selected candidate pair, zero until connected
func (p *Peer) Address() Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Addr{Address: p.local.Address, Port: p.local.Port, Family: addressFamily(p.local.Address)}
}

// RemoteAddress is the remote endpoint of the selected candidate pair, zero until connected.
// Family is always "IPv4" once connected, whatever the address; use Address
// for a family derived from the address itself.
func (p *Peer) RemoteAddress() Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Addr{Address: p.remote.Address, Port: p.remote.Port, Family: p.remoteFamily}
}

// On registers fn for the space-separated event names
func (p *Peer) On(names string, fn eventbus.Listener) eventbus.ID { return p.bus.On(names, fn) }

// Once registers fn to run at most once per name
func (p *Peer) Once(names string, fn eventbus.Listener) eventbus.ID { return p.bus.Once(names, fn) }

// Off removes a registration
func (p *Peer) Off(names string, id eventbus.ID) { p.bus.Off(names, id) }

// OnSignal registers fn for negotiation data that must reach the remote peer
func (p *Peer) OnSignal(fn func(SignalData)) eventbus.ID {
	return p.bus.On(EventSignal, func(args ...any) { fn(args[0].(SignalData)) })
}

// OnConnect registers fn for the connected transition
func (p *Peer) OnConnect(fn func()) eventbus.ID {
	return p.bus.On(EventConnect, func(...any) { fn() })
}

// OnData registers fn for inbound messages
func (p *Peer) OnData(fn func([]byte)) eventbus.ID {
	return p.bus.On(EventData, func(args ...any) { fn(args[0].([]byte)) })
}

// OnError registers fn for the fatal error preceding close
func (p *Peer) OnError(fn func(error)) eventbus.ID {
	return p.bus.On(EventError, func(args ...any) { fn(args[0].(error)) })
}

// OnClose registers fn for the terminal close event
func (p *Peer) OnClose(fn func()) eventbus.ID {
	return p.bus.On(EventClose, func(...any) { fn() })
}

// OnTrack registers fn for every remote track
func (p *Peer) OnTrack(fn func(Track)) eventbus.ID {
	return p.bus.On(EventTrack, func(args ...any) { fn(args[0].(Track)) })
}

// OnICEStateChange registers fn for ICE connection state changes
func (p *Peer) OnICEStateChange(fn func(webrtc.ICEConnectionState, webrtc.ICEGatheringState)) eventbus.ID {
	return p.bus.On(EventICEStateChange, func(args ...any) {
		fn(args[0].(webrtc.ICEConnectionState), args[1].(webrtc.ICEGatheringState))
	})
}

func (p *Peer) emit(name string, args ...any) {
	p.bus.Emit(name, args...)
}
