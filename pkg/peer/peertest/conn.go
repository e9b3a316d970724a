package peertest

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/webrtc/v3"

	"peerlink/pkg/peer"
)

// PeerConnection is a fake peer.PeerConnection
type PeerConnection struct {
	net         *Network
	id          string
	index       int
	config      webrtc.Configuration
	constraints peer.Constraints

	// linked is guarded by net.mu
	linked bool

	mu                sync.Mutex
	local             *webrtc.SessionDescription
	remote            *webrtc.SessionDescription
	gathered          []webrtc.ICECandidateInit
	added             []webrtc.ICECandidateInit
	offerConstraints  []peer.Constraints
	answerConstraints []peer.Constraints
	iceState          webrtc.ICEConnectionState
	gathering         webrtc.ICEGatheringState
	signaling         webrtc.SignalingState
	partner           *PeerConnection
	channels          []*DataChannel
	created           []*DataChannel
	closed            bool
	statsCalls        int

	onCandidate   func(*webrtc.ICECandidateInit)
	onICEState    func(webrtc.ICEConnectionState)
	onSignaling   func(webrtc.SignalingState)
	onNegotiation func()
	onDataChannel func(peer.DataChannel)
	onTrack       func(peer.Track)
}

// ID names the connection inside its descriptions
func (c *PeerConnection) ID() string { return c.id }

// Config is the configuration the connection was created with
func (c *PeerConnection) Config() webrtc.Configuration { return c.config }

// Constraints are the connection-level constraints it was created with
func (c *PeerConnection) Constraints() peer.Constraints { return c.constraints }

// OfferConstraints returns the constraints of every CreateOffer call
func (c *PeerConnection) OfferConstraints() []peer.Constraints {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]peer.Constraints(nil), c.offerConstraints...)
}

// AnswerConstraints returns the constraints of every CreateAnswer call
func (c *PeerConnection) AnswerConstraints() []peer.Constraints {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]peer.Constraints(nil), c.answerConstraints...)
}

// AddedCandidates returns the remote candidates applied so far, in order
func (c *PeerConnection) AddedCandidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.added...)
}

// Closed reports whether Close was called
func (c *PeerConnection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Channels returns the connection's channels, created and announced
func (c *PeerConnection) Channels() []*DataChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*DataChannel(nil), c.channels...)
}

// Channel returns the first channel or nil
func (c *PeerConnection) Channel() *DataChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.channels) == 0 {
		return nil
	}
	return c.channels[0]
}

func (c *PeerConnection) createdChannels() []*DataChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*DataChannel(nil), c.created...)
}

func (c *PeerConnection) addChannel(dc *DataChannel, created bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels = append(c.channels, dc)
	if created {
		c.created = append(c.created, dc)
	}
}

func (c *PeerConnection) wrapChannel(dc *DataChannel) peer.DataChannel {
	if c.net.NativeLowWatermark {
		return &NativeDataChannel{dc}
	}
	return dc
}

func (c *PeerConnection) CreateDataChannel(label string, _ *webrtc.DataChannelInit) (peer.DataChannel, error) {
	if c.net.NilDataChannel {
		return nil, nil
	}
	dc := newDataChannel(c, label)
	c.addChannel(dc, true)

	if !c.net.SkipNegotiationNeeded {
		if h := c.handlers().onNegotiation; h != nil {
			go h()
		}
	}
	return c.wrapChannel(dc), nil
}

func (c *PeerConnection) CreateOffer(constraints peer.Constraints) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	c.offerConstraints = append(c.offerConstraints, constraints)
	c.mu.Unlock()
	if err := c.net.FailCreateOffer; err != nil {
		return webrtc.SessionDescription{}, err
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "fake-offer " + c.id}, nil
}

func (c *PeerConnection) CreateAnswer(constraints peer.Constraints) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	c.answerConstraints = append(c.answerConstraints, constraints)
	c.mu.Unlock()
	if err := c.net.FailCreateAnswer; err != nil {
		return webrtc.SessionDescription{}, err
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "fake-answer " + c.id}, nil
}

func (c *PeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	if err := c.net.FailSetLocal; err != nil {
		return err
	}
	c.mu.Lock()
	c.local = &desc
	c.gathering = webrtc.ICEGatheringStateGathering
	if desc.Type == webrtc.SDPTypeOffer {
		c.signaling = webrtc.SignalingStateHaveLocalOffer
	} else {
		c.signaling = webrtc.SignalingStateStable
	}
	state := c.signaling
	c.mu.Unlock()

	go func() {
		c.fireSignaling(state)
		c.gather()
		c.maybeConnect()
	}()
	return nil
}

func (c *PeerConnection) gather() {
	for i := 0; i < c.net.Candidates; i++ {
		mid := "0"
		var index uint16
		cand := webrtc.ICECandidateInit{
			Candidate:     fmt.Sprintf("candidate:%d 1 udp 2122260223 %s %d typ host", i+1, c.ip(), c.port()+i),
			SDPMid:        &mid,
			SDPMLineIndex: &index,
		}
		c.mu.Lock()
		c.gathered = append(c.gathered, cand)
		c.mu.Unlock()
		c.fireCandidate(&cand)
	}

	c.mu.Lock()
	c.gathering = webrtc.ICEGatheringStateComplete
	c.mu.Unlock()
	c.fireCandidate(nil)
}

func (c *PeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if err := c.net.FailSetRemote; err != nil {
		return err
	}
	if desc.Type != webrtc.SDPTypeOffer && desc.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("peertest: unsupported description type %q", desc.Type)
	}
	partner := c.net.lookup(desc.SDP)

	c.mu.Lock()
	c.remote = &desc
	c.partner = partner
	if desc.Type == webrtc.SDPTypeOffer {
		c.signaling = webrtc.SignalingStateHaveRemoteOffer
	} else {
		c.signaling = webrtc.SignalingStateStable
	}
	state := c.signaling
	c.mu.Unlock()

	go func() {
		c.fireSignaling(state)
		c.maybeConnect()
	}()
	return nil
}

// LocalDescription includes the gathered candidates once gathering completed
func (c *PeerConnection) LocalDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local == nil {
		return nil
	}
	desc := *c.local
	if c.gathering == webrtc.ICEGatheringStateComplete {
		var b strings.Builder
		b.WriteString(desc.SDP)
		for _, cand := range c.gathered {
			b.WriteString("\r\na=")
			b.WriteString(cand.Candidate)
		}
		desc.SDP = b.String()
	}
	return &desc
}

func (c *PeerConnection) RemoteDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return nil
	}
	desc := *c.remote
	return &desc
}

func (c *PeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if err := c.net.FailAddCandidate; err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return errors.New("peertest: remote description not set")
	}
	c.added = append(c.added, candidate)
	return nil
}

func (c *PeerConnection) ICEConnectionState() webrtc.ICEConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.iceState
}

func (c *PeerConnection) ICEGatheringState() webrtc.ICEGatheringState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gathering
}

func (c *PeerConnection) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signaling
}

func (c *PeerConnection) OnICECandidate(f func(*webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onCandidate = f
	c.mu.Unlock()
}

func (c *PeerConnection) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	c.mu.Lock()
	c.onICEState = f
	c.mu.Unlock()
}

func (c *PeerConnection) OnSignalingStateChange(f func(webrtc.SignalingState)) {
	c.mu.Lock()
	c.onSignaling = f
	c.mu.Unlock()
}

func (c *PeerConnection) OnNegotiationNeeded(f func()) {
	c.mu.Lock()
	c.onNegotiation = f
	c.mu.Unlock()
}

func (c *PeerConnection) OnDataChannel(f func(peer.DataChannel)) {
	c.mu.Lock()
	c.onDataChannel = f
	c.mu.Unlock()
}

func (c *PeerConnection) OnTrack(f func(peer.Track)) {
	c.mu.Lock()
	c.onTrack = f
	c.mu.Unlock()
}

// Close closes the connection and its channels; remote channels observe the close
func (c *PeerConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.iceState = webrtc.ICEConnectionStateClosed
	channels := append([]*DataChannel(nil), c.channels...)
	c.mu.Unlock()

	for _, dc := range channels {
		_ = dc.Close()
	}
	return nil
}

type handlerSet struct {
	onCandidate   func(*webrtc.ICECandidateInit)
	onICEState    func(webrtc.ICEConnectionState)
	onSignaling   func(webrtc.SignalingState)
	onNegotiation func()
	onDataChannel func(peer.DataChannel)
	onTrack       func(peer.Track)
}

func (c *PeerConnection) handlers() handlerSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return handlerSet{
		onCandidate:   c.onCandidate,
		onICEState:    c.onICEState,
		onSignaling:   c.onSignaling,
		onNegotiation: c.onNegotiation,
		onDataChannel: c.onDataChannel,
		onTrack:       c.onTrack,
	}
}

func (c *PeerConnection) fireCandidate(cand *webrtc.ICECandidateInit) {
	if h := c.handlers().onCandidate; h != nil && !c.Closed() {
		h(cand)
	}
}

func (c *PeerConnection) fireSignaling(state webrtc.SignalingState) {
	if h := c.handlers().onSignaling; h != nil && !c.Closed() {
		h(state)
	}
}

// SetICEConnectionState moves the connection to state and notifies the handler
// on the calling goroutine
func (c *PeerConnection) SetICEConnectionState(state webrtc.ICEConnectionState) {
	c.mu.Lock()
	c.iceState = state
	h := c.onICEState
	c.mu.Unlock()
	if h != nil {
		h(state)
	}
}

// AnnounceChannel delivers dc to the data channel handler; a nil dc simulates
// an engine announcing a channel event without a channel
func (c *PeerConnection) AnnounceChannel(dc *DataChannel) {
	if dc == nil {
		if h := c.handlers().onDataChannel; h != nil {
			h(nil)
		}
		return
	}
	c.addChannel(dc, false)
	c.announce(c.wrapChannel(dc))
}

func (c *PeerConnection) announce(dc peer.DataChannel) {
	if h := c.handlers().onDataChannel; h != nil {
		h(dc)
	}
}

// NewChannel creates an unlinked channel owned by c, for AnnounceChannel
func (c *PeerConnection) NewChannel(label string) *DataChannel {
	return newDataChannel(c, label)
}

// AddTrack delivers a remote track to the track handler
func (c *PeerConnection) AddTrack(id, streamID, kind string) {
	if h := c.handlers().onTrack; h != nil {
		h(&Track{id: id, streamID: streamID, kind: kind})
	}
}

// maybeConnect walks ICE to connected once both descriptions are in place and
// opens the channels once the partner got there too
func (c *PeerConnection) maybeConnect() {
	if c.net.ManualICE {
		return
	}
	c.mu.Lock()
	ready := c.local != nil && c.remote != nil && c.partner != nil && !c.closed &&
		c.iceState == webrtc.ICEConnectionStateNew
	if ready {
		c.iceState = webrtc.ICEConnectionStateChecking
	}
	partner := c.partner
	c.mu.Unlock()
	if !ready {
		return
	}

	c.SetICEConnectionState(webrtc.ICEConnectionStateChecking)
	c.SetICEConnectionState(webrtc.ICEConnectionStateConnected)

	if partner.ICEConnectionState() == webrtc.ICEConnectionStateConnected {
		c.net.openChannels(c, partner)
	}
}

func (c *PeerConnection) ip() string {
	if c.net.IPv6 {
		return fmt.Sprintf("fd00::%d", c.index)
	}
	return fmt.Sprintf("10.0.0.%d", c.index)
}

func (c *PeerConnection) port() int { return 50000 + c.index }

// Track is a fake remote track
type Track struct {
	id       string
	streamID string
	kind     string
}

func (t *Track) ID() string       { return t.id }
func (t *Track) StreamID() string { return t.streamID }
func (t *Track) Kind() string     { return t.kind }
