// Package peertest provides an in-memory Engine for exercising peers without a
// real network. Connections created from the same Network find each other
// through the descriptions they exchange, so two peers wired together by their
// signal events connect, open a data channel and exchange messages.
package peertest

import (
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/pion/webrtc/v3"

	"peerlink/pkg/peer"
)

// StatsShape selects how connections report statistics
type StatsShape int

const (
	// StatsSpec reports hyphenated entries and a transport with selectedCandidatePairId
	StatsSpec StatsShape = iota
	// StatsSelectedPair reports non-hyphenated entries with ipAddress/portNumber and a selected pair
	StatsSelectedPair
	// StatsGoog reports googCandidatePair entries through the name/value shape
	StatsGoog
	// StatsNone implements neither statistics interface
	StatsNone
	// StatsFailing returns an error from every query
	StatsFailing
)

// ErrStats is returned by connections using StatsFailing
var ErrStats = errors.New("peertest: stats unavailable")

// Network creates linked fake connections. Exported fields are read when a
// connection is created or used, set them before creating peers.
type Network struct {
	Legacy bool
	Stats  StatsShape
	// PairDelay is the number of statistics queries answered without a selected pair
	PairDelay int
	// NativeLowWatermark gives channels low-watermark notifications
	NativeLowWatermark bool
	// Candidates gathered per local description
	Candidates int
	// ManualICE disables automatic ICE progress; drive it with SetICEConnectionState
	ManualICE bool
	// SkipNegotiationNeeded suppresses the negotiationneeded event
	SkipNegotiationNeeded bool
	// NilDataChannel makes CreateDataChannel return no channel and no error
	NilDataChannel bool
	// IPv6 gives connections fd00::/8 addresses instead of 10.0.0.0/24
	IPv6 bool

	FailCreateOffer  error
	FailCreateAnswer error
	FailSetLocal     error
	FailSetRemote    error
	FailAddCandidate error

	mu    sync.Mutex
	conns []*PeerConnection
}

// NewNetwork returns a network gathering one candidate per description
func NewNetwork() *Network {
	return &Network{Candidates: 1}
}

// LegacyConstraints implements peer.Engine
func (n *Network) LegacyConstraints() bool { return n.Legacy }

// NewPeerConnection implements peer.Engine
func (n *Network) NewPeerConnection(cfg webrtc.Configuration, c peer.Constraints) (peer.PeerConnection, error) {
	n.mu.Lock()
	pc := &PeerConnection{
		net:         n,
		index:       len(n.conns) + 1,
		config:      cfg,
		constraints: c,
		iceState:    webrtc.ICEConnectionStateNew,
		gathering:   webrtc.ICEGatheringStateNew,
		signaling:   webrtc.SignalingStateStable,
	}
	pc.id = fmt.Sprintf("pc-%d", pc.index)
	n.conns = append(n.conns, pc)
	n.mu.Unlock()

	switch n.Stats {
	case StatsNone:
		return pc, nil
	case StatsGoog:
		return &legacyStatsConn{pc}, nil
	default:
		return &statsConn{pc}, nil
	}
}

// Conns returns the connections created so far, in creation order
func (n *Network) Conns() []*PeerConnection {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*PeerConnection(nil), n.conns...)
}

// Conn returns the i-th connection, starting at 1
func (n *Network) Conn(i int) *PeerConnection {
	n.mu.Lock()
	defer n.mu.Unlock()
	if i < 1 || i > len(n.conns) {
		return nil
	}
	return n.conns[i-1]
}

var connRef = regexp.MustCompile(`pc-\d+`)

func (n *Network) lookup(sdp string) *PeerConnection {
	id := connRef.FindString(sdp)
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.conns {
		if c.id == id {
			return c
		}
	}
	return nil
}

// openChannels announces the offerer's channels to the answerer once both sides connected
func (n *Network) openChannels(a, b *PeerConnection) {
	n.mu.Lock()
	if a.linked || b.linked {
		n.mu.Unlock()
		return
	}
	a.linked, b.linked = true, true
	n.mu.Unlock()

	for _, pair := range [][2]*PeerConnection{{a, b}, {b, a}} {
		owner, other := pair[0], pair[1]
		for _, local := range owner.createdChannels() {
			remote := newDataChannel(other, local.label)
			local.link(remote)
			other.addChannel(remote, false)
			other.announce(other.wrapChannel(remote))
			local.setOpen()
			remote.setOpen()
		}
	}
}
