package peer

import (
	"github.com/pion/webrtc/v3"
)

// Engine creates connection handles. The default engine is backed by pion/webrtc.
type Engine interface {
	NewPeerConnection(cfg webrtc.Configuration, constraints Constraints) (PeerConnection, error)
	// LegacyConstraints reports whether the engine expects the nested
	// {mandatory, optional} constraint shape
	LegacyConstraints() bool
}

// PeerConnection is the subset of an RTCPeerConnection a Peer drives.
// Handlers may be invoked from any goroutine.
type PeerConnection interface {
	CreateDataChannel(label string, init *webrtc.DataChannelInit) (DataChannel, error)
	CreateOffer(constraints Constraints) (webrtc.SessionDescription, error)
	CreateAnswer(constraints Constraints) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	ICEConnectionState() webrtc.ICEConnectionState
	ICEGatheringState() webrtc.ICEGatheringState
	SignalingState() webrtc.SignalingState

	// OnICECandidate is called with nil once gathering is complete
	OnICECandidate(f func(candidate *webrtc.ICECandidateInit))
	OnICEConnectionStateChange(f func(state webrtc.ICEConnectionState))
	OnSignalingStateChange(f func(state webrtc.SignalingState))
	OnNegotiationNeeded(f func())
	// OnDataChannel may be called with nil when the engine misbehaves
	OnDataChannel(f func(dc DataChannel))
	OnTrack(f func(track Track))

	Close() error
}

// DataChannel is a message channel created by or announced to a PeerConnection
type DataChannel interface {
	Label() string
	Send(data []byte) error
	SendText(s string) error
	BufferedAmount() uint64

	OnOpen(f func())
	OnClose(f func())
	OnMessage(f func(data []byte))
	OnError(f func(err error))

	Close() error
}

// LowWatermarkNotifier is implemented by channels that signal when buffered bytes drain.
// Channels without it are polled.
type LowWatermarkNotifier interface {
	SetBufferedAmountLowThreshold(threshold uint64)
	OnBufferedAmountLow(f func())
}

// Track is a remote media track. Tracks are passed through untouched.
type Track interface {
	ID() string
	StreamID() string
	Kind() string
}

// StatsProvider is implemented by engines that report flat statistics entries
type StatsProvider interface {
	GetStats() ([]StatsReport, error)
}

// LegacyStat is one entry of the name/value statistics shape
type LegacyStat interface {
	ID() string
	Type() string
	Names() []string
	Stat(name string) string
}

// LegacyStatsProvider is implemented by engines that report name/value statistics
type LegacyStatsProvider interface {
	GetLegacyStats() ([]LegacyStat, error)
}
