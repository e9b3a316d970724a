package signal

import (
	"context"
	"encoding/json"
	"errors"

	"peerlink/pkg/peer"
)

// Message types exchanged with the relay server
const (
	// MessageJoined is sent to a connection once it is admitted, Peers counts the others
	MessageJoined = "joined"
	// MessagePeerJoined and MessagePeerLeft announce room membership changes
	MessagePeerJoined = "peer_joined"
	MessagePeerLeft   = "peer_left"
	// MessageSignal carries a peer.SignalData payload
	MessageSignal = "signal"
	// MessageLeave asks the server to close the connection
	MessageLeave = "leave"
	MessageError = "error"
)

// ErrRelayClosed is returned once a relay can no longer carry signals
var ErrRelayClosed = errors.New("signal relay closed")

// SignalMessage is the relay wire format
type SignalMessage struct {
	Type    string          `json:"type"`
	Room    string          `json:"room,omitempty"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Peers   int             `json:"peers,omitempty"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Relay carries signal payloads between the two ends of a session
type Relay interface {
	// Send delivers sd to the other participant
	Send(ctx context.Context, sd peer.SignalData) error
	// Signals yields payloads sent by the other participant
	Signals() <-chan peer.SignalData
	// Ready is closed once another participant is present
	Ready() <-chan struct{}
	// Done is closed when the relay stops carrying signals
	Done() <-chan struct{}
	Close() error
}

func signalMessage(sd peer.SignalData) (SignalMessage, error) {
	payload, err := json.Marshal(sd)
	if err != nil {
		return SignalMessage{}, err
	}
	return SignalMessage{Type: MessageSignal, Payload: payload}, nil
}
