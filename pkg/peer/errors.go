package peer

import (
	perrors "peerlink/pkg/errors"
)

var (
	// ErrNoWebRTCSupport is returned by New when no transport engine is available
	ErrNoWebRTCSupport = perrors.New(perrors.CodeWebRTCSupport, "No WebRTC support: no transport engine available")
	// ErrDestroyed is returned by calls made after the peer was destroyed
	ErrDestroyed = perrors.New(perrors.CodeDestroyed, "peer is destroyed")
	// ErrInvalidSignal destroys a peer that was signaled with neither a candidate nor a description
	ErrInvalidSignal = perrors.New(perrors.CodeSignaling, "signal() called with invalid signal data")
	// ErrMissingChannel destroys a peer whose data channel event carried no channel
	ErrMissingChannel = perrors.New(perrors.CodeDataChannel, "data channel event is missing channel")
	// ErrNoChannel is returned by Send before a data channel exists
	ErrNoChannel = perrors.New(perrors.CodeDataChannel, "data channel is not open")
	// ErrICEConnectionFailed destroys a peer whose ICE connection failed
	ErrICEConnectionFailed = perrors.New(perrors.CodeICEConnectionFailure, "Ice connection failed.")
	// ErrWritePending is returned when a second write arrives before the first was flushed on connect
	ErrWritePending = perrors.New(perrors.CodeWritePending, "a write is already pending until connect")
)

func wrap(err error, code perrors.Code, message string) error {
	if err == nil {
		return nil
	}
	return perrors.Wrap(err, code, message)
}
