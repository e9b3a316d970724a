package peer

import (
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"peerlink/pkg/tracing"
)

// markDestroyed flips the destroyed flag and reports whether this call did it
func (p *Peer) markDestroyed(err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return false
	}
	p.destroyed = true
	p.closeErr = err
	return true
}

// destroy tears the session down from inside the serializer
func (p *Peer) destroy(err error) {
	if !p.markDestroyed(err) {
		return
	}
	p.teardown(err)
}

// Destroy closes the connection and emits close, preceded by error when the
// session failed. onClose runs on close unless the peer was already destroyed.
// Calling Destroy again is a no-op.
func (p *Peer) Destroy(onClose ...func()) {
	if !p.markDestroyed(nil) {
		return
	}
	for _, fn := range onClose {
		if fn != nil {
			fn := fn
			p.bus.Once(EventClose, func(...any) { fn() })
		}
	}
	p.serial.do(func() { p.teardown(nil) })
	p.serial.release()
}

// Close implements io.Closer
func (p *Peer) Close() error {
	p.Destroy()
	return nil
}

// Finish destroys the peer once in-flight data had a chance to flush: at once
// when not connected, otherwise after a fixed grace period.
func (p *Peer) Finish() {
	p.serial.do(func() {
		if p.Destroyed() {
			return
		}
		if !p.Connected() {
			p.destroy(nil)
			return
		}
		if p.finishTimer != nil {
			return
		}
		p.finishTimer = time.AfterFunc(finishGrace, func() {
			p.serial.do(func() { p.destroy(nil) })
		})
	})
}

func (p *Peer) teardown(err error) {
	p.log.Debug("destroy", zap.Error(err))

	p.mu.Lock()
	p.connected = false
	pc, dc := p.pc, p.channel
	p.pc, p.channel = nil, nil
	p.earlyMessage, p.hasEarly = nil, false
	p.mu.Unlock()

	p.connecting = false
	p.pcReady = false
	p.channelReady = false
	p.pendingCandidates = nil
	p.awaitingGather = nil
	p.previousStreams = make(map[string]struct{})

	p.stopPoll()
	p.cancelReconnect()
	if p.finishTimer != nil {
		p.finishTimer.Stop()
		p.finishTimer = nil
	}
	if p.statsTimer != nil {
		p.statsTimer.Stop()
		p.statsTimer = nil
	}

	chunkDone, writeDone := p.chunkDone, p.writeDone
	p.chunk, p.chunkDone, p.writeDone = nil, nil, nil

	if pc != nil {
		detachConnection(pc)
		_ = pc.Close()
	}
	if dc != nil {
		detachChannel(dc)
		_ = dc.Close()
	}

	// writers blocked on flow control learn the peer is gone
	if chunkDone != nil {
		chunkDone(ErrDestroyed)
	}
	if writeDone != nil {
		writeDone(ErrDestroyed)
	}

	p.observer.PeerClosed(p.id, err)
	if err != nil {
		tracing.RecordError(p.ctx, err)
	}
	p.span.End()

	if err != nil {
		p.emit(EventError, err)
	}
	p.emit(EventClose)
	close(p.done)
}

// handlers are replaced rather than cleared, engines may not accept nil
func detachConnection(pc PeerConnection) {
	pc.OnICECandidate(func(*webrtc.ICECandidateInit) {})
	pc.OnICEConnectionStateChange(func(webrtc.ICEConnectionState) {})
	pc.OnSignalingStateChange(func(webrtc.SignalingState) {})
	pc.OnNegotiationNeeded(func() {})
	pc.OnDataChannel(func(DataChannel) {})
	pc.OnTrack(func(Track) {})
}

func detachChannel(dc DataChannel) {
	dc.OnMessage(func([]byte) {})
	dc.OnOpen(func() {})
	dc.OnClose(func() {})
	dc.OnError(func(error) {})
	if n, ok := dc.(LowWatermarkNotifier); ok {
		n.OnBufferedAmountLow(func() {})
	}
}
