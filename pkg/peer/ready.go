package peer

import (
	"fmt"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"peerlink/pkg/tracing"
)

func (p *Peer) onICEStateChange(pc PeerConnection, state webrtc.ICEConnectionState) {
	if !p.current(pc) {
		return
	}
	gathering := pc.ICEGatheringState()
	p.log.Debug("ice state change",
		zap.Stringer("connection", state),
		zap.Stringer("gathering", gathering),
	)
	tracing.AddEvent(p.ctx, "ice_state_change", tracing.ICEStateKey.String(state.String()))
	p.emit(EventICEStateChange, state, gathering)
	if !p.current(pc) {
		return
	}

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		p.cancelReconnect()
		p.pcReady = true
		p.maybeReady()

	case webrtc.ICEConnectionStateDisconnected:
		if p.opts.ReconnectGrace <= 0 {
			p.destroy(nil)
			return
		}
		// give ICE a chance to recover before tearing down
		p.cancelReconnect()
		gen := p.reconnectGen
		p.reconnectTimer = time.AfterFunc(p.opts.ReconnectGrace, func() {
			p.serial.do(func() {
				if p.Destroyed() || p.reconnectGen != gen {
					return
				}
				p.destroy(nil)
			})
		})

	case webrtc.ICEConnectionStateFailed:
		p.destroy(ErrICEConnectionFailed)

	case webrtc.ICEConnectionStateClosed:
		p.destroy(nil)
	}
}

func (p *Peer) cancelReconnect() {
	p.reconnectGen++
	if p.reconnectTimer != nil {
		p.reconnectTimer.Stop()
		p.reconnectTimer = nil
	}
}

func (p *Peer) maybeReady() {
	p.log.Debug("maybe ready", zap.Bool("pc_ready", p.pcReady), zap.Bool("channel_ready", p.channelReady))
	if p.Connected() || p.connecting || !p.pcReady || !p.channelReady {
		return
	}
	p.connecting = true
	p.findCandidatePair()
}

// findCandidatePair polls statistics until a selected pair shows up, then
// completes the connected transition. Engines reporting no statistics at all
// connect without addresses.
func (p *Peer) findCandidatePair() {
	if p.Destroyed() {
		return
	}
	p.fetchStats(func(res opResult) {
		reports := res.reports
		if res.err != nil {
			// statistics are best effort
			p.log.Debug("get stats failed", zap.Error(res.err))
			reports = nil
		}

		endpoints, found := resolveEndpoints(reports)
		if !found && len(reports) > 0 {
			p.statsTimer = time.AfterFunc(statsRetryInterval, func() {
				p.serial.do(p.findCandidatePair)
			})
			return
		}

		p.mu.Lock()
		if found {
			p.local = endpoints.local
			p.remote = endpoints.remote
			p.remoteFamily = "IPv4"
		}
		p.connected = true
		p.mu.Unlock()
		p.connecting = false

		p.log.Debug("connect",
			zap.String("pair_strategy", endpoints.pairStrategy),
			zap.String("local", fmt.Sprintf("%s:%d", endpoints.local.Address, endpoints.local.Port)),
			zap.String("remote", fmt.Sprintf("%s:%d", endpoints.remote.Address, endpoints.remote.Port)),
		)

		if !p.flushBacklog() {
			return
		}
		if _, ok := p.channel.(LowWatermarkNotifier); !ok {
			p.startPoll()
		}

		setup := time.Since(p.createdAt)
		p.observer.PeerConnected(p.id, setup)
		tracing.AddEvent(p.ctx, "connect",
			tracing.AddressKey.String(fmt.Sprintf("%s:%d", endpoints.remote.Address, endpoints.remote.Port)),
			tracing.DurationKey.Int64(setup.Milliseconds()),
		)
		p.emit(EventConnect)

		p.mu.Lock()
		early, hasEarly := p.earlyMessage, p.hasEarly
		p.earlyMessage, p.hasEarly = nil, false
		p.mu.Unlock()
		if hasEarly && !p.Destroyed() {
			p.deliver(early)
		}
	})
}

// fetchStats queries the engine off the serializer and hands the result back to then
func (p *Peer) fetchStats(then func(opResult)) {
	pc := p.pc
	go func() {
		reports, err := collectStats(pc)
		p.post(opResult{kind: opStats, pc: pc, reports: reports, err: err, then: then})
	}()
}

// GetStats reports the engine's statistics normalized to flat entries.
// cb runs in the session's serialized context.
func (p *Peer) GetStats(cb func([]StatsReport, error)) {
	p.serial.do(func() {
		if p.Destroyed() {
			cb(nil, ErrDestroyed)
			return
		}
		pc := p.pc
		go func() {
			reports, err := collectStats(pc)
			p.serial.do(func() { cb(reports, err) })
		}()
	})
}
