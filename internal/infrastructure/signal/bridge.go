package signal

import (
	"context"

	"go.uber.org/zap"

	"peerlink/pkg/peer"
)

// Bridge carries p's signal events over r and applies the remote side's
// signals to p. It starts p once r reports another participant, so an
// initiator's offer is never sent into an empty room.
//
// Bridge returns p.Err() when the session closes, ctx.Err() on cancellation
// and ErrRelayClosed when r goes away before the session connected. A relay
// lost after connect is tolerated since signaling is no longer needed.
func Bridge(ctx context.Context, p *peer.Peer, r Relay, logger *zap.SugaredLogger) error {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	id := p.OnSignal(func(sd peer.SignalData) {
		if err := r.Send(ctx, sd); err != nil {
			logger.Warnw("failed to relay signal", "peer_id", p.ID(), "description", sd.IsDescription(), "error", err)
		}
	})
	defer p.Off(peer.EventSignal, id)

	ready := r.Ready()
	relayDone := r.Done()
	signals := r.Signals()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-p.Done():
			return p.Err()

		case <-ready:
			ready = nil
			logger.Debugw("relay ready, starting peer", "peer_id", p.ID(), "initiator", p.Initiator())
			p.Start()

		case <-relayDone:
			relayDone = nil
			signals = nil
			if !p.Connected() {
				return ErrRelayClosed
			}
			logger.Infow("relay closed after connect", "peer_id", p.ID())

		case sd := <-signals:
			if err := p.Signal(sd); err != nil {
				return err
			}
		}
	}
}
