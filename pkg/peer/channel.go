package peer

import (
	"time"

	"go.uber.org/zap"

	perrors "peerlink/pkg/errors"
)

func (p *Peer) setupData(pc PeerConnection, dc DataChannel) {
	if dc == nil {
		p.destroy(ErrMissingChannel)
		return
	}

	p.mu.Lock()
	p.channel = dc
	p.channelName = dc.Label()
	p.mu.Unlock()

	if n, ok := dc.(LowWatermarkNotifier); ok {
		n.SetBufferedAmountLowThreshold(HighWaterMark)
		n.OnBufferedAmountLow(func() {
			p.serial.do(func() { p.onBufferedAmountLow(dc) })
		})
	}
	dc.OnMessage(func(data []byte) {
		p.serial.do(func() { p.onChannelMessage(dc, data) })
	})
	dc.OnOpen(func() {
		p.serial.do(func() { p.onChannelOpen(dc) })
	})
	dc.OnClose(func() {
		p.serial.do(func() { p.onChannelClose(dc) })
	})
	dc.OnError(func(err error) {
		p.serial.do(func() {
			if p.ownsChannel(dc) {
				p.destroy(wrap(err, perrors.CodeDataChannel, "data channel error"))
			}
		})
	})
}

func (p *Peer) ownsChannel(dc DataChannel) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.destroyed && p.channel == dc
}

func (p *Peer) onChannelOpen(dc DataChannel) {
	if !p.ownsChannel(dc) || p.Connected() || p.channelReady {
		return
	}
	p.channelReady = true
	p.maybeReady()
}

func (p *Peer) onChannelMessage(dc DataChannel, data []byte) {
	if !p.ownsChannel(dc) {
		return
	}
	if !p.channelReady {
		// some engines deliver the first message before open
		p.mu.Lock()
		p.earlyMessage = data
		p.hasEarly = true
		p.mu.Unlock()
		p.onChannelOpen(dc)
		return
	}
	p.deliver(data)
}

func (p *Peer) deliver(data []byte) {
	p.observer.BytesReceived(len(data))
	p.emit(EventData, data)
}

func (p *Peer) onChannelClose(dc DataChannel) {
	if !p.ownsChannel(dc) {
		return
	}
	p.log.Debug("on channel close")
	p.destroy(nil)
}

// Send writes data to the channel immediately. Transport errors are returned unchanged.
func (p *Peer) Send(data []byte) error {
	dc, err := p.liveChannel()
	if err != nil {
		return err
	}
	if err := dc.Send(data); err != nil {
		return err
	}
	p.observer.BytesSent(len(data))
	return nil
}

// SendText writes s to the channel as a text message
func (p *Peer) SendText(s string) error {
	dc, err := p.liveChannel()
	if err != nil {
		return err
	}
	if err := dc.SendText(s); err != nil {
		return err
	}
	p.observer.BytesSent(len(s))
	return nil
}

func (p *Peer) liveChannel() (DataChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return nil, ErrDestroyed
	}
	if p.channel == nil {
		return nil, ErrNoChannel
	}
	return p.channel, nil
}

// WriteAsync sends chunk with flow control. Before connect a single chunk is
// held and flushed on connect; a second chunk is rejected with ErrWritePending.
// After connect done is withheld while the channel buffers more than
// HighWaterMark bytes. chunk must not be modified until done is called.
func (p *Peer) WriteAsync(chunk []byte, done func(error)) {
	if done == nil {
		done = func(error) {}
	}
	p.serial.do(func() { p.write(chunk, done) })
}

// Write is a blocking WriteAsync, so a Peer can be used as an io.Writer.
// It must not be called from an event listener.
func (p *Peer) Write(b []byte) (int, error) {
	result := make(chan error, 1)
	chunk := append([]byte(nil), b...)
	p.WriteAsync(chunk, func(err error) { result <- err })
	if err := <-result; err != nil {
		return 0, err
	}
	return len(b), nil
}

func (p *Peer) write(chunk []byte, done func(error)) {
	if p.Destroyed() {
		done(ErrDestroyed)
		return
	}

	if !p.Connected() {
		if p.chunkDone != nil {
			done(ErrWritePending)
			return
		}
		p.log.Debug("write before connect")
		p.chunk = chunk
		p.chunkDone = done
		return
	}

	if err := p.channel.Send(chunk); err != nil {
		p.destroy(wrap(err, perrors.CodeDataChannel, "failed to send"))
		done(err)
		return
	}
	p.observer.BytesSent(len(chunk))

	if buffered := p.channel.BufferedAmount(); buffered > HighWaterMark {
		p.log.Debug("start backpressure", zap.Uint64("buffered_amount", buffered))
		p.observer.Backpressure()
		p.writeDone = done
		return
	}
	done(nil)
}

// flushBacklog sends the chunk written before connect, then completes it
func (p *Peer) flushBacklog() bool {
	if p.chunkDone == nil {
		return true
	}
	chunk, done := p.chunk, p.chunkDone
	p.chunk, p.chunkDone = nil, nil

	if err := p.channel.Send(chunk); err != nil {
		p.destroy(wrap(err, perrors.CodeDataChannel, "failed to send"))
		done(err)
		return false
	}
	p.observer.BytesSent(len(chunk))
	p.log.Debug("sent chunk from write before connect")
	done(nil)
	return true
}

func (p *Peer) onBufferedAmountLow(dc DataChannel) {
	if !p.ownsChannel(dc) || p.writeDone == nil {
		return
	}
	p.log.Debug("ending backpressure", zap.Uint64("buffered_amount", dc.BufferedAmount()))
	done := p.writeDone
	p.writeDone = nil
	done(nil)
}

func (p *Peer) onInterval() {
	dc := p.channel
	if p.writeDone == nil || dc == nil || dc.BufferedAmount() > HighWaterMark {
		return
	}
	p.onBufferedAmountLow(dc)
}

// startPoll drives onInterval for channels without native low-watermark events
func (p *Peer) startPoll() {
	if p.pollStop != nil {
		return
	}
	stop := make(chan struct{})
	p.pollStop = stop
	go func() {
		ticker := time.NewTicker(lowWatermarkPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.serial.do(func() {
					if !p.Destroyed() {
						p.onInterval()
					}
				})
			case <-stop:
				return
			}
		}
	}()
}

func (p *Peer) stopPoll() {
	if p.pollStop != nil {
		close(p.pollStop)
		p.pollStop = nil
	}
}

func (p *Peer) onTrack(pc PeerConnection, t Track) {
	if !p.current(pc) || t == nil {
		return
	}
	p.log.Debug("on track", zap.String("kind", t.Kind()), zap.String("stream_id", t.StreamID()))
	p.emit(EventTrack, t)

	// one stream event per stream, however many tracks it carries
	if _, seen := p.previousStreams[t.StreamID()]; seen {
		return
	}
	p.previousStreams[t.StreamID()] = struct{}{}
	p.emit(EventStream, t.StreamID(), t)
}
