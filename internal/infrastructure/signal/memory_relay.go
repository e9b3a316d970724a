package signal

import (
	"context"
	"sync"

	"peerlink/pkg/peer"
)

type memoryLink struct {
	done chan struct{}
	once sync.Once
}

func (l *memoryLink) close() {
	l.once.Do(func() { close(l.done) })
}

// MemoryRelay is one end of an in-process relay pair
type MemoryRelay struct {
	inbox  chan peer.SignalData
	remote *MemoryRelay
	link   *memoryLink
	ready  chan struct{}
}

var _ Relay = (*MemoryRelay)(nil)

// NewMemoryPair returns two connected relays. Both are ready at once and
// closing either end closes both.
func NewMemoryPair() (*MemoryRelay, *MemoryRelay) {
	link := &memoryLink{done: make(chan struct{})}
	ready := make(chan struct{})
	close(ready)

	a := &MemoryRelay{inbox: make(chan peer.SignalData, 128), link: link, ready: ready}
	b := &MemoryRelay{inbox: make(chan peer.SignalData, 128), link: link, ready: ready}
	a.remote, b.remote = b, a
	return a, b
}

// Send implements Relay
func (m *MemoryRelay) Send(ctx context.Context, sd peer.SignalData) error {
	select {
	case <-m.link.done:
		return ErrRelayClosed
	default:
	}

	select {
	case m.remote.inbox <- sd:
		return nil
	case <-m.link.done:
		return ErrRelayClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MemoryRelay) Signals() <-chan peer.SignalData { return m.inbox }
func (m *MemoryRelay) Ready() <-chan struct{}          { return m.ready }
func (m *MemoryRelay) Done() <-chan struct{}           { return m.link.done }

func (m *MemoryRelay) Close() error {
	m.link.close()
	return nil
}
