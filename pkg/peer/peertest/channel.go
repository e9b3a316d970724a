package peertest

import (
	"errors"
	"sync"
)

// ErrChannelClosed is returned when sending on a channel that is not open
var ErrChannelClosed = errors.New("peertest: channel not open")

// DataChannel is a fake peer.DataChannel. Messages sent on one end are
// delivered synchronously to the linked end.
type DataChannel struct {
	label string
	pc    *PeerConnection

	mu        sync.Mutex
	remote    *DataChannel
	open      bool
	closed    bool
	buffered  uint64
	threshold uint64
	sent      [][]byte
	inbox     [][]byte
	failSend  error

	onOpen    func()
	onClose   func()
	onMessage func([]byte)
	onError   func(error)
	onLow     func()
}

func newDataChannel(pc *PeerConnection, label string) *DataChannel {
	return &DataChannel{label: label, pc: pc}
}

func (d *DataChannel) link(remote *DataChannel) {
	d.mu.Lock()
	d.remote = remote
	d.mu.Unlock()
	remote.mu.Lock()
	remote.remote = d
	remote.mu.Unlock()
}

func (d *DataChannel) setOpen() {
	d.mu.Lock()
	if d.open || d.closed {
		d.mu.Unlock()
		return
	}
	d.open = true
	h := d.onOpen
	d.mu.Unlock()
	if h != nil {
		h()
	}
}

// Open opens an unlinked channel, for channels passed to AnnounceChannel
func (d *DataChannel) Open() { d.setOpen() }

func (d *DataChannel) Label() string { return d.label }

func (d *DataChannel) Send(data []byte) error {
	d.mu.Lock()
	if !d.open || d.closed {
		d.mu.Unlock()
		return ErrChannelClosed
	}
	if err := d.failSend; err != nil {
		d.mu.Unlock()
		return err
	}
	msg := append([]byte(nil), data...)
	d.sent = append(d.sent, msg)
	remote := d.remote
	d.mu.Unlock()

	if remote != nil {
		remote.receive(msg)
	}
	return nil
}

func (d *DataChannel) SendText(s string) error { return d.Send([]byte(s)) }

func (d *DataChannel) receive(data []byte) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	h := d.onMessage
	if h == nil {
		d.inbox = append(d.inbox, data)
	}
	d.mu.Unlock()
	if h != nil {
		h(data)
	}
}

// Deliver hands data to the message handler as if the remote end sent it
func (d *DataChannel) Deliver(data []byte) { d.receive(data) }

func (d *DataChannel) BufferedAmount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buffered
}

// SetBufferedAmount fakes the number of queued bytes. Dropping to or below
// the low threshold notifies a registered low-watermark handler.
func (d *DataChannel) SetBufferedAmount(n uint64) {
	d.mu.Lock()
	crossed := d.buffered > d.threshold && n <= d.threshold
	d.buffered = n
	h := d.onLow
	d.mu.Unlock()
	if crossed && h != nil {
		h()
	}
}

// FailSend makes subsequent sends return err; nil restores them
func (d *DataChannel) FailSend(err error) {
	d.mu.Lock()
	d.failSend = err
	d.mu.Unlock()
}

// Sent returns a copy of every message sent on this end
func (d *DataChannel) Sent() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.sent...)
}

// IsOpen reports whether the channel is open
func (d *DataChannel) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open && !d.closed
}

// OnOpen runs f at once when the channel is already open
func (d *DataChannel) OnOpen(f func()) {
	d.mu.Lock()
	d.onOpen = f
	open := d.open && !d.closed
	d.mu.Unlock()
	if open && f != nil {
		f()
	}
}

func (d *DataChannel) OnClose(f func()) {
	d.mu.Lock()
	d.onClose = f
	d.mu.Unlock()
}

// OnMessage flushes messages received before a handler was set
func (d *DataChannel) OnMessage(f func(data []byte)) {
	d.mu.Lock()
	d.onMessage = f
	inbox := d.inbox
	d.inbox = nil
	d.mu.Unlock()
	for _, msg := range inbox {
		f(msg)
	}
}

func (d *DataChannel) OnError(f func(err error)) {
	d.mu.Lock()
	d.onError = f
	d.mu.Unlock()
}

// FireError notifies the error handler
func (d *DataChannel) FireError(err error) {
	d.mu.Lock()
	h := d.onError
	d.mu.Unlock()
	if h != nil {
		h(err)
	}
}

// Close closes both ends; the remote end observes the close asynchronously
func (d *DataChannel) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.open = false
	remote := d.remote
	d.mu.Unlock()

	if remote != nil {
		go remote.remoteClosed()
	}
	return nil
}

func (d *DataChannel) remoteClosed() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.open = false
	h := d.onClose
	d.mu.Unlock()
	if h != nil {
		h()
	}
}

// NativeDataChannel adds low-watermark notifications to DataChannel
type NativeDataChannel struct {
	*DataChannel
}

func (d *NativeDataChannel) SetBufferedAmountLowThreshold(threshold uint64) {
	d.mu.Lock()
	d.threshold = threshold
	d.mu.Unlock()
}

func (d *NativeDataChannel) OnBufferedAmountLow(f func()) {
	d.mu.Lock()
	d.onLow = f
	d.mu.Unlock()
}

// FireBufferedAmountLow notifies the low-watermark handler unconditionally
func (d *NativeDataChannel) FireBufferedAmountLow() {
	d.mu.Lock()
	h := d.onLow
	d.mu.Unlock()
	if h != nil {
		h()
	}
}
