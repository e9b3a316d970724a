package signal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"peerlink/pkg/peer"
	"peerlink/pkg/peer/peertest"
)

func newBridgedPeer(t *testing.T, n *peertest.Network, initiator bool) *peer.Peer {
	t.Helper()
	p, err := peer.New(peer.Options{
		Initiator: initiator,
		Engine:    n,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.Destroy() })
	return p
}

func runBridge(t *testing.T, ctx context.Context, p *peer.Peer, r Relay) <-chan error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- Bridge(ctx, p, r, zap.NewNop().Sugar()) }()
	return errc
}

func waitResult(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(waitFor):
		t.Fatal("bridge did not return")
		return nil
	}
}

func TestMemoryRelay(t *testing.T) {
	a, b := NewMemoryPair()
	assert.True(t, isClosed(a.Ready()))
	assert.True(t, isClosed(b.Ready()))

	require.NoError(t, a.Send(context.Background(), peer.SignalData{Type: "offer", SDP: "v=0"}))
	sd := <-b.Signals()
	assert.Equal(t, "v=0", sd.SDP)

	require.NoError(t, b.Close())
	assert.True(t, isClosed(a.Done()))
	assert.ErrorIs(t, a.Send(context.Background(), sd), ErrRelayClosed)
	assert.NoError(t, a.Close())
}

func TestBridge_ConnectsPeersOverMemoryRelay(t *testing.T) {
	n := peertest.NewNetwork()
	a := newBridgedPeer(t, n, true)
	b := newBridgedPeer(t, n, false)
	ra, rb := NewMemoryPair()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errA := runBridge(t, ctx, a, ra)
	errB := runBridge(t, ctx, b, rb)

	require.Eventually(t, func() bool { return a.Connected() && b.Connected() }, waitFor, 5*time.Millisecond)

	got := make(chan []byte, 1)
	b.OnData(func(data []byte) { got <- data })
	require.NoError(t, a.SendText("hello"))
	select {
	case data := <-got:
		assert.Equal(t, "hello", string(data))
	case <-time.After(waitFor):
		t.Fatal("message not delivered")
	}

	// the relay is no longer needed once connected
	require.NoError(t, ra.Close())
	time.Sleep(20 * time.Millisecond)
	assert.False(t, a.Destroyed())

	a.Destroy()
	assert.NoError(t, waitResult(t, errA))
	assert.NoError(t, waitResult(t, errB))
}

func TestBridge_ConnectsPeersOverWebSocketRelay(t *testing.T) {
	_, ts := startServer(t, testConfig(), nil)
	n := peertest.NewNetwork()
	a := newBridgedPeer(t, n, true)
	b := newBridgedPeer(t, n, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// the initiator joins first and must hold its offer until the responder arrives
	ca := dial(t, clientConfig(t, ts, "lobby", "alice"))
	errA := runBridge(t, ctx, a, ca)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, a.Connected())

	cb := dial(t, clientConfig(t, ts, "lobby", "bob"))
	runBridge(t, ctx, b, cb)

	require.Eventually(t, func() bool { return a.Connected() && b.Connected() }, waitFor, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, waitResult(t, errA), context.Canceled)
}

func TestBridge_RelayLostBeforeConnect(t *testing.T) {
	n := peertest.NewNetwork()
	n.ManualICE = true
	a := newBridgedPeer(t, n, true)
	ra, _ := NewMemoryPair()

	errA := runBridge(t, context.Background(), a, ra)
	require.NoError(t, ra.Close())

	assert.ErrorIs(t, waitResult(t, errA), ErrRelayClosed)
	assert.False(t, a.Destroyed(), "the caller owns the peer")
}

func TestBridge_StopsOnCancel(t *testing.T) {
	n := peertest.NewNetwork()
	a := newBridgedPeer(t, n, true)
	ra, _ := NewMemoryPair()

	ctx, cancel := context.WithCancel(context.Background())
	errA := runBridge(t, ctx, a, ra)
	cancel()

	assert.ErrorIs(t, waitResult(t, errA), context.Canceled)
}
