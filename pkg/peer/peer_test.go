package peer_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	perrors "peerlink/pkg/errors"
	"peerlink/pkg/peer"
	"peerlink/pkg/peer/peertest"
)

const waitFor = 3 * time.Second

// recorder keeps the events a peer emitted, in order
type recorder struct {
	mu      sync.Mutex
	events  []string
	data    [][]byte
	errs    []error
	signals []peer.SignalData
}

func record(p *peer.Peer) *recorder {
	r := &recorder{}
	p.OnSignal(func(s peer.SignalData) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.signals = append(r.signals, s)
	})
	p.OnConnect(func() { r.add("connect") })
	p.OnData(func(b []byte) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.data = append(r.data, b)
		r.events = append(r.events, "data")
	})
	p.OnError(func(err error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.errs = append(r.errs, err)
		r.events = append(r.events, "error")
	})
	p.OnClose(func() { r.add("close") })
	return r
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, name)
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == name {
			n++
		}
	}
	return n
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.data))
	for _, d := range r.data {
		out = append(out, string(d))
	}
	return out
}

func (r *recorder) failures() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) signalData() []peer.SignalData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]peer.SignalData(nil), r.signals...)
}

func newPeer(t *testing.T, n *peertest.Network, opts peer.Options) *peer.Peer {
	t.Helper()
	opts.Engine = n
	opts.Logger = zap.NewNop()
	p, err := peer.New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { p.Destroy() })
	return p
}

// pair creates an initiator and a responder relaying signals to each other.
// Neither is started.
func pair(t *testing.T, n *peertest.Network, initOpts, respOpts peer.Options) (*peer.Peer, *peer.Peer) {
	t.Helper()
	initOpts.Initiator = true
	respOpts.Initiator = false
	a := newPeer(t, n, initOpts)
	b := newPeer(t, n, respOpts)
	a.OnSignal(func(s peer.SignalData) { _ = b.Signal(s) })
	b.OnSignal(func(s peer.SignalData) { _ = a.Signal(s) })
	return a, b
}

func waitConnected(t *testing.T, peers ...*peer.Peer) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, p := range peers {
			if !p.Connected() {
				return false
			}
		}
		return true
	}, waitFor, 5*time.Millisecond)
}

func waitClosed(t *testing.T, p *peer.Peer) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(waitFor):
		t.Fatal("peer did not close")
	}
}

func TestPeer_ConnectAndExchangeData(t *testing.T) {
	n := peertest.NewNetwork()
	a, b := pair(t, n, peer.Options{ChannelName: "chat"}, peer.Options{})
	ra, rb := record(a), record(b)

	b.OnData(func(data []byte) {
		if string(data) == "ping" {
			_ = b.Send([]byte("pong"))
		}
	})

	a.Start()
	b.Start()
	waitConnected(t, a, b)

	require.NoError(t, a.Send([]byte("ping")))
	require.Eventually(t, func() bool { return len(ra.messages()) == 1 }, waitFor, 5*time.Millisecond)

	assert.Equal(t, []string{"ping"}, rb.messages())
	assert.Equal(t, []string{"pong"}, ra.messages())
	assert.Equal(t, 1, ra.count("connect"))
	assert.Equal(t, 1, rb.count("connect"))
	assert.Equal(t, "chat", a.ChannelName())
	assert.Equal(t, "chat", b.ChannelName())
	assert.True(t, a.Initiator())
	assert.False(t, b.Initiator())
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestPeer_ResolvesAddresses(t *testing.T) {
	n := peertest.NewNetwork()
	a, b := pair(t, n, peer.Options{}, peer.Options{})
	a.Start()
	b.Start()
	waitConnected(t, a, b)

	assert.Equal(t, peer.Addr{Address: "10.0.0.1", Port: 50001, Family: "IPv4"}, a.Address())
	assert.Equal(t, peer.Addr{Address: "10.0.0.2", Port: 50002, Family: "IPv4"}, a.RemoteAddress())
	assert.Equal(t, peer.Addr{Address: "10.0.0.2", Port: 50002, Family: "IPv4"}, b.Address())
	assert.Equal(t, peer.Addr{Address: "10.0.0.1", Port: 50001, Family: "IPv4"}, b.RemoteAddress())
}

func TestPeer_RemoteFamilyIsFixedMarker(t *testing.T) {
	for _, shape := range []peertest.StatsShape{peertest.StatsSpec, peertest.StatsGoog} {
		n := peertest.NewNetwork()
		n.IPv6 = true
		n.Stats = shape
		a, b := pair(t, n, peer.Options{}, peer.Options{})
		a.Start()
		b.Start()
		waitConnected(t, a, b)

		assert.Equal(t, peer.Addr{Address: "fd00::1", Port: 50001, Family: "IPv6"}, a.Address())
		assert.Equal(t, peer.Addr{Address: "fd00::2", Port: 50002, Family: "IPv4"}, a.RemoteAddress())
	}
}

func TestPeer_StatsShapes(t *testing.T) {
	tests := []struct {
		name      string
		shape     peertest.StatsShape
		pairDelay int
		want      peer.Addr
	}{
		{name: "spec", shape: peertest.StatsSpec, pairDelay: 2, want: peer.Addr{Address: "10.0.0.2", Port: 50002, Family: "IPv4"}},
		{name: "selected pair", shape: peertest.StatsSelectedPair, want: peer.Addr{Address: "10.0.0.2", Port: 50002, Family: "IPv4"}},
		{name: "goog", shape: peertest.StatsGoog, pairDelay: 1, want: peer.Addr{Address: "10.0.0.2", Port: 50002, Family: "IPv4"}},
		{name: "none", shape: peertest.StatsNone, want: peer.Addr{}},
		{name: "failing", shape: peertest.StatsFailing, want: peer.Addr{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := peertest.NewNetwork()
			n.Stats = tt.shape
			n.PairDelay = tt.pairDelay

			a, b := pair(t, n, peer.Options{}, peer.Options{})
			a.Start()
			b.Start()
			waitConnected(t, a, b)

			assert.Equal(t, tt.want, a.RemoteAddress())
			if tt.pairDelay > 0 {
				assert.Greater(t, n.Conn(1).StatsCalls(), tt.pairDelay)
			}
		})
	}
}

func TestPeer_NonTrickleSendsOneDescriptionEach(t *testing.T) {
	n := peertest.NewNetwork()
	n.Candidates = 2
	a, b := pair(t, n, peer.Options{Trickle: peer.Bool(false)}, peer.Options{Trickle: peer.Bool(false)})
	ra, rb := record(a), record(b)

	a.Start()
	b.Start()
	waitConnected(t, a, b)

	sa, sb := ra.signalData(), rb.signalData()
	require.Len(t, sa, 1)
	require.Len(t, sb, 1)
	assert.Equal(t, "offer", sa[0].Type)
	assert.Equal(t, "answer", sb[0].Type)
	assert.Nil(t, sa[0].Candidate)
	assert.Contains(t, sa[0].SDP, "a=candidate:2")
	assert.Contains(t, sb[0].SDP, "a=candidate:1")
}

func TestPeer_TrickleSendsCandidates(t *testing.T) {
	n := peertest.NewNetwork()
	n.Candidates = 3
	a, b := pair(t, n, peer.Options{}, peer.Options{})
	ra := record(a)

	a.Start()
	b.Start()
	waitConnected(t, a, b)

	require.Eventually(t, func() bool {
		candidates := 0
		for _, s := range ra.signalData() {
			if s.Candidate != nil {
				candidates++
			}
		}
		return candidates == 3
	}, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(n.Conn(2).AddedCandidates()) == 3 }, waitFor, 5*time.Millisecond)
}

func TestPeer_PendingCandidatesAppliedInOrder(t *testing.T) {
	n := peertest.NewNetwork()
	n.ManualICE = true
	b := newPeer(t, n, peer.Options{})
	b.Start()

	cand := func(i string) peer.SignalData {
		return peer.SignalData{Candidate: &webrtc.ICECandidateInit{Candidate: "candidate:" + i}}
	}
	require.NoError(t, b.Signal(cand("1")))
	require.NoError(t, b.Signal(cand("2")))
	require.NoError(t, b.Signal(peer.SignalData{Type: "offer", SDP: "fake-offer pc-99"}))
	require.NoError(t, b.Signal(cand("3")))

	pc := n.Conn(1)
	require.Eventually(t, func() bool { return len(pc.AddedCandidates()) == 3 }, waitFor, 5*time.Millisecond)

	var got []string
	for _, c := range pc.AddedCandidates() {
		got = append(got, c.Candidate)
	}
	assert.Equal(t, []string{"candidate:1", "candidate:2", "candidate:3"}, got)

	// the offer is answered
	require.Eventually(t, func() bool { return len(pc.AnswerConstraints()) == 1 }, waitFor, 5*time.Millisecond)
}

func TestPeer_InvalidSignalDestroys(t *testing.T) {
	n := peertest.NewNetwork()
	b := newPeer(t, n, peer.Options{})
	rb := record(b)
	b.Start()

	require.NoError(t, b.Signal("not json"))
	waitClosed(t, b)

	assert.Equal(t, []string{"error", "close"}, rb.names())
	require.Len(t, rb.failures(), 1)
	assert.ErrorIs(t, rb.failures()[0], peer.ErrInvalidSignal)
	assert.Equal(t, perrors.CodeSignaling, perrors.CodeOf(rb.failures()[0]))
	assert.ErrorIs(t, b.Signal(peer.SignalData{Type: "offer", SDP: "v=0"}), peer.ErrDestroyed)
}

func TestPeer_DestroyIsIdempotent(t *testing.T) {
	n := peertest.NewNetwork()
	a, b := pair(t, n, peer.Options{}, peer.Options{})
	ra, rb := record(a), record(b)
	a.Start()
	b.Start()
	waitConnected(t, a, b)

	calls := 0
	a.Destroy(func() { calls++ })
	a.Destroy(func() { calls++ })
	require.NoError(t, a.Close())
	waitClosed(t, a)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, ra.count("close"))
	assert.Zero(t, ra.count("error"))
	assert.True(t, a.Destroyed())
	assert.False(t, a.Connected())
	assert.NoError(t, a.Err())
	assert.True(t, n.Conn(1).Closed())

	assert.ErrorIs(t, a.Signal(peer.SignalData{Type: "offer", SDP: "v=0"}), peer.ErrDestroyed)
	assert.ErrorIs(t, a.Send([]byte("x")), peer.ErrDestroyed)
	_, err := a.Write([]byte("x"))
	assert.ErrorIs(t, err, peer.ErrDestroyed)

	// the remote end sees its channel close
	waitClosed(t, b)
	assert.Equal(t, 1, rb.count("close"))
	assert.Zero(t, rb.count("error"))
}

func TestPeer_DestroyBeforeStart(t *testing.T) {
	n := peertest.NewNetwork()
	a := newPeer(t, n, peer.Options{Initiator: true})
	ra := record(a)

	a.Destroy()
	waitClosed(t, a)
	assert.Equal(t, []string{"close"}, ra.names())
	assert.Empty(t, ra.signalData())
}

func TestPeer_EventsHeldUntilStart(t *testing.T) {
	n := peertest.NewNetwork()
	a := newPeer(t, n, peer.Options{Initiator: true})
	ra := record(a)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, ra.signalData())

	a.Start()
	require.Eventually(t, func() bool { return len(ra.signalData()) > 0 }, waitFor, 5*time.Millisecond)
	assert.Len(t, n.Conn(1).OfferConstraints(), 1)
}

func TestPeer_WriteBeforeConnectIsFlushedFirst(t *testing.T) {
	n := peertest.NewNetwork()
	a, b := pair(t, n, peer.Options{}, peer.Options{})
	rb := record(b)

	first := make(chan error, 1)
	second := make(chan error, 1)
	a.WriteAsync([]byte("early"), func(err error) { first <- err })
	a.WriteAsync([]byte("rejected"), func(err error) { second <- err })

	a.Start()
	b.Start()

	assert.ErrorIs(t, <-second, peer.ErrWritePending)
	select {
	case err := <-first:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("backlogged write never completed")
	}
	assert.True(t, a.Connected())

	// the responder holds a message that beat its open event until it connects
	waitConnected(t, b)
	_, err := a.Write([]byte("later"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rb.messages()) == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"early", "later"}, rb.messages())
}

func TestPeer_Backpressure(t *testing.T) {
	for _, native := range []bool{false, true} {
		name := "polled"
		if native {
			name = "native"
		}
		t.Run(name, func(t *testing.T) {
			n := peertest.NewNetwork()
			n.NativeLowWatermark = native
			a, b := pair(t, n, peer.Options{}, peer.Options{})
			a.Start()
			b.Start()
			waitConnected(t, a, b)

			dc := n.Conn(1).Channel()
			require.NotNil(t, dc)
			dc.SetBufferedAmount(peer.HighWaterMark + 1)
			assert.Equal(t, uint64(peer.HighWaterMark+1), a.BufferSize())

			done := make(chan error, 1)
			a.WriteAsync([]byte("chunk"), func(err error) { done <- err })

			select {
			case <-done:
				t.Fatal("write completed above the high water mark")
			case <-time.After(200 * time.Millisecond):
			}

			dc.SetBufferedAmount(0)
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(waitFor):
				t.Fatal("write not released after the buffer drained")
			}
		})
	}
}

func TestPeer_HeldWriteFailsOnDestroy(t *testing.T) {
	n := peertest.NewNetwork()
	a, b := pair(t, n, peer.Options{}, peer.Options{})
	a.Start()
	b.Start()
	waitConnected(t, a, b)

	n.Conn(1).Channel().SetBufferedAmount(peer.HighWaterMark * 2)
	done := make(chan error, 1)
	a.WriteAsync([]byte("chunk"), func(err error) { done <- err })

	a.Destroy()
	assert.ErrorIs(t, <-done, peer.ErrDestroyed)
}

func TestPeer_SendFailureDestroys(t *testing.T) {
	n := peertest.NewNetwork()
	a, b := pair(t, n, peer.Options{}, peer.Options{})
	ra := record(a)
	a.Start()
	b.Start()
	waitConnected(t, a, b)

	boom := errors.New("sctp gone")
	n.Conn(1).Channel().FailSend(boom)

	_, err := a.Write([]byte("x"))
	assert.ErrorIs(t, err, boom)
	waitClosed(t, a)
	require.Len(t, ra.failures(), 1)
	assert.Equal(t, perrors.CodeDataChannel, perrors.CodeOf(ra.failures()[0]))
}

func TestPeer_ChannelErrorDestroys(t *testing.T) {
	n := peertest.NewNetwork()
	a, b := pair(t, n, peer.Options{}, peer.Options{})
	ra := record(a)
	a.Start()
	b.Start()
	waitConnected(t, a, b)

	n.Conn(1).Channel().FireError(errors.New("abort"))
	waitClosed(t, a)
	assert.Equal(t, perrors.CodeDataChannel, perrors.CodeOf(a.Err()))
	assert.Equal(t, 1, ra.count("error"))
}

func TestPeer_MessageBeforeOpenDeliveredAfterConnect(t *testing.T) {
	n := peertest.NewNetwork()
	n.ManualICE = true
	b := newPeer(t, n, peer.Options{})
	rb := record(b)
	b.Start()

	pc := n.Conn(1)
	dc := pc.NewChannel("late")
	pc.AnnounceChannel(dc)
	dc.Deliver([]byte("hello"))
	assert.Empty(t, rb.names())

	pc.SetICEConnectionState(webrtc.ICEConnectionStateConnected)
	require.Eventually(t, func() bool { return len(rb.messages()) == 1 }, waitFor, 5*time.Millisecond)

	assert.Equal(t, []string{"connect", "data"}, rb.names())
	assert.Equal(t, "late", b.ChannelName())
}

func TestPeer_MissingChannelDestroys(t *testing.T) {
	n := peertest.NewNetwork()
	n.ManualICE = true
	b := newPeer(t, n, peer.Options{})
	rb := record(b)
	b.Start()

	n.Conn(1).AnnounceChannel(nil)
	waitClosed(t, b)
	require.Len(t, rb.failures(), 1)
	assert.ErrorIs(t, rb.failures()[0], peer.ErrMissingChannel)
}

func TestPeer_ICEStates(t *testing.T) {
	t.Run("failed", func(t *testing.T) {
		n := peertest.NewNetwork()
		n.ManualICE = true
		a := newPeer(t, n, peer.Options{Initiator: true})
		ra := record(a)
		a.Start()

		n.Conn(1).SetICEConnectionState(webrtc.ICEConnectionStateFailed)
		waitClosed(t, a)
		assert.Equal(t, []string{"error", "close"}, ra.names())
		assert.ErrorIs(t, a.Err(), peer.ErrICEConnectionFailed)
		assert.Equal(t, perrors.CodeICEConnectionFailure, perrors.CodeOf(a.Err()))
	})

	t.Run("closed", func(t *testing.T) {
		n := peertest.NewNetwork()
		n.ManualICE = true
		a := newPeer(t, n, peer.Options{Initiator: true})
		ra := record(a)
		a.Start()

		n.Conn(1).SetICEConnectionState(webrtc.ICEConnectionStateClosed)
		waitClosed(t, a)
		assert.Equal(t, []string{"close"}, ra.names())
	})

	t.Run("disconnected without grace", func(t *testing.T) {
		n := peertest.NewNetwork()
		n.ManualICE = true
		a := newPeer(t, n, peer.Options{Initiator: true})
		a.Start()

		n.Conn(1).SetICEConnectionState(webrtc.ICEConnectionStateDisconnected)
		waitClosed(t, a)
		assert.NoError(t, a.Err())
	})

	t.Run("disconnected then recovered within grace", func(t *testing.T) {
		n := peertest.NewNetwork()
		n.ManualICE = true
		a := newPeer(t, n, peer.Options{Initiator: true, ReconnectGrace: 100 * time.Millisecond})
		a.Start()

		pc := n.Conn(1)
		pc.SetICEConnectionState(webrtc.ICEConnectionStateDisconnected)
		pc.SetICEConnectionState(webrtc.ICEConnectionStateConnected)
		time.Sleep(250 * time.Millisecond)
		assert.False(t, a.Destroyed())
	})

	t.Run("disconnected past grace", func(t *testing.T) {
		n := peertest.NewNetwork()
		n.ManualICE = true
		a := newPeer(t, n, peer.Options{Initiator: true, ReconnectGrace: 50 * time.Millisecond})
		a.Start()

		n.Conn(1).SetICEConnectionState(webrtc.ICEConnectionStateDisconnected)
		waitClosed(t, a)
		assert.NoError(t, a.Err())
	})

	t.Run("state change event", func(t *testing.T) {
		n := peertest.NewNetwork()
		n.ManualICE = true
		a := newPeer(t, n, peer.Options{Initiator: true})
		states := make(chan webrtc.ICEConnectionState, 4)
		a.OnICEStateChange(func(s webrtc.ICEConnectionState, _ webrtc.ICEGatheringState) {
			states <- s
		})
		a.Start()

		n.Conn(1).SetICEConnectionState(webrtc.ICEConnectionStateChecking)
		select {
		case s := <-states:
			assert.Equal(t, webrtc.ICEConnectionStateChecking, s)
		case <-time.After(waitFor):
			t.Fatal("no ice state event")
		}
	})
}

func TestPeer_Finish(t *testing.T) {
	t.Run("not connected", func(t *testing.T) {
		n := peertest.NewNetwork()
		n.ManualICE = true
		a := newPeer(t, n, peer.Options{Initiator: true})
		a.Start()

		a.Finish()
		waitClosed(t, a)
	})

	t.Run("connected waits for flush", func(t *testing.T) {
		n := peertest.NewNetwork()
		a, b := pair(t, n, peer.Options{}, peer.Options{})
		a.Start()
		b.Start()
		waitConnected(t, a, b)

		a.Finish()
		a.Finish()
		assert.False(t, a.Destroyed())
		waitClosed(t, a)
		assert.NoError(t, a.Err())
	})
}

func TestPeer_TracksAndStreams(t *testing.T) {
	n := peertest.NewNetwork()
	n.ManualICE = true
	b := newPeer(t, n, peer.Options{})

	var tracks []string
	var streams []string
	b.OnTrack(func(tr peer.Track) { tracks = append(tracks, tr.ID()) })
	b.On(peer.EventStream, func(args ...any) { streams = append(streams, args[0].(string)) })
	b.Start()

	pc := n.Conn(1)
	pc.AddTrack("a1", "s1", "audio")
	pc.AddTrack("v1", "s1", "video")
	pc.AddTrack("a2", "s2", "audio")

	assert.Equal(t, []string{"a1", "v1", "a2"}, tracks)
	assert.Equal(t, []string{"s1", "s2"}, streams)
}

func TestPeer_LegacyConstraintsAreRewritten(t *testing.T) {
	n := peertest.NewNetwork()
	n.Legacy = true
	n.ManualICE = true
	a := newPeer(t, n, peer.Options{
		Initiator:        true,
		OfferConstraints: peer.Constraints{peer.OfferToReceiveAudio: true},
	})
	a.Start()

	pc := n.Conn(1)
	require.Eventually(t, func() bool { return len(pc.OfferConstraints()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t,
		peer.Constraints{"mandatory": map[string]any{"OfferToReceiveAudio": true}},
		pc.OfferConstraints()[0],
	)
}

func TestPeer_SDPTransform(t *testing.T) {
	n := peertest.NewNetwork()
	n.ManualICE = true
	a := newPeer(t, n, peer.Options{
		Initiator:    true,
		SDPTransform: func(sdp string) string { return sdp + "\r\na=x-transformed" },
	})
	ra := record(a)
	a.Start()

	require.Eventually(t, func() bool {
		for _, s := range ra.signalData() {
			if s.Type == "offer" {
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)

	for _, s := range ra.signalData() {
		if s.Type == "offer" {
			assert.Contains(t, s.SDP, "a=x-transformed")
		}
	}
}

func TestPeer_NegotiationFailures(t *testing.T) {
	tests := []struct {
		name      string
		configure func(n *peertest.Network, err error)
		initiator bool
		code      perrors.Code
	}{
		{name: "create offer", configure: func(n *peertest.Network, err error) { n.FailCreateOffer = err }, initiator: true, code: perrors.CodeCreateOffer},
		{name: "set local", configure: func(n *peertest.Network, err error) { n.FailSetLocal = err }, initiator: true, code: perrors.CodeSetLocalDescription},
		{name: "set remote", configure: func(n *peertest.Network, err error) { n.FailSetRemote = err }, code: perrors.CodeSetRemoteDescription},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			boom := errors.New("engine refused")
			n := peertest.NewNetwork()
			n.ManualICE = true
			tt.configure(n, boom)

			p := newPeer(t, n, peer.Options{Initiator: tt.initiator})
			p.Start()
			if !tt.initiator {
				require.NoError(t, p.Signal(peer.SignalData{Type: "offer", SDP: "fake-offer pc-9"}))
			}

			waitClosed(t, p)
			assert.ErrorIs(t, p.Err(), boom)
			assert.Equal(t, tt.code, perrors.CodeOf(p.Err()))
		})
	}
}

func TestPeer_AddCandidateFailureDestroys(t *testing.T) {
	n := peertest.NewNetwork()
	n.ManualICE = true
	n.FailAddCandidate = errors.New("bad candidate")
	b := newPeer(t, n, peer.Options{})
	b.Start()

	require.NoError(t, b.Signal(peer.SignalData{Type: "offer", SDP: "fake-offer pc-9"}))
	require.NoError(t, b.Signal(peer.SignalData{Candidate: &webrtc.ICECandidateInit{Candidate: "candidate:1"}}))
	waitClosed(t, b)
	assert.Equal(t, perrors.CodeAddICECandidate, perrors.CodeOf(b.Err()))
}

func TestPeer_GetStats(t *testing.T) {
	n := peertest.NewNetwork()
	a, b := pair(t, n, peer.Options{}, peer.Options{})
	a.Start()
	b.Start()
	waitConnected(t, a, b)

	type result struct {
		reports []peer.StatsReport
		err     error
	}
	got := make(chan result, 1)
	a.GetStats(func(r []peer.StatsReport, err error) { got <- result{r, err} })
	res := <-got
	require.NoError(t, res.err)
	assert.Len(t, res.reports, 4)

	a.Destroy()
	a.GetStats(func(r []peer.StatsReport, err error) { got <- result{r, err} })
	res = <-got
	assert.ErrorIs(t, res.err, peer.ErrDestroyed)
}

func TestNew_Failures(t *testing.T) {
	t.Run("missing initiator channel", func(t *testing.T) {
		n := peertest.NewNetwork()
		n.NilDataChannel = true
		_, err := peer.New(peer.Options{Initiator: true, Engine: n})
		assert.ErrorIs(t, err, peer.ErrMissingChannel)
		assert.True(t, n.Conn(1).Closed())
	})

	t.Run("no engine", func(t *testing.T) {
		restore := peer.SetCapabilityProvider(peer.CapabilityFunc(func() peer.Engine { return nil }))
		defer restore()

		assert.False(t, peer.Supported())
		_, err := peer.New(peer.Options{})
		assert.ErrorIs(t, err, peer.ErrNoWebRTCSupport)
		assert.Equal(t, perrors.CodeWebRTCSupport, perrors.CodeOf(err))
	})

	t.Run("provider engine", func(t *testing.T) {
		n := peertest.NewNetwork()
		restore := peer.SetCapabilityProvider(peer.CapabilityFunc(func() peer.Engine { return n }))
		defer restore()

		assert.True(t, peer.Supported())
		p, err := peer.New(peer.Options{})
		require.NoError(t, err)
		defer p.Destroy()
		assert.Len(t, n.Conns(), 1)
		assert.Equal(t, peer.DefaultConfiguration(), n.Conn(1).Config())
	})
}

type countingObserver struct {
	mu        sync.Mutex
	created   int
	connected int
	closed    int
	sent      int
	received  int
}

func (o *countingObserver) PeerCreated(string, bool) { o.inc(&o.created, 1) }
func (o *countingObserver) PeerConnected(string, time.Duration) {
	o.inc(&o.connected, 1)
}
func (o *countingObserver) PeerClosed(string, error) { o.inc(&o.closed, 1) }
func (o *countingObserver) SignalEmitted(string)     {}
func (o *countingObserver) BytesSent(n int)          { o.inc(&o.sent, n) }
func (o *countingObserver) BytesReceived(n int)      { o.inc(&o.received, n) }
func (o *countingObserver) Backpressure()            {}

func (o *countingObserver) inc(v *int, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	*v += n
}

func (o *countingObserver) get(v *int) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return *v
}

func TestPeer_Observer(t *testing.T) {
	obs := &countingObserver{}
	n := peertest.NewNetwork()
	a, b := pair(t, n, peer.Options{Observer: obs}, peer.Options{Observer: obs})
	a.Start()
	b.Start()
	waitConnected(t, a, b)

	require.NoError(t, a.Send([]byte("12345")))
	require.Eventually(t, func() bool { return obs.get(&obs.received) == 5 }, waitFor, 5*time.Millisecond)

	a.Destroy()
	waitClosed(t, a)
	waitClosed(t, b)

	assert.Equal(t, 2, obs.get(&obs.created))
	assert.Equal(t, 2, obs.get(&obs.connected))
	assert.Equal(t, 2, obs.get(&obs.closed))
	assert.Equal(t, 5, obs.get(&obs.sent))
}
