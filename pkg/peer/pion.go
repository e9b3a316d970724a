package peer

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"peerlink/pkg/logger"
)

// PionConfig configures the pion-backed engine
type PionConfig struct {
	// PortMin and PortMax restrict the UDP ports used for ICE, both zero for any
	PortMin uint16
	PortMax uint16
	Logger  *zap.Logger
}

// PionEngine is the default Engine, backed by pion/webrtc
type PionEngine struct {
	api *webrtc.API
}

// NewPionEngine builds a pion API with the default codecs and the configured
// setting engine
func NewPionEngine(cfg PionConfig) (*PionEngine, error) {
	se := webrtc.SettingEngine{}
	if cfg.Logger != nil {
		se.LoggerFactory = logger.NewPionFactory(cfg.Logger)
	}
	if cfg.PortMin != 0 || cfg.PortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.PortMin, cfg.PortMax); err != nil {
			return nil, fmt.Errorf("failed to set port range: %w", err)
		}
	}

	// receivers added for offerToReceive* need codecs to negotiate
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	return &PionEngine{api: webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se))}, nil
}

// LegacyConstraints implements Engine
func (e *PionEngine) LegacyConstraints() bool { return false }

// NewPeerConnection implements Engine. Connection-level constraints have no
// pion equivalent and are ignored.
func (e *PionEngine) NewPeerConnection(cfg webrtc.Configuration, _ Constraints) (PeerConnection, error) {
	pc, err := e.api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &pionPeerConnection{pc: pc}, nil
}

type pionPeerConnection struct {
	pc *webrtc.PeerConnection

	mu        sync.Mutex
	recvAudio bool
	recvVideo bool
}

// Raw exposes the underlying pion connection for media use
func (c *pionPeerConnection) Raw() *webrtc.PeerConnection { return c.pc }

func (c *pionPeerConnection) CreateDataChannel(label string, init *webrtc.DataChannelInit) (DataChannel, error) {
	dc, err := c.pc.CreateDataChannel(label, init)
	if err != nil {
		return nil, err
	}
	return &pionDataChannel{dc: dc}, nil
}

// ensureReceivers adds receive-only transceivers for the offerToReceive flags
func (c *pionPeerConnection) ensureReceivers(flat Constraints) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, _ := flat.Bool(OfferToReceiveAudio); v && !c.recvAudio {
		if _, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			return err
		}
		c.recvAudio = true
	}
	if v, _ := flat.Bool(OfferToReceiveVideo); v && !c.recvVideo {
		if _, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			return err
		}
		c.recvVideo = true
	}
	return nil
}

func (c *pionPeerConnection) CreateOffer(constraints Constraints) (webrtc.SessionDescription, error) {
	flat := TransformConstraints(constraints, false)
	if err := c.ensureReceivers(flat); err != nil {
		return webrtc.SessionDescription{}, err
	}
	opts := &webrtc.OfferOptions{}
	opts.ICERestart, _ = flat.Bool(IceRestart)
	opts.VoiceActivityDetection, _ = flat.Bool(VoiceActivityDetection)
	return c.pc.CreateOffer(opts)
}

func (c *pionPeerConnection) CreateAnswer(constraints Constraints) (webrtc.SessionDescription, error) {
	flat := TransformConstraints(constraints, false)
	opts := &webrtc.AnswerOptions{}
	opts.VoiceActivityDetection, _ = flat.Bool(VoiceActivityDetection)
	return c.pc.CreateAnswer(opts)
}

func (c *pionPeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *pionPeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *pionPeerConnection) LocalDescription() *webrtc.SessionDescription {
	return c.pc.LocalDescription()
}

func (c *pionPeerConnection) RemoteDescription() *webrtc.SessionDescription {
	return c.pc.RemoteDescription()
}

func (c *pionPeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *pionPeerConnection) ICEConnectionState() webrtc.ICEConnectionState {
	return c.pc.ICEConnectionState()
}

func (c *pionPeerConnection) ICEGatheringState() webrtc.ICEGatheringState {
	return c.pc.ICEGatheringState()
}

func (c *pionPeerConnection) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

func (c *pionPeerConnection) OnICECandidate(f func(*webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			f(nil)
			return
		}
		init := cand.ToJSON()
		f(&init)
	})
}

func (c *pionPeerConnection) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	c.pc.OnICEConnectionStateChange(f)
}

func (c *pionPeerConnection) OnSignalingStateChange(f func(webrtc.SignalingState)) {
	c.pc.OnSignalingStateChange(f)
}

func (c *pionPeerConnection) OnNegotiationNeeded(f func()) {
	c.pc.OnNegotiationNeeded(f)
}

func (c *pionPeerConnection) OnDataChannel(f func(DataChannel)) {
	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc == nil {
			f(nil)
			return
		}
		f(&pionDataChannel{dc: dc})
	})
}

func (c *pionPeerConnection) OnTrack(f func(Track)) {
	c.pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		f(&pionTrack{t: t})
	})
}

// Close runs asynchronously: it may be called from one of the connection's
// own callbacks, which pion would otherwise wait on.
func (c *pionPeerConnection) Close() error {
	go func() { _ = c.pc.Close() }()
	return nil
}

// GetStats implements StatsProvider
func (c *pionPeerConnection) GetStats() ([]StatsReport, error) {
	local, remote := c.selectedPair()
	return convertPionStats(c.pc.GetStats(), local, remote), nil
}

// selectedPair returns the transport's selected pair as "ip:port" strings
func (c *pionPeerConnection) selectedPair() (local, remote string) {
	sctp := c.pc.SCTP()
	if sctp == nil || sctp.Transport() == nil || sctp.Transport().ICETransport() == nil {
		return "", ""
	}
	pair, err := sctp.Transport().ICETransport().GetSelectedCandidatePair()
	if err != nil || pair == nil || pair.Local == nil || pair.Remote == nil {
		return "", ""
	}
	return hostPort(pair.Local.Address, int(pair.Local.Port)), hostPort(pair.Remote.Address, int(pair.Remote.Port))
}

func hostPort(ip string, port int) string {
	return ip + ":" + strconv.Itoa(port)
}

// convertPionStats flattens a pion report. The pair matching the transport's
// selected pair (or, failing that, a nominated pair that succeeded) is marked
// selected and referenced from the transport entry.
func convertPionStats(report webrtc.StatsReport, selLocal, selRemote string) []StatsReport {
	out := make([]StatsReport, 0, len(report))
	candidates := make(map[string]string)
	var transports []int
	selectedID := ""
	nominatedID := ""

	for _, s := range report {
		switch st := s.(type) {
		case webrtc.ICECandidateStats:
			out = append(out, candidateReport(st))
		case *webrtc.ICECandidateStats:
			out = append(out, candidateReport(*st))
		case webrtc.ICECandidatePairStats:
			out = append(out, pairReport(st))
		case *webrtc.ICECandidatePairStats:
			out = append(out, pairReport(*st))
		case webrtc.TransportStats:
			out = append(out, StatsReport{ID: st.ID, Type: string(st.Type), Values: map[string]string{}})
		case *webrtc.TransportStats:
			out = append(out, StatsReport{ID: st.ID, Type: string(st.Type), Values: map[string]string{}})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	for i, r := range out {
		switch {
		case isLocalCandidate(r.Type), isRemoteCandidate(r.Type):
			candidates[r.ID] = hostPort(r.Values["ip"], atoi(r.Values["port"]))
		case r.Type == "transport":
			transports = append(transports, i)
		}
	}
	for _, r := range out {
		if !isCandidatePair(r.Type) {
			continue
		}
		if selLocal != "" && candidates[r.Values["localCandidateId"]] == selLocal &&
			candidates[r.Values["remoteCandidateId"]] == selRemote {
			selectedID = r.ID
		}
		if nominatedID == "" && r.flag("nominated") && r.Values["state"] == "succeeded" {
			nominatedID = r.ID
		}
	}
	if selectedID == "" {
		selectedID = nominatedID
	}
	if selectedID == "" {
		return out
	}

	for i := range out {
		if out[i].ID == selectedID {
			out[i].Values["selected"] = "true"
		}
	}
	for _, i := range transports {
		out[i].Values["selectedCandidatePairId"] = selectedID
	}
	return out
}

func candidateReport(s webrtc.ICECandidateStats) StatsReport {
	return StatsReport{
		ID:   s.ID,
		Type: string(s.Type),
		Values: map[string]string{
			"ip":            s.IP,
			"port":          strconv.Itoa(int(s.Port)),
			"protocol":      s.Protocol,
			"candidateType": s.CandidateType.String(),
		},
	}
}

func pairReport(s webrtc.ICECandidatePairStats) StatsReport {
	return StatsReport{
		ID:   s.ID,
		Type: string(s.Type),
		Values: map[string]string{
			"localCandidateId":  s.LocalCandidateID,
			"remoteCandidateId": s.RemoteCandidateID,
			"state":             string(s.State),
			"nominated":         strconv.FormatBool(s.Nominated),
		},
	}
}

type pionDataChannel struct {
	dc *webrtc.DataChannel
}

func (d *pionDataChannel) Label() string                { return d.dc.Label() }
func (d *pionDataChannel) Send(data []byte) error       { return d.dc.Send(data) }
func (d *pionDataChannel) SendText(s string) error      { return d.dc.SendText(s) }
func (d *pionDataChannel) BufferedAmount() uint64       { return d.dc.BufferedAmount() }
func (d *pionDataChannel) OnOpen(f func())              { d.dc.OnOpen(f) }
func (d *pionDataChannel) OnClose(f func())             { d.dc.OnClose(f) }
func (d *pionDataChannel) OnError(f func(err error))    { d.dc.OnError(f) }
func (d *pionDataChannel) Close() error                 { return d.dc.Close() }
func (d *pionDataChannel) OnBufferedAmountLow(f func()) { d.dc.OnBufferedAmountLow(f) }

func (d *pionDataChannel) OnMessage(f func(data []byte)) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) { f(msg.Data) })
}

func (d *pionDataChannel) SetBufferedAmountLowThreshold(threshold uint64) {
	d.dc.SetBufferedAmountLowThreshold(threshold)
}

type pionTrack struct {
	t *webrtc.TrackRemote
}

func (t *pionTrack) ID() string       { return t.t.ID() }
func (t *pionTrack) StreamID() string { return t.t.StreamID() }
func (t *pionTrack) Kind() string     { return t.t.Kind().String() }

// Remote exposes the pion track for media consumers
func (t *pionTrack) Remote() *webrtc.TrackRemote { return t.t }
