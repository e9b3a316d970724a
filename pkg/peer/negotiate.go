package peer

import (
	"encoding/json"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	perrors "peerlink/pkg/errors"
)

// SignalData is negotiation data exchanged out-of-band. It carries either a
// description (Type and SDP) or a single candidate.
type SignalData struct {
	Type      string                   `json:"type,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// IsDescription reports whether s carries an offer or answer
func (s SignalData) IsDescription() bool { return s.SDP != "" }

// parseSignal accepts documents and structured values. Anything that fails to
// decode is treated as an empty payload.
func parseSignal(data any) SignalData {
	var raw []byte
	switch v := data.(type) {
	case SignalData:
		return v
	case *SignalData:
		if v == nil {
			return SignalData{}
		}
		return *v
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	case json.RawMessage:
		raw = v
	case map[string]any:
		b, err := json.Marshal(v)
		if err != nil {
			return SignalData{}
		}
		raw = b
	default:
		return SignalData{}
	}

	var sd SignalData
	if err := json.Unmarshal(raw, &sd); err != nil {
		return SignalData{}
	}
	return sd
}

// Signal applies negotiation data received from the remote peer. It fails
// synchronously only after the peer was destroyed; invalid data destroys the
// peer with ErrInvalidSignal.
func (p *Peer) Signal(data any) error {
	if p.Destroyed() {
		return ErrDestroyed
	}
	sd := parseSignal(data)
	p.serial.do(func() { p.applySignal(sd) })
	return nil
}

func (p *Peer) applySignal(sd SignalData) {
	if p.Destroyed() {
		return
	}
	pc := p.pc

	if sd.Candidate != nil {
		if p.remoteSet {
			p.addICECandidate(*sd.Candidate)
		} else {
			p.pendingCandidates = append(p.pendingCandidates, *sd.Candidate)
		}
	}

	if sd.SDP != "" {
		desc := webrtc.SessionDescription{Type: webrtc.NewSDPType(sd.Type), SDP: sd.SDP}
		p.log.Debug("set remote description", zap.String("type", sd.Type))
		go func() {
			err := pc.SetRemoteDescription(desc)
			p.post(opResult{kind: opSetRemote, pc: pc, desc: desc, err: err})
		}()
	}

	if sd.SDP == "" && sd.Candidate == nil {
		p.destroy(ErrInvalidSignal)
	}
}

func (p *Peer) addICECandidate(c webrtc.ICECandidateInit) {
	if err := p.pc.AddICECandidate(c); err != nil {
		p.destroy(wrap(err, perrors.CodeAddICECandidate, "error adding candidate"))
	}
}

type opKind int

const (
	opSetRemote opKind = iota
	opCreateOffer
	opCreateAnswer
	opSetLocal
	opStats
)

func (k opKind) String() string {
	switch k {
	case opSetRemote:
		return "set_remote_description"
	case opCreateOffer:
		return "create_offer"
	case opCreateAnswer:
		return "create_answer"
	case opSetLocal:
		return "set_local_description"
	case opStats:
		return "get_stats"
	}
	return "unknown"
}

// opResult carries the outcome of an asynchronous engine call back into the
// serializer, together with the connection that issued it.
type opResult struct {
	kind    opKind
	pc      PeerConnection
	desc    webrtc.SessionDescription
	reports []StatsReport
	err     error
	then    func(opResult)
}

// post delivers res unless the session was destroyed or replaced its connection
func (p *Peer) post(res opResult) {
	p.serial.do(func() {
		if !p.current(res.pc) {
			p.log.Debug("dropping stale result", zap.Stringer("op", res.kind))
			return
		}
		if res.then != nil {
			res.then(res)
			return
		}
		p.onOpResult(res)
	})
}

func (p *Peer) onOpResult(res opResult) {
	switch res.kind {
	case opSetRemote:
		if res.err != nil {
			p.destroy(wrap(res.err, perrors.CodeSetRemoteDescription, "failed to set remote description"))
			return
		}
		p.remoteSet = true
		pending := p.pendingCandidates
		p.pendingCandidates = nil
		for _, c := range pending {
			p.addICECandidate(c)
			if p.Destroyed() {
				return
			}
		}
		if res.desc.Type == webrtc.SDPTypeOffer {
			p.createDescription(opCreateAnswer)
		}

	case opCreateOffer, opCreateAnswer:
		if res.err != nil {
			code := perrors.CodeCreateOffer
			if res.kind == opCreateAnswer {
				code = perrors.CodeCreateAnswer
			}
			p.destroy(wrap(res.err, code, "failed to "+res.kind.String()))
			return
		}
		desc := res.desc
		if p.opts.SDPTransform != nil {
			desc.SDP = p.opts.SDPTransform(desc.SDP)
		}
		pc := res.pc
		go func() {
			err := pc.SetLocalDescription(desc)
			p.post(opResult{kind: opSetLocal, pc: pc, desc: desc, err: err})
		}()

	case opSetLocal:
		if res.err != nil {
			p.destroy(wrap(res.err, perrors.CodeSetLocalDescription, "failed to set local description"))
			return
		}
		if p.opts.trickle() || p.iceComplete {
			p.sendLocalDescription(res.desc)
			return
		}
		// wait for gathering so the description carries every candidate
		desc := res.desc
		p.awaitingGather = &desc
	}
}

func (p *Peer) onNegotiationNeeded(pc PeerConnection) {
	if !p.current(pc) || p.offerRequested {
		return
	}
	p.offerRequested = true
	p.createDescription(opCreateOffer)
}

// createDescription asks the engine for an offer or answer using the role's constraints
func (p *Peer) createDescription(kind opKind) {
	if p.Destroyed() {
		return
	}
	pc := p.pc
	go func() {
		var (
			desc webrtc.SessionDescription
			err  error
		)
		if kind == opCreateOffer {
			desc, err = pc.CreateOffer(p.offerConstraints)
		} else {
			desc, err = pc.CreateAnswer(p.answerConstraints)
		}
		p.post(opResult{kind: kind, pc: pc, desc: desc, err: err})
	}()
}

func (p *Peer) sendLocalDescription(fallback webrtc.SessionDescription) {
	desc := fallback
	if local := p.pc.LocalDescription(); local != nil {
		desc = *local
	}
	p.log.Debug("signal", zap.String("type", desc.Type.String()))
	p.observer.SignalEmitted(desc.Type.String())
	p.emit(EventSignal, SignalData{Type: desc.Type.String(), SDP: desc.SDP})
}

func (p *Peer) onICECandidate(pc PeerConnection, c *webrtc.ICECandidateInit) {
	if !p.current(pc) {
		return
	}
	if c != nil {
		if p.opts.trickle() {
			p.observer.SignalEmitted("candidate")
			p.emit(EventSignal, SignalData{Candidate: c})
		}
		return
	}

	p.iceComplete = true
	if p.awaitingGather != nil {
		desc := *p.awaitingGather
		p.awaitingGather = nil
		p.sendLocalDescription(desc)
	}
}

func (p *Peer) onSignalingStateChange(pc PeerConnection, state webrtc.SignalingState) {
	if !p.current(pc) {
		return
	}
	p.log.Debug("signaling state change", zap.Stringer("state", state))
	p.emit(EventSignalingStateChange, state)
}
