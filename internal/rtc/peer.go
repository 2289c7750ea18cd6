// Package rtc owns the peer connection side of a call: the pion-backed
// PeerConnection adapter, the remote candidate queue, and the Session
// state machine that drives negotiation over the signaling transport.
package rtc

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	pion "github.com/pion/webrtc/v4"

	"github.com/orchardlive/callkit/internal/domain"
)

// rtpTrackCarrier is implemented by local media tracks that wrap a pion
// local track (internal/media). Tracks that don't carry one cannot be
// attached to a real peer connection.
type rtpTrackCarrier interface {
	RTPTrack() pion.TrackLocal
}

// peerConn adapts a pion PeerConnection to domain.PeerConnection.
type peerConn struct {
	pc *pion.PeerConnection
}

// NewPeerConnection builds a pion peer connection with default codecs,
// a nack responder, and generous ICE timeouts, configured with the
// given STUN/TURN endpoints. engineFns run against the media engine
// before the connection is built; the capture source registers its
// encoder codecs through one.
func NewPeerConnection(iceServers []domain.ICEServer, engineFns ...func(*pion.MediaEngine)) (domain.PeerConnection, error) {
	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	for _, fn := range engineFns {
		fn(m)
	}

	i := &interceptor.Registry{}
	responderFactory, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	i.Add(responderFactory)

	// Default disconnectedTimeout is 5s, too short for relay paths that
	// blip during re-keying or failover. The session's reconnect grace
	// handles user-visible teardown; ICE gets room to recover first.
	se := pion.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(se),
	)

	var servers []pion.ICEServer
	for _, s := range iceServers {
		servers = append(servers, pion.ICEServer{
			URLs:       []string{s.URL},
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:   servers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	return &peerConn{pc: pc}, nil
}

// AttachLocalMedia adds the stream's tracks to the connection. A nil or
// empty stream produces recvonly transceivers so CreateOffer and
// CreateAnswer still emit valid m-lines with ICE credentials.
func (p *peerConn) AttachLocalMedia(stream domain.MediaStream) error {
	if stream == nil || len(stream.Tracks()) == 0 {
		return p.addRecvOnlyTransceivers()
	}
	for _, t := range stream.Tracks() {
		carrier, ok := t.(rtpTrackCarrier)
		if !ok {
			return fmt.Errorf("%s track carries no local RTP track", t.Kind())
		}
		if _, err := p.pc.AddTrack(carrier.RTPTrack()); err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
	}
	return nil
}

func (p *peerConn) addRecvOnlyTransceivers() error {
	for _, kind := range []pion.RTPCodecType{pion.RTPCodecTypeAudio, pion.RTPCodecTypeVideo} {
		_, err := p.pc.AddTransceiverFromKind(kind, pion.RTPTransceiverInit{
			Direction: pion.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

func (p *peerConn) CreateOffer() (domain.SDPPayload, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return domain.SDPPayload{}, fmt.Errorf("create offer: %w", err)
	}
	return domain.SDPPayload{Type: "offer", SDP: offer.SDP}, nil
}

func (p *peerConn) CreateAnswer() (domain.SDPPayload, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SDPPayload{}, fmt.Errorf("create answer: %w", err)
	}
	return domain.SDPPayload{Type: "answer", SDP: answer.SDP}, nil
}

func (p *peerConn) SetLocalDescription(sdp domain.SDPPayload) error {
	if err := p.pc.SetLocalDescription(toSessionDescription(sdp)); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return nil
}

func (p *peerConn) SetRemoteDescription(sdp domain.SDPPayload) error {
	if err := p.pc.SetRemoteDescription(toSessionDescription(sdp)); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (p *peerConn) RollbackLocalDescription() error {
	err := p.pc.SetLocalDescription(pion.SessionDescription{Type: pion.SDPTypeRollback})
	if err != nil {
		return fmt.Errorf("rollback local description: %w", err)
	}
	return nil
}

func (p *peerConn) AddICECandidate(c domain.CandidatePayload) error {
	sdpMLineIndex := uint16(c.SDPMLineIndex)
	init := pion.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &c.SDPMid,
		SDPMLineIndex: &sdpMLineIndex,
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// OnICECandidate registers the local candidate callback. Loopback
// candidates are filtered; the nil end-of-gathering marker is dropped.
func (p *peerConn) OnICECandidate(fn func(domain.CandidatePayload)) {
	p.pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			log.Printf("[rtc] ICE gathering complete")
			return
		}
		j := c.ToJSON()
		if isLoopback(j.Candidate) {
			return
		}
		out := domain.CandidatePayload{Candidate: j.Candidate}
		if j.SDPMid != nil {
			out.SDPMid = *j.SDPMid
		}
		if j.SDPMLineIndex != nil {
			out.SDPMLineIndex = int(*j.SDPMLineIndex)
		}
		fn(out)
	})
}

func (p *peerConn) OnConnectionStateChange(fn func(domain.ConnState)) {
	p.pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		fn(toConnState(state))
	})
}

func (p *peerConn) Close() error {
	return p.pc.Close()
}

func toSessionDescription(sdp domain.SDPPayload) pion.SessionDescription {
	return pion.SessionDescription{Type: pion.NewSDPType(sdp.Type), SDP: sdp.SDP}
}

func toConnState(state pion.PeerConnectionState) domain.ConnState {
	switch state {
	case pion.PeerConnectionStateNew:
		return domain.ConnNew
	case pion.PeerConnectionStateConnecting:
		return domain.ConnConnecting
	case pion.PeerConnectionStateConnected:
		return domain.ConnConnected
	case pion.PeerConnectionStateDisconnected:
		return domain.ConnDisconnected
	case pion.PeerConnectionStateFailed:
		return domain.ConnFailed
	default:
		return domain.ConnClosed
	}
}

func isLoopback(candidate string) bool {
	return strings.Contains(candidate, "127.0.0.1") || strings.Contains(candidate, "::1 ")
}
