package signaling

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/streamcast-p2p/streamcast/internal/protocol"
)

// MediaSource is the broadcaster's local media. Capture itself is external;
// the engine only needs to attach its tracks and know whether it is live.
type MediaSource interface {
	// Live reports whether the source currently has live tracks.
	Live() bool
	// Attach adds the source's tracks to a new peer connection.
	Attach(pc *webrtc.PeerConnection) error
}

// TrackHandler receives remote media arriving on an inbound connection.
type TrackHandler func(peerID string, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)

// WebRTCEngine is the pion-backed negotiation engine.
type WebRTCEngine struct {
	config  webrtc.Configuration
	source  MediaSource
	onTrack TrackHandler
	log     *logrus.Logger
}

var _ Engine = (*WebRTCEngine)(nil)

// NewWebRTCEngine builds an engine. source may be nil on the viewer side;
// onTrack may be nil on the broadcaster side.
func NewWebRTCEngine(config webrtc.Configuration, source MediaSource, onTrack TrackHandler, log *logrus.Logger) *WebRTCEngine {
	return &WebRTCEngine{config: config, source: source, onTrack: onTrack, log: log}
}

func (e *WebRTCEngine) SourceLive() bool {
	return e.source != nil && e.source.Live()
}

func (e *WebRTCEngine) NewConnection(peerID string, cb Callbacks) (Negotiator, error) {
	pc, err := webrtc.NewPeerConnection(e.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %v", err)
	}

	if e.source != nil {
		if err := e.source.Attach(pc); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("attach media source: %v", err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || cb.OnLocalCandidate == nil {
			return
		}
		init := c.ToJSON()
		cb.OnLocalCandidate(protocol.ICECandidateInit{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		e.log.Debugf("connection to %s changed state: %s", peerID, s)
		if cb.OnStateChange != nil {
			cb.OnStateChange(mapConnState(s))
		}
	})

	if e.onTrack != nil {
		pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
			e.onTrack(peerID, track, receiver)
		})
	}

	return &pionNegotiator{pc: pc}, nil
}

func mapConnState(s webrtc.PeerConnectionState) ConnState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return ConnNew
	case webrtc.PeerConnectionStateConnecting:
		return ConnConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnFailed
	default:
		return ConnClosed
	}
}

type pionNegotiator struct {
	pc *webrtc.PeerConnection
}

func (n *pionNegotiator) CreateOffer(_ context.Context) (string, error) {
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %v", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %v", err)
	}
	return offer.SDP, nil
}

func (n *pionNegotiator) AcceptOffer(_ context.Context, sdp string) (string, error) {
	err := n.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
	if err != nil {
		return "", fmt.Errorf("set remote description: %v", err)
	}

	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %v", err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %v", err)
	}
	return answer.SDP, nil
}

func (n *pionNegotiator) AcceptAnswer(_ context.Context, sdp string) error {
	return n.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

func (n *pionNegotiator) AddRemoteCandidate(c protocol.ICECandidateInit) error {
	return n.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (n *pionNegotiator) HasRemoteDescription() bool {
	return n.pc.RemoteDescription() != nil
}

func (n *pionNegotiator) Close() error {
	return n.pc.Close()
}
