// Package signaling negotiates direct peer connections over the broadcast
// channel using a classic offer/answer/ICE exchange. It is indifferent to the
// concrete media transport: the negotiation engine is an injected capability.
package signaling

import (
	"context"

	"github.com/streamcast-p2p/streamcast/internal/protocol"
)

// ConnState is the engine's view of one peer connection, surfaced through
// the state-change callback. Negotiation errors arrive here, never as
// panics or return values from message dispatch.
type ConnState string

const (
	ConnNew          ConnState = "new"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnFailed       ConnState = "failed"
	ConnClosed       ConnState = "closed"
)

// Callbacks carries the per-connection event hooks handed to the engine.
type Callbacks struct {
	// OnLocalCandidate fires for every locally gathered ICE candidate.
	OnLocalCandidate func(protocol.ICECandidateInit)
	// OnStateChange fires on every connection state transition.
	OnStateChange func(ConnState)
}

// Negotiator is one per-peer connection handle produced by the engine.
type Negotiator interface {
	// CreateOffer produces and applies the local offer description.
	CreateOffer(ctx context.Context) (sdp string, err error)
	// AcceptOffer applies a remote offer and produces the local answer.
	AcceptOffer(ctx context.Context, sdp string) (answer string, err error)
	// AcceptAnswer applies a remote answer description.
	AcceptAnswer(ctx context.Context, sdp string) error
	// AddRemoteCandidate applies one remote ICE candidate. Only valid once a
	// remote description is set.
	AddRemoteCandidate(c protocol.ICECandidateInit) error
	// HasRemoteDescription reports whether a remote description was applied.
	HasRemoteDescription() bool
	Close() error
}

// Engine creates negotiation handles and knows whether the local media
// source currently has live tracks.
type Engine interface {
	NewConnection(peerID string, cb Callbacks) (Negotiator, error)
	// SourceLive reports whether the local media source has live tracks.
	// A broadcaster with a revoked or suspended source must not answer
	// request-offers with a dead stream.
	SourceLive() bool
}
