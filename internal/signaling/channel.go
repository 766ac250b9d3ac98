package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/streamcast-p2p/streamcast/internal/protocol"
)

// PeerState is the negotiation phase of one remote peer.
type PeerState string

const (
	StateIdle          PeerState = "idle"
	StateOfferSent     PeerState = "offer-sent"
	StateOfferReceived PeerState = "offer-received"
	StateConnected     PeerState = "connected"
	StateClosed        PeerState = "closed"
)

// Outbound sends an encoded payload as one logical frame. Satisfied by
// fragment.Sender via session wiring.
type Outbound interface {
	BroadcastChunk(ctx context.Context, payload []byte, frame int64) error
}

// FrameAllocator hands out fresh outbound frame numbers.
type FrameAllocator func() int64

// Config bounds the request-offer retry loop.
type Config struct {
	RetryInterval time.Duration
	RetryLimit    int
}

func DefaultConfig() Config {
	return Config{
		RetryInterval: protocol.OfferRetryInterval,
		RetryLimit:    protocol.OfferRetryLimit,
	}
}

type peerConn struct {
	neg   Negotiator
	state PeerState
}

// Channel drives the per-peer negotiation state machine over the broadcast
// transport. Inbound dispatch happens on the session's single event loop;
// engine callbacks and the retry timer run concurrently, so shared state is
// guarded by a mutex.
type Channel struct {
	localID   string
	engine    Engine
	out       Outbound
	nextFrame FrameAllocator
	cfg       Config
	log       *logrus.Logger

	mu    sync.Mutex
	peers map[string]*peerConn
	// Candidates that raced ahead of the offer/answer exchange, keyed by
	// peer. Applied in arrival order once a remote description exists;
	// discarded when the peer's handle is destroyed.
	pendingCandidates map[string][]protocol.ICECandidateInit
}

func NewChannel(localID string, engine Engine, out Outbound, nextFrame FrameAllocator, cfg Config, log *logrus.Logger) *Channel {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = protocol.OfferRetryInterval
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = protocol.OfferRetryLimit
	}
	return &Channel{
		localID:           localID,
		engine:            engine,
		out:               out,
		nextFrame:         nextFrame,
		cfg:               cfg,
		log:               log,
		peers:             make(map[string]*peerConn),
		pendingCandidates: make(map[string][]protocol.ICECandidateInit),
	}
}

// HandleSignal dispatches one inbound signal message. Self-messages and
// messages targeted at someone else are ignored before any type dispatch.
func (c *Channel) HandleSignal(ctx context.Context, msg *protocol.SignalMessage) {
	if msg.From == c.localID {
		return
	}
	if msg.To != "" && msg.To != c.localID {
		return
	}

	switch msg.Type {
	case protocol.MsgRequestOffer:
		c.handleRequestOffer(ctx, msg.From)
	case protocol.MsgOffer:
		c.handleOffer(ctx, msg)
	case protocol.MsgAnswer:
		c.handleAnswer(ctx, msg)
	case protocol.MsgICECandidate:
		c.handleCandidate(msg)
	default:
		c.log.Debugf("ignoring signal with unknown type %q from %s", msg.Type, msg.From)
	}
}

// RequestOffers announces this peer as a viewer looking for a broadcaster.
// The request is re-broadcast every retry interval until a connection is
// observed or the retry ceiling is reached; hitting the ceiling is not an
// error, just "no broadcaster reachable right now". Blocks until done;
// callers run it in its own goroutine.
func (c *Channel) RequestOffers(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.RetryInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= c.cfg.RetryLimit; attempt++ {
		if c.connectionObserved() {
			return
		}
		if err := c.sendSignal(ctx, &protocol.SignalMessage{
			Type: protocol.MsgRequestOffer,
			From: c.localID,
		}); err != nil {
			c.log.Warnf("request-offer attempt %d failed: %v", attempt, err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
	c.log.Debugf("request-offer gave up after %d attempts", c.cfg.RetryLimit)
}

func (c *Channel) handleRequestOffer(ctx context.Context, from string) {
	if !c.engine.SourceLive() {
		c.log.Debugf("ignoring request-offer from %s: no live tracks", from)
		return
	}

	c.mu.Lock()
	if pc, ok := c.peers[from]; ok && pc.state != StateClosed {
		c.mu.Unlock()
		c.log.Debugf("ignoring request-offer from %s: negotiation already %s", from, pc.state)
		return
	}
	c.mu.Unlock()

	neg, err := c.createHandle(from)
	if err != nil {
		c.log.Warnf("create connection for %s: %v", from, err)
		return
	}

	sdp, err := neg.CreateOffer(ctx)
	if err != nil {
		c.log.Warnf("create offer for %s: %v", from, err)
		c.PeerLeft(from)
		return
	}
	c.setState(from, StateOfferSent)

	if err := c.sendSignal(ctx, &protocol.SignalMessage{
		Type: protocol.MsgOffer,
		From: c.localID,
		To:   from,
		SDP:  sdp,
	}); err != nil {
		c.log.Warnf("send offer to %s: %v", from, err)
	}
}

func (c *Channel) handleOffer(ctx context.Context, msg *protocol.SignalMessage) {
	from := msg.From

	c.mu.Lock()
	if pc, ok := c.peers[from]; ok && pc.state != StateClosed {
		c.mu.Unlock()
		c.log.Debugf("duplicate offer from %s in state %s, leaving dedup to the engine", from, pc.state)
		return
	}
	c.mu.Unlock()

	neg, err := c.createHandle(from)
	if err != nil {
		c.log.Warnf("create connection for %s: %v", from, err)
		return
	}

	answer, err := neg.AcceptOffer(ctx, msg.SDP)
	if err != nil {
		c.log.Warnf("apply offer from %s: %v", from, err)
		c.PeerLeft(from)
		return
	}
	c.setState(from, StateOfferReceived)

	if err := c.sendSignal(ctx, &protocol.SignalMessage{
		Type: protocol.MsgAnswer,
		From: c.localID,
		To:   from,
		SDP:  answer,
	}); err != nil {
		c.log.Warnf("send answer to %s: %v", from, err)
	}

	c.drainCandidates(from, neg)
}

func (c *Channel) handleAnswer(ctx context.Context, msg *protocol.SignalMessage) {
	from := msg.From

	c.mu.Lock()
	pc, ok := c.peers[from]
	c.mu.Unlock()
	if !ok {
		c.log.Warnf("answer from %s without a pending offer", from)
		return
	}

	if err := pc.neg.AcceptAnswer(ctx, msg.SDP); err != nil {
		c.log.Warnf("apply answer from %s: %v", from, err)
		return
	}
	c.setState(from, StateConnected)
	c.drainCandidates(from, pc.neg)
}

func (c *Channel) handleCandidate(msg *protocol.SignalMessage) {
	if msg.Candidate == nil {
		c.log.Debugf("ice-candidate from %s without a descriptor", msg.From)
		return
	}

	c.mu.Lock()
	pc, ok := c.peers[msg.From]
	if ok && pc.neg.HasRemoteDescription() {
		neg := pc.neg
		c.mu.Unlock()
		if err := neg.AddRemoteCandidate(*msg.Candidate); err != nil {
			c.log.Warnf("add candidate from %s: %v", msg.From, err)
		}
		return
	}
	c.pendingCandidates[msg.From] = append(c.pendingCandidates[msg.From], *msg.Candidate)
	c.mu.Unlock()
}

// PeerLeft tears down the peer's handle and discards its candidate queue.
// Called on neighbor-left events and on fatal negotiation errors.
func (c *Channel) PeerLeft(peerID string) {
	c.mu.Lock()
	pc, ok := c.peers[peerID]
	delete(c.peers, peerID)
	delete(c.pendingCandidates, peerID)
	c.mu.Unlock()

	if ok {
		if err := pc.neg.Close(); err != nil {
			c.log.Debugf("close connection to %s: %v", peerID, err)
		}
	}
}

// PeerStates snapshots the negotiation phase of every known peer.
func (c *Channel) PeerStates() map[string]PeerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]PeerState, len(c.peers))
	for id, pc := range c.peers {
		out[id] = pc.state
	}
	return out
}

// Close releases every peer handle and clears all tables. All handles are
// closed even if some of them fail.
func (c *Channel) Close() error {
	c.mu.Lock()
	peers := c.peers
	c.peers = make(map[string]*peerConn)
	c.pendingCandidates = make(map[string][]protocol.ICECandidateInit)
	c.mu.Unlock()

	var result *multierror.Error
	for id, pc := range peers {
		if err := pc.neg.Close(); err != nil {
			result = multierror.Append(result, err)
			c.log.Debugf("close connection to %s: %v", id, err)
		}
	}
	return result.ErrorOrNil()
}

func (c *Channel) createHandle(peerID string) (Negotiator, error) {
	pc := &peerConn{state: StateIdle}
	neg, err := c.engine.NewConnection(peerID, Callbacks{
		OnLocalCandidate: func(cand protocol.ICECandidateInit) {
			if err := c.sendSignal(context.Background(), &protocol.SignalMessage{
				Type:      protocol.MsgICECandidate,
				From:      c.localID,
				To:        peerID,
				Candidate: &cand,
			}); err != nil {
				c.log.Warnf("send candidate to %s: %v", peerID, err)
			}
		},
		OnStateChange: func(state ConnState) {
			c.onConnState(peerID, pc, state)
		},
	})
	if err != nil {
		return nil, err
	}
	pc.neg = neg

	c.mu.Lock()
	old := c.peers[peerID]
	c.peers[peerID] = pc
	c.mu.Unlock()

	// A renegotiation replaces a dead handle; release the old one off-lock,
	// since Close can re-enter via its state callback.
	if old != nil {
		if err := old.neg.Close(); err != nil {
			c.log.Debugf("close stale connection to %s: %v", peerID, err)
		}
	}
	return neg, nil
}

// onConnState updates the phase of the handle the callback belongs to. The
// handle identity check keeps a dying handle's late callbacks from touching
// its replacement.
func (c *Channel) onConnState(peerID string, pc *peerConn, state ConnState) {
	c.log.Debugf("connection to %s is now %s", peerID, state)

	var next PeerState
	switch state {
	case ConnConnected:
		next = StateConnected
	case ConnDisconnected, ConnFailed, ConnClosed:
		next = StateClosed
	default:
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peers[peerID] == pc {
		pc.state = next
	}
}

func (c *Channel) setState(peerID string, state PeerState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pc, ok := c.peers[peerID]; ok {
		pc.state = state
	}
}

func (c *Channel) connectionObserved() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, pc := range c.peers {
		if pc.state == StateOfferReceived || pc.state == StateConnected {
			return true
		}
	}
	return false
}

// drainCandidates applies queued candidates in original receive order now
// that a remote description exists.
func (c *Channel) drainCandidates(peerID string, neg Negotiator) {
	c.mu.Lock()
	queued := c.pendingCandidates[peerID]
	delete(c.pendingCandidates, peerID)
	c.mu.Unlock()

	for _, cand := range queued {
		if err := neg.AddRemoteCandidate(cand); err != nil {
			c.log.Warnf("apply queued candidate for %s: %v", peerID, err)
		}
	}
}

func (c *Channel) sendSignal(ctx context.Context, msg *protocol.SignalMessage) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.out.BroadcastChunk(ctx, data, c.nextFrame())
}
