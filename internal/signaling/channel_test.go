package signaling

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/streamcast-p2p/streamcast/internal/protocol"
)

type fakeNegotiator struct {
	remoteSet  bool
	answerSet  bool
	candidates []protocol.ICECandidateInit
	closed     bool
}

func (n *fakeNegotiator) CreateOffer(context.Context) (string, error) {
	return "offer-sdp", nil
}

func (n *fakeNegotiator) AcceptOffer(_ context.Context, _ string) (string, error) {
	n.remoteSet = true
	return "answer-sdp", nil
}

func (n *fakeNegotiator) AcceptAnswer(_ context.Context, _ string) error {
	n.remoteSet = true
	n.answerSet = true
	return nil
}

func (n *fakeNegotiator) AddRemoteCandidate(c protocol.ICECandidateInit) error {
	n.candidates = append(n.candidates, c)
	return nil
}

func (n *fakeNegotiator) HasRemoteDescription() bool { return n.remoteSet }
func (n *fakeNegotiator) Close() error               { n.closed = true; return nil }

type fakeEngine struct {
	live  bool
	conns map[string]*fakeNegotiator
	cbs   map[string]Callbacks
}

func newFakeEngine(live bool) *fakeEngine {
	return &fakeEngine{
		live:  live,
		conns: make(map[string]*fakeNegotiator),
		cbs:   make(map[string]Callbacks),
	}
}

func (e *fakeEngine) NewConnection(peerID string, cbs Callbacks) (Negotiator, error) {
	n := &fakeNegotiator{}
	e.conns[peerID] = n
	e.cbs[peerID] = cbs
	return n, nil
}

func (e *fakeEngine) SourceLive() bool { return e.live }

// captureOut records every signal the channel broadcasts.
type captureOut struct {
	mu   sync.Mutex
	sent []*protocol.SignalMessage
}

func (o *captureOut) BroadcastChunk(_ context.Context, payload []byte, _ int64) error {
	msg, err := protocol.Decode(payload)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.sent = append(o.sent, msg.(*protocol.SignalMessage))
	o.mu.Unlock()
	return nil
}

func (o *captureOut) byType(t protocol.MessageType) []*protocol.SignalMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []*protocol.SignalMessage
	for _, m := range o.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func newTestChannel(engine Engine, out Outbound, cfg Config) *Channel {
	var counter atomic.Int64
	counter.Store(protocol.ControlFrameBase)
	return NewChannel("local", engine, out, func() int64 {
		return counter.Add(1)
	}, cfg, testLogger())
}

func TestRequestOfferIgnoredWithoutLiveSource(t *testing.T) {
	out := &captureOut{}
	ch := newTestChannel(newFakeEngine(false), out, DefaultConfig())

	ch.HandleSignal(context.Background(), &protocol.SignalMessage{
		Type: protocol.MsgRequestOffer,
		From: "viewer-1",
	})

	if got := out.byType(protocol.MsgOffer); len(got) != 0 {
		t.Errorf("expected no offer with a dead source, got %d", len(got))
	}
	if len(ch.PeerStates()) != 0 {
		t.Error("no handle may be created for an ignored request-offer")
	}
}

func TestRequestOfferProducesTargetedOffer(t *testing.T) {
	out := &captureOut{}
	engine := newFakeEngine(true)
	ch := newTestChannel(engine, out, DefaultConfig())

	ch.HandleSignal(context.Background(), &protocol.SignalMessage{
		Type: protocol.MsgRequestOffer,
		From: "viewer-1",
	})

	offers := out.byType(protocol.MsgOffer)
	if len(offers) != 1 {
		t.Fatalf("expected 1 offer, got %d", len(offers))
	}
	if offers[0].To != "viewer-1" {
		t.Errorf("offer must target the requester, got %q", offers[0].To)
	}
	if offers[0].SDP != "offer-sdp" {
		t.Errorf("unexpected sdp %q", offers[0].SDP)
	}
	if ch.PeerStates()["viewer-1"] != StateOfferSent {
		t.Errorf("expected offer-sent, got %s", ch.PeerStates()["viewer-1"])
	}

	// A repeated request while negotiation is in flight is ignored.
	ch.HandleSignal(context.Background(), &protocol.SignalMessage{
		Type: protocol.MsgRequestOffer,
		From: "viewer-1",
	})
	if got := out.byType(protocol.MsgOffer); len(got) != 1 {
		t.Errorf("expected still 1 offer, got %d", len(got))
	}
}

func TestOfferProducesAnswerAndDrainsQueuedCandidates(t *testing.T) {
	out := &captureOut{}
	engine := newFakeEngine(false)
	ch := newTestChannel(engine, out, DefaultConfig())

	// Candidates race ahead of the offer.
	for _, cand := range []string{"cand-0", "cand-1", "cand-2"} {
		ch.HandleSignal(context.Background(), &protocol.SignalMessage{
			Type:      protocol.MsgICECandidate,
			From:      "broadcaster",
			Candidate: &protocol.ICECandidateInit{Candidate: cand},
		})
	}

	ch.HandleSignal(context.Background(), &protocol.SignalMessage{
		Type: protocol.MsgOffer,
		From: "broadcaster",
		SDP:  "offer-sdp",
	})

	answers := out.byType(protocol.MsgAnswer)
	if len(answers) != 1 {
		t.Fatalf("expected 1 answer, got %d", len(answers))
	}
	if answers[0].To != "broadcaster" {
		t.Errorf("answer must target the offerer, got %q", answers[0].To)
	}
	if ch.PeerStates()["broadcaster"] != StateOfferReceived {
		t.Errorf("expected offer-received, got %s", ch.PeerStates()["broadcaster"])
	}

	neg := engine.conns["broadcaster"]
	if len(neg.candidates) != 3 {
		t.Fatalf("expected 3 drained candidates, got %d", len(neg.candidates))
	}
	for i, want := range []string{"cand-0", "cand-1", "cand-2"} {
		if neg.candidates[i].Candidate != want {
			t.Errorf("candidate %d: expected %s, got %s", i, want, neg.candidates[i].Candidate)
		}
	}
}

func TestAnswerTransitionsToConnected(t *testing.T) {
	out := &captureOut{}
	engine := newFakeEngine(true)
	ch := newTestChannel(engine, out, DefaultConfig())

	ch.HandleSignal(context.Background(), &protocol.SignalMessage{
		Type: protocol.MsgRequestOffer,
		From: "viewer-1",
	})
	ch.HandleSignal(context.Background(), &protocol.SignalMessage{
		Type: protocol.MsgAnswer,
		From: "viewer-1",
		SDP:  "answer-sdp",
	})

	if ch.PeerStates()["viewer-1"] != StateConnected {
		t.Errorf("expected connected, got %s", ch.PeerStates()["viewer-1"])
	}
	if !engine.conns["viewer-1"].answerSet {
		t.Error("answer was not applied to the handle")
	}
}

func TestAnswerWithoutOfferIgnored(t *testing.T) {
	out := &captureOut{}
	ch := newTestChannel(newFakeEngine(true), out, DefaultConfig())

	ch.HandleSignal(context.Background(), &protocol.SignalMessage{
		Type: protocol.MsgAnswer,
		From: "stranger",
		SDP:  "answer-sdp",
	})
	if len(ch.PeerStates()) != 0 {
		t.Error("an unsolicited answer must not create state")
	}
}

func TestSelfAndMistargetedSignalsIgnored(t *testing.T) {
	out := &captureOut{}
	engine := newFakeEngine(true)
	ch := newTestChannel(engine, out, DefaultConfig())

	ch.HandleSignal(context.Background(), &protocol.SignalMessage{
		Type: protocol.MsgRequestOffer,
		From: "local",
	})
	ch.HandleSignal(context.Background(), &protocol.SignalMessage{
		Type: protocol.MsgOffer,
		From: "broadcaster",
		To:   "someone-else",
		SDP:  "offer-sdp",
	})

	if len(out.sent) != 0 {
		t.Errorf("expected no reaction, got %d sends", len(out.sent))
	}
	if len(ch.PeerStates()) != 0 {
		t.Error("ignored signals must not create state")
	}
}

func TestRequestOffersStopsAtRetryCeiling(t *testing.T) {
	out := &captureOut{}
	ch := newTestChannel(newFakeEngine(false), out, Config{
		RetryInterval: 2 * time.Millisecond,
		RetryLimit:    10,
	})

	done := make(chan struct{})
	go func() {
		ch.RequestOffers(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RequestOffers did not stop at the retry ceiling")
	}

	if got := len(out.byType(protocol.MsgRequestOffer)); got != 10 {
		t.Errorf("expected exactly 10 attempts, got %d", got)
	}
}

func TestRequestOffersStopsWhenConnectionObserved(t *testing.T) {
	out := &captureOut{}
	engine := newFakeEngine(false)
	ch := newTestChannel(engine, out, Config{
		RetryInterval: 5 * time.Millisecond,
		RetryLimit:    1000,
	})

	ch.HandleSignal(context.Background(), &protocol.SignalMessage{
		Type: protocol.MsgOffer,
		From: "broadcaster",
		SDP:  "offer-sdp",
	})

	done := make(chan struct{})
	go func() {
		ch.RequestOffers(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RequestOffers did not stop after a connection was observed")
	}
}

func TestPeerLeftDiscardsHandleAndQueue(t *testing.T) {
	out := &captureOut{}
	engine := newFakeEngine(true)
	ch := newTestChannel(engine, out, DefaultConfig())

	ch.HandleSignal(context.Background(), &protocol.SignalMessage{
		Type: protocol.MsgRequestOffer,
		From: "viewer-1",
	})
	ch.HandleSignal(context.Background(), &protocol.SignalMessage{
		Type:      protocol.MsgICECandidate,
		From:      "viewer-2",
		Candidate: &protocol.ICECandidateInit{Candidate: "queued"},
	})

	ch.PeerLeft("viewer-1")
	ch.PeerLeft("viewer-2")

	if !engine.conns["viewer-1"].closed {
		t.Error("handle must be closed on peer-left")
	}
	if len(ch.PeerStates()) != 0 {
		t.Error("peer records must be removed on peer-left")
	}

	// A late offer from viewer-2 must not see the discarded queue.
	ch.HandleSignal(context.Background(), &protocol.SignalMessage{
		Type: protocol.MsgOffer,
		From: "viewer-2",
		SDP:  "offer-sdp",
	})
	if got := len(engine.conns["viewer-2"].candidates); got != 0 {
		t.Errorf("discarded queue resurfaced: %d candidates applied", got)
	}
}

func TestRenegotiationReleasesStaleHandle(t *testing.T) {
	out := &captureOut{}
	engine := newFakeEngine(true)
	ch := newTestChannel(engine, out, DefaultConfig())

	ch.HandleSignal(context.Background(), &protocol.SignalMessage{
		Type: protocol.MsgRequestOffer,
		From: "viewer-1",
	})
	first := engine.conns["viewer-1"]
	firstCbs := engine.cbs["viewer-1"]

	// The connection dies; the next request-offer renegotiates.
	firstCbs.OnStateChange(ConnFailed)
	if ch.PeerStates()["viewer-1"] != StateClosed {
		t.Fatalf("expected closed after failure, got %s", ch.PeerStates()["viewer-1"])
	}

	ch.HandleSignal(context.Background(), &protocol.SignalMessage{
		Type: protocol.MsgRequestOffer,
		From: "viewer-1",
	})
	if !first.closed {
		t.Error("stale handle must be closed when replaced")
	}
	second := engine.conns["viewer-1"]
	if second == first {
		t.Fatal("renegotiation must create a fresh handle")
	}
	if got := len(out.byType(protocol.MsgOffer)); got != 2 {
		t.Fatalf("expected a second offer, got %d total", got)
	}
	if ch.PeerStates()["viewer-1"] != StateOfferSent {
		t.Errorf("expected offer-sent on the new handle, got %s", ch.PeerStates()["viewer-1"])
	}

	// A late callback from the dead handle must not touch its replacement.
	firstCbs.OnStateChange(ConnClosed)
	if ch.PeerStates()["viewer-1"] != StateOfferSent {
		t.Errorf("stale callback clobbered the new handle: %s", ch.PeerStates()["viewer-1"])
	}
}

func TestCloseReleasesAllHandles(t *testing.T) {
	out := &captureOut{}
	engine := newFakeEngine(true)
	ch := newTestChannel(engine, out, DefaultConfig())

	for _, peer := range []string{"a", "b", "c"} {
		ch.HandleSignal(context.Background(), &protocol.SignalMessage{
			Type: protocol.MsgRequestOffer,
			From: peer,
		})
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	for peer, neg := range engine.conns {
		if !neg.closed {
			t.Errorf("handle for %s not closed", peer)
		}
	}
	if len(ch.PeerStates()) != 0 {
		t.Error("tables must be cleared on close")
	}
}
