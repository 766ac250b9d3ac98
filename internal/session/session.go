// Package session ties the transport, frame fragmentation, signaling and
// file exchange together behind one handle. A session owns the single
// inbound dispatch loop: every transport event funnels through it, so the
// downstream handlers never see concurrent deliveries.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/streamcast-p2p/streamcast/internal/exchange"
	"github.com/streamcast-p2p/streamcast/internal/fragment"
	"github.com/streamcast-p2p/streamcast/internal/protocol"
	"github.com/streamcast-p2p/streamcast/internal/signaling"
	"github.com/streamcast-p2p/streamcast/internal/transport"
)

const defaultPresenceInterval = 10 * time.Second

var errNoBroadcaster = errors.New("no prepared broadcast")

// Config carries the session-level tunables. Zero values take defaults.
type Config struct {
	PresenceInterval  time.Duration
	BroadcastInterval time.Duration
	Signaling         signaling.Config
	Viewer            exchange.ViewerConfig
}

// PeerInfo is what the session knows about a neighbor from presence
// announcements.
type PeerInfo struct {
	Name     string
	LastSeen time.Time
}

// Stats is a point-in-time snapshot for the embedding UI.
type Stats struct {
	LocalID       string
	Peers         map[string]PeerInfo
	SignalStates  map[string]signaling.PeerState
	Progress      exchange.Progress
	Availability  map[string][]int
	PendingFrames int
	LastError     string
}

// Session is the per-topic handle. Attach a broadcaster or viewer before
// Start; the dispatch loop reads both under the session mutex.
type Session struct {
	bc      transport.Broadcast
	sender  *fragment.Sender
	reasm   *fragment.Reassembler
	signals *signaling.Channel
	cfg     Config
	log     *logrus.Logger

	frameCtr int64

	mu          sync.Mutex
	broadcaster *exchange.Broadcaster
	viewer      *exchange.Viewer
	peers       map[string]PeerInfo
	lastErr     error

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func New(ctx context.Context, bc transport.Broadcast, engine signaling.Engine, cfg Config, log *logrus.Logger) *Session {
	if cfg.PresenceInterval <= 0 {
		cfg.PresenceInterval = defaultPresenceInterval
	}
	ctx, cancel := context.WithCancel(ctx)

	s := &Session{
		bc:       bc,
		sender:   fragment.NewSender(bc, log),
		reasm:    fragment.NewReassembler(log),
		cfg:      cfg,
		log:      log,
		// Seeded with wall-clock millis so concurrent peers pick disjoint
		// control-frame ranges; chunk and relay frames have their own bands.
		frameCtr: protocol.ControlFrameBase + time.Now().UnixMilli(),
		peers:    make(map[string]PeerInfo),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.signals = signaling.NewChannel(bc.LocalID(), engine, s.sender, s.NextFrame, cfg.Signaling, log)
	return s
}

// NextFrame allocates a fresh control-frame number. Control frames live in
// their own band above every chunk and relay frame.
func (s *Session) NextFrame() int64 {
	return atomic.AddInt64(&s.frameCtr, 1)
}

// LocalID returns the transport identity of this end.
func (s *Session) LocalID() string { return s.bc.LocalID() }

// Ticket returns an encoded join ticket for sharing out of band.
func (s *Session) Ticket(opts transport.TicketOptions) (string, error) {
	return s.bc.Ticket(opts)
}

// EnableBroadcast prepares path for serving and returns its metadata.
// The initial chunk pass starts with StartBroadcast.
func (s *Session) EnableBroadcast(path string) (protocol.Metadata, error) {
	b := exchange.NewBroadcaster(s.bc.LocalID(), s.sender, s.NextFrame, s.cfg.BroadcastInterval, s.log)
	meta, err := b.PrepareFile(path)
	if err != nil {
		return protocol.Metadata{}, err
	}
	s.mu.Lock()
	s.broadcaster = b
	s.mu.Unlock()
	return meta, nil
}

// StartBroadcast begins the initial chunk pass of the prepared file.
func (s *Session) StartBroadcast() error {
	s.mu.Lock()
	b := s.broadcaster
	s.mu.Unlock()
	if b == nil {
		return errNoBroadcaster
	}
	return b.StartBroadcast(s.ctx)
}

// EnableViewing attaches a viewer that collects the broadcast file. The
// ledger and playback handler may be nil.
func (s *Session) EnableViewing(ledger exchange.Ledger, onPlayback exchange.PlaybackHandler) *exchange.Viewer {
	v := exchange.NewViewer(s.ctx, s.bc.LocalID(), s.sender, s.NextFrame, s.cfg.Viewer, ledger, onPlayback, s.log)
	s.mu.Lock()
	s.viewer = v
	s.mu.Unlock()
	return v
}

// RequestOffers runs the request-offer retry loop against the broadcaster.
// Blocks until a connection is observed, the attempt ceiling is hit, or ctx
// is canceled.
func (s *Session) RequestOffers(ctx context.Context) {
	s.signals.RequestOffers(ctx)
}

// Start launches the dispatch loop and the presence heartbeat and announces
// this peer once immediately.
func (s *Session) Start() {
	if err := s.bc.AnnouncePresence(s.ctx); err != nil {
		s.log.Warnf("initial presence announcement: %v", err)
	}

	s.wg.Add(2)
	go s.dispatchLoop()
	go s.presenceLoop()
}

func (s *Session) dispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-s.bc.Events():
			if !ok {
				return
			}
			s.handleEvent(ev)
		}
	}
}

func (s *Session) handleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.KindNeighborJoined:
		s.mu.Lock()
		if _, known := s.peers[ev.From]; !known {
			s.peers[ev.From] = PeerInfo{LastSeen: ev.Timestamp}
		}
		s.mu.Unlock()
		s.log.Infof("neighbor joined: %s", ev.From)

	case transport.KindNeighborLeft:
		s.mu.Lock()
		delete(s.peers, ev.From)
		viewer := s.viewer
		s.mu.Unlock()
		s.signals.PeerLeft(ev.From)
		if viewer != nil {
			viewer.PeerLeft(ev.From)
		}
		s.log.Infof("neighbor left: %s", ev.From)

	case transport.KindPresence:
		var p protocol.Presence
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			s.log.Debugf("malformed presence from %s: %v", ev.From, err)
			return
		}
		s.mu.Lock()
		s.peers[ev.From] = PeerInfo{Name: p.Name, LastSeen: ev.Timestamp}
		s.mu.Unlock()

	case transport.KindLagged:
		s.log.Warnf("event channel lagged, deliveries were dropped")

	case transport.KindChunk:
		s.handleFrame(ev)

	case transport.KindSignal:
		// Reserved control band. Nothing assigned beyond presence yet.
		s.log.Debugf("reserved control tag %d from %s", ev.Tag, ev.From)
	}
}

// handleFrame feeds one sub-chunk into the reassembler and dispatches the
// message once a frame completes.
func (s *Session) handleFrame(ev transport.Event) {
	payload, sender, done := s.reasm.Feed(ev.From, ev.Tag, ev.Data, ev.Timestamp)
	if !done {
		return
	}

	msg, err := protocol.Decode(payload)
	if err != nil {
		s.noteError(err)
		s.log.Debugf("undecodable frame from %s: %v", sender, err)
		return
	}

	switch m := msg.(type) {
	case *protocol.SignalMessage:
		s.signals.HandleSignal(s.ctx, m)
	case *protocol.VideoMessage:
		s.mu.Lock()
		b, v := s.broadcaster, s.viewer
		s.mu.Unlock()
		if b != nil {
			b.HandleMessage(s.ctx, m)
		}
		if v != nil {
			v.HandleMessage(s.ctx, m)
		}
	default:
		s.log.Debugf("unhandled message kind %s from %s", msg.Kind(), sender)
	}
}

func (s *Session) presenceLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PresenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.bc.AnnouncePresence(s.ctx); err != nil {
				s.noteError(err)
				s.log.Warnf("presence announcement: %v", err)
			}
		}
	}
}

// noteError keeps the most recent non-fatal failure for the stats surface.
func (s *Session) noteError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// Stats snapshots the session state.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	peers := make(map[string]PeerInfo, len(s.peers))
	for id, info := range s.peers {
		peers[id] = info
	}
	viewer := s.viewer
	broadcaster := s.broadcaster
	lastErr := s.lastErr
	s.mu.Unlock()

	st := Stats{
		LocalID:       s.bc.LocalID(),
		Peers:         peers,
		SignalStates:  s.signals.PeerStates(),
		PendingFrames: s.reasm.PendingFrames(),
	}
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}
	if viewer != nil {
		st.Progress = viewer.Progress()
		st.Availability = viewer.PeerAvailability()
	} else if broadcaster != nil {
		meta := broadcaster.Metadata()
		st.Progress = exchange.Progress{Received: meta.TotalChunks, Total: meta.TotalChunks, Percent: 100}
	}
	return st
}

// Close tears the session down unconditionally: the loops stop, signaling
// handles close, the transport detaches. Errors are collected, not
// short-circuited.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		var result *multierror.Error

		s.mu.Lock()
		if s.broadcaster != nil {
			s.broadcaster.StopBroadcast()
		}
		s.mu.Unlock()

		s.cancel()
		if err := s.signals.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := s.bc.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		s.wg.Wait()
		s.closeErr = result.ErrorOrNil()
	})
	return s.closeErr
}
