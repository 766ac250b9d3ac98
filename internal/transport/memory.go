package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/streamcast-p2p/streamcast/internal/protocol"
)

const eventBufferSize = 256

// MemoryHub is an in-process broadcast network. Every transport joined to
// the same topic sees every other member's sends. Used by tests and by
// single-process demos; the behavior mirrors the relay-backed transport,
// including lagged-event reporting when a slow consumer falls behind.
type MemoryHub struct {
	mu     sync.Mutex
	topics map[string]map[string]*MemoryTransport
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{topics: make(map[string]map[string]*MemoryTransport)}
}

// Join attaches a new member to topic and returns its transport. Existing
// members observe a neighbor-joined event; the newcomer observes one per
// existing member.
func (h *MemoryHub) Join(topic, id, name string) *MemoryTransport {
	t := &MemoryTransport{
		hub:    h,
		topic:  topic,
		id:     id,
		name:   name,
		events: make(chan Event, eventBufferSize),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	peers, ok := h.topics[topic]
	if !ok {
		peers = make(map[string]*MemoryTransport)
		h.topics[topic] = peers
	}
	for _, p := range peers {
		p.deliver(Event{Kind: KindNeighborJoined, From: id, Timestamp: time.Now()})
		t.deliver(Event{Kind: KindNeighborJoined, From: p.id, Timestamp: time.Now()})
	}
	peers[id] = t
	return t
}

func (h *MemoryHub) fanOut(from *MemoryTransport, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, p := range h.topics[from.topic] {
		if id == from.id {
			continue
		}
		p.deliver(ev)
	}
}

func (h *MemoryHub) leave(t *MemoryTransport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers := h.topics[t.topic]
	if _, ok := peers[t.id]; !ok {
		return
	}
	delete(peers, t.id)
	for _, p := range peers {
		p.deliver(Event{Kind: KindNeighborLeft, From: t.id, Timestamp: time.Now()})
	}
	t.closed = true
	close(t.events)
}

// MemoryTransport is one member's view of a MemoryHub topic.
type MemoryTransport struct {
	hub    *MemoryHub
	topic  string
	id     string
	events chan Event

	// guarded by hub.mu
	closed bool
	lagged bool

	nameMu sync.Mutex
	name   string
}

var _ Broadcast = (*MemoryTransport)(nil)

// deliver is called with hub.mu held. A full buffer drops the event and
// raises a single lagged marker once space frees up.
func (t *MemoryTransport) deliver(ev Event) {
	if t.closed {
		return
	}
	if t.lagged {
		select {
		case t.events <- Event{Kind: KindLagged, Timestamp: time.Now()}:
			t.lagged = false
		default:
			return
		}
	}
	select {
	case t.events <- ev:
	default:
		t.lagged = true
	}
}

func (t *MemoryTransport) Send(ctx context.Context, data []byte, tag int64) error {
	if len(data) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	kind := KindChunk
	if tag < 0 {
		kind = KindSignal
	}
	t.hub.fanOut(t, Event{
		Kind:      kind,
		From:      t.id,
		Tag:       tag,
		Data:      append([]byte(nil), data...),
		Timestamp: time.Now(),
	})
	return nil
}

func (t *MemoryTransport) Events() <-chan Event { return t.events }

func (t *MemoryTransport) AnnouncePresence(ctx context.Context) error {
	t.nameMu.Lock()
	name := t.name
	t.nameMu.Unlock()

	data, err := json.Marshal(protocol.Presence{
		From:          t.id,
		Name:          name,
		SentTimestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	t.hub.fanOut(t, Event{
		Kind:      KindPresence,
		From:      t.id,
		Tag:       protocol.TagPresence,
		Data:      data,
		Timestamp: time.Now(),
	})
	return nil
}

func (t *MemoryTransport) SetDisplayName(name string) {
	t.nameMu.Lock()
	t.name = name
	t.nameMu.Unlock()
}

func (t *MemoryTransport) Ticket(opts TicketOptions) (string, error) {
	ticket := Ticket{Topic: t.topic}
	if opts.IncludeMyself {
		ticket.Bootstrap = append(ticket.Bootstrap, t.id)
	}
	if opts.IncludeNeighbors {
		ticket.Bootstrap = append(ticket.Bootstrap, t.Neighbors()...)
	}
	return ticket.Encode(), nil
}

func (t *MemoryTransport) Neighbors() []string {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	var out []string
	for id := range t.hub.topics[t.topic] {
		if id != t.id {
			out = append(out, id)
		}
	}
	return out
}

func (t *MemoryTransport) LocalID() string { return t.id }

func (t *MemoryTransport) Close() error {
	t.hub.leave(t)
	return nil
}
