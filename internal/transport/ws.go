package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/streamcast-p2p/streamcast/internal/protocol"
)

// KindJoin is the transport-internal envelope a client sends first to attach
// to a topic. It never surfaces as an Event.
const KindJoin EventKind = "join"

// ErrJoinTimeout marks a relay join that ran out of time, as opposed to
// being refused or failing outright. Callers branch on it to offer a retry.
var ErrJoinTimeout = errors.New("relay join timed out")

// Envelope is the JSON frame exchanged between a transport client and the
// relay hub. Data carries the opaque payload; Timestamp is unix millis at
// the sender.
type Envelope struct {
	Kind      EventKind `json:"kind"`
	Topic     string    `json:"topic,omitempty"`
	From      string    `json:"from"`
	Tag       int64     `json:"tag,omitempty"`
	Data      []byte    `json:"data,omitempty"`
	Timestamp int64     `json:"timestamp,omitempty"`
}

// WSTransport implements Broadcast over a websocket connection to a relay
// hub. One connection serves exactly one topic.
type WSTransport struct {
	conn   *websocket.Conn
	ticket Ticket
	id     string
	log    *logrus.Logger

	writeMu sync.Mutex

	events chan Event
	lagged bool

	neighborMu sync.Mutex
	neighbors  map[string]struct{}

	nameMu sync.Mutex
	name   string

	closeOnce sync.Once
	closeErr  error
}

var _ Broadcast = (*WSTransport)(nil)

// DialRelay connects to the relay at wsURL and joins the ticket's topic.
func DialRelay(ctx context.Context, wsURL string, ticket Ticket, log *logrus.Logger) (*WSTransport, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: dial %s: %v", ErrJoinTimeout, wsURL, err)
		}
		return nil, fmt.Errorf("dial relay %s: %w", wsURL, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	t := &WSTransport{
		conn:      conn,
		ticket:    ticket,
		id:        uuid.NewString(),
		log:       log,
		events:    make(chan Event, eventBufferSize),
		neighbors: make(map[string]struct{}),
	}

	if err := t.writeEnvelope(Envelope{Kind: KindJoin, Topic: ticket.Topic, From: t.id}); err != nil {
		_ = conn.Close()
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: join topic: %v", ErrJoinTimeout, err)
		}
		return nil, fmt.Errorf("join topic: %w", err)
	}

	go t.readLoop()
	return t, nil
}

// isTimeout classifies deadline expiry from either the context or the
// network layer.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func (t *WSTransport) readLoop() {
	defer close(t.events)
	for {
		var env Envelope
		if err := t.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.log.Warnf("relay connection lost: %v", err)
			}
			return
		}
		if env.From == t.id {
			continue
		}

		switch env.Kind {
		case KindNeighborJoined:
			t.neighborMu.Lock()
			t.neighbors[env.From] = struct{}{}
			t.neighborMu.Unlock()
		case KindNeighborLeft:
			t.neighborMu.Lock()
			delete(t.neighbors, env.From)
			t.neighborMu.Unlock()
		}

		t.push(Event{
			Kind:      env.Kind,
			From:      env.From,
			Tag:       env.Tag,
			Data:      env.Data,
			Timestamp: time.Now(),
		})
	}
}

// push applies the same drop-and-mark-lagged policy as the memory hub: the
// consumer must never be able to wedge the read loop.
func (t *WSTransport) push(ev Event) {
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

func (t *WSTransport) writeEnvelope(env Envelope) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(env)
}

func (t *WSTransport) Send(ctx context.Context, data []byte, tag int64) error {
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
	return t.writeEnvelope(Envelope{
		Kind:      kind,
		From:      t.id,
		Tag:       tag,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (t *WSTransport) Events() <-chan Event { return t.events }

func (t *WSTransport) AnnouncePresence(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
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
	return t.writeEnvelope(Envelope{
		Kind:      KindPresence,
		From:      t.id,
		Tag:       protocol.TagPresence,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (t *WSTransport) SetDisplayName(name string) {
	t.nameMu.Lock()
	t.name = name
	t.nameMu.Unlock()
}

func (t *WSTransport) Ticket(opts TicketOptions) (string, error) {
	ticket := Ticket{Topic: t.ticket.Topic}
	if opts.IncludeMyself {
		ticket.Bootstrap = append(ticket.Bootstrap, t.id)
	}
	if opts.IncludeBootstrap {
		ticket.Bootstrap = append(ticket.Bootstrap, t.ticket.Bootstrap...)
	}
	if opts.IncludeNeighbors {
		ticket.Bootstrap = append(ticket.Bootstrap, t.Neighbors()...)
	}
	return ticket.Encode(), nil
}

func (t *WSTransport) Neighbors() []string {
	t.neighborMu.Lock()
	defer t.neighborMu.Unlock()
	out := make([]string, 0, len(t.neighbors))
	for id := range t.neighbors {
		out = append(out, id)
	}
	return out
}

func (t *WSTransport) LocalID() string { return t.id }

func (t *WSTransport) Close() error {
	t.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
