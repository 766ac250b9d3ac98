package transport

import (
	"context"
	"errors"
	"time"
)

// MaxMessageSize is the hard per-message ceiling of the broadcast channel.
// Implementations reject larger sends; callers fragment above this.
const MaxMessageSize = 64 * 1024

// ErrMessageTooLarge is returned by Send for payloads over MaxMessageSize.
var ErrMessageTooLarge = errors.New("message exceeds broadcast size limit")

// EventKind distinguishes the events surfaced by the broadcast channel.
type EventKind string

const (
	KindNeighborJoined EventKind = "neighbor-joined"
	KindNeighborLeft   EventKind = "neighbor-left"
	KindPresence       EventKind = "presence"
	KindChunk          EventKind = "chunk"
	KindSignal         EventKind = "signal"
	KindLagged         EventKind = "channel-lagged"
)

// Event is one inbound transport event. For KindChunk and KindSignal the
// payload bytes and sequence tag are set; for presence Data holds the
// presence descriptor; neighbor and lagged events carry no payload.
type Event struct {
	Kind      EventKind
	From      string
	Tag       int64
	Data      []byte
	Timestamp time.Time
}

// Broadcast is the gossip channel consumed by every session. Delivery is
// at-least-once with possible loss and no ordering across senders. The
// events channel is a single lazy, infinite, non-restartable sequence; it is
// closed only when the transport is closed. A KindLagged event reports that
// the channel dropped events; it must never crash the consumer.
type Broadcast interface {
	// Send transmits one opaque payload with its sequence tag. Tags >= 0 are
	// frame tags; the reserved negative band carries out-of-band signals.
	Send(ctx context.Context, data []byte, tag int64) error

	// Events returns the inbound event sequence. Every call returns the same
	// channel; it must be drained by exactly one consumer.
	Events() <-chan Event

	// AnnouncePresence broadcasts the local presence descriptor.
	AnnouncePresence(ctx context.Context) error

	// SetDisplayName updates the name carried by future presence announcements.
	SetDisplayName(name string)

	// Ticket produces a shareable join ticket for the current topic.
	Ticket(opts TicketOptions) (string, error)

	// Neighbors lists peers currently reachable through the channel's own
	// membership view.
	Neighbors() []string

	// LocalID is this node's identity on the channel.
	LocalID() string

	Close() error
}
