package transport

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Ticket encodes how to join a broadcast topic: the topic identifier plus
// bootstrap peer addresses. Opaque to everything above the transport.
type Ticket struct {
	Topic     string   `json:"topic"`
	Bootstrap []string `json:"bootstrap,omitempty"`
}

// TicketOptions selects which peers a shared ticket lists as bootstrap.
type TicketOptions struct {
	IncludeMyself    bool
	IncludeBootstrap bool
	IncludeNeighbors bool
}

// NewTicket creates a ticket for a fresh random topic.
func NewTicket() Ticket {
	return Ticket{Topic: uuid.NewString()}
}

// Encode serializes the ticket to its shareable string form.
func (t Ticket) Encode() string {
	data, _ := json.Marshal(t)
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeTicket parses a shareable ticket string.
func DecodeTicket(s string) (Ticket, error) {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Ticket{}, fmt.Errorf("decode ticket: %v", err)
	}
	var t Ticket
	if err := json.Unmarshal(data, &t); err != nil {
		return Ticket{}, fmt.Errorf("parse ticket: %v", err)
	}
	if t.Topic == "" {
		return Ticket{}, fmt.Errorf("ticket has no topic")
	}
	return t, nil
}
