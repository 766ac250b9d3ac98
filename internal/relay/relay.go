// Package relay implements the rendezvous hub that forwards topic traffic
// between websocket clients. The hub is a dumb fan-out: it never inspects
// payloads, it only routes envelopes within a topic and synthesizes
// neighbor-joined and neighbor-left notifications.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/streamcast-p2p/streamcast/internal/transport"
)

const (
	clientSendBuffer = 256
	writeWait        = 10 * time.Second
	maxFrameSize     = 256 * 1024
)

type client struct {
	hub   *Hub
	conn  *websocket.Conn
	topic string
	id    string

	send chan transport.Envelope

	closeMu sync.Mutex
	closed  bool
}

// Hub tracks every connected client grouped by topic.
type Hub struct {
	log      *logrus.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	topics map[string]map[*client]struct{}
}

func NewHub(log *logrus.Logger) *Hub {
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		topics: make(map[string]map[*client]struct{}),
	}
}

// Router exposes the hub's HTTP surface: the websocket attach point, a
// health probe and a topics listing for operators.
func (h *Hub) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", h.handleWS)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/topics", h.handleTopics).Methods(http.MethodGet)
	return r
}

type topicInfo struct {
	Topic   string `json:"topic"`
	Clients int    `json:"clients"`
}

func (h *Hub) handleTopics(w http.ResponseWriter, _ *http.Request) {
	h.mu.Lock()
	infos := make([]topicInfo, 0, len(h.topics))
	for topic, members := range h.topics {
		infos = append(infos, topicInfo{Topic: topic, Clients: len(members)})
	}
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(infos); err != nil {
		h.log.Warnf("encode topics listing: %v", err)
	}
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("websocket upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	// The first envelope must be a join carrying topic and identity.
	var join transport.Envelope
	if err := conn.ReadJSON(&join); err != nil || join.Kind != transport.KindJoin || join.Topic == "" || join.From == "" {
		h.log.Warnf("invalid join from %s", r.RemoteAddr)
		_ = conn.Close()
		return
	}

	c := &client{
		hub:   h,
		conn:  conn,
		topic: join.Topic,
		id:    join.From,
		send:  make(chan transport.Envelope, clientSendBuffer),
	}
	h.register(c)
	h.log.Infof("client %s joined topic %s", c.id, c.topic)

	go c.writePump()
	c.readPump()
}

// register adds the client to its topic, tells it about the members already
// present and announces it to them.
func (h *Hub) register(c *client) {
	h.mu.Lock()
	members := h.topics[c.topic]
	if members == nil {
		members = make(map[*client]struct{})
		h.topics[c.topic] = members
	}
	for peer := range members {
		c.enqueue(transport.Envelope{Kind: transport.KindNeighborJoined, From: peer.id})
	}
	members[c] = struct{}{}
	h.mu.Unlock()

	h.broadcast(c, transport.Envelope{Kind: transport.KindNeighborJoined, From: c.id})
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	members, ok := h.topics[c.topic]
	if ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.topics, c.topic)
		}
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	h.broadcast(c, transport.Envelope{Kind: transport.KindNeighborLeft, From: c.id})
	h.log.Infof("client %s left topic %s", c.id, c.topic)
}

// broadcast fans an envelope out to every topic member except the origin.
func (h *Hub) broadcast(from *client, env transport.Envelope) {
	h.mu.Lock()
	members := make([]*client, 0, len(h.topics[from.topic]))
	for peer := range h.topics[from.topic] {
		if peer != from {
			members = append(members, peer)
		}
	}
	h.mu.Unlock()

	for _, peer := range members {
		peer.enqueue(env)
	}
}

// enqueue hands an envelope to the client's writer. A full queue drops the
// envelope; a slow reader must not stall the whole topic.
func (c *client) enqueue(env transport.Envelope) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- env:
	default:
		c.hub.log.Debugf("dropping envelope for slow client %s", c.id)
	}
}

func (c *client) readPump() {
	defer c.close()
	for {
		var env transport.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.log.Debugf("client %s read: %v", c.id, err)
			}
			return
		}
		// Identity is fixed at join time; clients cannot speak for others.
		env.From = c.id
		env.Topic = ""
		c.hub.broadcast(c, env)
	}
}

func (c *client) writePump() {
	defer c.close()
	for env := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(env); err != nil {
			return
		}
	}
}

func (c *client) close() {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.closeMu.Unlock()

	c.hub.unregister(c)
	_ = c.conn.Close()
}

// Server wraps the hub in an HTTP server.
type Server struct {
	Hub  *Hub
	http *http.Server
	log  *logrus.Logger
}

func NewServer(addr string, log *logrus.Logger) *Server {
	hub := NewHub(log)
	return &Server{
		Hub: hub,
		http: &http.Server{
			Addr:              addr,
			Handler:           hub.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Start blocks serving until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.Infof("relay listening on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
