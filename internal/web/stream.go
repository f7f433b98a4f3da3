package web

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/spot-allocator/internal/events"
)

const (
	clientBuffer = 64
	writeWait    = 5 * time.Second
	pingEvery    = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EventStream fans published events out to websocket clients. It is an
// events.Sink; a client that cannot keep up is disconnected rather than
// slowing the publisher down.
//
// Clients may narrow the stream with ?reservation_id= or ?resource_id=.
type EventStream struct {
	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	closed  bool
}

type streamClient struct {
	conn          *websocket.Conn
	send          chan []byte
	reservationID string
	resourceID    string
	once          sync.Once
}

func NewEventStream() *EventStream {
	return &EventStream{clients: make(map[*streamClient]struct{})}
}

func (c *streamClient) wants(ev events.Event) bool {
	if c.reservationID != "" && c.reservationID != ev.ReservationID {
		return false
	}
	if c.resourceID != "" && c.resourceID != ev.ResourceID {
		return false
	}
	return true
}

func (c *streamClient) stop() {
	c.once.Do(func() { close(c.send) })
}

// Deliver never fails; the stream is best effort for read-side consumers.
func (s *EventStream) Deliver(_ context.Context, ev events.Event) error {
	msg, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	s.mu.RLock()
	var slow []*streamClient
	for c := range s.clients {
		if !c.wants(ev) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range slow {
		log.Printf("web: event stream client too slow, disconnecting")
		s.remove(c)
	}
	return nil
}

func (s *EventStream) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Close disconnects every client and refuses new ones.
func (s *EventStream) Close() {
	s.mu.Lock()
	s.closed = true
	clients := s.clients
	s.clients = make(map[*streamClient]struct{})
	s.mu.Unlock()
	for c := range clients {
		c.stop()
	}
}

func (s *EventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("web: websocket upgrade failed: %v", err)
		return
	}
	c := &streamClient{
		conn:          conn,
		send:          make(chan []byte, clientBuffer),
		reservationID: r.URL.Query().Get("reservation_id"),
		resourceID:    r.URL.Query().Get("resource_id"),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	log.Printf("web: event stream client connected total=%d", n)

	go s.writeLoop(c)
	go s.readLoop(c)
}

func (s *EventStream) remove(c *streamClient) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	n := len(s.clients)
	s.mu.Unlock()
	c.stop()
	if ok {
		log.Printf("web: event stream client disconnected total=%d", n)
	}
}

// readLoop discards client frames and notices disconnects.
func (s *EventStream) readLoop(c *streamClient) {
	defer s.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("web: websocket error: %v", err)
			}
			return
		}
	}
}

func (s *EventStream) writeLoop(c *streamClient) {
	ping := time.NewTicker(pingEvery)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.remove(c)
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.remove(c)
				return
			}
		}
	}
}
