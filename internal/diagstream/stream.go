// Package diagstream exposes a read-only WebSocket diagnostic feed of fused
// position frames and procedure updates for shore-side monitoring tools.
package diagstream

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// Stream fans out JSON frames to every connected diagnostic client. It never
// blocks on a slow consumer: a client whose send buffer is full misses that
// frame but stays connected.
type Stream struct {
	mu        sync.Mutex
	clients   map[*client]struct{}
	upgrader  websocket.Upgrader
	log       *slog.Logger
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// New builds a Stream. allowOrigins lists permitted Origin header values; an
// empty list allows every origin (development mode).
func New(allowOrigins []string, log *slog.Logger) *Stream {
	if log == nil {
		log = slog.Default()
	}
	s := &Stream{
		clients: make(map[*client]struct{}),
		log:     log.With("component", "diagstream"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.buildCheckOrigin(allowOrigins),
	}
	return s
}

func (s *Stream) buildCheckOrigin(allowOrigins []string) func(r *http.Request) bool {
	if len(allowOrigins) == 0 {
		env := os.Getenv("RACE_ENV")
		if env == "production" {
			s.log.Warn("diagstream: no origin allowlist configured in production, accepting all origins")
		}
		return func(r *http.Request) bool { return true }
	}
	allowed := make(map[string]bool, len(allowOrigins))
	for _, o := range allowOrigins {
		allowed[strings.TrimSpace(o)] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if allowed[origin] {
			return true
		}
		s.log.Warn("diagstream: rejected connection from disallowed origin", "origin", origin)
		return false
	}
}

// ServeHTTP upgrades the request and registers the connection as a client
// until it disconnects.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("diagstream: upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 32)}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	go s.writeLoop(c)
	s.readLoop(c)
}

// Broadcast marshals v and fans it out to every connected client.
func (s *Stream) Broadcast(v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.log.Warn("diagstream: marshal failed", "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- payload:
		default:
			s.log.Warn("diagstream: client send buffer full, dropping frame")
		}
	}
}

func (s *Stream) readLoop(c *client) {
	defer s.unregister(c)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Debug("diagstream: read error", "error", err)
			}
			return
		}
	}
}

func (s *Stream) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Stream) unregister(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
}

// ClientCount reports the number of currently connected diagnostic clients.
func (s *Stream) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
