// Package broadcast bridges fused-position frames and procedure updates to
// browser clients over Socket.IO, the transport the race committee's web UI
// speaks.
package broadcast

import (
	"log/slog"
	"net/http"

	socketio "github.com/googollee/go-socket.io"
)

const (
	eventPositions = "positions"
	eventProcedure = "procedure"
	eventAudit     = "audit"
)

// Server wraps a Socket.IO server configured for the race committee's three
// broadcast channels.
type Server struct {
	io  *socketio.Server
	log *slog.Logger
}

// New builds the Socket.IO server and wires its connect/disconnect logging.
func New(log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		io:  socketio.NewServer(nil),
		log: log.With("component", "broadcast"),
	}

	s.io.OnConnect("/", func(conn socketio.Conn) error {
		conn.SetContext("")
		s.log.Debug("broadcast: client connected", "id", conn.ID())
		return nil
	})
	s.io.OnDisconnect("/", func(conn socketio.Conn, reason string) {
		s.log.Debug("broadcast: client disconnected", "id", conn.ID(), "reason", reason)
	})
	s.io.OnError("/", func(conn socketio.Conn, err error) {
		s.log.Warn("broadcast: socket error", "error", err)
	})

	return s
}

// Handler returns the http.Handler to mount at /socket.io/.
func (s *Server) Handler() http.Handler { return s.io }

// Serve runs the Socket.IO server's internal event loop until it is closed.
// Call this in its own goroutine before serving HTTP traffic.
func (s *Server) Serve() error {
	return s.io.Serve()
}

// Close stops the Socket.IO server's event loop.
func (s *Server) Close() error {
	return s.io.Close()
}

// BroadcastPositions emits a fused-position frame to every connected client.
func (s *Server) BroadcastPositions(frame interface{}) {
	s.io.BroadcastToRoom("/", "/", eventPositions, frame)
}

// BroadcastProcedure emits a procedure sequence update to every connected
// client.
func (s *Server) BroadcastProcedure(update interface{}) {
	s.io.BroadcastToRoom("/", "/", eventProcedure, update)
}

// BroadcastAudit emits a newly appended audit block to every connected
// client, for live compliance dashboards.
func (s *Server) BroadcastAudit(block interface{}) {
	s.io.BroadcastToRoom("/", "/", eventAudit, block)
}
