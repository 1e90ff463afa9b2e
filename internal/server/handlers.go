// Package server exposes HTTP handlers, including WebSocket upgrades and
// health checks.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/internal/logging"
	"github.com/Tyrowin/roomchat/internal/protocol"
)

// Server binds configuration, the hub, and the HTTP surface together.
type Server struct {
	cfg      *Config
	hub      *Hub
	log      *zap.Logger
	upgrader websocket.Upgrader
	now      func() time.Time
}

// HealthResponse is the body returned by the health endpoint.
type HealthResponse struct {
	Status         string `json:"status"`
	ConnectedUsers int    `json:"connectedUsers"`
	Timestamp      string `json:"timestamp"`
}

// NewServer creates a Server for hub using cfg. A nil cfg uses defaults.
func NewServer(cfg *Config, hub *Hub, log *zap.Logger) *Server {
	if cfg == nil {
		cfg = NewConfig()
	}
	s := &Server{
		cfg: cfg,
		hub: hub,
		log: logging.OrNop(log),
		now: time.Now,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Hub returns the hub served by s.
func (s *Server) Hub() *Hub {
	return s.hub
}

// WebSocketHandler upgrades GET requests from allowed origins and admits the
// resulting connection into the room. Refused handshakes create no state.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Info("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	client := NewClient(conn, r.RemoteAddr, s.cfg.MaxMessageSize, s.log)

	// The hub launches the pump goroutines once the client is in the room.
	if !s.hub.Register(client) {
		client.Kick()
	}
}

// HealthHandler reports liveness and the number of connected users.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	resp := HealthResponse{
		Status:         "OK",
		ConnectedUsers: s.hub.ConnectedUsers(),
		Timestamp:      protocol.FormatTimestamp(s.now()),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Warn("error writing health response", zap.Error(err))
	}
}

// RootHandler provides a plain text liveness message.
func (s *Server) RootHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "roomchat server is running!")
}
