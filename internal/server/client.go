// Package server manages individual WebSocket clients, handling read/write
// pumps, event decoding, and lifecycle control for each connection.
package server

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/internal/logging"
	"github.com/Tyrowin/roomchat/internal/protocol"
)

const (
	sendBufferSize = 256
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	writeWait      = 10 * time.Second
)

// Client represents a WebSocket connection admitted into the room. It owns
// the transport and the outgoing queue; the hub owns its registry entry.
type Client struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	addr           string
	maxMessageSize int64
	log            *zap.Logger
	kickOnce       sync.Once
}

// NewClient creates a new Client with a fresh connection id for conn. The
// client's send channel is buffered to absorb short bursts.
func NewClient(conn *websocket.Conn, addr string, maxMessageSize int64, log *zap.Logger) *Client {
	if maxMessageSize <= 0 {
		maxMessageSize = defaultMaxMessageSize
	}
	if conn != nil {
		conn.SetReadLimit(maxMessageSize)
	}
	id := uuid.NewString()

	return &Client{
		id:             id,
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		addr:           addr,
		maxMessageSize: maxMessageSize,
		log:            logging.OrNop(log).With(zap.String("conn_id", id), zap.String("remote", addr)),
	}
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// GetSendChan returns the client's send channel for reading outgoing messages.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

// Deliver queues payload for the write pump without blocking.
func (c *Client) Deliver(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Kick closes the underlying connection. The read pump then observes the
// close and unregisters the client.
func (c *Client) Kick() {
	c.kickOnce.Do(func() {
		if c.conn == nil {
			return
		}
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Warn("error closing connection", zap.Error(err))
		}
	})
}

func (c *Client) start(h *Hub) {
	if c.conn == nil {
		return
	}
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writePump(h)
	}()
	go func() {
		defer h.wg.Done()
		c.readPump(h)
	}()
}

func (c *Client) closeSend() {
	close(c.send)
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn("error setting initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Warn("error setting read deadline in pong handler", zap.Error(err))
		}
		return nil
	})
}

// handleReadError logs the read failure at a level matching its cause.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("message exceeded maximum size", zap.Int64("limit", c.maxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Info("client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Info("client connection closed", zap.Error(err))
	default:
		c.log.Warn("websocket read error", zap.Error(err))
	}
}

// processFrame decodes one inbound frame and forwards it to the hub.
func (c *Client) processFrame(h *Hub, raw []byte) {
	frame, err := protocol.ParseFrame(raw)
	if err != nil {
		c.log.Info("invalid frame", zap.Error(err))
		return
	}

	switch frame.Event {
	case protocol.EventUserJoined:
		var userID string
		if err := frame.Decode(&userID); err != nil {
			c.log.Info("invalid user_joined payload", zap.Error(err))
			return
		}
		h.Declare(c.id, userID)

	case protocol.EventSendMessage:
		var msg protocol.SendMessage
		if err := frame.Decode(&msg); err != nil {
			c.log.Info("invalid send_message payload", zap.Error(err))
			return
		}
		h.Submit(c.id, msg)

	default:
		c.log.Debug("ignoring frame", zap.String("event", frame.Event), zap.Error(protocol.ErrUnknownEvent))
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		h.Unregister(c.id)
		c.Kick()
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		c.processFrame(h, raw)
	}
}

func (c *Client) writePump(h *Hub) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Kick()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.writeClose()
				return
			}
			if !c.write(websocket.TextMessage, message) {
				return
			}
		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				return
			}
		case <-h.ctx.Done():
			c.writeClose()
			return
		}
	}
}

func (c *Client) write(messageType int, payload []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn("error setting write deadline", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(messageType, payload); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("error writing message", zap.Int("type", messageType), zap.Error(err))
		}
		return false
	}
	return true
}

// writeClose sends a close message to the client
func (c *Client) writeClose() {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil && !isExpectedCloseError(err) {
		c.log.Debug("error writing close message", zap.Error(err))
	}
}
