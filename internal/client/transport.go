package client

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/Tyrowin/roomchat/internal/protocol"
)

const writeWait = 10 * time.Second

// Transport is an established connection carrying protocol frames.
type Transport interface {
	// ReadFrame blocks for the next frame. Any error means the transport is gone.
	ReadFrame() (protocol.Frame, error)
	WriteFrame(f protocol.Frame) error
	Close() error
}

// Dialer establishes transports.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// WebSocketDialer dials the roomchat server over WebSocket.
type WebSocketDialer struct {
	URL    string
	Origin string
	dialer websocket.Dialer
}

// NewWebSocketDialer builds a dialer from cfg.
func NewWebSocketDialer(cfg *Config) (*WebSocketDialer, error) {
	u, err := cfg.WebSocketURL()
	if err != nil {
		return nil, err
	}
	return &WebSocketDialer{
		URL:    u,
		Origin: cfg.Origin,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}, nil
}

// Dial opens a WebSocket connection. A refused handshake is reported with
// the HTTP status the server answered.
func (d *WebSocketDialer) Dial(ctx context.Context) (Transport, error) {
	header := http.Header{}
	if d.Origin != "" {
		header.Set("Origin", d.Origin)
	}

	conn, resp, err := d.dialer.DialContext(ctx, d.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dial %s: %s", d.URL, resp.Status)
		}
		return nil, errors.Wrapf(err, "dial %s", d.URL)
	}
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

// ReadFrame skips frames that do not parse.
func (t *wsTransport) ReadFrame() (protocol.Frame, error) {
	for {
		_, raw, err := t.conn.ReadMessage()
		if err != nil {
			return protocol.Frame{}, err
		}
		f, err := protocol.ParseFrame(raw)
		if err != nil {
			continue
		}
		return f, nil
	}
}

func (t *wsTransport) WriteFrame(f protocol.Frame) error {
	b, err := f.Marshal()
	if err != nil {
		return err
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return errors.Wrap(err, "set write deadline")
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

func (t *wsTransport) Close() error {
	t.wmu.Lock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.wmu.Unlock()
	return t.conn.Close()
}
