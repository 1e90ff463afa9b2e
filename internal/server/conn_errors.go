package server

import (
	"net"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// isExpectedCloseError reports whether err is the normal result of a
// connection that is already closing.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, websocket.ErrCloseSent) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}
