package relaynet

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebsocketConn adapts a *websocket.Conn to net.Conn so that an upgraded
// websocket stream can be wrapped in a Conn and relayed like any other
// stream socket. Bytes are carried as binary websocket messages; message
// boundaries are not preserved, matching stream semantics. A read that does
// not consume a whole message carries the remainder over to the next read.
type WebsocketConn struct {
	ws *websocket.Conn

	// readLock serializes Read; carry holds the unconsumed tail of the most
	// recently received message.
	readLock sync.Mutex
	carry    []byte

	writeLock sync.Mutex
}

// NewWebsocketConn wraps an upgraded websocket connection as a net.Conn.
func NewWebsocketConn(ws *websocket.Conn) *WebsocketConn {
	return &WebsocketConn{ws: ws}
}

func (c *WebsocketConn) Read(p []byte) (int, error) {
	c.readLock.Lock()
	defer c.readLock.Unlock()

	for len(c.carry) == 0 {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, normalizeWebsocketError(err)
		}
		if mt != websocket.BinaryMessage {
			// Text and control frames carry no relay payload.
			continue
		}
		c.carry = data
	}

	n := copy(p, c.carry)
	c.carry = c.carry[n:]
	return n, nil
}

func (c *WebsocketConn) Write(p []byte) (int, error) {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, normalizeWebsocketError(err)
	}
	return len(p), nil
}

// Close closes the underlying websocket, cancelling any outstanding read or
// write.
func (c *WebsocketConn) Close() error {
	return c.ws.Close()
}

// LocalAddr returns the local address of the underlying transport.
func (c *WebsocketConn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

// RemoteAddr returns the remote address of the underlying transport.
func (c *WebsocketConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

// SetDeadline sets both the read and write deadlines.
func (c *WebsocketConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline on the underlying transport.
func (c *WebsocketConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline on the underlying transport.
func (c *WebsocketConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

// normalizeWebsocketError maps websocket close notifications onto the
// conventions of a stream socket, so that the relay's error taxonomy applies
// unchanged: a normal or going-away close becomes end-of-stream, an abnormal
// close becomes a closed-network error.
func normalizeWebsocketError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return fmt.Errorf("%w: websocket closed: %v", ErrConnAborted, err)
	}
	if websocket.IsUnexpectedCloseError(err) {
		return fmt.Errorf("%w: websocket closed abnormally: %v", ErrOperationCanceled, err)
	}
	return err
}
