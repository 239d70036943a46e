package relaynet

import (
	"fmt"
	"net"
)

// Conn is a minimal value pairing an open stream socket with the peer address
// it was connected to. It has no behavior of its own; a Conn is an
// exclusively-owned handle, and whoever owns it (typically a RelayConn) is
// responsible for closing it.
type Conn struct {
	// Sock is the open transport stream.
	Sock net.Conn

	// Peer is the remote address of the socket, captured at accept/dial time.
	Peer net.Addr
}

// NewConn wraps an open stream socket, capturing its current remote address.
func NewConn(sock net.Conn) *Conn {
	return &Conn{Sock: sock, Peer: sock.RemoteAddr()}
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.Sock.Close()
}

func (c *Conn) String() string {
	if c.Peer != nil {
		return fmt.Sprintf("<Conn %s>", c.Peer)
	}
	return fmt.Sprintf("<Conn %v>", c.Sock)
}
