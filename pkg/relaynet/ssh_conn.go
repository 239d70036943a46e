package relaynet

import (
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// sshChannelAddr is the placeholder address reported for an ssh channel
// stream; the ssh transport does not expose per-channel addresses.
type sshChannelAddr struct {
	label string
}

func (a sshChannelAddr) Network() string {
	return "ssh"
}

func (a sshChannelAddr) String() string {
	return a.label
}

// SSHChannelConn adapts an ssh.Channel to net.Conn so that one multiplexed
// channel of an ssh connection can be wrapped in a Conn and relayed like any
// other stream socket. ssh channels have no deadline support; the deadline
// setters are no-ops, which is sufficient for the relay, whose cancellation
// mechanism is closing the stream.
type SSHChannelConn struct {
	ssh.Channel
	label string
}

// NewSSHChannelConn wraps an open ssh channel as a net.Conn. label is used
// as the channel's displayed address.
func NewSSHChannelConn(ch ssh.Channel, label string) *SSHChannelConn {
	return &SSHChannelConn{Channel: ch, label: label}
}

// LocalAddr returns a placeholder address naming the channel.
func (c *SSHChannelConn) LocalAddr() net.Addr {
	return sshChannelAddr{label: c.label}
}

// RemoteAddr returns a placeholder address naming the channel.
func (c *SSHChannelConn) RemoteAddr() net.Addr {
	return sshChannelAddr{label: c.label}
}

// SetDeadline is a no-op; ssh channels do not support deadlines.
func (c *SSHChannelConn) SetDeadline(t time.Time) error {
	return nil
}

// SetReadDeadline is a no-op; ssh channels do not support deadlines.
func (c *SSHChannelConn) SetReadDeadline(t time.Time) error {
	return nil
}

// SetWriteDeadline is a no-op; ssh channels do not support deadlines.
func (c *SSHChannelConn) SetWriteDeadline(t time.Time) error {
	return nil
}
