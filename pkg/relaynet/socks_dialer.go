package relaynet

import (
	"context"
	"fmt"

	socks5 "github.com/armon/go-socks5"
	"github.com/prep/socketpair"
	"github.com/sammck-go/logger"
)

// SocksDialer produces upstream Conns served by an in-process SOCKS5 server:
// each Dial creates a socketpair, hands one end to the SOCKS5 server, and
// returns the other end as a Conn. A relay pair built on such a Conn gives
// the remote side dynamic outbound dialing through the SOCKS protocol,
// without this process listening on any SOCKS port. The extra hop through
// the socketpair keeps the abstraction uniform: a dialer always yields a
// Conn, and the relay wires Conns together.
type SocksDialer struct {
	lg          logger.Logger
	socksServer *socks5.Server
}

// NewSocksDialer creates a SocksDialer with a default-configured in-process
// SOCKS5 server.
func NewSocksDialer(lg logger.Logger) (*SocksDialer, error) {
	socksServer, err := socks5.New(&socks5.Config{})
	if err != nil {
		return nil, fmt.Errorf("relaynet: could not create SOCKS5 server: %s", err)
	}
	return &SocksDialer{
		lg:          lg.ForkLogStr("<SocksDialer>"),
		socksServer: socksServer,
	}, nil
}

// Dial returns a Conn whose remote side is the in-process SOCKS5 server. The
// server's end is serviced on its own goroutine; closing the returned Conn
// ends the session. The caller owns the returned Conn.
func (d *SocksDialer) Dial(ctx context.Context) (*Conn, error) {
	netConn, socksNetConn, err := socketpair.New("unix")
	if err != nil {
		return nil, fmt.Errorf("relaynet: unable to create socketpair: %s", err)
	}

	go func() {
		err := d.socksServer.ServeConn(socksNetConn)
		if err != nil {
			d.lg.DLogf("SOCKS5 session ended: %s", err)
		}
	}()

	return NewConn(netConn), nil
}
