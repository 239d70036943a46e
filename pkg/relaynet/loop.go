package relaynet

import (
	"fmt"

	"github.com/prep/socketpair"
)

// NewLoopConnPair creates an in-process connected pair of Conns backed by a
// Unix domain socketpair: bytes written to either side become readable on
// the other. Callers use it for loopback relays (bridging two relay pairs
// inside one process) and tests use it to exercise relay behavior without
// binding a port. The caller owns both returned Conns.
func NewLoopConnPair() (*Conn, *Conn, error) {
	nc1, nc2, err := socketpair.New("unix")
	if err != nil {
		return nil, nil, fmt.Errorf("relaynet: unable to create socketpair: %s", err)
	}
	return NewConn(nc1), NewConn(nc2), nil
}
