package relaynet

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestDialEndpoint(t *testing.T) {
	nl, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %s", err)
	}
	defer nl.Close()
	go func() {
		nc, err := nl.Accept()
		if err == nil {
			nc.Close()
		}
	}()

	ep, err := ToEndpoint(nl.Addr())
	if err != nil {
		t.Fatalf("ToEndpoint failed: %s", err)
	}
	conn, err := DialEndpoint(context.Background(), ep)
	if err != nil {
		t.Fatalf("DialEndpoint failed: %s", err)
	}
	if conn.Peer.String() != nl.Addr().String() {
		t.Errorf("dialed peer %s, expected %s", conn.Peer, nl.Addr())
	}
	conn.Close()
}

func TestRetryDialerEventualSuccess(t *testing.T) {
	lg := newTestLogger(t, "TestRetryDialerEventualSuccess")

	// Reserve an address, then free it so the first attempts fail; rebind
	// shortly after so a retry succeeds.
	nl, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %s", err)
	}
	addr := nl.Addr().String()
	ep, err := ToEndpoint(nl.Addr())
	if err != nil {
		t.Fatalf("ToEndpoint failed: %s", err)
	}
	nl.Close()

	rebound := make(chan net.Listener, 1)
	go func() {
		time.Sleep(300 * time.Millisecond)
		nl2, err := net.Listen("tcp", addr)
		if err == nil {
			rebound <- nl2
			nc, err := nl2.Accept()
			if err == nil {
				nc.Close()
			}
		}
	}()

	d := NewRetryDialer(lg, ep, &RetryDialerConfig{MaxRetryInterval: 250 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, err := d.Dial(ctx)
	if err != nil {
		t.Fatalf("retry dial never succeeded: %s", err)
	}
	conn.Close()
	select {
	case nl2 := <-rebound:
		nl2.Close()
	default:
	}
}

func TestRetryDialerGivesUp(t *testing.T) {
	lg := newTestLogger(t, "TestRetryDialerGivesUp")

	// Bind and immediately close to get a port nothing is listening on.
	nl, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %s", err)
	}
	ep, err := ToEndpoint(nl.Addr())
	if err != nil {
		t.Fatalf("ToEndpoint failed: %s", err)
	}
	nl.Close()

	d := NewRetryDialer(lg, ep, &RetryDialerConfig{
		MaxRetryCount:    2,
		MaxRetryInterval: 50 * time.Millisecond,
	})
	if _, err := d.Dial(context.Background()); err == nil {
		t.Errorf("dial to dead port succeeded")
	}
}
