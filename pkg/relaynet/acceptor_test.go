package relaynet

import (
	"errors"
	"net"
	"testing"
	"time"
)

func TestAcceptorDeliversConn(t *testing.T) {
	lg := newTestLogger(t, "TestAcceptorDeliversConn")
	handler := newTestAcceptHandler()

	a, err := NewAcceptor(lg, &TCPEndpoint{Host: "127.0.0.1"}, handler)
	if err != nil {
		t.Fatalf("NewAcceptor failed: %s", err)
	}
	defer a.Close()

	a.StartAccept()

	client, err := net.Dial("tcp", a.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %s", err)
	}
	defer client.Close()

	select {
	case conn := <-handler.conns:
		if conn.Peer.String() != client.LocalAddr().String() {
			t.Errorf("accepted peer addr %s does not match dialer local addr %s",
				conn.Peer, client.LocalAddr())
		}
		conn.Close()
	case err := <-handler.errs:
		t.Fatalf("accept delivered error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for accepted connection")
	}
}

func TestAcceptorRearmFromHandler(t *testing.T) {
	lg := newTestLogger(t, "TestAcceptorRearmFromHandler")
	handler := newTestAcceptHandler()

	a, err := NewAcceptor(lg, &TCPEndpoint{Host: "127.0.0.1"}, handler)
	if err != nil {
		t.Fatalf("NewAcceptor failed: %s", err)
	}
	defer a.Close()

	// One accept per StartAccept; arm again after each delivery.
	a.StartAccept()
	for i := 0; i < 3; i++ {
		client, err := net.Dial("tcp", a.Addr().String())
		if err != nil {
			t.Fatalf("Dial %d failed: %s", i, err)
		}
		select {
		case conn := <-handler.conns:
			conn.Close()
			if i < 2 {
				a.StartAccept()
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for accept %d", i)
		}
		client.Close()
	}
}

func TestAcceptorShutdownCancelsAccept(t *testing.T) {
	lg := newTestLogger(t, "TestAcceptorShutdownCancelsAccept")
	handler := newTestAcceptHandler()

	a, err := NewAcceptor(lg, &TCPEndpoint{Host: "127.0.0.1"}, handler)
	if err != nil {
		t.Fatalf("NewAcceptor failed: %s", err)
	}

	a.StartAccept()
	a.StartShutdown(nil)

	select {
	case err := <-handler.errs:
		if !errors.Is(err, ErrOperationCanceled) {
			t.Errorf("cancellation delivered %v, expected ErrOperationCanceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for cancellation error")
	}

	if err := a.WaitShutdown(); err != nil {
		t.Errorf("acceptor shutdown completed with error: %v", err)
	}
}

func TestAcceptorHandlerPanicBecomesError(t *testing.T) {
	lg := newTestLogger(t, "TestAcceptorHandlerPanicBecomesError")
	handler := newTestAcceptHandler()
	handler.panicOnAccept = true

	a, err := NewAcceptor(lg, &TCPEndpoint{Host: "127.0.0.1"}, handler)
	if err != nil {
		t.Fatalf("NewAcceptor failed: %s", err)
	}
	defer a.Close()

	a.StartAccept()

	client, err := net.Dial("tcp", a.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %s", err)
	}
	defer client.Close()

	select {
	case err := <-handler.errs:
		if !errors.Is(err, ErrOperationCanceled) {
			t.Errorf("panic delivered %v, expected ErrOperationCanceled wrap", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for panic-derived error")
	}
}

func TestAcceptorStartAcceptReturnsPromptly(t *testing.T) {
	lg := newTestLogger(t, "TestAcceptorStartAcceptReturnsPromptly")
	handler := newTestAcceptHandler()

	a, err := NewAcceptor(lg, &TCPEndpoint{Host: "127.0.0.1"}, handler)
	if err != nil {
		t.Fatalf("NewAcceptor failed: %s", err)
	}
	defer a.Close()

	// Arming is non-blocking; it must return even with no client dialing.
	armed := make(chan struct{})
	go func() {
		a.StartAccept()
		close(armed)
	}()
	select {
	case <-armed:
	case <-time.After(5 * time.Second):
		t.Fatalf("StartAccept did not return")
	}
}

func TestAcceptorStartAfterShutdown(t *testing.T) {
	lg := newTestLogger(t, "TestAcceptorStartAfterShutdown")
	handler := newTestAcceptHandler()

	a, err := NewAcceptor(lg, &TCPEndpoint{Host: "127.0.0.1"}, handler)
	if err != nil {
		t.Fatalf("NewAcceptor failed: %s", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %s", err)
	}

	a.StartAccept()
	select {
	case err := <-handler.errs:
		if !errors.Is(err, ErrOperationCanceled) {
			t.Errorf("post-shutdown StartAccept delivered %v, expected ErrOperationCanceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for post-shutdown error")
	}
}
