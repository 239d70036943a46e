package relaynet

import (
	"net"
	"os"
	"testing"

	"github.com/sammck-go/logger"
)

func newTestLogger(t *testing.T, prefix string) logger.Logger {
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(logger.LogLevelDebug),
		logger.WithPrefix(prefix),
	)
	if err != nil {
		t.Fatalf("logger.New() returned error: %s", err)
	}
	return lg
}

// tcpConnPair returns the two ends of one established loopback TCP
// connection.
func tcpConnPair(t *testing.T) (client net.Conn, server net.Conn) {
	nl, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %s", err)
	}
	defer nl.Close()

	type acceptResult struct {
		nc  net.Conn
		err error
	}
	ch := make(chan acceptResult, 1)
	go func() {
		nc, err := nl.Accept()
		ch <- acceptResult{nc, err}
	}()

	client, err = net.Dial("tcp", nl.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %s", err)
	}
	r := <-ch
	if r.err != nil {
		client.Close()
		t.Fatalf("Accept failed: %s", r.err)
	}
	return client, r.nc
}

// testAcceptHandler collects accepted connections and errors on buffered
// channels so that delivery never blocks shutdown.
type testAcceptHandler struct {
	conns         chan *Conn
	errs          chan error
	panicOnAccept bool
}

func newTestAcceptHandler() *testAcceptHandler {
	return &testAcceptHandler{
		conns: make(chan *Conn, 4),
		errs:  make(chan error, 4),
	}
}

func (h *testAcceptHandler) HandleAccept(conn *Conn) {
	if h.panicOnAccept {
		panic("injected HandleAccept failure")
	}
	h.conns <- conn
}

func (h *testAcceptHandler) HandleError(err error) {
	h.errs <- err
}

// testRelayHandler records delivered bytes and optionally forwards them,
// signalling terminal errors on a buffered channel.
type testRelayHandler struct {
	rc       *RelayConn
	forward  bool
	received []byte
	ready    chan int
	finished chan error
}

func newTestRelayHandler(forward bool) *testRelayHandler {
	return &testRelayHandler{
		forward:  forward,
		ready:    make(chan int, 16),
		finished: make(chan error, 1),
	}
}

func (h *testRelayHandler) HandleReadReady() {
	p := h.rc.ReadAvailable()
	h.received = append(h.received, p...)
	h.ready <- len(p)
	if h.forward {
		h.rc.WriteToLinked(p)
	}
}

func (h *testRelayHandler) HandleFinish(err error) {
	h.finished <- err
}
