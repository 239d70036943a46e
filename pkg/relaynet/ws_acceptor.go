package relaynet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// WebsocketAcceptorConfig configures a WebsocketAcceptor.
type WebsocketAcceptorConfig struct {
	// Subprotocol, if nonempty, is required to appear in the client's
	// Sec-WebSocket-Protocol offer; non-matching upgrade requests are
	// rejected with 404.
	Subprotocol string

	// LogRequests wraps the HTTP handler with per-request logging.
	LogRequests bool
}

// WebsocketAcceptor runs an HTTP server on a bound stream endpoint, upgrades
// incoming websocket requests, and delivers each upgraded connection as a
// Conn through an AcceptHandler: the websocket-transport analogue of
// Acceptor. Unlike Acceptor, the accept cadence is driven by the HTTP server
// rather than the caller: every successful upgrade is delivered, with no
// re-arming step. Serve-level failures, including cancellation by shutdown,
// are delivered through HandleError.
//
// Non-upgrade requests get a minimal health surface: "/health" answers OK,
// everything else 404.
type WebsocketAcceptor struct {
	*asyncobj.Helper
	AsyncBase

	handler     AcceptHandler
	name        string
	subprotocol string
	logRequests bool
	upgrader    websocket.Upgrader
	httpServer  *http.Server
	listener    net.Listener

	// serveDone is closed when the HTTP serve loop has returned; nil until
	// ListenAndServe. Guarded by Lock.
	serveDone chan struct{}
}

// NewWebsocketAcceptor creates a WebsocketAcceptor. config may be nil for
// defaults. The acceptor does not listen until ListenAndServe is called.
func NewWebsocketAcceptor(lg logger.Logger, handler AcceptHandler, config *WebsocketAcceptorConfig) *WebsocketAcceptor {
	if config == nil {
		config = &WebsocketAcceptorConfig{}
	}
	name := "<WebsocketAcceptor>"
	sublogger := lg.ForkLogStr(name)
	a := &WebsocketAcceptor{
		handler:     handler,
		name:        name,
		subprotocol: config.Subprotocol,
		logRequests: config.LogRequests,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	a.InitAsyncBase(sublogger)
	a.Helper = asyncobj.NewHelper(sublogger, a)
	return a
}

func (a *WebsocketAcceptor) String() string {
	return a.name
}

// Addr returns the bound listening address, or nil before ListenAndServe.
func (a *WebsocketAcceptor) Addr() net.Addr {
	a.Lock.Lock()
	defer a.Lock.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// ListenAndServe binds the given endpoint and starts serving upgrade
// requests. It returns immediately; use WaitShutdown to block until the
// acceptor has shut down. The acceptor shuts down when ctx is canceled.
func (a *WebsocketAcceptor) ListenAndServe(ctx context.Context, ep Endpoint) error {
	nl, err := net.Listen(ep.Network(), ep.String())
	if err != nil {
		return a.DLogErrorf("Listen failed for %s '%s': %s", ep.Network(), ep, err)
	}

	h := http.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.handleRequest(w, r)
	}))
	if a.logRequests {
		h = requestlog.Wrap(h)
	}

	done := make(chan struct{})
	a.Lock.Lock()
	if a.listener != nil {
		a.Lock.Unlock()
		nl.Close()
		return a.DLogErrorf("ListenAndServe called more than once")
	}
	a.listener = nl
	a.httpServer = &http.Server{Handler: h}
	a.serveDone = done
	a.Lock.Unlock()

	a.SetIsActivated()
	a.ShutdownOnContext(ctx)
	a.ILogf("Listening on %s", nl.Addr())

	go func() {
		defer close(done)
		err := a.httpServer.Serve(nl)
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			a.dispatchError(a.handler, normalizeTransportError(err))
		}
		a.StartShutdown(err)
	}()

	return nil
}

// offersSubprotocol returns true if want appears in the client's
// Sec-WebSocket-Protocol offer, which may list several protocols.
func offersSubprotocol(r *http.Request, want string) bool {
	for _, p := range websocket.Subprotocols(r) {
		if p == want {
			return true
		}
	}
	return false
}

// handleRequest serves one HTTP request: websocket upgrades become accepted
// Conns, everything else gets the health/404 surface.
func (a *WebsocketAcceptor) handleRequest(w http.ResponseWriter, r *http.Request) {
	if strings.ToLower(r.Header.Get("Upgrade")) == "websocket" {
		if a.subprotocol != "" && !offersSubprotocol(r, a.subprotocol) {
			a.ILogf("Upgrade request with unsupported protocol '%s', expected '%s'",
				r.Header.Get("Sec-WebSocket-Protocol"), a.subprotocol)
			http.Error(w, "Not Found", 404)
			return
		}
		var hdr http.Header
		if a.subprotocol != "" {
			hdr = http.Header{"Sec-WebSocket-Protocol": {a.subprotocol}}
		}
		wsConn, err := a.upgrader.Upgrade(w, r, hdr)
		if err != nil {
			a.DLogf("Failed to upgrade to websocket: %s", err)
			return
		}

		conn := NewConn(NewWebsocketConn(wsConn))
		a.DLogf("accepted websocket connection from %s", conn.Peer)
		if cberr := a.invokeGuarded("HandleAccept", func() { a.handler.HandleAccept(conn) }); cberr != nil {
			conn.Close()
			a.dispatchError(a.handler, cberr)
		}
		return
	}

	switch r.URL.Path {
	case "/health":
		fmt.Fprint(w, "OK\n")
	default:
		http.Error(w, "Not Found", 404)
	}
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// closes the listener, which stops the serve loop and cancels handshakes in
// flight, then waits for the serve loop to return. Connections already
// delivered to HandleAccept are owned by the handler and are not closed.
func (a *WebsocketAcceptor) HandleOnceShutdown(completionErr error) error {
	a.Lock.Lock()
	nl := a.listener
	done := a.serveDone
	a.Lock.Unlock()

	var err error
	if nl != nil {
		err = nl.Close()
	}
	if done != nil {
		<-done
	}

	if completionErr == nil && err != nil && !errors.Is(err, net.ErrClosed) {
		completionErr = err
	}
	// A serve loop ended by our own listener close is a clean shutdown.
	if errors.Is(completionErr, http.ErrServerClosed) || errors.Is(completionErr, net.ErrClosed) {
		completionErr = nil
	}
	return completionErr
}
