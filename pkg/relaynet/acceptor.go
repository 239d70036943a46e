package relaynet

import (
	"errors"
	"fmt"
	"net"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// AcceptHandler is the abstract hook set supplied to an Acceptor by its
// caller.
type AcceptHandler interface {
	AsyncErrorHandler

	// HandleAccept is invoked once for each successfully accepted connection.
	// Ownership of conn passes to the handler on normal return (if the hook
	// panics, the Acceptor closes the connection and routes the failure to
	// HandleError). The Acceptor never re-arms itself; call StartAccept again
	// from here to keep accepting. This makes the accept cadence
	// caller-controlled, e.g. for admission control or a connection-count
	// cap.
	HandleAccept(conn *Conn)
}

// Acceptor listens on a bound stream endpoint and asynchronously produces a
// sequence of Conns, one per successful accept, delivering each through the
// caller's AcceptHandler. Accept-level failures, including cancellation by
// shutdown, are delivered through HandleError; an Acceptor performs no
// further accepts after a failure unless the caller arms it again.
type Acceptor struct {
	*asyncobj.Helper
	AsyncBase

	listener net.Listener
	handler  AcceptHandler
	name     string

	// acceptPending is true while one asynchronous accept is outstanding;
	// guarded by Lock.
	acceptPending bool

	// pendingDone is closed after the completion handler of the most recently
	// armed accept has run; nil until the first StartAccept. Guarded by Lock.
	pendingDone chan struct{}
}

// NewAcceptor creates an Acceptor bound to the given endpoint.
func NewAcceptor(lg logger.Logger, ep Endpoint, handler AcceptHandler) (*Acceptor, error) {
	nl, err := net.Listen(ep.Network(), ep.String())
	if err != nil {
		return nil, fmt.Errorf("relaynet: listen failed for %s '%s': %s", ep.Network(), ep, err)
	}
	return NewAcceptorWithListener(lg, nl, handler), nil
}

// NewAcceptorWithListener wraps an already-bound net.Listener. The Acceptor
// becomes the owner of the listener and closes it on shutdown.
func NewAcceptorWithListener(lg logger.Logger, nl net.Listener, handler AcceptHandler) *Acceptor {
	name := fmt.Sprintf("<Acceptor %s:%s>", nl.Addr().Network(), nl.Addr())
	sublogger := lg.ForkLogStr(name)
	a := &Acceptor{
		listener: nl,
		handler:  handler,
		name:     name,
	}
	a.InitAsyncBase(sublogger)
	a.Helper = asyncobj.NewHelper(sublogger, a)
	a.SetIsActivated()
	return a
}

func (a *Acceptor) String() string {
	return a.name
}

// Addr returns the bound listening address.
func (a *Acceptor) Addr() net.Addr {
	return a.listener.Addr()
}

// StartAccept arms exactly one asynchronous accept. On success the new
// connection is delivered to HandleAccept; on failure (listener closed,
// resource exhaustion, cancellation) the normalized error is delivered to
// HandleError and no further accept is armed. Calling StartAccept while an
// accept is already outstanding is a contract violation and panics. Calling
// it after shutdown has started delivers ErrOperationCanceled through
// HandleError.
func (a *Acceptor) StartAccept() {
	// Helper.IsStartedShutdown acquires the Helper Lock itself; sample it
	// before taking the Lock here.
	shuttingDown := a.IsStartedShutdown()
	a.Lock.Lock()
	if a.acceptPending {
		a.Lock.Unlock()
		a.Panicf("%s: StartAccept called while an accept is already outstanding", a.name)
		return
	}
	if shuttingDown {
		a.Lock.Unlock()
		go a.dispatchError(a.handler, fmt.Errorf("%w: acceptor is shut down", ErrOperationCanceled))
		return
	}
	done := make(chan struct{})
	a.acceptPending = true
	a.pendingDone = done
	a.Lock.Unlock()

	go a.acceptOnce(done)
}

// acceptOnce runs one asynchronous accept to completion in its own goroutine.
// The pendingDone chan keeps the Acceptor's shutdown from completing until
// the completion handler below has finished running.
func (a *Acceptor) acceptOnce(done chan struct{}) {
	defer close(done)

	nc, err := a.listener.Accept()

	a.Lock.Lock()
	a.acceptPending = false
	a.Lock.Unlock()

	if err != nil {
		a.dispatchError(a.handler, normalizeTransportError(err))
		return
	}

	conn := NewConn(nc)
	a.lg.DLogf("accepted connection from %s", conn.Peer)
	if cberr := a.invokeGuarded("HandleAccept", func() { a.handler.HandleAccept(conn) }); cberr != nil {
		conn.Close()
		a.dispatchError(a.handler, cberr)
	}
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// closes the listener, which cancels any outstanding accept, then waits for
// the cancellation to be delivered through HandleError before shutdown is
// considered complete.
func (a *Acceptor) HandleOnceShutdown(completionErr error) error {
	err := a.listener.Close()

	a.Lock.Lock()
	done := a.pendingDone
	a.Lock.Unlock()
	if done != nil {
		<-done
	}

	if completionErr == nil && err != nil && !errors.Is(err, net.ErrClosed) {
		completionErr = err
	}
	return completionErr
}
