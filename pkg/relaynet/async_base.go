package relaynet

import (
	"sync/atomic"

	"github.com/sammck-go/logger"
)

// AsyncErrorHandler is the error-funneling contract shared by every component
// in this package that runs asynchronous operations and invokes
// caller-supplied callbacks: all synchronous and asynchronous failures on a
// component, including panics escaping a callback, are normalized into one
// error value and delivered to this single abstract hook.
type AsyncErrorHandler interface {
	// HandleError is invoked at most once per logical failure, and never
	// re-entrantly from within itself. The error is either a transport error
	// from the underlying I/O layer, or wraps ErrOperationCanceled for any
	// non-transport failure. Implementations must not block on shutdown of
	// the delivering component.
	HandleError(err error)
}

// AsyncBase provides the callback-guarding discipline used by Acceptor,
// RelayConn and WebsocketAcceptor: every caller-supplied callback is invoked
// through invokeGuarded so that a panic cannot escape an asynchronous
// completion boundary, and every failure is delivered through dispatchError
// so that the error hook is never re-entered.
type AsyncBase struct {
	lg        logger.Logger
	inHandler int32
}

// InitAsyncBase initializes the AsyncBase portion of a component in place.
func (b *AsyncBase) InitAsyncBase(lg logger.Logger) {
	b.lg = lg
}

// invokeGuarded runs a caller-supplied callback, converting any panic raised
// inside it to an ErrOperationCanceled-wrapped error instead of letting it
// propagate past the asynchronous completion boundary.
func (b *AsyncBase) invokeGuarded(name string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recoveredToError(name, r)
			b.lg.DLogf("recovered panic from %s callback: %s", name, err)
		}
	}()
	fn()
	return nil
}

// dispatchError delivers err to the component's HandleError hook. A nil error
// is ignored. Re-entrant dispatch (a failure raised while the hook itself is
// running) is logged and dropped rather than delivered, and a panic inside
// the hook is recovered and logged, never re-dispatched.
func (b *AsyncBase) dispatchError(h AsyncErrorHandler, err error) {
	if err == nil {
		return
	}
	if !atomic.CompareAndSwapInt32(&b.inHandler, 0, 1) {
		b.lg.DLogf("HandleError re-entered; dropping error: %s", err)
		return
	}
	defer atomic.StoreInt32(&b.inHandler, 0)
	if cberr := b.invokeGuarded("HandleError", func() { h.HandleError(err) }); cberr != nil {
		b.lg.DLogf("HandleError itself failed; ignoring: %s", cberr)
	}
}
