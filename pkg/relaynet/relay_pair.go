package relaynet

import (
	"errors"
	"fmt"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// forwardingHalf is the default RelayHandler installed on each half of a
// RelayPair: it implements the canonical pump. On read readiness, forward
// whatever arrived to the linked peer; on finish, notify the owning pair.
type forwardingHalf struct {
	pair  *RelayPair
	rc    *RelayConn
	label string
}

func (h *forwardingHalf) HandleReadReady() {
	h.rc.WriteToLinked(h.rc.ReadAvailable())
}

func (h *forwardingHalf) HandleFinish(err error) {
	h.pair.halfFinished(h, err)
}

// RelayPair ties two Conns into a bidirectional bridge: each Conn is wrapped
// in a RelayConn with a default forwarding handler, the two halves are
// linked, and Start kicks off both directions. The two directions run
// independently, but the pair applies a teardown policy the halves themselves
// do not have: when either direction finishes, the pair shuts down the other
// half (and itself) rather than leaving the survivor to discover the broken
// link lazily.
//
// Shutdown of the pair (or either half finishing) tears down both sockets.
// The pair's completion error is the first meaningful failure from either
// direction; an orderly end-of-stream (ErrConnAborted) or a cancellation
// that merely reflects the teardown itself counts as a clean close.
type RelayPair struct {
	*asyncobj.Helper
	lg logger.Logger

	name string
	h1   *forwardingHalf
	h2   *forwardingHalf

	// firstErr is the first meaningful failure from either direction;
	// guarded by Lock.
	firstErr error

	// nFinished counts halves whose HandleFinish has been delivered; guarded
	// by Lock.
	nFinished int

	started bool
}

// NewRelayPair bridges conn1 and conn2. The pair takes exclusive ownership of
// both connections; relaying does not begin until Start is called.
func NewRelayPair(lg logger.Logger, conn1 *Conn, conn2 *Conn) *RelayPair {
	name := fmt.Sprintf("<RelayPair %s<->%s>", conn1, conn2)
	sublogger := lg.ForkLogStr(name)
	p := &RelayPair{
		lg:   sublogger,
		name: name,
	}
	p.h1 = &forwardingHalf{pair: p, label: "1->2"}
	p.h2 = &forwardingHalf{pair: p, label: "2->1"}
	p.h1.rc = NewRelayConn(sublogger, conn1, p.h1)
	p.h2.rc = NewRelayConn(sublogger, conn2, p.h2)
	p.h1.rc.Link(p.h2.rc)

	p.Helper = asyncobj.NewHelper(sublogger, p)
	p.SetIsActivated()
	return p
}

func (p *RelayPair) String() string {
	return p.name
}

// Start kicks off relaying in both directions. It may be called at most once.
func (p *RelayPair) Start() {
	p.Lock.Lock()
	if p.started {
		p.Lock.Unlock()
		p.Panicf("%s: Start called twice", p.name)
		return
	}
	p.started = true
	p.Lock.Unlock()

	p.h1.rc.WaitReadReady()
	p.h2.rc.WaitReadReady()
}

// NumBytesForwarded returns the byte counts for the two directions:
// conn1-to-conn2 and conn2-to-conn1.
func (p *RelayPair) NumBytesForwarded() (n1to2 int64, n2to1 int64) {
	return p.h1.rc.NumBytesForwarded(), p.h2.rc.NumBytesForwarded()
}

// isTeardownError reports whether err merely reflects an orderly close or the
// pair's own teardown, as opposed to a genuine failure.
func isTeardownError(err error) bool {
	return err == nil || errors.Is(err, ErrConnAborted) || errors.Is(err, ErrOperationCanceled)
}

// halfFinished is invoked (through the default handlers) when either
// direction delivers its terminal hook. It records the first meaningful
// failure and starts teardown of the pair. Must not block; the half that
// delivered the hook has not finished shutting down yet.
func (p *RelayPair) halfFinished(h *forwardingHalf, err error) {
	p.Lock.Lock()
	p.nFinished++
	if p.firstErr == nil && !isTeardownError(err) {
		p.firstErr = err
	}
	p.Lock.Unlock()

	p.lg.DLogf("direction %s finished after %s: %v", h.label, sizestr.ToString(h.rc.NumBytesForwarded()), err)
	p.StartShutdown(err)
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// shuts down both halves (closing both sockets) and waits for them to drain.
// The pair's completion error is the first meaningful failure recorded from
// either direction, superseding a bare teardown error.
func (p *RelayPair) HandleOnceShutdown(completionErr error) error {
	p.h1.rc.StartShutdown(completionErr)
	p.h2.rc.StartShutdown(completionErr)
	p.h1.rc.WaitShutdown()
	p.h2.rc.WaitShutdown()

	p.Lock.Lock()
	firstErr := p.firstErr
	p.Lock.Unlock()

	n1, n2 := p.NumBytesForwarded()
	p.lg.DLogf("relay pair done: %s forwarded 1->2, %s forwarded 2->1", sizestr.ToString(n1), sizestr.ToString(n2))

	if firstErr != nil {
		return firstErr
	}
	if isTeardownError(completionErr) {
		return nil
	}
	return completionErr
}
