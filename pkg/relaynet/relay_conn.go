package relaynet

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// DefaultRelayBufferSize is the size of the per-half buffer used to hold
// bytes between read readiness and the forward to the linked peer.
const DefaultRelayBufferSize = 32 * 1024

// RelayHandler is the abstract hook set for one half of a relay pair.
type RelayHandler interface {
	// HandleReadReady is invoked when the half's socket has bytes available.
	// The implementation is expected to fetch them with ReadAvailable and
	// forward them with WriteToLinked. A panic raised here is converted to an
	// error and routed to HandleFinish.
	HandleReadReady()

	// HandleFinish is the terminal hook, invoked exactly once per half on any
	// unrecoverable condition: read-wait failure, aborted connection, write
	// failure, a vanished peer, or a panicking callback. The half shuts down
	// (closing its socket) after this hook returns. The linked peer is NOT
	// notified; it discovers the broken link lazily on its next forward
	// attempt. Tearing down the peer, if desired, is the implementation's
	// responsibility. Must not block waiting for this half's shutdown to
	// complete.
	HandleFinish(err error)
}

// RelayHandle is a registry handle naming a live RelayConn. It is the weak
// half of a peer link: a handle participates in lookup but never keeps its
// target alive, and resolving it is a fallible lookup performed at the point
// of use.
type RelayHandle uint64

// relayRegistry tracks live RelayConns by handle. A half is registered at
// construction and unregistered when it finishes or shuts down, so resolving
// the handle of a finished peer fails. The map lookup is the only shared,
// concurrently-observed state between the two halves of a pair.
type relayRegistry struct {
	lock  sync.Mutex
	next  RelayHandle
	conns map[RelayHandle]*RelayConn
}

var registry = &relayRegistry{conns: make(map[RelayHandle]*RelayConn)}

func (r *relayRegistry) register(rc *RelayConn) RelayHandle {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.next++
	r.conns[r.next] = rc
	return r.next
}

func (r *relayRegistry) unregister(h RelayHandle) {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.conns, h)
}

// resolve returns the live RelayConn named by h, or nil if it no longer
// exists.
func (r *relayRegistry) resolve(h RelayHandle) *RelayConn {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.conns[h]
}

// RelayConn is one half of a relay pair: it exclusively owns one Conn and
// holds a weak link to a peer RelayConn. Once linked and armed with
// WaitReadReady, it cooperatively forwards bytes arriving on its own socket
// to the linked peer's socket, one asynchronous operation (read-wait or
// write) outstanding at a time, until an unrecoverable condition delivers the
// terminal HandleFinish hook.
//
// The instance keeps itself alive while an operation is outstanding: shutdown
// closes the socket (cancelling the operation, which surfaces as
// ErrOperationCanceled through HandleFinish) and then waits for the
// completion handler to finish running.
type RelayConn struct {
	*asyncobj.Helper
	AsyncBase

	conn    *Conn
	handler RelayHandler
	name    string

	handle RelayHandle

	// peerHandle is the weak link to the peer half; zero while unlinked.
	// Guarded by Lock.
	peerHandle RelayHandle

	// linked is set once by Link and never cleared; the peer may vanish, but
	// the half remains "linked" to its handle. Guarded by Lock.
	linked bool

	// opPending is true while one asynchronous operation (read-wait or write)
	// is outstanding. Guarded by Lock.
	opPending bool

	// finished is set when the terminal HandleFinish hook has been delivered.
	// Guarded by Lock.
	finished bool

	// closing is set by HandleOnceShutdown before it waits for the operation
	// chain to drain; no new operation may be armed after it is set. Guarded
	// by Lock.
	closing bool

	// opWG tracks the outstanding operation chain; HandleOnceShutdown waits
	// on it after closing the socket.
	opWG sync.WaitGroup

	buf         []byte
	nAvail      int
	nbForwarded int64
}

// NewRelayConn wraps conn as one half of a relay pair. The RelayConn becomes
// the exclusive owner of conn and closes it when the half shuts down. The
// half must be linked with Link before relaying begins.
func NewRelayConn(lg logger.Logger, conn *Conn, handler RelayHandler) *RelayConn {
	name := fmt.Sprintf("<RelayConn %s>", conn)
	sublogger := lg.ForkLogStr(name)
	rc := &RelayConn{
		conn:    conn,
		handler: handler,
		name:    name,
		buf:     make([]byte, DefaultRelayBufferSize),
	}
	rc.InitAsyncBase(sublogger)
	rc.Helper = asyncobj.NewHelper(sublogger, rc)
	rc.handle = registry.register(rc)
	rc.SetIsActivated()
	return rc
}

func (rc *RelayConn) String() string {
	return rc.name
}

// Handle returns the registry handle naming this half.
func (rc *RelayConn) Handle() RelayHandle {
	return rc.handle
}

// PeerAddr returns the remote address of the wrapped connection.
func (rc *RelayConn) PeerAddr() net.Addr {
	return rc.conn.Peer
}

// NumBytesForwarded returns the number of bytes this half has forwarded to
// its linked peer so far.
func (rc *RelayConn) NumBytesForwarded() int64 {
	return atomic.LoadInt64(&rc.nbForwarded)
}

// Link links this half to peer and, if peer is still alive and itself
// unlinked, reciprocally links peer back to this half, making the link
// symmetric. The link is established exactly once per half, before relaying
// begins; calling Link on an already-linked half is a programming error and
// panics immediately at the call site rather than deferring to HandleFinish.
// The stored link is weak: this half's destruction neither requires nor waits
// for the peer, and a vanished peer is only discovered on the next forward.
func (rc *RelayConn) Link(peer *RelayConn) {
	if peer == nil || peer == rc {
		rc.Panicf("%s: Link requires a distinct non-nil peer", rc.name)
		return
	}

	rc.Lock.Lock()
	if rc.linked {
		rc.Lock.Unlock()
		rc.Panicf("%s: Link called on an already-linked relay half", rc.name)
		return
	}
	rc.linked = true
	rc.peerHandle = peer.handle
	rc.Lock.Unlock()

	// Reciprocal half of the link, only while the peer still exists.
	if registry.resolve(peer.handle) != nil {
		peer.Lock.Lock()
		if !peer.linked {
			peer.linked = true
			peer.peerHandle = rc.handle
		}
		peer.Lock.Unlock()
	}
}

// IsLinked returns true if this half has been linked and its peer still
// exists.
func (rc *RelayConn) IsLinked() bool {
	rc.Lock.Lock()
	linked := rc.linked
	h := rc.peerHandle
	rc.Lock.Unlock()
	return linked && registry.resolve(h) != nil
}

// WaitReadReady arms one asynchronous wait for read readiness on this half's
// socket. On wake with bytes available, the HandleReadReady hook is invoked;
// on end-of-stream the half finishes with ErrConnAborted; on any other
// failure the half finishes with the normalized error. At most one
// asynchronous operation may be outstanding per half; arming a second wait
// while one is in flight is a contract violation and panics. Arming after the
// half has finished is a no-op; arming after shutdown has started finishes
// the half with ErrOperationCanceled.
func (rc *RelayConn) WaitReadReady() {
	// Helper.IsStartedShutdown acquires the Helper Lock itself; sample it
	// before taking the Lock here.
	shuttingDown := rc.IsStartedShutdown()
	rc.Lock.Lock()
	if rc.finished {
		rc.Lock.Unlock()
		return
	}
	if !rc.linked {
		rc.Lock.Unlock()
		rc.Panicf("%s: WaitReadReady called before Link", rc.name)
		return
	}
	if rc.opPending {
		rc.Lock.Unlock()
		rc.Panicf("%s: WaitReadReady called while an operation is outstanding", rc.name)
		return
	}
	if rc.closing || shuttingDown {
		rc.Lock.Unlock()
		rc.finish(fmt.Errorf("%w: relay half is shut down", ErrOperationCanceled))
		return
	}
	rc.opPending = true
	rc.opWG.Add(1)
	rc.Lock.Unlock()

	go rc.readWait()
}

// readWait is the completion path of one read-readiness wait; it runs in its
// own goroutine and holds the half open (via opWG) until it returns.
func (rc *RelayConn) readWait() {
	defer rc.opWG.Done()

	n, err := rc.conn.Sock.Read(rc.buf)

	rc.Lock.Lock()
	rc.opPending = false
	rc.nAvail = n
	rc.Lock.Unlock()

	if n == 0 {
		if err == nil {
			err = io.EOF
		}
		rc.finish(normalizeTransportError(err))
		return
	}
	// A read may deliver bytes and an error together; deliver the bytes now,
	// the error will resurface on the next wait.
	if cberr := rc.invokeGuarded("HandleReadReady", func() { rc.handler.HandleReadReady() }); cberr != nil {
		rc.finish(cberr)
	}
}

// ReadAvailable returns the bytes buffered by the most recent completed read
// wait. The slice is only valid until the next WaitReadReady on this half.
func (rc *RelayConn) ReadAvailable() []byte {
	rc.Lock.Lock()
	defer rc.Lock.Unlock()
	return rc.buf[:rc.nAvail]
}

// WriteToLinked asynchronously forwards p, in full, to the linked peer's
// socket, then re-arms WaitReadReady on this half (not on the peer) to
// continue the relay in this direction. An empty p skips the write and goes
// straight back to waiting. If the peer no longer exists the half finishes
// with ErrPeerVanished; this is the only mechanism by which a torn-down peer
// is discovered. On write failure the half finishes with the error.
func (rc *RelayConn) WriteToLinked(p []byte) {
	if len(p) == 0 {
		rc.WaitReadReady()
		return
	}

	// As in WaitReadReady, IsStartedShutdown must be sampled before taking
	// the Lock.
	shuttingDown := rc.IsStartedShutdown()
	rc.Lock.Lock()
	if rc.finished {
		rc.Lock.Unlock()
		return
	}
	if !rc.linked {
		rc.Lock.Unlock()
		rc.Panicf("%s: WriteToLinked called before Link", rc.name)
		return
	}
	if rc.opPending {
		rc.Lock.Unlock()
		rc.Panicf("%s: WriteToLinked called while an operation is outstanding", rc.name)
		return
	}
	if rc.closing || shuttingDown {
		rc.Lock.Unlock()
		rc.finish(fmt.Errorf("%w: relay half is shut down", ErrOperationCanceled))
		return
	}
	peerHandle := rc.peerHandle
	rc.Lock.Unlock()

	peer := registry.resolve(peerHandle)
	if peer == nil {
		rc.finish(ErrPeerVanished)
		return
	}

	rc.Lock.Lock()
	rc.opPending = true
	rc.opWG.Add(1)
	rc.Lock.Unlock()

	go rc.writeOp(peer, p)
}

// writeOp is the completion path of one forward; it runs in its own goroutine
// and holds the half open (via opWG) until it returns.
func (rc *RelayConn) writeOp(peer *RelayConn, p []byte) {
	defer rc.opWG.Done()

	nw, err := peer.conn.Sock.Write(p)

	rc.Lock.Lock()
	rc.opPending = false
	rc.Lock.Unlock()

	if err == nil && nw < len(p) {
		err = io.ErrShortWrite
	}
	if err != nil {
		rc.finish(normalizeTransportError(err))
		return
	}
	atomic.AddInt64(&rc.nbForwarded, int64(nw))
	rc.WaitReadReady()
}

// finish delivers the terminal HandleFinish hook exactly once, unregisters
// the half (so the peer's next forward fails with ErrPeerVanished), and
// starts asynchronous shutdown of the half, which closes the socket. It never
// touches the linked peer.
func (rc *RelayConn) finish(err error) {
	rc.Lock.Lock()
	if rc.finished {
		rc.Lock.Unlock()
		return
	}
	rc.finished = true
	rc.Lock.Unlock()

	registry.unregister(rc.handle)
	rc.lg.DLogf("%s finished after forwarding %s: %v", rc.name, sizestr.ToString(rc.NumBytesForwarded()), err)

	if cberr := rc.invokeGuarded("HandleFinish", func() { rc.handler.HandleFinish(err) }); cberr != nil {
		rc.lg.DLogf("HandleFinish itself failed; ignoring: %s", cberr)
	}
	rc.StartShutdown(err)
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// closes the wrapped socket, cancelling any outstanding operation (its
// completion handler will deliver ErrOperationCanceled through
// HandleFinish), then waits for the operation chain to drain before shutdown
// is considered complete.
func (rc *RelayConn) HandleOnceShutdown(completionErr error) error {
	rc.Lock.Lock()
	rc.closing = true
	rc.Lock.Unlock()

	err := rc.conn.Close()
	rc.opWG.Wait()
	registry.unregister(rc.handle)

	if completionErr == nil && err != nil && !errors.Is(err, net.ErrClosed) {
		completionErr = err
	}
	return completionErr
}
