package relaynet

import (
	"errors"
	"fmt"
	"io"
	"net"
)

var (
	// ErrOperationCanceled is the catch-all error for any non-transport
	// failure on an asynchronous path: explicit cancellation (shutdown of the
	// component while an operation is outstanding) and panics escaping a
	// caller-supplied callback both normalize to this error, usually wrapped
	// with detail about the original failure.
	ErrOperationCanceled = errors.New("relaynet: operation canceled")

	// ErrConnAborted is delivered to a relay half's HandleFinish hook when its
	// socket reports end-of-stream while waiting for read readiness (the
	// standard half-close signal from the remote side).
	ErrConnAborted = errors.New("relaynet: connection aborted")

	// ErrPeerVanished is delivered to a relay half's HandleFinish hook when a
	// forward targets a linked peer that no longer exists. Discovery is lazy:
	// a finished half never notifies its peer, so this error only surfaces on
	// the next attempted forward.
	ErrPeerVanished = errors.New("relaynet: linked peer no longer exists")

	// ErrEndpointFamilyMismatch is returned by endpoint conversions when the
	// source address family does not match the requested endpoint flavor.
	ErrEndpointFamilyMismatch = errors.New("relaynet: endpoint address family mismatch")
)

// normalizeTransportError collapses the failure taxonomy of an asynchronous
// I/O operation: genuine transport errors pass through unchanged, while
// errors caused by the local side closing the socket (the way outstanding
// operations are canceled) become ErrOperationCanceled and end-of-stream
// becomes ErrConnAborted.
func normalizeTransportError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("%w: %v", ErrOperationCanceled, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrConnAborted, err)
	}
	return err
}

// recoveredToError converts a value recovered from a panicking callback into
// the catch-all cancellation error, preserving the panic value as detail.
func recoveredToError(name string, r interface{}) error {
	return fmt.Errorf("%w: %s callback failed: %v", ErrOperationCanceled, name, r)
}
