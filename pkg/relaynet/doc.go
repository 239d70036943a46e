// Package relaynet is an asynchronous connection-acceptance and
// bidirectional-relay engine. An Acceptor listens on a bound stream endpoint
// and delivers each accepted connection to a caller-supplied handler without
// blocking a thread; two accepted connections can then be joined into a
// full-duplex byte relay by wrapping each in a RelayConn and linking the two
// halves together (or by handing both to a RelayPair, which does the wiring
// and forwarding for you).
//
// The engine is protocol-agnostic: it moves opaque bytes between two stream
// sockets and never parses them. TLS termination, connection pooling and
// load-balancing policy are all left to the caller; the accept cadence itself
// is caller-controlled, since an Acceptor only re-arms when its handler asks
// it to.
//
// All asynchronous failures (transport errors, cancellation, and panics
// escaping a caller-supplied callback) are normalized and funneled to a
// single abstract hook per component (HandleError for acceptors,
// HandleFinish for relay halves), exactly once per logical failure.
package relaynet
