// Package transport defines the socket capability the party and client
// engines are built against, and the in-process simulated and real
// WebSocket implementations of it. The party is polymorphic over this
// interface, never over a concrete socket type, and the simulated
// implementation's registry is explicit dependency injection rather than
// ambient global state.
package transport

import "github.com/tuneinsight/drivacy/perr"

// Listener receives inbound messages dispatched by a Socket's Listen loop.
// A party or client implements this to react to batch announcements and
// incoming queries/responses.
type Listener interface {
	OnReceiveBatch(size uint32)
	OnReceiveQuery(fromMachine uint32, payload []byte)
	OnReceiveResponse(fromMachine uint32, payload []byte)
}

// Socket is the capability a party or client engine is built against: a
// named endpoint that sends sized byte buffers to a peer and dispatches
// inbound ones to its Listener. A single Socket instance is bound at
// construction to one logical link — either the mesh of sibling shards
// within a party, or the fixed chain link to the adjacent party (or, for
// the head party, the client-facing link) — and auto-routes accordingly,
// so callers address peers only by machine id, never by a full
// (party, machine) pair.
type Socket interface {
	// SendBatch announces a pending batch of the given size to every peer
	// reachable over this link.
	SendBatch(size uint32) error
	// SendQuery sends payload to the peer shard identified by toMachine.
	SendQuery(toMachine uint32, payload []byte) error
	// SendResponse sends payload to the peer shard identified by toMachine.
	SendResponse(toMachine uint32, payload []byte) error
	// FlushQueries forces any buffered queries to the wire.
	FlushQueries() error
	// FlushResponses forces any buffered responses to the wire.
	FlushResponses() error
	// Listen blocks, dispatching inbound messages to the bound Listener,
	// until stop is closed.
	Listen(stop <-chan struct{}) error
	// Close releases any resources held by the socket.
	Close() error
}

// Null is a no-op Socket, used to model the downstream-query side of the
// last party in the chain: party N forwards no ForwardQuery onward, so
// FlushQueries and SendQuery there are meaningless operations rather than
// programming errors.
type Null struct{}

func (Null) SendBatch(uint32) error            { return nil }
func (Null) SendQuery(uint32, []byte) error    { return nil }
func (Null) SendResponse(uint32, []byte) error { return nil }
func (Null) FlushQueries() error               { return nil }
func (Null) FlushResponses() error             { return nil }
func (Null) Listen(stop <-chan struct{}) error { <-stop; return nil }
func (Null) Close() error                      { return nil }

// ErrClosed is returned by Socket operations attempted after Close.
var ErrClosed = perr.New(perr.TransportFailure, "transport", errClosed{})

type errClosed struct{}

func (errClosed) Error() string { return "socket closed" }
