// Package client implements the client-side engine: issuing queries
// against party 1 and reconstructing responses as they return, preserving
// the FIFO issuance order the protocol's shuffle layer is responsible for
// restoring end to end.
package client

import (
	"crypto/rand"
	"io"

	"github.com/tuneinsight/drivacy/protocol"
	"github.com/tuneinsight/drivacy/transport"
	"github.com/tuneinsight/drivacy/wire"
)

// Handler is invoked once per response, in issuance order, with the
// original queried value and the reconstructed table value.
type Handler func(value, result uint64)

// Client tracks outstanding queries and reconstructs responses as they
// arrive over Socket.
type Client struct {
	config  protocol.Configuration
	socket  transport.Socket
	rng     io.Reader
	handler Handler

	queries   []uint64
	preshares []protocol.ClientState
}

// New constructs a Client bound to config and socket (the link to party
// 1), using crypto/rand as its default entropy source.
func New(config protocol.Configuration, socket transport.Socket) *Client {
	return &Client{config: config, socket: socket, rng: rand.Reader}
}

// SetOnResponseHandler installs the callback invoked by OnReceiveResponse.
func (c *Client) SetOnResponseHandler(h Handler) {
	c.handler = h
}

// MakeQuery constructs the hop-1 query for value, ships it via Socket, and
// enqueues the matching client-side secret to await the response. It does
// not block on the response.
func (c *Client) MakeQuery(value uint64) error {
	query, state, err := protocol.CreateQuery(value, c.config, c.rng)
	if err != nil {
		return err
	}
	c.queries = append(c.queries, value)
	c.preshares = append(c.preshares, state)
	return c.socket.SendQuery(1, []byte(query))
}

// OnReceiveBatch is a no-op: the client does not itself receive batch
// announcements, only responses, over its socket to party 1.
func (c *Client) OnReceiveBatch(uint32) {}

// OnReceiveQuery is never expected on a client socket.
func (c *Client) OnReceiveQuery(uint32, []byte) {}

// OnReceiveResponse dequeues the oldest outstanding query, reconstructs
// its value, and invokes the installed handler.
func (c *Client) OnReceiveResponse(_ uint32, payload []byte) {
	resp, err := wire.DecodeResponse(payload)
	if err != nil || len(c.queries) == 0 {
		return
	}
	value := c.queries[0]
	state := c.preshares[0]
	c.queries = c.queries[1:]
	c.preshares = c.preshares[1:]

	result := protocol.ReconstructResponse(resp, state)
	if c.handler != nil {
		c.handler(value, result)
	}
}

// Pending returns the number of outstanding queries awaiting a response.
func (c *Client) Pending() int { return len(c.queries) }
