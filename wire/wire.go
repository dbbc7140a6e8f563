// Package wire defines the fixed-size byte layouts exchanged between
// parties and clients: Query, ForwardQuery, Response, QueryState, and the
// BatchAnnounce control message. Every size here is a deterministic
// function of (party_id, party_count), exposed through explicit
// Size()-style accessors rather than ad hoc length constants.
package wire

import (
	"encoding/binary"

	"github.com/tuneinsight/drivacy/perr"
)

// NonceSize is the width, in bytes, of the per-query nonce the client draws
// in CreateQuery and every party derives its hop mask from.
const NonceSize = 8

// FieldElementSize is the width, in bytes, of one field.Modulus-sized
// element on the wire.
const FieldElementSize = 8

// QuerySize returns the byte length of the Query a party with id partyID
// (1-indexed) expects to receive, given partyCount parties in the chain.
// Returns 0 for any partyID outside [1, partyCount], which is what makes
// ForwardQuerySize(N, N) collapse to 0 without a special case.
func QuerySize(partyID, partyCount uint32) int {
	if partyID < 1 || partyID > partyCount {
		return 0
	}
	return NonceSize + FieldElementSize
}

// ForwardQuerySize returns the byte length of the ForwardQuery party
// partyID emits, which by construction is the Query size the next party
// in the chain expects.
func ForwardQuerySize(partyID, partyCount uint32) int {
	return QuerySize(partyID+1, partyCount)
}

// ForwardResponseSize returns the byte length of a Response, fixed
// regardless of hop.
func ForwardResponseSize() int {
	return FieldElementSize
}

// QueryStateSize returns the byte length of the QueryState a party retains
// between its query and response phases, fixed regardless of hop: a
// single field element (the keystream mask that was stripped).
func QueryStateSize() int {
	return FieldElementSize
}

// Query is the hop-k wire message travelling in the forward direction:
// an 8-byte nonce followed by an 8-byte big-endian field element.
type Query []byte

// Nonce returns the nonce prefix of q.
func (q Query) Nonce() uint64 { return binary.BigEndian.Uint64(q[:NonceSize]) }

// Element returns the masked field element carried by q.
func (q Query) Element() uint64 {
	return binary.BigEndian.Uint64(q[NonceSize : NonceSize+FieldElementSize])
}

// NewQuery encodes a nonce and field element into a fresh Query.
func NewQuery(nonce, element uint64) Query {
	b := make([]byte, NonceSize+FieldElementSize)
	binary.BigEndian.PutUint64(b[:NonceSize], nonce)
	binary.BigEndian.PutUint64(b[NonceSize:], element)
	return Query(b)
}

// ForwardQuery is the on-wire message a party sends to its downstream
// neighbor; its layout is identical to Query.
type ForwardQuery []byte

// Nonce returns the nonce prefix of fq.
func (fq ForwardQuery) Nonce() uint64 { return binary.BigEndian.Uint64(fq[:NonceSize]) }

// Element returns the field element carried by fq.
func (fq ForwardQuery) Element() uint64 {
	return binary.BigEndian.Uint64(fq[NonceSize : NonceSize+FieldElementSize])
}

// NewForwardQuery encodes a nonce and field element into a fresh ForwardQuery.
func NewForwardQuery(nonce, element uint64) ForwardQuery {
	return ForwardQuery(NewQuery(nonce, element))
}

// Response is a single field element travelling in the reverse direction.
type Response []byte

// Element decodes the field element carried by r.
func (r Response) Element() uint64 { return binary.BigEndian.Uint64(r[:FieldElementSize]) }

// NewResponse encodes a field element into a fresh Response.
func NewResponse(element uint64) Response {
	b := make([]byte, FieldElementSize)
	binary.BigEndian.PutUint64(b, element)
	return Response(b)
}

// QueryState is the per-query secret a party retains between its query and
// response phases: the keystream element it stripped from the query.
type QueryState []byte

// Element decodes the retained field element.
func (qs QueryState) Element() uint64 { return binary.BigEndian.Uint64(qs[:FieldElementSize]) }

// NewQueryState encodes a field element into a fresh QueryState.
func NewQueryState(element uint64) QueryState {
	b := make([]byte, FieldElementSize)
	binary.BigEndian.PutUint64(b, element)
	return QueryState(b)
}

// DecodeQuery validates that buf has the size expected at partyID and
// returns it as a Query.
func DecodeQuery(buf []byte, partyID, partyCount uint32) (Query, error) {
	want := QuerySize(partyID, partyCount)
	if len(buf) != want {
		return nil, perr.New(perr.Decoding, "wire.DecodeQuery", nil)
	}
	return Query(buf), nil
}

// DecodeForwardQuery validates that buf has the size the receiving party
// (partyID+1) expects.
func DecodeForwardQuery(buf []byte, partyID, partyCount uint32) (ForwardQuery, error) {
	want := ForwardQuerySize(partyID, partyCount)
	if len(buf) != want {
		return nil, perr.New(perr.Decoding, "wire.DecodeForwardQuery", nil)
	}
	return ForwardQuery(buf), nil
}

// DecodeResponse validates that buf has the fixed Response size.
func DecodeResponse(buf []byte) (Response, error) {
	if len(buf) != ForwardResponseSize() {
		return nil, perr.New(perr.Decoding, "wire.DecodeResponse", nil)
	}
	return Response(buf), nil
}

// BatchAnnounce is the 4-byte big-endian batch-size control message.
type BatchAnnounce uint32

// Encode serializes a as a 4-byte big-endian buffer.
func (a BatchAnnounce) Encode() []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(a))
	return b
}

// DecodeBatchAnnounce decodes a 4-byte big-endian buffer into a batch size.
func DecodeBatchAnnounce(buf []byte) (BatchAnnounce, error) {
	if len(buf) != 4 {
		return 0, perr.New(perr.Decoding, "wire.DecodeBatchAnnounce", nil)
	}
	return BatchAnnounce(binary.BigEndian.Uint32(buf)), nil
}
