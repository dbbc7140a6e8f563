package protocol

import (
	"encoding/binary"
	"io"

	"github.com/tuneinsight/drivacy/field"
	"github.com/tuneinsight/drivacy/perr"
	"github.com/tuneinsight/drivacy/wire"
)

// ClientState is the client-side secret CreateQuery produces alongside the
// outgoing query: the sum of the masks parties 1..N-1 re-apply on the
// response leg, which ReconstructResponse must strip back off. It
// deliberately excludes the last party's mask, which never reappears on
// the wire (party N resolves the table lookup and returns the seed
// Response directly rather than calling ProcessResponse).
type ClientState struct {
	Preshare uint64
}

// CreateQuery produces the hop-1 query for value under config, drawing a
// fresh nonce from rng. Deterministic given rng's byte stream: two calls
// fed identical bytes from rng yield identical (wire.Query, ClientState).
func CreateQuery(value uint64, config Configuration, rng io.Reader) (wire.Query, ClientState, error) {
	var nonceBuf [wire.NonceSize]byte
	if _, err := io.ReadFull(rng, nonceBuf[:]); err != nil {
		return nil, ClientState{}, perr.New(perr.CryptoFailure, "protocol.CreateQuery", err)
	}
	nonce := binary.BigEndian.Uint64(nonceBuf[:])

	returnMask, err := maskSum(config.HopKeys, config.Parties, nonce)
	if err != nil {
		return nil, ClientState{}, perr.New(perr.CryptoFailure, "protocol.CreateQuery", err)
	}
	lastMask, err := hopMask(config.HopKey(config.Parties), nonce)
	if err != nil {
		return nil, ClientState{}, perr.New(perr.CryptoFailure, "protocol.CreateQuery", err)
	}

	masked := field.Add(field.FromUint64(value), field.Add(returnMask, lastMask))
	return wire.NewQuery(nonce, masked), ClientState{Preshare: returnMask}, nil
}

// ReconstructResponse inverts the client's own masking contribution,
// recovering table[value] from the response and the ClientState
// CreateQuery returned for the matching query.
func ReconstructResponse(response wire.Response, state ClientState) uint64 {
	return field.Sub(response.Element(), state.Preshare)
}
