package protocol

import (
	"github.com/tuneinsight/drivacy/field"
	"github.com/tuneinsight/drivacy/wire"
)

// PartyState is the ordered sequence of per-query secrets a party
// accumulates across one batch, in the order it processed the queries.
// ProcessResponse consumes these by index once responses return.
type PartyState struct {
	entries []wire.QueryState
}

// Reset discards any entries and reserves capacity for a batch of size n.
func (s *PartyState) Reset(n int) {
	s.entries = make([]wire.QueryState, 0, n)
}

// Append records qs as the next entry.
func (s *PartyState) Append(qs wire.QueryState) {
	s.entries = append(s.entries, qs)
}

// At returns the i-th recorded entry.
func (s *PartyState) At(i int) wire.QueryState {
	return s.entries[i]
}

// Len returns the number of entries recorded so far.
func (s *PartyState) Len() int {
	return len(s.entries)
}

// ProcessQuery performs party partyID's cryptographic transformation on an
// incoming Query, appends the retained QueryState to state, and returns
// the outgoing ForwardQuery. At the last party (partyID == parties), the
// incoming query's masked element is fully unmasked to the cleartext key,
// table is consulted, and the returned "forward query" is in fact the
// bytes of the seed Response — callers at party N must route it as such,
// since the last party emits a Response rather than a ForwardQuery.
func ProcessQuery(incoming wire.Query, partyID uint32, config Configuration, table Table, state *PartyState) (wire.ForwardQuery, error) {
	mask, err := hopMask(config.HopKey(partyID), incoming.Nonce())
	if err != nil {
		return nil, err
	}
	state.Append(wire.NewQueryState(mask))

	stripped := field.Sub(incoming.Element(), mask)

	if partyID == config.Parties {
		value := table.Lookup(stripped)
		return wire.ForwardQuery(wire.NewResponse(value)), nil
	}

	return wire.NewForwardQuery(incoming.Nonce(), stripped), nil
}
