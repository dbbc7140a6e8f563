// Package protocol implements the pure cryptographic transformations of
// the multi-party lookup protocol: client-side query construction and
// response reconstruction, and the per-party query/response phases. None
// of these functions perform I/O; callers (package party, package client)
// wire them to sockets.
package protocol

import (
	"github.com/tuneinsight/drivacy/perr"
)

// Endpoint is the network address of one (party, machine) shard.
type Endpoint struct {
	IP            string
	ServerPort    uint16
	ClientPort    uint16
	WebsocketPort uint16
}

// Configuration is the immutable, process-lifetime protocol configuration:
// party/shard counts, network topology, and per-hop key material.
type Configuration struct {
	Parties     uint32
	Parallelism uint32
	Network     map[uint32]map[uint32]Endpoint
	HopKeys     map[uint32][]byte // 32-byte symmetric key per party id, 1..Parties
}

// HopKey returns the symmetric key for party id p.
func (c Configuration) HopKey(p uint32) []byte {
	return c.HopKeys[p]
}

// Endpoint returns the network address of shard (p, m).
func (c Configuration) Endpoint(p, m uint32) (Endpoint, bool) {
	row, ok := c.Network[p]
	if !ok {
		return Endpoint{}, false
	}
	e, ok := row[m]
	return e, ok
}

// Validate checks the configuration for internal consistency: at least two
// parties, at least one shard, a complete network map, and a correctly
// sized key for every party.
func (c Configuration) Validate() error {
	if c.Parties < 2 {
		return perr.New(perr.Configuration, "protocol.Configuration.Validate", errInvalid("parties must be >= 2"))
	}
	if c.Parallelism < 1 {
		return perr.New(perr.Configuration, "protocol.Configuration.Validate", errInvalid("parallelism must be >= 1"))
	}
	for p := uint32(1); p <= c.Parties; p++ {
		row, ok := c.Network[p]
		if !ok {
			return perr.New(perr.Configuration, "protocol.Configuration.Validate", errInvalid("missing network entry for party"))
		}
		for m := uint32(1); m <= c.Parallelism; m++ {
			if _, ok := row[m]; !ok {
				return perr.New(perr.Configuration, "protocol.Configuration.Validate", errInvalid("missing network entry for machine"))
			}
		}
		key, ok := c.HopKeys[p]
		if !ok || len(key) != 32 {
			return perr.New(perr.Configuration, "protocol.Configuration.Validate", errInvalid("hop key must be 32 bytes"))
		}
	}
	return nil
}

type errString string

func (e errString) Error() string { return string(e) }

func errInvalid(s string) error { return errString(s) }

// Table is the replicated, read-only key/value lookup served by the
// protocol. Party N resolves every query against it.
type Table map[uint64]uint64

// Lookup returns table[key], or 0 if key is absent — an absent key is a
// caller bug (the protocol has no notion of a missing entry), not a
// protocol-level failure.
func (t Table) Lookup(key uint64) uint64 {
	return t[key]
}
