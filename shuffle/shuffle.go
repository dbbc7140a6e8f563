// Package shuffle implements the incremental, cross-machine Knuth shuffle
// that mixes queries (and, in reverse, responses) across every shard of a
// single party: a single global-index walk, four shard-view projection
// cases, and a set of lazily-populated routing tables, using explicit
// error returns, generic FIFO cursors, and a keyed PRG seeded with a
// per-batch nonce (rather than party id alone, which would reuse the same
// permutation every batch).
package shuffle

import (
	"encoding/binary"

	"github.com/tuneinsight/drivacy/perr"
	"github.com/tuneinsight/drivacy/prg"
	"github.com/tuneinsight/drivacy/wire"
)

// cursor is a generic FIFO: push appends, pop removes and returns the
// oldest pushed item.
type cursor[T any] struct {
	items []T
	pos   int
}

func (c *cursor[T]) push(v T) { c.items = append(c.items, v) }

func (c *cursor[T]) pop() (T, bool) {
	var zero T
	if c.pos >= len(c.items) {
		return zero, false
	}
	v := c.items[c.pos]
	c.pos++
	return v, true
}

func (c *cursor[T]) len() int { return len(c.items) }

// stateBucket holds the QueryState entries a shard retains for queries it
// sent to a given sibling machine: written by relative order (random
// access, from MachineOfNextQuery), drained by NextQueryState (FIFO).
type stateBucket struct {
	states []wire.QueryState
	pos    int
}

func (b *stateBucket) set(i int, qs wire.QueryState) { b.states[i] = qs }

func (b *stateBucket) pop() (wire.QueryState, bool) {
	if b.pos >= len(b.states) {
		return nil, false
	}
	v := b.states[b.pos]
	b.pos++
	return v, true
}

// Shuffler realizes the online random permutation for one party's batch,
// across all of that party's machine shards. One Shuffler instance exists
// per (party, machine).
type Shuffler struct {
	partyID, machineID, partyCount, parallelism uint32

	forwardQuerySize int

	size, totalSize                     uint32
	shuffledQueryCount, deshuffledCount uint32
	queryIndex, responseIndex           int

	shuffledQueries     []wire.ForwardQuery
	deshuffledResponses []wire.Response

	queryMachineIDs    cursor[uint32]
	responseMachineIDs cursor[uint32]

	queryOrder      map[uint32]*cursor[int]
	queryIndices    map[uint32]*cursor[int]
	responseIndices map[uint32]*cursor[int]
	queryStates     map[uint32]*stateBucket
}

// New constructs a Shuffler for shard (partyID, machineID) of a chain of
// partyCount parties, each sharded parallelism ways. The last party's
// shuffler holds already-resolved Responses rather than ForwardQueries
// (ForwardQuerySize collapses to 0 there), so its bucket entries are
// Response-sized.
func New(partyID, machineID, partyCount, parallelism uint32) *Shuffler {
	itemSize := wire.ForwardQuerySize(partyID, partyCount)
	if partyID == partyCount {
		itemSize = wire.ForwardResponseSize()
	}
	return &Shuffler{
		partyID:          partyID,
		machineID:        machineID,
		partyCount:       partyCount,
		parallelism:      parallelism,
		forwardQuerySize: itemSize,
	}
}

// seed derives this shard's permutation stream from the party id and the
// batch nonce agreed across every sibling shard. Every shard computes the
// identical stream for the identical (partyID, batchNonce) pair, which is
// what lets shards agree on routing without exchanging the permutation.
// Seeding from party id alone would be deterministic across batches and
// so reuse the same permutation every time; folding in batchNonce avoids
// that.
func seed(partyID uint32, batchNonce uint64) []byte {
	var b [12]byte
	binary.BigEndian.PutUint32(b[:4], partyID)
	binary.BigEndian.PutUint64(b[4:], batchNonce)
	return prg.Derive(b[:], []byte("drivacy/shuffle-seed"))
}

// Initialize precomputes every routing table for a batch of size `size`
// queries per shard (T = size*parallelism total, across all shards of this
// party), reproducing the Fisher-Yates walk and shard-view projection from
// the original Shuffler::Initialize.
func (s *Shuffler) Initialize(size uint32, batchNonce uint64) error {
	material := seed(s.partyID, batchNonce)
	rng, err := prg.New(material)
	if err != nil {
		return perr.New(perr.CryptoFailure, "shuffle.Initialize", err)
	}

	s.queryIndex, s.responseIndex = 0, 0
	s.size = size
	s.totalSize = size * s.parallelism
	s.shuffledQueryCount, s.deshuffledCount = 0, 0

	s.shuffledQueries = make([]wire.ForwardQuery, size)
	s.deshuffledResponses = make([]wire.Response, size)

	s.queryMachineIDs = cursor[uint32]{}
	s.responseMachineIDs = cursor[uint32]{}
	s.queryOrder = make(map[uint32]*cursor[int])
	s.queryIndices = make(map[uint32]*cursor[int])
	s.responseIndices = make(map[uint32]*cursor[int])
	s.queryStates = make(map[uint32]*stateBucket)
	for m := uint32(1); m <= s.parallelism; m++ {
		s.queryOrder[m] = &cursor[int]{}
		s.queryIndices[m] = &cursor[int]{}
		s.responseIndices[m] = &cursor[int]{}
		s.queryStates[m] = &stateBucket{}
	}

	if s.totalSize == 0 {
		return nil
	}

	received := make([]shufflePair, s.size) // (true_j, local_index) by local_index
	sent := make([]shufflePair, s.size)     // (target global index, local_index) by local_index

	shufflingOrder := make(map[uint32]uint32)
	for i := uint32(0); i < s.totalSize; i++ {
		trueI := i
		if v, ok := shufflingOrder[i]; ok {
			trueI = v
		}

		j := i
		if i < s.totalSize-1 {
			j = i + uint32(rng.Uint64n(uint64(s.totalSize-i)))
		}
		trueJ := j
		if v, ok := shufflingOrder[j]; ok {
			trueJ = v
		}

		receiver := i/s.size + 1
		sender := trueJ/s.size + 1

		shufflingOrder[j] = trueI
		delete(shufflingOrder, i)

		if receiver == s.machineID {
			s.responseMachineIDs.push(sender)
			localIndex := i % s.size
			received[localIndex] = shufflePair{trueJ, localIndex}
		}
		if sender == s.machineID {
			localIndex := trueJ % s.size
			sent[localIndex] = shufflePair{i, localIndex}
		}
	}

	for _, p := range sent {
		targetMachine := p.a/s.size + 1
		s.queryMachineIDs.push(targetMachine)
	}

	sortPairsByA(received)
	sortPairsByA(sent)

	for _, p := range received {
		owner := p.a/s.size + 1
		s.queryIndices[owner].push(int(p.b))
	}

	var lastOwner uint32
	var relOrder []shuffleRel
	flush := func(owner uint32) {
		if owner == 0 {
			return
		}
		sortRelByPrevious(relOrder)
		for _, r := range relOrder {
			s.queryOrder[owner].push(r.order)
		}
		s.queryStates[owner].states = make([]wire.QueryState, len(relOrder))
		relOrder = nil
	}
	for _, p := range sent {
		owner := p.a/s.size + 1
		if owner != lastOwner {
			flush(lastOwner)
			lastOwner = owner
		}
		s.responseIndices[owner].push(int(p.b))
		relOrder = append(relOrder, shuffleRel{int(p.b), len(relOrder)})
	}
	flush(lastOwner)

	return nil
}

// shufflePair is (global-index-ish value a, local bucket index b); used for
// both the "received" and "sent" working tables in Initialize.
type shufflePair struct{ a, b uint32 }

// shuffleRel pairs a previous local index with its relative emission order,
// used to rebuild per-destination query ordering.
type shuffleRel struct{ previous, order int }

func sortPairsByA(p []shufflePair) {
	for i := 1; i < len(p); i++ {
		for j := i; j > 0 && p[j].a < p[j-1].a; j-- {
			p[j], p[j-1] = p[j-1], p[j]
		}
	}
}

func sortRelByPrevious(r []shuffleRel) {
	for i := 1; i < len(r); i++ {
		for j := i; j > 0 && r[j].previous < r[j-1].previous; j-- {
			r[j], r[j-1] = r[j-1], r[j]
		}
	}
}

// IncomingQueriesCount returns, indexed 1..parallelism, how many queries
// this shard should expect from each sibling shard this batch.
func (s *Shuffler) IncomingQueriesCount() []uint32 {
	result := make([]uint32, s.parallelism+1)
	for m := uint32(1); m <= s.parallelism; m++ {
		result[m] = uint32(s.queryIndices[m].len())
	}
	return result
}

// MachineOfNextQuery returns the destination shard for the next locally
// produced outgoing query, recording queryState at the position its
// matching response will later arrive in.
func (s *Shuffler) MachineOfNextQuery(queryState wire.QueryState) (uint32, error) {
	machineID, ok := s.queryMachineIDs.pop()
	if !ok {
		return 0, perr.New(perr.RoutingViolation, "shuffle.MachineOfNextQuery", nil)
	}
	order, ok := s.queryOrder[machineID].pop()
	if !ok {
		return 0, perr.New(perr.RoutingViolation, "shuffle.MachineOfNextQuery", nil)
	}
	s.queryStates[machineID].set(order, queryState)
	return machineID, nil
}

// MachineOfNextResponse mirrors MachineOfNextQuery for the response path.
func (s *Shuffler) MachineOfNextResponse() (uint32, error) {
	machineID, ok := s.responseMachineIDs.pop()
	if !ok {
		return 0, perr.New(perr.RoutingViolation, "shuffle.MachineOfNextResponse", nil)
	}
	return machineID, nil
}

// ShuffleQuery accepts an inbound ForwardQuery from sibling fromMachine,
// placing it at its shuffled position. Returns true once this shard's
// bucket of size `size` is full.
func (s *Shuffler) ShuffleQuery(fromMachine uint32, query wire.ForwardQuery) (bool, error) {
	bucket, ok := s.queryIndices[fromMachine]
	if !ok {
		return false, perr.New(perr.RoutingViolation, "shuffle.ShuffleQuery", nil)
	}
	index, ok := bucket.pop()
	if !ok {
		return false, perr.New(perr.RoutingViolation, "shuffle.ShuffleQuery", nil)
	}
	if len(query) != s.forwardQuerySize {
		return false, perr.New(perr.Decoding, "shuffle.ShuffleQuery", nil)
	}
	cp := make(wire.ForwardQuery, len(query))
	copy(cp, query)
	s.shuffledQueries[index] = cp
	s.shuffledQueryCount++
	if s.shuffledQueryCount > s.size {
		return false, perr.New(perr.RoutingViolation, "shuffle.ShuffleQuery", nil)
	}
	return s.shuffledQueryCount == s.size, nil
}

// DeshuffleResponse accepts an inbound Response from sibling fromMachine,
// refiling it to its pre-shuffle position. Returns true once this shard's
// response bucket is full.
func (s *Shuffler) DeshuffleResponse(fromMachine uint32, response wire.Response) (bool, error) {
	bucket, ok := s.responseIndices[fromMachine]
	if !ok {
		return false, perr.New(perr.RoutingViolation, "shuffle.DeshuffleResponse", nil)
	}
	index, ok := bucket.pop()
	if !ok {
		return false, perr.New(perr.RoutingViolation, "shuffle.DeshuffleResponse", nil)
	}
	cp := make(wire.Response, len(response))
	copy(cp, response)
	s.deshuffledResponses[index] = cp
	s.deshuffledCount++
	if s.deshuffledCount > s.size {
		return false, perr.New(perr.RoutingViolation, "shuffle.DeshuffleResponse", nil)
	}
	return s.deshuffledCount == s.size, nil
}

// NextQuery drains the shuffled outgoing query queue in shuffle order.
func (s *Shuffler) NextQuery() wire.ForwardQuery {
	v := s.shuffledQueries[s.queryIndex]
	s.queryIndex++
	return v
}

// NextResponse drains the deshuffled response queue in original order.
func (s *Shuffler) NextResponse() wire.Response {
	v := s.deshuffledResponses[s.responseIndex]
	s.responseIndex++
	return v
}

// NextQueryState drains the retained QueryState entries for queries sent
// to machineID, in the order MachineOfNextQuery recorded them.
func (s *Shuffler) NextQueryState(machineID uint32) (wire.QueryState, error) {
	qs, ok := s.queryStates[machineID].pop()
	if !ok {
		return nil, perr.New(perr.RoutingViolation, "shuffle.NextQueryState", nil)
	}
	return qs, nil
}
