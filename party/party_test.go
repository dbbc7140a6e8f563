package party

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tuneinsight/drivacy/client"
	"github.com/tuneinsight/drivacy/perr"
	"github.com/tuneinsight/drivacy/protocol"
	"github.com/tuneinsight/drivacy/transport"
)

// harness wires `parties` parties, each sharded `parallelism` ways, over an
// in-process transport.Bus, with one client bound to each party-1 shard —
// an end-to-end rig for exercising full batches without any real network
// or process boundary.
type harness struct {
	config  protocol.Configuration
	parties [][]*Party // parties[p-1][m-1]
	clients []*client.Client
	results []chan [2]uint64

	stop    chan struct{}
	runErrs []chan error // one per party-1..N machine-1..M, flattened (p-1)*parallelism+(m-1)
}

func buildTestConfig(parties, parallelism uint32) protocol.Configuration {
	hopKeys := make(map[uint32][]byte, parties)
	network := make(map[uint32]map[uint32]protocol.Endpoint, parties)
	for p := uint32(1); p <= parties; p++ {
		key := make([]byte, 32)
		key[0] = byte(p)
		hopKeys[p] = key
		row := make(map[uint32]protocol.Endpoint, parallelism)
		for m := uint32(1); m <= parallelism; m++ {
			row[m] = protocol.Endpoint{IP: "sim"}
		}
		network[p] = row
	}
	return protocol.Configuration{Parties: parties, Parallelism: parallelism, Network: network, HopKeys: hopKeys}
}

func buildHarness(t *testing.T, parties, parallelism uint32, table protocol.Table) *harness {
	t.Helper()
	config := buildTestConfig(parties, parallelism)
	bus := transport.NewBus()

	h := &harness{config: config, stop: make(chan struct{})}
	h.parties = make([][]*Party, parties)
	for p := uint32(1); p <= parties; p++ {
		h.parties[p-1] = make([]*Party, parallelism)
	}

	for p := uint32(1); p <= parties; p++ {
		for m := uint32(1); m <= parallelism; m++ {
			meshPeers := make(map[uint32]transport.Address, parallelism-1)
			for sib := uint32(1); sib <= parallelism; sib++ {
				if sib == m {
					continue
				}
				meshPeers[sib] = transport.Address{PartyID: p, MachineID: sib, Role: "mesh"}
			}
			meshSelf := transport.Address{PartyID: p, MachineID: m, Role: "mesh"}
			meshSock := transport.NewSimSocket(bus, meshSelf, m, meshPeers, nil)

			var upSock *transport.SimSocket
			if p == 1 {
				upSelf := transport.Address{PartyID: 1, MachineID: m, Role: "upstream"}
				upPeers := map[uint32]transport.Address{m: {PartyID: 0, MachineID: m, Role: "client"}}
				upSock = transport.NewSimSocket(bus, upSelf, m, upPeers, nil)
			} else {
				upSelf := transport.Address{PartyID: p, MachineID: m, Role: "upstream"}
				upPeers := map[uint32]transport.Address{m: {PartyID: p - 1, MachineID: m, Role: "downstream"}}
				upSock = transport.NewSimSocket(bus, upSelf, m, upPeers, nil)
			}

			var downSock transport.Socket
			if p == parties {
				downSock = transport.Null{}
			} else {
				downSelf := transport.Address{PartyID: p, MachineID: m, Role: "downstream"}
				downPeers := map[uint32]transport.Address{m: {PartyID: p + 1, MachineID: m, Role: "upstream"}}
				downSock = transport.NewSimSocket(bus, downSelf, m, downPeers, nil)
			}

			var tbl protocol.Table
			if p == parties {
				tbl = table
			}
			pt := New(p, m, parties, parallelism, config, tbl, upSock, meshSock, downSock)
			meshSock.SetListener(pt.MeshListener())
			upSock.SetListener(pt.UpstreamListener())
			if ds, ok := downSock.(*transport.SimSocket); ok {
				ds.SetListener(pt.DownstreamListener())
			}
			h.parties[p-1][m-1] = pt
		}
	}

	h.clients = make([]*client.Client, parallelism)
	h.results = make([]chan [2]uint64, parallelism)
	for m := uint32(1); m <= parallelism; m++ {
		clientSelf := transport.Address{PartyID: 0, MachineID: m, Role: "client"}
		clientPeers := map[uint32]transport.Address{1: {PartyID: 1, MachineID: m, Role: "upstream"}}
		clientSock := transport.NewSimSocket(bus, clientSelf, m, clientPeers, nil)

		c := client.New(config, clientSock)
		clientSock.SetListener(c)

		results := make(chan [2]uint64, 64)
		c.SetOnResponseHandler(func(value, result uint64) {
			results <- [2]uint64{value, result}
		})

		h.clients[m-1] = c
		h.results[m-1] = results
		go clientSock.Listen(h.stop)
	}

	h.runErrs = make([]chan error, parties*parallelism)
	for p := uint32(1); p <= parties; p++ {
		for m := uint32(1); m <= parallelism; m++ {
			idx := (p-1)*parallelism + (m - 1)
			errs := make(chan error, 1)
			h.runErrs[idx] = errs
			pt := h.parties[p-1][m-1]
			go func() { errs <- pt.Run(h.stop) }()
		}
	}

	t.Cleanup(func() { close(h.stop) })
	return h
}

// announceBatch simulates the external batch coordinator signaling a new
// round of size batch to every party-1 shard; each downstream party learns
// the same size by the forwarding onBatchAnnounce now performs down the
// chain.
func (h *harness) announceBatch(batch uint32) {
	for m := range h.parties[0] {
		h.parties[0][m].UpstreamListener().OnReceiveBatch(batch)
	}
}

// collect waits for `count` responses to arrive at the client bound to
// machine m (1-indexed), in arrival order.
func (h *harness) collect(t *testing.T, m uint32, count int) [][2]uint64 {
	t.Helper()
	out := make([][2]uint64, 0, count)
	for i := 0; i < count; i++ {
		select {
		case r := <-h.results[m-1]:
			out = append(out, r)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for response %d/%d at machine %d", i+1, count, m)
		}
	}
	return out
}

// runErr returns the error channel for shard (p, m), for scenarios that
// expect the party engine to abort.
func (h *harness) runErr(p, m, parallelism uint32) chan error {
	return h.runErrs[(p-1)*parallelism+(m-1)]
}

// S1: the minimal two-party, single-shard, single-query round trip.
func TestScenarioS1MinimalRoundTrip(t *testing.T) {
	h := buildHarness(t, 2, 1, protocol.Table{7: 42})
	h.announceBatch(1)

	require.NoError(t, h.clients[0].MakeQuery(7))

	got := h.collect(t, 1, 1)
	require.Equal(t, [2]uint64{7, 42}, got[0])
}

// S2: a three-party chain carrying an ordered batch of distinct queries;
// responses must come back in the same order they were issued.
func TestScenarioS2OrderedBatchPreservesResponseOrder(t *testing.T) {
	table := protocol.Table{1: 100, 2: 200, 3: 300}
	h := buildHarness(t, 3, 1, table)
	h.announceBatch(3)

	values := []uint64{1, 2, 3}
	for _, v := range values {
		require.NoError(t, h.clients[0].MakeQuery(v))
	}

	got := h.collect(t, 1, 3)
	for i, v := range values {
		require.Equal(t, v, got[i][0], "response %d out of order", i)
		require.Equal(t, table[v], got[i][1])
	}
}

// S3: two parties, two machines each — queries issued against two distinct
// client-facing shards must each resolve correctly despite crossing shards
// during the shuffle.
func TestScenarioS3CrossShardRoundTrip(t *testing.T) {
	table := protocol.Table{10: 110, 20: 220, 30: 330, 40: 440}
	h := buildHarness(t, 2, 2, table)
	h.announceBatch(2)

	require.NoError(t, h.clients[0].MakeQuery(10))
	require.NoError(t, h.clients[0].MakeQuery(20))
	require.NoError(t, h.clients[1].MakeQuery(30))
	require.NoError(t, h.clients[1].MakeQuery(40))

	got1 := h.collect(t, 1, 2)
	got2 := h.collect(t, 2, 2)

	require.ElementsMatch(t, []uint64{110, 220}, []uint64{got1[0][1], got1[1][1]})
	require.ElementsMatch(t, []uint64{330, 440}, []uint64{got2[0][1], got2[1][1]})
}

// S4: a four-party chain with a batch of duplicate-key queries — the
// protocol must not special-case repeated keys, each resolves independently.
func TestScenarioS4DuplicateKeysInBatch(t *testing.T) {
	table := protocol.Table{5: 55}
	h := buildHarness(t, 4, 1, table)

	const batch = 5
	h.announceBatch(batch)
	for i := 0; i < batch; i++ {
		require.NoError(t, h.clients[0].MakeQuery(5))
	}

	got := h.collect(t, 1, batch)
	for i, r := range got {
		require.Equal(t, uint64(5), r[0], "response %d", i)
		require.Equal(t, uint64(55), r[1], "response %d", i)
	}
}

// S5: a malformed ForwardQuery delivered over a party's upstream link must
// abort that shard's engine with a Decoding error rather than silently
// corrupt or hang the batch.
func TestScenarioS5MalformedQueryAborts(t *testing.T) {
	h := buildHarness(t, 2, 1, protocol.Table{1: 1})
	h.announceBatch(1)

	// A well-formed Query is wire.NonceSize+wire.FieldElementSize bytes;
	// three bytes can never decode.
	h.parties[0][0].UpstreamListener().OnReceiveQuery(0, []byte{1, 2, 3})

	select {
	case err := <-h.runErr(1, 1, 1):
		require.Error(t, err)
		require.True(t, perr.Is(err, perr.Decoding), "expected a Decoding error, got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected party 1 to abort on malformed query")
	}
}

// TestProperty1RoundTripAcrossConfigurations exercises the round-trip
// correctness property across party counts, parallelism, and batch sizes:
// every table entry queried from every client-facing shard must come back
// correctly.
func TestProperty1RoundTripAcrossConfigurations(t *testing.T) {
	table := protocol.Table{1: 11, 2: 22, 3: 33, 4: 44}
	for _, n := range []uint32{2, 3, 4} {
		for _, m := range []uint32{1, 2, 3} {
			for _, b := range uniqueBatchSizes(m) {
				t.Run(fmt.Sprintf("N=%d/M=%d/B=%d", n, m, b), func(t *testing.T) {
					h := buildHarness(t, n, m, table)
					h.announceBatch(b)

					keys := []uint64{1, 2, 3, 4}
					sent := make([][]uint64, m)
					for shard := uint32(1); shard <= m; shard++ {
						for i := uint32(0); i < b; i++ {
							v := keys[i%uint32(len(keys))]
							require.NoError(t, h.clients[shard-1].MakeQuery(v))
							sent[shard-1] = append(sent[shard-1], v)
						}
					}
					for shard := uint32(1); shard <= m; shard++ {
						got := h.collect(t, shard, int(b))
						for i, r := range got {
							require.Equal(t, sent[shard-1][i], r[0])
							require.Equal(t, table[sent[shard-1][i]], r[1])
						}
					}
				})
			}
		}
	}
}

// uniqueBatchSizes returns {1, M, 2M, 16M} with duplicates collapsed (at
// M=1, the sizes 1 and M coincide).
func uniqueBatchSizes(m uint32) []uint32 {
	seen := make(map[uint32]bool)
	var out []uint32
	for _, b := range []uint32{1, m, 2 * m, 16 * m} {
		if !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	return out
}

// Three consecutive batches through the same chain: each round must reuse
// the engines cleanly — fresh shuffler routing under a new batch nonce,
// no state leaking from the previous round, and announces for the next
// round tolerated while a shard is still closing out the previous one.
func TestConsecutiveBatchesReuseEngines(t *testing.T) {
	table := protocol.Table{1: 11, 2: 22, 3: 33, 4: 44}
	h := buildHarness(t, 3, 2, table)

	for round := 0; round < 3; round++ {
		h.announceBatch(2)
		require.NoError(t, h.clients[0].MakeQuery(1))
		require.NoError(t, h.clients[0].MakeQuery(2))
		require.NoError(t, h.clients[1].MakeQuery(3))
		require.NoError(t, h.clients[1].MakeQuery(4))

		require.Equal(t, [][2]uint64{{1, 11}, {2, 22}}, h.collect(t, 1, 2), "round %d shard 1", round)
		require.Equal(t, [][2]uint64{{3, 33}, {4, 44}}, h.collect(t, 2, 2), "round %d shard 2", round)
	}
}

// S6: IncomingQueriesCount, exposed per shard by the Shuffler, must agree
// across a multi-machine party on how many queries each sibling actually
// sent once a full batch has round-tripped.
func TestScenarioS6IncomingQueriesCountAgreesAcrossShards(t *testing.T) {
	table := protocol.Table{1: 11, 2: 22, 3: 33, 4: 44}
	h := buildHarness(t, 3, 2, table)
	h.announceBatch(4)

	for i := 0; i < 4; i++ {
		require.NoError(t, h.clients[0].MakeQuery(uint64(i+1)))
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, h.clients[1].MakeQuery(uint64(i+1)))
	}

	got1 := h.collect(t, 1, 4)
	got2 := h.collect(t, 2, 4)
	for _, r := range append(got1, got2...) {
		require.Equal(t, table[r[0]], r[1])
	}

	for p := uint32(1); p <= 3; p++ {
		counts1 := h.parties[p-1][0].shuffler.IncomingQueriesCount()
		counts2 := h.parties[p-1][1].shuffler.IncomingQueriesCount()
		sentBy := make([]uint32, 3)
		for sender := uint32(1); sender <= 2; sender++ {
			sentBy[sender] = counts1[sender] + counts2[sender]
		}
		require.Equal(t, uint32(4), sentBy[1], "party %d machine 1 total sent", p)
		require.Equal(t, uint32(4), sentBy[2], "party %d machine 2 total sent", p)
	}
}
