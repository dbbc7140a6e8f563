package protocol

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuneinsight/drivacy/field"
	"github.com/tuneinsight/drivacy/wire"
)

func testConfig(t *testing.T, parties uint32) Configuration {
	t.Helper()
	hopKeys := make(map[uint32][]byte, parties)
	network := make(map[uint32]map[uint32]Endpoint, parties)
	for p := uint32(1); p <= parties; p++ {
		key := make([]byte, 32)
		key[0] = byte(p)
		hopKeys[p] = key
		network[p] = map[uint32]Endpoint{1: {IP: "127.0.0.1"}}
	}
	return Configuration{Parties: parties, Parallelism: 1, Network: network, HopKeys: hopKeys}
}

// runProtocol drives a value through every party's ProcessQuery, in order,
// as a single-shard (M=1) chain would, then unwinds the responses through
// ProcessResponse, mirroring party.Party's forward/reply phases without any
// transport or shuffling involved.
func runProtocol(t *testing.T, config Configuration, table Table, value uint64) uint64 {
	t.Helper()

	query, clientState, err := CreateQuery(value, config, rand.Reader)
	require.NoError(t, err)

	states := make([]PartyState, config.Parties)
	current := query
	for p := uint32(1); p <= config.Parties; p++ {
		fq, err := ProcessQuery(current, p, config, table, &states[p-1])
		require.NoError(t, err)
		if p == config.Parties {
			resp := wire.Response(fq)
			for q := int(config.Parties) - 2; q >= 0; q-- {
				resp = ProcessResponse(resp, states[q].At(0))
			}
			return ReconstructResponse(resp, clientState)
		}
		current = wire.Query(fq)
	}
	t.Fatal("unreachable")
	return 0
}

func TestRoundTripAcrossPartyCounts(t *testing.T) {
	table := Table{7: 42, 1: 10, 2: 20, 3: 30}
	for _, n := range []uint32{2, 3, 4} {
		config := testConfig(t, n)
		for key, want := range table {
			got := runProtocol(t, config, table, key)
			require.Equal(t, want, got, "parties=%d key=%d", n, key)
		}
	}
}

func TestCreateQueryDeterministicGivenSameRNGBytes(t *testing.T) {
	config := testConfig(t, 3)
	seed := bytes.Repeat([]byte{0x42}, 64)

	q1, s1, err := CreateQuery(5, config, bytes.NewReader(seed))
	require.NoError(t, err)
	q2, s2, err := CreateQuery(5, config, bytes.NewReader(seed))
	require.NoError(t, err)

	require.Equal(t, q1, q2)
	require.Equal(t, s1, s2)
}

func TestProcessQueryAppendsQueryState(t *testing.T) {
	config := testConfig(t, 2)
	table := Table{9: 99}
	query, _, err := CreateQuery(9, config, rand.Reader)
	require.NoError(t, err)

	var state PartyState
	state.Reset(1)
	_, err = ProcessQuery(query, 1, config, table, &state)
	require.NoError(t, err)
	require.Equal(t, 1, state.Len())
}

func TestMaskSumMatchesHopMaskSum(t *testing.T) {
	config := testConfig(t, 3)
	total, err := maskSum(config.HopKeys, config.Parties, 777)
	require.NoError(t, err)

	var manual uint64
	for p := uint32(1); p < config.Parties; p++ {
		m, err := hopMask(config.HopKey(p), 777)
		require.NoError(t, err)
		manual = field.Add(manual, m)
	}
	require.Equal(t, manual, total)
}

func TestConfigurationValidate(t *testing.T) {
	good := testConfig(t, 2)
	require.NoError(t, good.Validate())

	tooFewParties := good
	tooFewParties.Parties = 1
	require.Error(t, tooFewParties.Validate())

	missingKey := testConfig(t, 2)
	delete(missingKey.HopKeys, 2)
	require.Error(t, missingKey.Validate())

	shortKey := testConfig(t, 2)
	shortKey.HopKeys[1] = []byte{1, 2, 3}
	require.Error(t, shortKey.Validate())

	missingNetwork := testConfig(t, 2)
	delete(missingNetwork.Network, 2)
	require.Error(t, missingNetwork.Validate())
}

func TestTableLookupMissingKeyIsZero(t *testing.T) {
	table := Table{1: 10}
	require.Equal(t, uint64(0), table.Lookup(999))
}
