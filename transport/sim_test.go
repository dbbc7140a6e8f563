package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recorder implements Listener, capturing every dispatched event for
// assertions. The mutex makes it safe to poll from the test goroutine
// while a Listen goroutine is still dispatching.
type recorder struct {
	mu        sync.Mutex
	batches   []uint32
	queries   []recorded
	responses []recorded
}

type recorded struct {
	from    uint32
	payload []byte
}

func (r *recorder) OnReceiveBatch(size uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, size)
}

func (r *recorder) OnReceiveQuery(from uint32, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, recorded{from, payload})
}

func (r *recorder) OnReceiveResponse(from uint32, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, recorded{from, payload})
}

func (r *recorder) counts() (batches, queries, responses int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches), len(r.queries), len(r.responses)
}

func TestSimSocketDeliversQueryToPeer(t *testing.T) {
	bus := NewBus()
	aAddr := Address{PartyID: 1, MachineID: 1, Role: "mesh"}
	bAddr := Address{PartyID: 1, MachineID: 2, Role: "mesh"}

	recv := &recorder{}
	b := NewSimSocket(bus, bAddr, 2, nil, recv)
	a := NewSimSocket(bus, aAddr, 1, map[uint32]Address{2: bAddr}, nil)

	stop := make(chan struct{})
	go b.Listen(stop)
	defer close(stop)

	require.NoError(t, a.SendQuery(2, []byte("hello")))

	require.Eventually(t, func() bool { _, q, _ := recv.counts(); return q == 1 }, time.Second, time.Millisecond)
	require.Equal(t, uint32(1), recv.queries[0].from)
	require.Equal(t, []byte("hello"), recv.queries[0].payload)
}

func TestSimSocketSendQueryToUnknownPeerFails(t *testing.T) {
	bus := NewBus()
	self := Address{PartyID: 1, MachineID: 1, Role: "mesh"}
	a := NewSimSocket(bus, self, 1, map[uint32]Address{}, nil)

	err := a.SendQuery(99, []byte("x"))
	require.Error(t, err)
}

func TestSimSocketSendBatchBroadcastsToAllPeers(t *testing.T) {
	bus := NewBus()
	selfAddr := Address{PartyID: 1, MachineID: 1, Role: "mesh"}
	peer2 := Address{PartyID: 1, MachineID: 2, Role: "mesh"}
	peer3 := Address{PartyID: 1, MachineID: 3, Role: "mesh"}

	rec2, rec3 := &recorder{}, &recorder{}
	s2 := NewSimSocket(bus, peer2, 2, nil, rec2)
	s3 := NewSimSocket(bus, peer3, 3, nil, rec3)

	stop := make(chan struct{})
	defer close(stop)
	go s2.Listen(stop)
	go s3.Listen(stop)

	sender := NewSimSocket(bus, selfAddr, 1, map[uint32]Address{2: peer2, 3: peer3}, nil)
	require.NoError(t, sender.SendBatch(5))

	require.Eventually(t, func() bool {
		b2, _, _ := rec2.counts()
		b3, _, _ := rec3.counts()
		return b2 == 1 && b3 == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, uint32(5), rec2.batches[0])
	require.Equal(t, uint32(5), rec3.batches[0])
}

func TestSimSocketSetListenerRebinds(t *testing.T) {
	bus := NewBus()
	selfAddr := Address{PartyID: 1, MachineID: 1, Role: "mesh"}
	peer := Address{PartyID: 1, MachineID: 2, Role: "mesh"}

	first, recv := &recorder{}, &recorder{}
	b := NewSimSocket(bus, peer, 2, nil, first)
	b.SetListener(recv)

	a := NewSimSocket(bus, selfAddr, 1, map[uint32]Address{2: peer}, nil)

	stop := make(chan struct{})
	go b.Listen(stop)
	defer close(stop)

	require.NoError(t, a.SendResponse(2, []byte("r")))
	require.Eventually(t, func() bool { _, _, r := recv.counts(); return r == 1 }, time.Second, time.Millisecond)
	_, _, firstResponses := first.counts()
	require.Equal(t, 0, firstResponses)
}

func TestSimSocketSendAfterCloseFails(t *testing.T) {
	bus := NewBus()
	peer := Address{PartyID: 1, MachineID: 2, Role: "mesh"}
	a := NewSimSocket(bus, Address{PartyID: 1, MachineID: 1, Role: "mesh"}, 1, map[uint32]Address{2: peer}, nil)

	require.NoError(t, a.Close())
	require.Error(t, a.SendQuery(2, []byte("x")))
	require.Error(t, a.SendResponse(2, []byte("x")))
	require.Error(t, a.SendBatch(1))
}

func TestNullSocketIsAllNoOps(t *testing.T) {
	var n Null
	require.NoError(t, n.SendBatch(1))
	require.NoError(t, n.SendQuery(1, []byte("x")))
	require.NoError(t, n.SendResponse(1, []byte("x")))
	require.NoError(t, n.FlushQueries())
	require.NoError(t, n.FlushResponses())
	require.NoError(t, n.Close())

	stop := make(chan struct{})
	close(stop)
	require.NoError(t, n.Listen(stop))
}
