package transport

import "sync"

// Address names one logical endpoint on the Bus. Role distinguishes the
// several sockets a single (party, machine) shard owns at once — the
// sibling mesh socket and the upstream/downstream chain socket share a
// (PartyID, MachineID) but occupy distinct mailboxes.
type Address struct {
	PartyID   uint32
	MachineID uint32
	Role      string
}

type kind byte

const (
	kindBatch kind = iota
	kindQuery
	kindResponse
)

type message struct {
	fromMachine uint32
	kind        kind
	batchSize   uint32
	payload     []byte
}

// Bus is an explicit, constructor-owned registry of simulated mailboxes.
// It is built once by the process or test driving the simulation and
// handed to every SimSocket it creates, never reached for as ambient
// global state.
type Bus struct {
	mu    sync.Mutex
	boxes map[Address]chan message
}

// NewBus constructs an empty, unconnected Bus.
func NewBus() *Bus {
	return &Bus{boxes: make(map[Address]chan message)}
}

func (b *Bus) mailbox(addr Address) chan message {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.boxes[addr]
	if !ok {
		ch = make(chan message, 256)
		b.boxes[addr] = ch
	}
	return ch
}

// SimSocket is an in-process Socket implementation over a Bus. It is
// bound at construction to its own Address and a map from peer machine id
// to that peer's Address, so callers of SendQuery/SendResponse address
// peers purely by machine id.
type SimSocket struct {
	bus      *Bus
	self     Address
	selfTag  uint32 // machine id this socket reports itself as to peers
	peers    map[uint32]Address
	listener Listener
	closed   bool
}

// NewSimSocket constructs a SimSocket bound to self, tagging outgoing
// messages with selfTag (the machine id peers should attribute inbound
// traffic from this socket to) and routing SendQuery/SendResponse by the
// peers map.
func NewSimSocket(bus *Bus, self Address, selfTag uint32, peers map[uint32]Address, listener Listener) *SimSocket {
	return &SimSocket{bus: bus, self: self, selfTag: selfTag, peers: peers, listener: listener}
}

func (s *SimSocket) SendBatch(size uint32) error {
	if s.closed {
		return ErrClosed
	}
	for _, addr := range s.peers {
		s.bus.mailbox(addr) <- message{fromMachine: s.selfTag, kind: kindBatch, batchSize: size}
	}
	return nil
}

func (s *SimSocket) SendQuery(toMachine uint32, payload []byte) error {
	if s.closed {
		return ErrClosed
	}
	addr, ok := s.peers[toMachine]
	if !ok {
		return ErrClosed
	}
	cp := append([]byte(nil), payload...)
	s.bus.mailbox(addr) <- message{fromMachine: s.selfTag, kind: kindQuery, payload: cp}
	return nil
}

func (s *SimSocket) SendResponse(toMachine uint32, payload []byte) error {
	if s.closed {
		return ErrClosed
	}
	addr, ok := s.peers[toMachine]
	if !ok {
		return ErrClosed
	}
	cp := append([]byte(nil), payload...)
	s.bus.mailbox(addr) <- message{fromMachine: s.selfTag, kind: kindResponse, payload: cp}
	return nil
}

func (s *SimSocket) FlushQueries() error   { return nil }
func (s *SimSocket) FlushResponses() error { return nil }

// SetListener binds (or rebinds) the Listener this socket dispatches
// inbound messages to. Sockets and their owning party/client are
// constructed in a cycle — the party needs a socket to pass to the engine
// constructor, the socket needs the party's Listener — so construction
// leaves the listener nil and the caller binds it with SetListener once
// the party exists: the socket holds a non-owning handle whose lifetime
// is strictly contained within the party's.
func (s *SimSocket) SetListener(l Listener) { s.listener = l }

// Listen dispatches inbound messages from this socket's own mailbox to
// its Listener until stop is closed.
func (s *SimSocket) Listen(stop <-chan struct{}) error {
	box := s.bus.mailbox(s.self)
	for {
		select {
		case <-stop:
			return nil
		case msg := <-box:
			switch msg.kind {
			case kindBatch:
				s.listener.OnReceiveBatch(msg.batchSize)
			case kindQuery:
				s.listener.OnReceiveQuery(msg.fromMachine, msg.payload)
			case kindResponse:
				s.listener.OnReceiveResponse(msg.fromMachine, msg.payload)
			}
		}
	}
}

func (s *SimSocket) Close() error {
	s.closed = true
	return nil
}
