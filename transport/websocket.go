package transport

import (
	"encoding/binary"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tuneinsight/drivacy/perr"
)

// wsKind tags the first byte of every frame this socket exchanges.
type wsKind byte

const (
	wsBatch    wsKind = 0
	wsQuery    wsKind = 1
	wsResponse wsKind = 2
)

// WSSocket is a real network Socket implementation over
// github.com/gorilla/websocket, grounded on the same dependency both the
// erigon and go-ethereum example repos carry for their own RPC transports.
// One WSSocket dials out to every peer reachable over its link and runs a
// single HTTP server accepting the reciprocal inbound connections; peers
// identify themselves with a "machine" query parameter on the initial
// upgrade request.
type WSSocket struct {
	self     Address
	selfTag  uint32
	listener Listener

	mu       sync.Mutex
	outbound map[uint32]*websocket.Conn
	inbound  map[uint32]*websocket.Conn
	server   *http.Server
	closed   bool
}

// NewWSSocket constructs a WSSocket bound to self, dialing the peer at
// peerURL (e.g. "ws://127.0.0.1:9101") for every entry in peers (machine
// id -> URL), and listening for inbound connections on listenAddr
// (e.g. ":9101"). A purely outbound link (e.g. a shard's Downstream dialer,
// which is dialed into from the other side) passes listenAddr == "" and
// runs no server of its own.
func NewWSSocket(self Address, selfTag uint32, listenAddr string, peers map[uint32]string, listener Listener) (*WSSocket, error) {
	s := &WSSocket{
		self:     self,
		selfTag:  selfTag,
		listener: listener,
		outbound: make(map[uint32]*websocket.Conn),
		inbound:  make(map[uint32]*websocket.Conn),
	}

	for machineID, peerURL := range peers {
		u, err := url.Parse(peerURL)
		if err != nil {
			return nil, perr.New(perr.Configuration, "transport.NewWSSocket", err)
		}
		q := u.Query()
		q.Set("machine", strconv.FormatUint(uint64(selfTag), 10))
		u.RawQuery = q.Encode()
		conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
		if err != nil {
			return nil, perr.New(perr.TransportFailure, "transport.NewWSSocket", err)
		}
		s.outbound[machineID] = conn
	}

	if listenAddr == "" {
		return s, nil
	}

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		machineID, err := strconv.ParseUint(r.URL.Query().Get("machine"), 10, 32)
		if err != nil {
			http.Error(w, "missing machine id", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.inbound[uint32(machineID)] = conn
		s.mu.Unlock()
	})
	s.server = &http.Server{Addr: listenAddr, Handler: mux}
	go s.server.ListenAndServe()

	return s, nil
}

func (s *WSSocket) SendBatch(size uint32) error {
	var frame [5]byte
	frame[0] = byte(wsBatch)
	binary.BigEndian.PutUint32(frame[1:], size)
	return s.broadcast(frame[:])
}

func (s *WSSocket) SendQuery(toMachine uint32, payload []byte) error {
	return s.sendTo(toMachine, wsQuery, payload)
}

func (s *WSSocket) SendResponse(toMachine uint32, payload []byte) error {
	return s.sendTo(toMachine, wsResponse, payload)
}

// connFor resolves the connection to use for toMachine: an outbound peer
// this socket dialed, or (for links like the head party's client-facing
// socket, which only ever accepts) one of the inbound connections it
// accepted, keyed by the peer-declared machine id.
func (s *WSSocket) connFor(toMachine uint32) (*websocket.Conn, bool) {
	if conn, ok := s.outbound[toMachine]; ok {
		return conn, true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.inbound[toMachine]
	return conn, ok
}

func (s *WSSocket) sendTo(toMachine uint32, k wsKind, payload []byte) error {
	if s.closed {
		return ErrClosed
	}
	conn, ok := s.connFor(toMachine)
	if !ok {
		return perr.New(perr.TransportFailure, "transport.WSSocket.send", fmt.Errorf("no peer for machine %d", toMachine))
	}
	frame := append([]byte{byte(k)}, payload...)
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return perr.New(perr.TransportFailure, "transport.WSSocket.send", err)
	}
	return nil
}

func (s *WSSocket) broadcast(frame []byte) error {
	if s.closed {
		return ErrClosed
	}
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.outbound)+len(s.inbound))
	for _, conn := range s.outbound {
		conns = append(conns, conn)
	}
	for _, conn := range s.inbound {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return perr.New(perr.TransportFailure, "transport.WSSocket.broadcast", err)
		}
	}
	return nil
}

func (s *WSSocket) FlushQueries() error   { return nil }
func (s *WSSocket) FlushResponses() error { return nil }

// SetListener binds (or rebinds) the Listener this socket dispatches
// inbound messages to. See SimSocket.SetListener for why this exists
// instead of requiring the listener at construction.
func (s *WSSocket) SetListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

// Listen reads from every connection this socket holds — both accepted
// (inbound) and dialed (outbound) — until stop is closed. A dialed
// connection is full-duplex like any other: the downstream link, for
// instance, is dialed entirely from this party's side, yet must carry
// responses flowing back the other way over that same connection, so
// outbound links need watching for reads exactly like inbound ones.
func (s *WSSocket) Listen(stop <-chan struct{}) error {
	type result struct {
		machineID uint32
		data      []byte
		err       error
	}
	msgs := make(chan result, 64)

	type connKey struct {
		machineID uint32
		dialed    bool
	}
	watched := make(map[connKey]bool)
	watch := func(machineID uint32, conn *websocket.Conn, dialed bool) {
		watched[connKey{machineID, dialed}] = true
		go func() {
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					msgs <- result{machineID, nil, err}
					return
				}
				msgs <- result{machineID, data, nil}
			}
		}()
	}

	// Connections accepted while the select below blocks are picked up on
	// the next rescan tick.
	rescan := time.NewTicker(100 * time.Millisecond)
	defer rescan.Stop()

	for {
		s.mu.Lock()
		for m, conn := range s.inbound {
			if !watched[connKey{m, false}] {
				watch(m, conn, false)
			}
		}
		for m, conn := range s.outbound {
			if !watched[connKey{m, true}] {
				watch(m, conn, true)
			}
		}
		s.mu.Unlock()

		select {
		case <-stop:
			return nil
		case <-rescan.C:
			continue
		case r := <-msgs:
			if r.err != nil {
				return perr.New(perr.TransportFailure, "transport.WSSocket.Listen", r.err)
			}
			if len(r.data) == 0 {
				continue
			}
			s.mu.Lock()
			listener := s.listener
			s.mu.Unlock()
			if listener == nil {
				continue
			}
			switch wsKind(r.data[0]) {
			case wsBatch:
				if len(r.data) >= 5 {
					listener.OnReceiveBatch(binary.BigEndian.Uint32(r.data[1:5]))
				}
			case wsQuery:
				listener.OnReceiveQuery(r.machineID, r.data[1:])
			case wsResponse:
				listener.OnReceiveResponse(r.machineID, r.data[1:])
			}
		}
	}
}

func (s *WSSocket) Close() error {
	s.closed = true
	for _, c := range s.outbound {
		c.Close()
	}
	for _, c := range s.inbound {
		c.Close()
	}
	if s.server == nil {
		return nil
	}
	return s.server.Close()
}
