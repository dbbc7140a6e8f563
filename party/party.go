// Package party implements the per-shard batch state machine described by
// the protocol: collecting upstream queries, routing them through this
// party's Shuffler across sibling machines, forwarding the shuffled batch
// downstream (or resolving it against the table at the last party), and
// replying upstream once responses return. A Party is polymorphic over
// three transport.Socket links (upstream, mesh, downstream) rather than
// over concrete socket types — the head party (p=1) is simply a Party
// whose upstream link happens to be client-facing, so no separate
// head-party type is needed.
package party

import (
	"github.com/tuneinsight/drivacy/perr"
	"github.com/tuneinsight/drivacy/protocol"
	"github.com/tuneinsight/drivacy/shuffle"
	"github.com/tuneinsight/drivacy/transport"
	"github.com/tuneinsight/drivacy/wire"
)

// State names the party's position in the batch lifecycle, kept for
// introspection; the event handlers below gate transitions on explicit
// completion counts rather than switching on State directly.
type State int

const (
	Idle State = iota
	Collecting
	Shuffling
	Forwarding
	AwaitingResponses
	Deshuffling
	Replying
)

// Party is the batch-driven engine for one (party, machine) shard.
type Party struct {
	ID, MachineID, Parties, Parallelism uint32
	Config                              protocol.Configuration
	Table                               protocol.Table // non-nil only at the last party

	Upstream, Mesh, Downstream transport.Socket

	// OnBatchDone, if set, is invoked from the event loop each time a batch
	// fully completes. The head party's driver uses it to announce the next
	// round.
	OnBatchDone func()

	shuffler   *shuffle.Shuffler
	partyState protocol.PartyState
	batchSeq   uint64

	state     State
	batchSize uint32

	// announced is true between a batch announce and that batch's full
	// completion. Mesh messages arriving outside that window belong to a
	// batch this shard has not initialized its shuffler for yet — sibling
	// chains propagate announces independently, so a fast sibling can start
	// shipping before this shard's own announce arrives — and are parked in
	// pendingMesh until the announce lands. Likewise an upstream peer that
	// finishes a batch early can announce the next one while this shard is
	// still relaying the current one; that announce and the queries behind
	// it park in pendingUpstream until the current batch closes.
	announced       bool
	pendingMesh     []event
	pendingUpstream []event

	collected uint32
	meshFull  bool
	forwarded bool
	replied   bool

	awaitingReturnQueue []uint32 // origin sibling per downstream-response arrival order
	respRecvIdx         int

	events chan event
}

type linkTag int

const (
	linkUpstream linkTag = iota
	linkMesh
	linkDownstream
)

type eventKind int

const (
	evBatch eventKind = iota
	evQuery
	evResponse
)

type event struct {
	link        linkTag
	kind        eventKind
	fromMachine uint32
	batchSize   uint32
	payload     []byte
}

// New constructs a Party for shard (id, machineID) of a chain of `parties`
// parties, each sharded `parallelism` ways, bound to the three links and
// (at the last party) the lookup table.
func New(id, machineID, parties, parallelism uint32, config protocol.Configuration, table protocol.Table, upstream, mesh, downstream transport.Socket) *Party {
	p := &Party{
		ID:          id,
		MachineID:   machineID,
		Parties:     parties,
		Parallelism: parallelism,
		Config:      config,
		Table:       table,
		Upstream:    upstream,
		Mesh:        mesh,
		Downstream:  downstream,
		shuffler:    shuffle.New(id, machineID, parties, parallelism),
		events:      make(chan event, 256),
	}
	return p
}

type partyListener struct {
	p    *Party
	link linkTag
}

func (l *partyListener) OnReceiveBatch(size uint32) {
	l.p.events <- event{link: l.link, kind: evBatch, batchSize: size}
}

func (l *partyListener) OnReceiveQuery(from uint32, payload []byte) {
	cp := append([]byte(nil), payload...)
	l.p.events <- event{link: l.link, kind: evQuery, fromMachine: from, payload: cp}
}

func (l *partyListener) OnReceiveResponse(from uint32, payload []byte) {
	cp := append([]byte(nil), payload...)
	l.p.events <- event{link: l.link, kind: evResponse, fromMachine: from, payload: cp}
}

// UpstreamListener, MeshListener and DownstreamListener return the
// transport.Listener this party uses for each link, for callers wiring up
// sockets before calling Run.
func (p *Party) UpstreamListener() transport.Listener   { return &partyListener{p, linkUpstream} }
func (p *Party) MeshListener() transport.Listener       { return &partyListener{p, linkMesh} }
func (p *Party) DownstreamListener() transport.Listener { return &partyListener{p, linkDownstream} }

// Run drives the party's event loop until stop is closed, dispatching
// inbound messages from every link as they arrive. All processing for one
// shard happens on this single goroutine: a single-threaded, cooperative
// model with no shared mutable state between parties in one process.
func (p *Party) Run(stop <-chan struct{}) error {
	go p.Upstream.Listen(stop)
	go p.Mesh.Listen(stop)
	go p.Downstream.Listen(stop)

	for {
		select {
		case <-stop:
			return nil
		case ev := <-p.events:
			if err := p.handle(ev); err != nil {
				return err
			}
		}
	}
}

func (p *Party) handle(ev event) error {
	switch ev.link {
	case linkUpstream:
		if p.announced && (ev.kind == evBatch || len(p.pendingUpstream) > 0) {
			p.pendingUpstream = append(p.pendingUpstream, ev)
			return nil
		}
		switch ev.kind {
		case evBatch:
			return p.onBatchAnnounce(ev.batchSize)
		case evQuery:
			return p.onUpstreamQuery(ev.payload)
		}
	case linkMesh:
		if !p.announced {
			p.pendingMesh = append(p.pendingMesh, ev)
			return nil
		}
		switch ev.kind {
		case evQuery:
			return p.onMeshQuery(ev.fromMachine, ev.payload)
		case evResponse:
			return p.onMeshResponse(ev.fromMachine, ev.payload)
		}
	case linkDownstream:
		if ev.kind == evResponse {
			return p.onDownstreamResponse(ev.payload)
		}
	}
	return nil
}

func (p *Party) onBatchAnnounce(size uint32) error {
	p.partyState.Reset(int(size))
	if err := p.shuffler.Initialize(size, p.batchSeq); err != nil {
		return err
	}
	p.batchSeq++

	p.batchSize = size
	p.collected = 0
	p.meshFull = size == 0
	p.forwarded = false
	p.replied = false
	p.awaitingReturnQueue = nil
	p.respRecvIdx = 0
	p.announced = true
	p.state = Collecting

	// Every party downstream of this one needs to initialize its own
	// Shuffler for the same batch before this party's shuffled queries
	// arrive over that link, so the announcement propagates down the chain
	// the same way the batch size itself does. Party N's Downstream is
	// transport.Null{}, which drops this silently.
	if err := p.Downstream.SendBatch(size); err != nil {
		return err
	}
	// The head party also signals batch readiness out to its connected
	// clients over the client-facing link.
	if p.ID == 1 {
		if err := p.Upstream.SendBatch(size); err != nil {
			return err
		}
	}

	// Mesh traffic that raced ahead of this announce belongs to this batch.
	pending := p.pendingMesh
	p.pendingMesh = nil
	for _, ev := range pending {
		if err := p.handle(ev); err != nil {
			return err
		}
	}

	return p.maybeAdvanceToForwarding()
}

func (p *Party) onUpstreamQuery(payload []byte) error {
	q, err := wire.DecodeQuery(payload, p.ID, p.Parties)
	if err != nil {
		return err
	}
	fq, err := protocol.ProcessQuery(q, p.ID, p.Config, p.Table, &p.partyState)
	if err != nil {
		return err
	}
	qs := p.partyState.At(p.partyState.Len() - 1)

	dest, err := p.shuffler.MachineOfNextQuery(qs)
	if err != nil {
		return err
	}
	if err := p.sendMeshQuery(dest, []byte(fq)); err != nil {
		return err
	}

	p.collected++
	if p.collected == p.batchSize {
		if err := p.Mesh.FlushQueries(); err != nil {
			return err
		}
	}
	return p.maybeAdvanceToForwarding()
}

// sendMeshQuery routes a shuffled query to its destination shard. When the
// shuffle keeps a query on this same machine (always true at parallelism 1,
// and possible at any parallelism whenever the permutation happens to fix a
// point), there is no peer to send to — not every Socket implementation can
// even address itself, since a real WSSocket mesh link dials its peers
// before its own inbound server starts accepting, so dialing self would
// always fail — so this dispatches straight into the local shuffler instead
// of going through Mesh at all.
func (p *Party) sendMeshQuery(dest uint32, payload []byte) error {
	if dest == p.MachineID {
		return p.onMeshQuery(p.MachineID, payload)
	}
	return p.Mesh.SendQuery(dest, payload)
}

// sendMeshResponse is sendMeshQuery's counterpart for the response side.
func (p *Party) sendMeshResponse(origin uint32, payload []byte) error {
	if origin == p.MachineID {
		return p.onMeshResponse(p.MachineID, payload)
	}
	return p.Mesh.SendResponse(origin, payload)
}

func (p *Party) onMeshQuery(fromMachine uint32, payload []byte) error {
	full, err := p.shuffler.ShuffleQuery(fromMachine, wire.ForwardQuery(payload))
	if err != nil {
		return err
	}
	if full {
		p.meshFull = true
	}
	return p.maybeAdvanceToForwarding()
}

// maybeAdvanceToForwarding fires once per batch, as soon as this shard has
// both processed its full upstream quota and filled its shuffled bucket.
// The two completions are independent — a shard's own reply path can even
// finish before a slow sibling delivers the bucket's last query — so the
// gate is the explicit forwarded flag, not the state field.
func (p *Party) maybeAdvanceToForwarding() error {
	if p.forwarded || !p.announced || p.collected != p.batchSize || !p.meshFull {
		return nil
	}
	p.state = Shuffling
	return p.doForward()
}

// doForward drains this shard's shuffled bucket and forwards each entry
// downstream (recording, via MachineOfNextResponse, which sibling to relay
// the eventual response back to), or — at the last party — treats each
// entry as an already-resolved response and relays it back to its
// contributing sibling immediately, with no downstream round trip.
func (p *Party) doForward() error {
	p.state = Forwarding
	p.forwarded = true
	isLast := p.ID == p.Parties

	for i := uint32(0); i < p.batchSize; i++ {
		item := p.shuffler.NextQuery()
		origin, err := p.shuffler.MachineOfNextResponse()
		if err != nil {
			return err
		}
		if isLast {
			if err := p.sendMeshResponse(origin, []byte(item)); err != nil {
				return err
			}
		} else {
			p.awaitingReturnQueue = append(p.awaitingReturnQueue, origin)
			if err := p.Downstream.SendQuery(p.MachineID, []byte(item)); err != nil {
				return err
			}
		}
	}

	if isLast {
		if err := p.Mesh.FlushResponses(); err != nil {
			return err
		}
		return p.maybeFinishBatch()
	}

	if err := p.Downstream.FlushQueries(); err != nil {
		return err
	}
	p.state = AwaitingResponses
	return p.maybeFinishBatch()
}

// maybeFinishBatch closes the batch window once every obligation is met:
// the shuffled bucket forwarded, the upstream replies sent, and (below the
// last party) every downstream response relayed back to its contributing
// sibling. Only then may parked traffic be attributed to the next batch.
func (p *Party) maybeFinishBatch() error {
	if !p.announced || !p.forwarded {
		return nil
	}
	if p.batchSize > 0 {
		if !p.replied {
			return nil
		}
		if p.ID != p.Parties && p.respRecvIdx != int(p.batchSize) {
			return nil
		}
	}
	p.announced = false
	p.state = Idle

	if p.OnBatchDone != nil {
		p.OnBatchDone()
	}

	pending := p.pendingUpstream
	p.pendingUpstream = nil
	for _, ev := range pending {
		if err := p.handle(ev); err != nil {
			return err
		}
	}
	return nil
}

// onDownstreamResponse relays a response this shard forwarded downstream
// back to whichever sibling originally contributed that query, preserving
// the fixed-link order guarantee: downstream responses arrive in exactly
// the order this shard forwarded them.
func (p *Party) onDownstreamResponse(payload []byte) error {
	resp, err := wire.DecodeResponse(payload)
	if err != nil {
		return err
	}
	if p.respRecvIdx >= len(p.awaitingReturnQueue) {
		return perr.New(perr.RoutingViolation, "party.onDownstreamResponse", nil)
	}
	origin := p.awaitingReturnQueue[p.respRecvIdx]
	p.respRecvIdx++

	if err := p.sendMeshResponse(origin, []byte(resp)); err != nil {
		return err
	}
	if p.respRecvIdx == int(p.batchSize) {
		if err := p.Mesh.FlushResponses(); err != nil {
			return err
		}
	}
	return p.maybeFinishBatch()
}

// onMeshResponse accumulates responses relayed back by siblings for
// queries this shard originally received from upstream. Each is paired
// with the QueryState the shuffler retained when the matching query was
// routed out — siblings relay responses in their bucket order, which is
// exactly the order NextQueryState yields states for that sibling — put
// through this party's inverse transformation, and refiled to its
// pre-shuffle position. The last party skips the inverse: it produced the
// seed Response in ProcessQuery and its mask never reappears on the wire.
func (p *Party) onMeshResponse(fromMachine uint32, payload []byte) error {
	resp := wire.Response(payload)
	if p.ID != p.Parties {
		qs, err := p.shuffler.NextQueryState(fromMachine)
		if err != nil {
			return err
		}
		resp = protocol.ProcessResponse(resp, qs)
	}
	full, err := p.shuffler.DeshuffleResponse(fromMachine, resp)
	if err != nil {
		return err
	}
	if !full {
		return nil
	}
	p.state = Deshuffling
	return p.doReply()
}

func (p *Party) doReply() error {
	p.state = Replying
	for i := uint32(0); i < p.batchSize; i++ {
		resp := p.shuffler.NextResponse()
		if err := p.Upstream.SendResponse(p.MachineID, []byte(resp)); err != nil {
			return err
		}
	}
	if err := p.Upstream.FlushResponses(); err != nil {
		return err
	}
	p.replied = true
	return p.maybeFinishBatch()
}
