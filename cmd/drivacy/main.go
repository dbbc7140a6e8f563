// Command drivacy runs one party shard of the multi-party PIR protocol
// engine described by this module: it loads a lookup table and a network
// configuration, wires up the three transport.Socket links this shard
// needs, and drives the party's batch state machine until interrupted.
//
// This is deliberately thin glue over the protocol engine in package party:
// flag parsing, config/table loading, and process exit codes.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/tuneinsight/drivacy/config"
	"github.com/tuneinsight/drivacy/party"
	"github.com/tuneinsight/drivacy/perr"
	"github.com/tuneinsight/drivacy/protocol"
	"github.com/tuneinsight/drivacy/transport"
)

var (
	flagTable   = flag.String("table", "", "path to the JSON lookup table (required)")
	flagConfig  = flag.String("config", "", "path to the JSON network/crypto configuration (required)")
	flagParty   = flag.Uint("party", 0, "this shard's party id, 1-indexed (required)")
	flagMachine = flag.Uint("machine", 1, "this shard's machine id, 1-indexed")
	flagBatch   = flag.Uint("batch", 1, "per-shard batch size B announced for each round (used by party 1 only; other parties learn it from upstream)")
)

const (
	exitOK       = 0
	exitUsage    = 1
	exitProtocol = 2
)

func fail(code int, format string, args ...any) {
	log.New(os.Stderr, "", 0).Printf(format, args...)
	os.Exit(code)
}

func main() {
	flag.Parse()

	if *flagTable == "" || *flagConfig == "" || *flagParty == 0 {
		flag.Usage()
		fail(exitUsage, "drivacy: --table, --config and --party are required")
	}

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		fail(exitUsage, "drivacy: loading config: %v", err)
	}

	table, err := loadTable(*flagTable)
	if err != nil {
		fail(exitUsage, "drivacy: loading table: %v", err)
	}

	partyID := uint32(*flagParty)
	machineID := uint32(*flagMachine)
	if partyID < 1 || partyID > cfg.Parties {
		fail(exitUsage, "drivacy: --party=%d out of range [1,%d]", partyID, cfg.Parties)
	}
	if machineID < 1 || machineID > cfg.Parallelism {
		fail(exitUsage, "drivacy: --machine=%d out of range [1,%d]", machineID, cfg.Parallelism)
	}

	upstream, mesh, downstream, err := dialLinks(cfg, partyID, machineID)
	if err != nil {
		fail(exitUsage, "drivacy: dialing transport links: %v", err)
	}

	var resolvedTable protocol.Table
	if partyID == cfg.Parties {
		resolvedTable = table
	}

	p := party.New(partyID, machineID, cfg.Parties, cfg.Parallelism, cfg, resolvedTable, upstream, mesh, downstream)

	// The socket and its owning party are each other's construction-time
	// dependency: the party needs already-built sockets, the sockets need
	// the party's Listener. SetListener resolves the cycle by binding the
	// non-owning handle back once the party exists.
	bindListener(upstream, p.UpstreamListener())
	bindListener(mesh, p.MeshListener())
	bindListener(downstream, p.DownstreamListener())

	// Rounds originate at the head party: it announces a batch of size
	// --batch, and each completion triggers the next announcement. Every
	// other party learns its batch sizes from upstream.
	if partyID == 1 {
		announce := func() { p.UpstreamListener().OnReceiveBatch(uint32(*flagBatch)) }
		p.OnBatchDone = announce
		announce()
	}

	log.New(os.Stderr, "", 0).Printf("drivacy: party %d machine %d/%d ready, batch=%d", partyID, machineID, cfg.Parallelism, *flagBatch)

	stop := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		close(stop)
	}()

	if err := p.Run(stop); err != nil {
		if perr.Is(err, perr.Decoding) || perr.Is(err, perr.RoutingViolation) ||
			perr.Is(err, perr.CryptoFailure) || perr.Is(err, perr.TransportFailure) {
			fail(exitProtocol, "drivacy: protocol fatal: %v", err)
		}
		fail(exitUsage, "drivacy: %v", err)
	}
	os.Exit(exitOK)
}

// listenerSetter is implemented by transport.WSSocket (every real link this
// command constructs) and transport.SimSocket; transport.Null has nothing
// to bind and is simply skipped.
type listenerSetter interface {
	SetListener(transport.Listener)
}

func bindListener(s transport.Socket, l transport.Listener) {
	if setter, ok := s.(listenerSetter); ok {
		setter.SetListener(l)
	}
}

// loadTable reads a JSON object mapping decimal string keys to decimal
// uint64 values into a protocol.Table.
func loadTable(path string) (protocol.Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]uint64
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	table := make(protocol.Table, len(raw))
	for k, v := range raw {
		var key uint64
		if _, err := fmt.Sscan(k, &key); err != nil {
			return nil, err
		}
		table[key] = v
	}
	return table, nil
}

// dialLinks constructs the upstream, mesh, and downstream transport.Socket
// links for shard (partyID, machineID): server_port carries the fixed
// chain link to/from the adjacent party's same-indexed shard (or, at
// party 1, inbound client connections), websocket_port carries the full
// mesh among this party's sibling shards.
func dialLinks(cfg protocol.Configuration, partyID, machineID uint32) (upstream, mesh, downstream transport.Socket, err error) {
	self, ok := cfg.Endpoint(partyID, machineID)
	if !ok {
		return nil, nil, nil, perr.New(perr.Configuration, "drivacy.dialLinks", fmt.Errorf("no endpoint for party %d machine %d", partyID, machineID))
	}

	meshPeers := make(map[uint32]string)
	for m := uint32(1); m <= cfg.Parallelism; m++ {
		if m == machineID {
			continue
		}
		e, ok := cfg.Endpoint(partyID, m)
		if !ok {
			return nil, nil, nil, perr.New(perr.Configuration, "drivacy.dialLinks", fmt.Errorf("no mesh peer at machine %d", m))
		}
		meshPeers[m] = fmt.Sprintf("ws://%s:%d/", e.IP, e.WebsocketPort)
	}
	meshAddr := transport.Address{PartyID: partyID, MachineID: machineID, Role: "mesh"}
	meshSock, err := transport.NewWSSocket(meshAddr, machineID, fmt.Sprintf(":%d", self.WebsocketPort), meshPeers, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	mesh = meshSock

	if partyID == cfg.Parties {
		downstream = transport.Null{}
	} else {
		downAddr := transport.Address{PartyID: partyID, MachineID: machineID, Role: "downstream"}
		downPeer, ok := cfg.Endpoint(partyID+1, machineID)
		if !ok {
			return nil, nil, nil, perr.New(perr.Configuration, "drivacy.dialLinks", fmt.Errorf("no downstream peer for party %d", partyID+1))
		}
		downPeers := map[uint32]string{machineID: fmt.Sprintf("ws://%s:%d/", downPeer.IP, downPeer.ServerPort)}
		downSock, err := transport.NewWSSocket(downAddr, machineID, "", downPeers, nil)
		if err != nil {
			return nil, nil, nil, err
		}
		downstream = downSock
	}

	upAddr := transport.Address{PartyID: partyID, MachineID: machineID, Role: "upstream"}
	upSock, err := transport.NewWSSocket(upAddr, machineID, fmt.Sprintf(":%d", self.ServerPort), nil, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	upstream = upSock

	return upstream, mesh, downstream, nil
}
