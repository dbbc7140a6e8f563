// Package config loads the on-disk JSON configuration document into a
// protocol.Configuration, validating it against the same invariants
// protocol.Configuration.Validate checks.
package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tuneinsight/drivacy/perr"
	"github.com/tuneinsight/drivacy/protocol"
)

// endpointDoc mirrors protocol.Endpoint's JSON shape.
type endpointDoc struct {
	IP            string `json:"ip"`
	ServerPort    uint16 `json:"server_port"`
	ClientPort    uint16 `json:"client_port"`
	WebsocketPort uint16 `json:"websocket_port"`
}

// Document is the on-disk JSON configuration schema.
type Document struct {
	Parties     uint32                              `json:"parties"`
	Parallelism uint32                               `json:"parallelism"`
	Network     map[string]map[string]endpointDoc    `json:"network"`
	HopKeys     map[string]string                    `json:"hop_keys"` // base64-encoded 32-byte keys
}

// Load reads and parses the JSON configuration file at path, decodes it
// into a protocol.Configuration, and validates the result.
func Load(path string) (protocol.Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return protocol.Configuration{}, perr.New(perr.Configuration, "config.Load", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return protocol.Configuration{}, perr.New(perr.Configuration, "config.Load", err)
	}

	config, err := doc.toConfiguration()
	if err != nil {
		return protocol.Configuration{}, err
	}
	if err := config.Validate(); err != nil {
		return protocol.Configuration{}, err
	}
	return config, nil
}

func (doc Document) toConfiguration() (protocol.Configuration, error) {
	network := make(map[uint32]map[uint32]protocol.Endpoint, len(doc.Network))
	for partyKey, machines := range doc.Network {
		partyID, err := parseID(partyKey)
		if err != nil {
			return protocol.Configuration{}, perr.New(perr.Configuration, "config.Document.toConfiguration", err)
		}
		row := make(map[uint32]protocol.Endpoint, len(machines))
		for machineKey, e := range machines {
			machineID, err := parseID(machineKey)
			if err != nil {
				return protocol.Configuration{}, perr.New(perr.Configuration, "config.Document.toConfiguration", err)
			}
			row[machineID] = protocol.Endpoint{
				IP:            e.IP,
				ServerPort:    e.ServerPort,
				ClientPort:    e.ClientPort,
				WebsocketPort: e.WebsocketPort,
			}
		}
		network[partyID] = row
	}

	hopKeys := make(map[uint32][]byte, len(doc.HopKeys))
	for partyKey, b64 := range doc.HopKeys {
		partyID, err := parseID(partyKey)
		if err != nil {
			return protocol.Configuration{}, perr.New(perr.Configuration, "config.Document.toConfiguration", err)
		}
		key, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return protocol.Configuration{}, perr.New(perr.Configuration, "config.Document.toConfiguration", err)
		}
		hopKeys[partyID] = key
	}

	return protocol.Configuration{
		Parties:     doc.Parties,
		Parallelism: doc.Parallelism,
		Network:     network,
		HopKeys:     hopKeys,
	}, nil
}

// parseID parses a JSON object key (always a decimal party/machine id in
// this schema) into a uint32.
func parseID(s string) (uint32, error) {
	var v uint32
	_, err := fmt.Sscan(s, &v)
	return v, err
}
