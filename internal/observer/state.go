package observer

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/willglynn/taptap/internal/domain"
)

// PersistentState is the durable portion of the observer's knowledge:
// identities and node tables change rarely, and carrying them across
// restarts keeps events self-describing from the first power report.
type PersistentState struct {
	Gateways []PersistedGateway `yaml:"gateways"`
}

// PersistedGateway is one gateway's durable state.
type PersistedGateway struct {
	ID      uint16          `yaml:"id"`
	Address string          `yaml:"address,omitempty"`
	Version string          `yaml:"version,omitempty"`
	Nodes   []PersistedNode `yaml:"nodes,omitempty"`
}

// PersistedNode is one node-table binding.
type PersistedNode struct {
	NodeID  uint16 `yaml:"node_id"`
	Address string `yaml:"address"`
}

// PersistentState extracts the observer's durable state.
func (o *Observer) PersistentState() PersistentState {
	var state PersistentState
	for _, snapshot := range o.Snapshot() {
		gateway := PersistedGateway{
			ID:      uint16(snapshot.ID),
			Version: snapshot.Version,
		}
		if snapshot.Address != nil {
			gateway.Address = snapshot.Address.String()
		}
		for _, node := range snapshot.Nodes {
			gateway.Nodes = append(gateway.Nodes, PersistedNode{
				NodeID:  uint16(node.NodeID),
				Address: node.LongAddress.String(),
			})
		}
		state.Gateways = append(state.Gateways, gateway)
	}
	return state
}

// Restore seeds the observer from durable state. It is meant to run before
// the pipeline starts; live observations always win over restored state.
func (o *Observer) Restore(state PersistentState) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, persisted := range state.Gateways {
		id := domain.GatewayID(persisted.ID)
		if !id.Valid() {
			return fmt.Errorf("invalid gateway ID %#04x", persisted.ID)
		}
		gw := o.gateway(id)
		gw.version = persisted.Version
		if persisted.Address != "" {
			var address domain.LongAddress
			if err := address.UnmarshalText([]byte(persisted.Address)); err != nil {
				return fmt.Errorf("gateway %s: %w", id, err)
			}
			gw.address = &address
		}
		for _, node := range persisted.Nodes {
			var address domain.LongAddress
			if err := address.UnmarshalText([]byte(node.Address)); err != nil {
				return fmt.Errorf("gateway %s node %d: %w", id, node.NodeID, err)
			}
			gw.nodes[domain.NodeID(node.NodeID)] = address
		}
	}
	return nil
}

// SaveState writes the observer's durable state to a YAML file.
func (o *Observer) SaveState(path string) error {
	data, err := yaml.Marshal(o.PersistentState())
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

// LoadState restores the observer's durable state from a YAML file. A
// missing file is not an error.
func (o *Observer) LoadState(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}

	var state PersistentState
	if err := yaml.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to parse state file: %w", err)
	}
	return o.Restore(state)
}
