package domain

import "time"

// Gateway identifies a gateway in an emitted event. The ID is always present;
// the hardware address is included once learned.
type Gateway struct {
	ID      GatewayID    `json:"id"`
	Address *LongAddress `json:"address,omitempty"`
}

// Node identifies a PV device in an emitted event.
type Node struct {
	ID      NodeID       `json:"id"`
	Address *LongAddress `json:"address,omitempty"`
	Barcode string       `json:"barcode,omitempty"`
}

// PowerReportEvent is the primary observer output: one per-module measurement.
type PowerReportEvent struct {
	Gateway     Gateway    `json:"gateway"`
	Node        Node       `json:"node"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
	VoltageIn   float64    `json:"voltage_in"`
	VoltageOut  float64    `json:"voltage_out"`
	Current     float64    `json:"current"`
	DutyCycle   float64    `json:"dc_dc_duty_cycle"`
	Temperature float64    `json:"temperature"`
	RSSI        RSSI       `json:"rssi"`
}

func (PowerReportEvent) Kind() string { return "power_report" }

// TopologyReportEvent describes a PV device's chosen upstream relay.
type TopologyReportEvent struct {
	Gateway      Gateway      `json:"gateway"`
	Node         Node         `json:"node"`
	ShortAddress ShortAddress `json:"short_address"`
	NextHop      NodeAddress  `json:"next_hop"`
	LongAddress  LongAddress  `json:"long_address"`
	RSSI         RSSI         `json:"rssi"`
}

func (TopologyReportEvent) Kind() string { return "topology_report" }

// NodeTableEvent reports one page of a gateway's node table.
type NodeTableEvent struct {
	Gateway Gateway          `json:"gateway"`
	StartAt NodeAddress      `json:"start_at"`
	Entries []NodeTableEntry `json:"entries"`
}

// NodeTableEntry is a single (hardware address, node ID) binding.
type NodeTableEntry struct {
	LongAddress LongAddress `json:"long_address"`
	NodeID      NodeID      `json:"node_id"`
}

func (NodeTableEvent) Kind() string { return "node_table" }

// StringExchangeEvent carries a string request or response for a PV device.
type StringExchangeEvent struct {
	Gateway  Gateway `json:"gateway"`
	Node     Node    `json:"node"`
	Request  bool    `json:"request"`
	Text     string  `json:"text"`
	Command  string  `json:"command,omitempty"`
	Argument string  `json:"argument,omitempty"`
}

func (StringExchangeEvent) Kind() string { return "string_exchange" }

// GatewayRadioConfigEvent exposes a gateway's radio configuration. The AES
// key is redacted unless the observer is configured otherwise.
type GatewayRadioConfigEvent struct {
	Gateway    Gateway `json:"gateway"`
	Channel    uint8   `json:"channel"`
	PANID      uint16  `json:"pan_id"`
	SuperFrame [4]byte `json:"super_frame"`
	Key        []byte  `json:"key,omitempty"`
}

func (GatewayRadioConfigEvent) Kind() string { return "gateway_radio_config" }

// PVConfigEvent exposes a PV device's reporting configuration.
type PVConfigEvent struct {
	Gateway      Gateway `json:"gateway"`
	Node         Node    `json:"node"`
	PANID        uint16  `json:"pan_id"`
	Channel      uint8   `json:"channel"`
	ReportPeriod uint16  `json:"report_period_slots"`
	ReportPhase  uint16  `json:"report_phase_slots"`
}

func (PVConfigEvent) Kind() string { return "pv_config" }

// NetworkStatusEvent exposes a network status response. The three count
// fields have uncertain semantics and are reported as observed.
type NetworkStatusEvent struct {
	Gateway Gateway   `json:"gateway"`
	Counts  [3]uint16 `json:"counts"`
	Raw     []byte    `json:"raw"`
}

func (NetworkStatusEvent) Kind() string { return "network_status" }

// UnknownPacketEvent is the first-class variant for PV packet types the
// observer does not recognize.
type UnknownPacketEvent struct {
	Gateway    Gateway `json:"gateway"`
	Node       Node    `json:"node"`
	PacketType uint8   `json:"packet_type"`
	Raw        []byte  `json:"raw"`
}

func (UnknownPacketEvent) Kind() string { return "unknown_packet" }

// GatewayEvent reports a change to the gateway registry: an identity or
// version observation, or an enumeration boundary.
type GatewayEvent struct {
	Gateway Gateway `json:"gateway"`
	Change  string  `json:"change"`
	Version string  `json:"version,omitempty"`
}

func (GatewayEvent) Kind() string { return "gateway" }
