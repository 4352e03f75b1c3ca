package pv

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/willglynn/taptap/internal/domain"
	"github.com/willglynn/taptap/internal/transport"
)

// Sink receives decoded PV application observations in addition to the
// transport layer observations it embeds.
type Sink interface {
	transport.Sink

	// PacketObserved is the raw diagnostic view of every embedded PV packet,
	// called before type dispatch.
	PacketObserved(at time.Time, gateway domain.GatewayID, header PacketHeader, data []byte)

	// StringRequest reports a string command addressed to a node.
	StringRequest(at time.Time, gateway domain.GatewayID, node domain.NodeID, request string)

	// StringResponse reports a node's string response.
	StringResponse(at time.Time, gateway domain.GatewayID, node domain.NodeID, response string)

	// NodeTablePage reports one page of a gateway's node table.
	NodeTablePage(at time.Time, gateway domain.GatewayID, startAt domain.NodeAddress, entries []domain.NodeTableEntry)

	// TopologyReport reports a node's upstream relay choice.
	TopologyReport(at time.Time, gateway domain.GatewayID, node domain.NodeID, report TopologyReport)

	// PowerReport reports a node's per-module measurement.
	PowerReport(at time.Time, gateway domain.GatewayID, node domain.NodeID, report PowerReport)

	// GatewayRadioConfig reports a gateway's radio configuration.
	GatewayRadioConfig(at time.Time, gateway domain.GatewayID, config GatewayRadioConfig)

	// PVConfig reports a node's reporting configuration.
	PVConfig(at time.Time, gateway domain.GatewayID, node domain.NodeID, config PVConfig)

	// NetworkStatus reports a gateway's network status response.
	NetworkStatus(at time.Time, gateway domain.GatewayID, status NetworkStatus)

	// UnknownPacket reports a structurally valid packet of an unrecognized
	// type.
	UnknownPacket(at time.Time, gateway domain.GatewayID, node domain.NodeID, packetType PacketType, data []byte)
}

// Counters describe a Receiver's activity.
type Counters struct {
	Packets               uint64 `json:"packets"`
	PacketFramingErrors   uint64 `json:"packet_framing_errors"`
	BroadcastNodePackets  uint64 `json:"broadcast_node_packets"`
	PowerReports          uint64 `json:"power_reports"`
	InvalidPowerReports   uint64 `json:"invalid_power_reports"`
	TopologyReports       uint64 `json:"topology_reports"`
	InvalidTopology       uint64 `json:"invalid_topology_reports"`
	StringResponses       uint64 `json:"string_responses"`
	StringCommands        uint64 `json:"string_commands"`
	InvalidStringCommands uint64 `json:"invalid_string_commands"`
	NodeTablePages        uint64 `json:"node_table_pages"`
	InvalidNodeTables     uint64 `json:"invalid_node_tables"`
	PVConfigs             uint64 `json:"pv_configs"`
	InvalidPVConfigs      uint64 `json:"invalid_pv_configs"`
	RadioConfigs          uint64 `json:"radio_configs"`
	InvalidRadioConfigs   uint64 `json:"invalid_radio_configs"`
	NetworkStatuses       uint64 `json:"network_statuses"`
	InvalidNetworkStatus  uint64 `json:"invalid_network_statuses"`
	UnknownPackets        uint64 `json:"unknown_packets"`
	UnhandledCommands     uint64 `json:"unhandled_commands"`
}

// Receiver parses the PV packets and command bodies surfaced by the
// transport layer and dispatches them by packet type. It implements
// transport.Sink and forwards every transport observation to its own sink.
type Receiver struct {
	transport.Sink

	sink     Sink
	counters Counters
	logger   zerolog.Logger
}

// NewReceiver creates a PV application receiver delivering observations to
// sink.
func NewReceiver(sink Sink) *Receiver {
	return &Receiver{
		Sink:   sink,
		sink:   sink,
		logger: log.With().Str("component", "pv").Logger(),
	}
}

// Counters returns a copy of the current activity counters.
func (r *Receiver) Counters() Counters {
	return r.counters
}

// ResetCounters zeroes the activity counters.
func (r *Receiver) ResetCounters() {
	r.counters = Counters{}
}

// PacketsReceived implements transport.Sink, parsing and dispatching the
// embedded PV packets.
func (r *Receiver) PacketsReceived(at time.Time, gateway domain.GatewayID, packets []byte) {
	r.sink.PacketsReceived(at, gateway, packets)

	parsed, err := SplitPackets(packets)
	if err != nil {
		r.counters.PacketFramingErrors++
		r.logger.Warn().Err(err).Stringer("gateway", gateway).Msg("abandoning rest of receive response")
	}

	for _, packet := range parsed {
		r.packet(at, gateway, packet)
	}
}

func (r *Receiver) packet(at time.Time, gateway domain.GatewayID, packet Packet) {
	r.counters.Packets++
	r.sink.PacketObserved(at, gateway, packet.Header, packet.Data)

	node, ok := packet.Header.NodeAddress.NodeID()
	if !ok {
		r.counters.BroadcastNodePackets++
		return
	}

	switch packet.Header.Type {
	case PacketStringResponse:
		r.counters.StringResponses++
		r.sink.StringResponse(at, gateway, node, string(packet.Data))

	case PacketTopologyReport:
		report, err := ParseTopologyReport(packet.Data)
		if err != nil {
			r.counters.InvalidTopology++
			return
		}
		r.counters.TopologyReports++
		r.sink.TopologyReport(at, gateway, node, report)

	case PacketPowerReport:
		report, err := ParsePowerReport(packet.Data)
		if err != nil {
			r.counters.InvalidPowerReports++
			return
		}
		r.counters.PowerReports++
		r.sink.PowerReport(at, gateway, node, report)

	case PacketPVConfigResponse:
		config, err := ParsePVConfig(packet.Data)
		if err != nil {
			r.counters.InvalidPVConfigs++
			return
		}
		r.counters.PVConfigs++
		r.sink.PVConfig(at, gateway, node, config)

	case PacketStringRequest, PacketGatewayRadioConfigRequest, PacketGatewayRadioConfigReply,
		PacketPVConfigRequest, PacketBroadcast, PacketBroadcastAck, PacketNodeTableRequest,
		PacketNodeTableResponse, PacketLongNetworkStatusRequest, PacketNetworkStatusRequest,
		PacketNetworkStatusResponse:
		// Recognized but carrying nothing to decode outside a command
		// context; the raw view above covers them.

	default:
		r.counters.UnknownPackets++
		r.sink.UnknownPacket(at, gateway, node, packet.Header.Type, packet.Data)
	}
}

// CommandExecuted implements transport.Sink, decoding known command pairs.
func (r *Receiver) CommandExecuted(at time.Time, gateway domain.GatewayID, request, response transport.Command, txBuffersFree uint8) {
	r.sink.CommandExecuted(at, gateway, request, response, txBuffersFree)

	switch {
	case PacketType(request.PacketType) == PacketNodeTableRequest &&
		PacketType(response.PacketType) == PacketNodeTableResponse:
		r.nodeTableCommand(at, gateway, request.Data, response.Data)

	case PacketType(request.PacketType) == PacketStringRequest &&
		PacketType(response.PacketType) == PacketStringResponse:
		r.stringCommand(at, gateway, request.Data, response.Data)

	case (PacketType(request.PacketType) == PacketNetworkStatusRequest ||
		PacketType(request.PacketType) == PacketLongNetworkStatusRequest) &&
		PacketType(response.PacketType) == PacketNetworkStatusResponse:
		r.networkStatusCommand(at, gateway, response.Data)

	case PacketType(request.PacketType) == PacketGatewayRadioConfigRequest &&
		PacketType(response.PacketType) == PacketGatewayRadioConfigReply:
		r.radioConfigCommand(at, gateway, response.Data)

	case PacketType(request.PacketType) == PacketBroadcast &&
		PacketType(response.PacketType) == PacketBroadcastAck:
		// Broadcast bodies carry per-generation payloads; nothing stable to
		// decode.

	default:
		r.counters.UnhandledCommands++
		r.logger.Debug().
			Stringer("request", PacketType(request.PacketType)).
			Stringer("response", PacketType(response.PacketType)).
			Msg("unhandled command pair")
	}
}

func (r *Receiver) nodeTableCommand(at time.Time, gateway domain.GatewayID, requestData, responseData []byte) {
	request, err := ParseNodeTableRequest(requestData)
	if err != nil {
		r.counters.InvalidNodeTables++
		return
	}
	response, err := ParseNodeTableResponse(responseData)
	if err != nil {
		r.counters.InvalidNodeTables++
		return
	}

	r.counters.NodeTablePages++
	r.sink.NodeTablePage(at, gateway, request.StartAt, response.Entries)
}

func (r *Receiver) stringCommand(at time.Time, gateway domain.GatewayID, requestData, responseData []byte) {
	command, err := ParseStringCommand(requestData)
	if err != nil {
		r.counters.InvalidStringCommands++
		return
	}
	node, ok := command.NodeAddress.NodeID()
	if !ok {
		r.counters.InvalidStringCommands++
		return
	}

	// The command response acknowledges queueing; the actual text arrives
	// later as a string response packet.
	if len(responseData) != 0 {
		r.counters.InvalidStringCommands++
		return
	}

	r.counters.StringCommands++
	r.sink.StringRequest(at, gateway, node, command.Text)
}

func (r *Receiver) networkStatusCommand(at time.Time, gateway domain.GatewayID, responseData []byte) {
	status, err := ParseNetworkStatus(responseData)
	if err != nil {
		r.counters.InvalidNetworkStatus++
		return
	}
	r.counters.NetworkStatuses++
	r.sink.NetworkStatus(at, gateway, status)
}

func (r *Receiver) radioConfigCommand(at time.Time, gateway domain.GatewayID, responseData []byte) {
	config, err := ParseGatewayRadioConfig(responseData)
	if err != nil {
		r.counters.InvalidRadioConfigs++
		return
	}
	r.counters.RadioConfigs++
	r.sink.GatewayRadioConfig(at, gateway, config)
}
