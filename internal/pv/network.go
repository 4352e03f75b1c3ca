// Package pv implements the PV network and application layers: the packet
// framing carried inside gateway receive responses, and the decoders for
// each known PV packet type.
package pv

import (
	"fmt"

	"github.com/willglynn/taptap/internal/domain"
)

// PacketType identifies a PV application packet.
type PacketType uint8

// Known PV packet types.
const (
	PacketStringRequest             PacketType = 0x06
	PacketStringResponse            PacketType = 0x07
	PacketTopologyReport            PacketType = 0x09
	PacketGatewayRadioConfigRequest PacketType = 0x0D
	PacketGatewayRadioConfigReply   PacketType = 0x0E
	PacketPVConfigRequest           PacketType = 0x13
	PacketPVConfigResponse          PacketType = 0x18
	PacketBroadcast                 PacketType = 0x22
	PacketBroadcastAck              PacketType = 0x23
	PacketNodeTableRequest          PacketType = 0x26
	PacketNodeTableResponse         PacketType = 0x27
	PacketLongNetworkStatusRequest  PacketType = 0x2D
	PacketNetworkStatusRequest      PacketType = 0x2E
	PacketNetworkStatusResponse     PacketType = 0x2F
	PacketPowerReport               PacketType = 0x31
)

var packetTypeNames = map[PacketType]string{
	PacketStringRequest:             "string_request",
	PacketStringResponse:            "string_response",
	PacketTopologyReport:            "topology_report",
	PacketGatewayRadioConfigRequest: "gateway_radio_config_request",
	PacketGatewayRadioConfigReply:   "gateway_radio_config_response",
	PacketPVConfigRequest:           "pv_config_request",
	PacketPVConfigResponse:          "pv_config_response",
	PacketBroadcast:                 "broadcast",
	PacketBroadcastAck:              "broadcast_ack",
	PacketNodeTableRequest:          "node_table_request",
	PacketNodeTableResponse:         "node_table_response",
	PacketLongNetworkStatusRequest:  "long_network_status_request",
	PacketNetworkStatusRequest:      "network_status_request",
	PacketNetworkStatusResponse:     "network_status_response",
	PacketPowerReport:               "power_report",
}

func (t PacketType) String() string {
	if name, ok := packetTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("packet_0x%02X", uint8(t))
}

// maxPacketData is the exclusive upper bound on a PV packet's data length,
// set by the 802.15.4 PHY limit.
const maxPacketData = 134

// PacketHeader precedes each PV network packet embedded in a receive
// response.
type PacketHeader struct {
	Type         PacketType
	NodeAddress  domain.NodeAddress
	ShortAddress domain.ShortAddress
	DSN          domain.DSN
	DataLength   uint8
}

const packetHeaderSize = 7

// Packet is one PV network packet: its header plus data.
type Packet struct {
	Header PacketHeader
	Data   []byte
}

// PacketFramingError reports an embedded packet whose header or data would
// run past the end of the containing response.
type PacketFramingError struct {
	Offset int
}

func (e *PacketFramingError) Error() string {
	return fmt.Sprintf("embedded packet truncated at offset %d", e.Offset)
}

// SplitPackets parses the PV network packets embedded in a receive response.
// On a framing error the remainder of the response is abandoned: the packets
// parsed so far are returned alongside the error.
func SplitPackets(data []byte) ([]Packet, error) {
	var packets []Packet
	offset := 0

	for offset < len(data) {
		rest := data[offset:]
		if len(rest) < packetHeaderSize {
			return packets, &PacketFramingError{Offset: offset}
		}

		header := PacketHeader{
			Type:         PacketType(rest[0]),
			NodeAddress:  domain.NodeAddress(uint16(rest[1])<<8 | uint16(rest[2])),
			ShortAddress: domain.ShortAddress(uint16(rest[3])<<8 | uint16(rest[4])),
			DSN:          domain.DSN(rest[5]),
			DataLength:   rest[6],
		}

		length := int(header.DataLength)
		if length >= maxPacketData || len(rest) < packetHeaderSize+length {
			return packets, &PacketFramingError{Offset: offset}
		}

		packets = append(packets, Packet{
			Header: header,
			Data:   rest[packetHeaderSize : packetHeaderSize+length],
		})
		offset += packetHeaderSize + length
	}

	return packets, nil
}
