package pv

import (
	"github.com/willglynn/taptap/internal/domain"
)

// TopologyReport is a decoded topology report (packet type 0x09): a PV
// device announcing its chosen upstream relay.
type TopologyReport struct {
	ShortAddress domain.ShortAddress
	NodeAddress  domain.NodeAddress
	NextHop      domain.NodeAddress
	Unknown1     [2]byte
	LongAddress  domain.LongAddress
	RSSI         domain.RSSI
	Unknown2     []byte
}

const topologyReportMinSize = 17

// ParseTopologyReport interprets a topology report. Trailing bytes beyond
// the fixed fields vary by device generation and are kept raw.
func ParseTopologyReport(data []byte) (TopologyReport, error) {
	if len(data) < topologyReportMinSize {
		return TopologyReport{}, &PacketFramingError{Offset: len(data)}
	}

	report := TopologyReport{
		ShortAddress: domain.ShortAddress(uint16(data[0])<<8 | uint16(data[1])),
		NodeAddress:  domain.NodeAddress(uint16(data[2])<<8 | uint16(data[3])),
		NextHop:      domain.NodeAddress(uint16(data[4])<<8 | uint16(data[5])),
		Unknown1:     [2]byte{data[6], data[7]},
		RSSI:         domain.RSSI(data[16]),
		Unknown2:     append([]byte(nil), data[17:]...),
	}
	copy(report.LongAddress[:], data[8:16])
	return report, nil
}

// NodeTableRequest asks a gateway for the node-table page starting at the
// given node address (packet type 0x26).
type NodeTableRequest struct {
	StartAt domain.NodeAddress
}

// ParseNodeTableRequest interprets a node-table request.
func ParseNodeTableRequest(data []byte) (NodeTableRequest, error) {
	if len(data) != 2 {
		return NodeTableRequest{}, &PacketFramingError{Offset: len(data)}
	}
	return NodeTableRequest{
		StartAt: domain.NodeAddress(uint16(data[0])<<8 | uint16(data[1])),
	}, nil
}

// NodeTableResponse is one page of a gateway's node table (packet type
// 0x27). A zero count signals end-of-table.
type NodeTableResponse struct {
	Count   uint16
	Entries []domain.NodeTableEntry
}

const nodeTableEntrySize = 10

// ParseNodeTableResponse interprets a node-table page. The entry count must
// match the entries actually present.
func ParseNodeTableResponse(data []byte) (NodeTableResponse, error) {
	if len(data) < 2 {
		return NodeTableResponse{}, &PacketFramingError{Offset: len(data)}
	}
	count := uint16(data[0])<<8 | uint16(data[1])
	rest := data[2:]

	if len(rest) != int(count)*nodeTableEntrySize {
		return NodeTableResponse{}, &PacketFramingError{Offset: len(data)}
	}

	response := NodeTableResponse{Count: count}
	for len(rest) > 0 {
		var entry domain.NodeTableEntry
		copy(entry.LongAddress[:], rest[:8])
		entry.NodeID = domain.NodeID(uint16(rest[8])<<8 | uint16(rest[9]))
		response.Entries = append(response.Entries, entry)
		rest = rest[nodeTableEntrySize:]
	}
	return response, nil
}

// GatewayRadioConfig is a decoded gateway radio configuration (packet type
// 0x0E). The super-frame parameters are tentative; trailing bytes are kept
// raw.
type GatewayRadioConfig struct {
	Channel    uint8
	PANID      uint16
	SuperFrame [4]byte
	Key        [16]byte
	Unknown    []byte
}

const gatewayRadioConfigMinSize = 23

// ParseGatewayRadioConfig interprets a gateway radio configuration response.
func ParseGatewayRadioConfig(data []byte) (GatewayRadioConfig, error) {
	if len(data) < gatewayRadioConfigMinSize {
		return GatewayRadioConfig{}, &PacketFramingError{Offset: len(data)}
	}

	config := GatewayRadioConfig{
		Channel: data[0],
		PANID:   uint16(data[1])<<8 | uint16(data[2]),
		Unknown: append([]byte(nil), data[23:]...),
	}
	copy(config.SuperFrame[:], data[3:7])
	copy(config.Key[:], data[7:23])
	return config, nil
}

// PVConfig is a decoded PV configuration response (packet type 0x18). The
// wire form carries the block twice; Duplicated reports whether the copies
// agreed.
type PVConfig struct {
	PANID        uint16
	Channel      uint8
	ReportPeriod uint16 // slot-counter units
	ReportPhase  uint16 // slot-counter units
	Duplicated   bool
}

const pvConfigBlockSize = 7

// ParsePVConfig interprets a PV configuration response.
func ParsePVConfig(data []byte) (PVConfig, error) {
	if len(data) < 2*pvConfigBlockSize {
		return PVConfig{}, &PacketFramingError{Offset: len(data)}
	}

	first := data[:pvConfigBlockSize]
	second := data[pvConfigBlockSize : 2*pvConfigBlockSize]

	config := PVConfig{
		PANID:        uint16(first[0])<<8 | uint16(first[1]),
		Channel:      first[2],
		ReportPeriod: uint16(first[3])<<8 | uint16(first[4]),
		ReportPhase:  uint16(first[5])<<8 | uint16(first[6]),
		Duplicated:   string(first) == string(second),
	}
	return config, nil
}

// NetworkStatus is a decoded network status response (packet type 0x2F).
// The semantics of the three count fields are not established; they are
// exposed as observed, with the full raw payload alongside.
type NetworkStatus struct {
	Counts [3]uint16
	Raw    []byte
}

// ParseNetworkStatus interprets a network status response.
func ParseNetworkStatus(data []byte) (NetworkStatus, error) {
	if len(data) < 6 {
		return NetworkStatus{}, &PacketFramingError{Offset: len(data)}
	}
	return NetworkStatus{
		Counts: [3]uint16{
			uint16(data[0])<<8 | uint16(data[1]),
			uint16(data[2])<<8 | uint16(data[3]),
			uint16(data[4])<<8 | uint16(data[5]),
		},
		Raw: append([]byte(nil), data...),
	}, nil
}
