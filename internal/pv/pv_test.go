package pv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willglynn/taptap/internal/domain"
)

func TestU12Pair(t *testing.T) {
	a, b := u12Pair(0x2B, 0x61, 0x58)
	assert.Equal(t, uint16(0x2B6), a)
	assert.Equal(t, uint16(0x158), b)
}

func TestParsePowerReport(t *testing.T) {
	report, err := ParsePowerReport([]byte{
		0x2B, 0x61, 0x58, 0xFF, 0x03, 0x21, 0x58, 0x81, 0x00, 0x6E, 0x8F, 0xA0, 0x7E,
	})
	require.NoError(t, err)

	assert.Equal(t, uint16(0x2B6), report.VoltageInRaw)
	assert.Equal(t, uint16(0x158), report.VoltageOutRaw)
	assert.InDelta(t, 34.7, report.VoltageIn(), 1e-9)
	assert.InDelta(t, 34.4, report.VoltageOut(), 1e-9)
	assert.InDelta(t, 1.0, report.DutyCycle(), 1e-9)
	assert.InDelta(t, 0.25, report.Current(), 1e-9)
	assert.InDelta(t, 34.4, report.Temperature(), 1e-9)
	assert.Equal(t, domain.SlotCounter(0x8FA0), report.SlotCounter)
	assert.Equal(t, domain.RSSI(0x7E), report.RSSI)

	_, err = ParsePowerReport([]byte{0x2B, 0x61})
	assert.Error(t, err)
}

func TestPowerReportNegativeTemperature(t *testing.T) {
	// current=200, temperature=0xFFF: -0.1 degC under two's complement
	report, err := ParsePowerReport([]byte{
		0x00, 0x00, 0x00, 0xFF, 0x0C, 0x8F, 0xFF, 0x00, 0x00, 0x00, 0x00, 0x00, 0x64,
	})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, report.Current(), 1e-9)
	assert.InDelta(t, -0.1, report.Temperature(), 1e-9)
}

func TestSplitPackets(t *testing.T) {
	data := []byte{
		// power report from node 0x0074
		0x31, 0x00, 0x74, 0xAB, 0xCD, 0x10, 13,
		0x2B, 0x61, 0x58, 0xFF, 0x03, 0x21, 0x58, 0x81, 0x00, 0x6E, 0x8F, 0xA0, 0x7E,
		// empty-bodied packet
		0x07, 0x00, 0x02, 0x00, 0x00, 0x11, 0,
	}

	packets, err := SplitPackets(data)
	require.NoError(t, err)
	require.Len(t, packets, 2)

	assert.Equal(t, PacketHeader{
		Type:         PacketPowerReport,
		NodeAddress:  0x0074,
		ShortAddress: 0xABCD,
		DSN:          0x10,
		DataLength:   13,
	}, packets[0].Header)
	assert.Len(t, packets[0].Data, 13)

	assert.Equal(t, PacketStringResponse, packets[1].Header.Type)
	assert.Empty(t, packets[1].Data)
}

func TestSplitPacketsTruncated(t *testing.T) {
	// Header promises more data than the response holds.
	good := []byte{0x07, 0x00, 0x02, 0x00, 0x00, 0x11, 2, 'O', 'k'}
	bad := []byte{0x31, 0x00, 0x74, 0xAB, 0xCD, 0x10, 13, 0x2B}

	packets, err := SplitPackets(append(append([]byte(nil), good...), bad...))
	var framing *PacketFramingError
	require.ErrorAs(t, err, &framing)
	assert.Equal(t, len(good), framing.Offset)
	require.Len(t, packets, 1)
	assert.Equal(t, []byte("Ok"), packets[0].Data)

	// Absurd data length aborts immediately.
	_, err = SplitPackets([]byte{0x31, 0x00, 0x74, 0xAB, 0xCD, 0x10, 200})
	assert.ErrorAs(t, err, &framing)
}

func TestParseTopologyReport(t *testing.T) {
	data := []byte{
		0xAB, 0xCD, // short address
		0x00, 0x74, // node address
		0x00, 0x01, // next hop
		0x12, 0x34, // unknown
		0x04, 0xC0, 0x5B, 0x40, 0x00, 0x9A, 0x57, 0xA2, // long address
		0x84,                               // rssi
		0x00, 0x01, 0x02, 0x03, 0x04, 0x05, // unknown
	}

	report, err := ParseTopologyReport(data)
	require.NoError(t, err)
	assert.Equal(t, domain.ShortAddress(0xABCD), report.ShortAddress)
	assert.Equal(t, domain.NodeAddress(0x0074), report.NodeAddress)
	assert.Equal(t, domain.NodeAddress(0x0001), report.NextHop)
	assert.Equal(t, domain.LongAddress{0x04, 0xC0, 0x5B, 0x40, 0x00, 0x9A, 0x57, 0xA2}, report.LongAddress)
	assert.Equal(t, domain.RSSI(0x84), report.RSSI)
	assert.Len(t, report.Unknown2, 6)

	_, err = ParseTopologyReport(data[:10])
	assert.Error(t, err)
}

func TestParseNodeTable(t *testing.T) {
	request, err := ParseNodeTableRequest([]byte{0x00, 0x02})
	require.NoError(t, err)
	assert.Equal(t, domain.NodeAddress(0x0002), request.StartAt)

	response, err := ParseNodeTableResponse([]byte{
		0x00, 0x02,
		0x04, 0xC0, 0x5B, 0x40, 0x00, 0xA2, 0x34, 0x6F, 0x00, 0x02,
		0x04, 0xC0, 0x5B, 0x40, 0x00, 0xA2, 0x34, 0x71, 0x00, 0x03,
	})
	require.NoError(t, err)
	assert.Equal(t, uint16(2), response.Count)
	require.Len(t, response.Entries, 2)
	assert.Equal(t, domain.NodeTableEntry{
		LongAddress: domain.LongAddress{0x04, 0xC0, 0x5B, 0x40, 0x00, 0xA2, 0x34, 0x6F},
		NodeID:      0x0002,
	}, response.Entries[0])
	assert.Equal(t, domain.NodeID(0x0003), response.Entries[1].NodeID)

	// End-of-table marker
	response, err = ParseNodeTableResponse([]byte{0x00, 0x00})
	require.NoError(t, err)
	assert.Equal(t, uint16(0), response.Count)
	assert.Empty(t, response.Entries)

	// Count disagreeing with the page contents
	_, err = ParseNodeTableResponse([]byte{
		0x00, 0x0C,
		0x04, 0xC0, 0x5B, 0x40, 0x00, 0xA2, 0x34, 0x6F, 0x00, 0x02,
	})
	assert.Error(t, err)
}

func TestParseGatewayRadioConfig(t *testing.T) {
	data := make([]byte, 25)
	data[0] = 17         // channel
	data[1], data[2] = 0x43, 0x21 // PAN ID
	for i := 0; i < 16; i++ {
		data[7+i] = byte(i)
	}

	config, err := ParseGatewayRadioConfig(data)
	require.NoError(t, err)
	assert.Equal(t, uint8(17), config.Channel)
	assert.Equal(t, uint16(0x4321), config.PANID)
	assert.Equal(t, byte(15), config.Key[15])
	assert.Len(t, config.Unknown, 2)

	_, err = ParseGatewayRadioConfig(data[:10])
	assert.Error(t, err)
}

func TestParsePVConfig(t *testing.T) {
	block := []byte{0x43, 0x21, 17, 0x2E, 0xE0, 0x01, 0x00}
	config, err := ParsePVConfig(append(append([]byte(nil), block...), block...))
	require.NoError(t, err)
	assert.Equal(t, PVConfig{
		PANID:        0x4321,
		Channel:      17,
		ReportPeriod: 0x2EE0,
		ReportPhase:  0x0100,
		Duplicated:   true,
	}, config)

	// Disagreeing duplicate blocks are flagged but not rejected
	second := append([]byte(nil), block...)
	second[2] = 18
	config, err = ParsePVConfig(append(append([]byte(nil), block...), second...))
	require.NoError(t, err)
	assert.False(t, config.Duplicated)

	_, err = ParsePVConfig(block)
	assert.Error(t, err)
}

func TestClassifyStringCommand(t *testing.T) {
	tests := []struct {
		text     string
		command  string
		argument string
	}{
		{"Info\r", "Info", ""},
		{"Mppt_1.1\r", "Mppt_1.1", ""},
		{"Version", "Version", ""},
		{"w 1234\r", "w", "1234"},
		{"Unrecognized\r", "", ""},
	}

	for _, tt := range tests {
		command, argument := ClassifyStringCommand(tt.text)
		assert.Equal(t, tt.command, command, tt.text)
		assert.Equal(t, tt.argument, argument, tt.text)
	}
}
