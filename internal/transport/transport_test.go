package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willglynn/taptap/internal/domain"
)

func u8(v uint8) *uint8 { return &v }

func b2(a, b byte) *[2]byte { return &[2]byte{a, b} }

func TestParseReceiveRequest(t *testing.T) {
	request, err := ParseReceiveRequest([]byte{0x00, 0x01, 0x18, 0x83, 0x04})
	require.NoError(t, err)
	assert.Equal(t, ReceiveRequest{
		Unknown1:     [2]byte{0x00, 0x01},
		PacketNumber: 0x1883,
		Unknown2:     0x04,
	}, request)

	_, err = ParseReceiveRequest([]byte{0x00, 0x01, 0x18})
	var truncated *TruncationError
	assert.ErrorAs(t, err, &truncated)
}

func TestParseReceiveResponse(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		last    uint16
		want    ReceiveResponse
		rest    []byte
	}{
		{
			name:    "all fields present",
			payload: []byte{0x00, 0xE0, 0x04, 0x0E, 0x00, 0x01, 0x02, 0x00, 0x40, 0xFB, 0x21, 0x1B, 1, 2, 3},
			last:    0x40FB,
			want: ReceiveResponse{
				RxBuffersUsed:    u8(0x04),
				TxBuffersFree:    u8(0x0E),
				UnknownA:         b2(0x00, 0x01),
				UnknownB:         b2(0x02, 0x00),
				PacketNumber:     0x40FB,
				SlotCounter:      0x211B,
				FullPacketNumber: true,
			},
			rest: []byte{1, 2, 3},
		},
		{
			name:    "rx buffers only",
			payload: []byte{0x00, 0xFE, 0x02, 0xFF, 0x21, 0x22, 4},
			last:    0x40FB,
			want: ReceiveResponse{
				RxBuffersUsed: u8(0x02),
				PacketNumber:  0x40FF,
				SlotCounter:   0x2122,
			},
			rest: []byte{4},
		},
		{
			name:    "full packet number without unknowns",
			payload: []byte{0x00, 0xEE, 0x00, 0x41, 0x01, 0x21, 0x27},
			last:    0x40FB,
			want: ReceiveResponse{
				RxBuffersUsed:    u8(0x00),
				PacketNumber:     0x4101,
				SlotCounter:      0x2127,
				FullPacketNumber: true,
			},
		},
		{
			name:    "nothing optional present",
			payload: []byte{0x00, 0xFF, 0x03, 0x21, 0x31},
			last:    0x40FB,
			want: ReceiveResponse{
				PacketNumber:        0x4103,
				SlotCounter:         0x2131,
				PacketNumberWrapped: true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, rest, err := ParseReceiveResponse(tt.payload, tt.last)
			require.NoError(t, err)
			assert.Equal(t, tt.want, status)
			if tt.rest == nil {
				assert.Empty(t, rest)
			} else {
				assert.Equal(t, tt.rest, rest)
			}
		})
	}
}

func TestParseReceiveResponseErrors(t *testing.T) {
	var truncated *TruncationError
	var unknownStatus *UnknownStatusTypeError

	// Too short overall
	_, _, err := ParseReceiveResponse([]byte{0x00, 0xFF, 0x03}, 0)
	assert.ErrorAs(t, err, &truncated)

	// Status selector outside the known pattern
	_, _, err = ParseReceiveResponse([]byte{0x01, 0xE0, 0x00, 0x00, 0x00, 0x00}, 0)
	require.ErrorAs(t, err, &unknownStatus)
	assert.Equal(t, uint16(0x01E0), unknownStatus.StatusType)

	_, _, err = ParseReceiveResponse([]byte{0x00, 0xC0, 0x00, 0x00, 0x00, 0x00}, 0)
	assert.ErrorAs(t, err, &unknownStatus)

	// Optional fields promised but missing
	_, _, err = ParseReceiveResponse([]byte{0x00, 0xE0, 0x04, 0x0E, 0x00}, 0)
	assert.ErrorAs(t, err, &truncated)
}

func TestExpandPacketNumber(t *testing.T) {
	value, wrapped := expandPacketNumber(0xFF, 0x40FB)
	assert.Equal(t, uint16(0x40FF), value)
	assert.False(t, wrapped)

	value, wrapped = expandPacketNumber(0x03, 0x40FB)
	assert.Equal(t, uint16(0x4103), value)
	assert.True(t, wrapped)

	// Carry out of the high byte wraps modulo 2^16
	value, wrapped = expandPacketNumber(0x00, 0xFFFF)
	assert.Equal(t, uint16(0x0000), value)
	assert.True(t, wrapped)
}

func TestParseCommandHeaders(t *testing.T) {
	request, data, err := ParseCommandRequest([]byte{0xAA, 0xBB, 0xCC, 0x26, 0x42, 0x00, 0x02})
	require.NoError(t, err)
	assert.Equal(t, CommandRequest{
		Unknown:    [3]byte{0xAA, 0xBB, 0xCC},
		PacketType: 0x26,
		Sequence:   0x42,
	}, request)
	assert.Equal(t, []byte{0x00, 0x02}, data)

	response, data, err := ParseCommandResponse([]byte{0x00, 0x0E, 0x00, 0x27, 0x42, 0x00, 0x00})
	require.NoError(t, err)
	assert.Equal(t, CommandResponse{
		TxBuffersFree: 0x0E,
		PacketType:    0x27,
		Sequence:      0x42,
	}, response)
	assert.Equal(t, []byte{0x00, 0x00}, data)

	var truncated *TruncationError
	_, _, err = ParseCommandRequest([]byte{0xAA, 0xBB})
	assert.ErrorAs(t, err, &truncated)
}

func TestParseEnumerationStartRequest(t *testing.T) {
	request, err := ParseEnumerationStartRequest([]byte{0x00, 0x00, 0x00, 0x00, 0x12, 0x35})
	require.NoError(t, err)
	assert.Equal(t, domain.GatewayID(0x1235), request.EnumerationGatewayID)

	_, err = ParseEnumerationStartRequest([]byte{0x00, 0x00, 0x00, 0x00, 0x92, 0x35})
	assert.Error(t, err)
}

func TestParseGatewayIdentity(t *testing.T) {
	identity, err := ParseGatewayIdentity([]byte{0x04, 0xC0, 0x5B, 0x30, 0x00, 0x02, 0xBE, 0x16, 0x12, 0x01})
	require.NoError(t, err)
	assert.Equal(t, domain.LongAddress{0x04, 0xC0, 0x5B, 0x30, 0x00, 0x02, 0xBE, 0x16}, identity.LongAddress)

	id, ok := identity.GatewayID()
	assert.True(t, ok)
	assert.Equal(t, domain.GatewayID(0x1201), id)

	identity.GatewayAddress = 0x9201
	_, ok = identity.GatewayID()
	assert.False(t, ok)
}
