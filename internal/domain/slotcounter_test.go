package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotCounterComponents(t *testing.T) {
	counter := SlotCounter(0x0000)
	assert.Equal(t, uint8(0), counter.Epoch())
	n, err := counter.SlotNumber()
	require.NoError(t, err)
	assert.Equal(t, uint16(0), n)

	counter = SlotCounter(0x2EDF)
	assert.Equal(t, uint8(0), counter.Epoch())
	n, err = counter.SlotNumber()
	require.NoError(t, err)
	assert.Equal(t, uint16(11999), n)

	counter = SlotCounter(0x2EE0)
	_, err = counter.SlotNumber()
	var invalid *InvalidSlotNumberError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, SlotCounter(0x2EE0), invalid.Counter)

	assert.Equal(t, uint8(1), SlotCounter(0x4000).Epoch())
	assert.Equal(t, uint8(2), SlotCounter(0x8000).Epoch())
	assert.Equal(t, uint8(3), SlotCounter(0xC000).Epoch())
}

func TestSlotsSince(t *testing.T) {
	tests := []struct {
		now, past SlotCounter
		slots     int
	}{
		{0x0000, 0xEEDF, 1},
		{0x4000, 0xEEDF, 12001},
		{0x8000, 0xEEDF, 24001},
		{0xC000, 0xEEDF, 36001},

		{0xEEDF, 0xC000, 11999},
		{0xEEDF, 0x8000, 23999},
		{0xEEDF, 0x4000, 35999},
		{0xEEDF, 0x0000, 47999},

		{0x6EDF, 0x4000, 11999},
		{0x6EDF, 0x0000, 23999},
		{0x6EDF, 0xC000, 35999},
		{0x6EDF, 0x8000, 47999},

		{0x0100, 0x0080, 128},
		{0x0100, 0xC080, 12128},
		{0x0100, 0x8080, 24128},
		{0x0100, 0x4080, 36128},
	}

	for _, tt := range tests {
		slots, err := tt.now.SlotsSince(tt.past)
		require.NoError(t, err)
		assert.Equal(t, tt.slots, slots, "%v since %v", tt.now, tt.past)
	}

	_, err := SlotCounter(0x2EE0).SlotsSince(0x0000)
	assert.Error(t, err)
}

func TestLongAddressText(t *testing.T) {
	address := LongAddress{0x04, 0xC0, 0x5B, 0x30, 0x00, 0x02, 0xBE, 0x16}
	assert.Equal(t, "04:C0:5B:30:00:02:BE:16", address.String())

	text, err := address.MarshalText()
	require.NoError(t, err)

	var parsed LongAddress
	require.NoError(t, parsed.UnmarshalText(text))
	assert.Equal(t, address, parsed)

	assert.Error(t, parsed.UnmarshalText([]byte("nope")))
}

func TestNodeAddress(t *testing.T) {
	_, ok := NodeBroadcast.NodeID()
	assert.False(t, ok)

	id, ok := NodeAddress(1).NodeID()
	assert.True(t, ok)
	assert.Equal(t, NodeGateway, id)

	assert.True(t, GatewayID(0x7FFF).Valid())
	assert.False(t, GatewayID(0x8000).Valid())
}
