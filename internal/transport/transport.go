// Package transport implements the gateway transport layer: frame kind
// dispatch, receive polling state, and command request/response pairing.
package transport

import (
	"fmt"

	"github.com/willglynn/taptap/internal/domain"
)

// TruncationError reports a payload shorter than a mandatory field requires.
type TruncationError struct {
	Expected int
}

func (e *TruncationError) Error() string {
	return fmt.Sprintf("payload too short: expected at least %d bytes", e.Expected)
}

// UnknownStatusTypeError reports a receive-response status selector outside
// the known pattern.
type UnknownStatusTypeError struct {
	StatusType uint16
}

func (e *UnknownStatusTypeError) Error() string {
	return fmt.Sprintf("invalid status type: %#06x", e.StatusType)
}

// ReceiveRequest is the payload of a receive request frame.
type ReceiveRequest struct {
	Unknown1     [2]byte
	PacketNumber uint16
	Unknown2     byte
}

const receiveRequestSize = 5

// ParseReceiveRequest interprets a receive request payload.
func ParseReceiveRequest(payload []byte) (ReceiveRequest, error) {
	if len(payload) != receiveRequestSize {
		return ReceiveRequest{}, &TruncationError{Expected: receiveRequestSize}
	}
	return ReceiveRequest{
		Unknown1:     [2]byte{payload[0], payload[1]},
		PacketNumber: uint16(payload[2])<<8 | uint16(payload[3]),
		Unknown2:     payload[4],
	}, nil
}

// ReceiveResponse is a receive response status block, decoded into its most
// general form. Optional fields are nil when the status selector marked them
// absent; the packet number is always reconstructed to its full 16 bits.
type ReceiveResponse struct {
	RxBuffersUsed *uint8
	TxBuffersFree *uint8
	UnknownA      *[2]byte
	UnknownB      *[2]byte
	PacketNumber  uint16
	SlotCounter   domain.SlotCounter

	// FullPacketNumber reports whether the high byte of the packet number
	// was transmitted in this response rather than reconstructed.
	FullPacketNumber bool

	// PacketNumberWrapped reports that the low byte wrapped backward without
	// a high-byte disclosure, forcing a carry into the reconstructed value.
	PacketNumberWrapped bool
}

// Status selector bits, read from the LSB. A cleared bit means the field is
// present. Bits 5-7 are always set in observed selectors.
const (
	statusRxBuffersUsed = 0x0001
	statusTxBuffersFree = 0x0002
	statusUnknownA      = 0x0004
	statusUnknownB      = 0x0008
	statusPacketNumber  = 0x0010

	statusFixedMask  = 0xFFE0
	statusFixedValue = 0x00E0
)

// ParseReceiveResponse interprets a receive response payload using the most
// recent packet number for the gateway. It returns the decoded status and
// the remaining bytes, which hold zero or more embedded PV network packets.
func ParseReceiveResponse(payload []byte, lastPacketNumber uint16) (ReceiveResponse, []byte, error) {
	if len(payload) < 5 {
		return ReceiveResponse{}, nil, &TruncationError{Expected: 5}
	}

	statusType := uint16(payload[0])<<8 | uint16(payload[1])
	if statusType&statusFixedMask != statusFixedValue {
		return ReceiveResponse{}, nil, &UnknownStatusTypeError{StatusType: statusType}
	}

	var resp ReceiveResponse
	rest := payload[2:]

	take := func(n int) ([]byte, error) {
		if len(rest) < n {
			return nil, &TruncationError{Expected: len(payload) + n - len(rest)}
		}
		value := rest[:n]
		rest = rest[n:]
		return value, nil
	}

	if statusType&statusRxBuffersUsed == 0 {
		value, err := take(1)
		if err != nil {
			return ReceiveResponse{}, nil, err
		}
		v := value[0]
		resp.RxBuffersUsed = &v
	}

	if statusType&statusTxBuffersFree == 0 {
		value, err := take(1)
		if err != nil {
			return ReceiveResponse{}, nil, err
		}
		v := value[0]
		resp.TxBuffersFree = &v
	}

	if statusType&statusUnknownA == 0 {
		value, err := take(2)
		if err != nil {
			return ReceiveResponse{}, nil, err
		}
		v := [2]byte{value[0], value[1]}
		resp.UnknownA = &v
	}

	if statusType&statusUnknownB == 0 {
		value, err := take(2)
		if err != nil {
			return ReceiveResponse{}, nil, err
		}
		v := [2]byte{value[0], value[1]}
		resp.UnknownB = &v
	}

	if statusType&statusPacketNumber == 0 {
		value, err := take(2)
		if err != nil {
			return ReceiveResponse{}, nil, err
		}
		resp.PacketNumber = uint16(value[0])<<8 | uint16(value[1])
		resp.FullPacketNumber = true
	} else {
		value, err := take(1)
		if err != nil {
			return ReceiveResponse{}, nil, err
		}
		resp.PacketNumber, resp.PacketNumberWrapped = expandPacketNumber(value[0], lastPacketNumber)
	}

	slot, err := take(2)
	if err != nil {
		return ReceiveResponse{}, nil, err
	}
	resp.SlotCounter = domain.SlotCounter(uint16(slot[0])<<8 | uint16(slot[1]))

	return resp, rest, nil
}

// expandPacketNumber reconstructs a full packet number from a bare low byte
// and the most recently observed value. A low byte moving backward implies a
// carry into the high byte.
func expandPacketNumber(lo byte, last uint16) (value uint16, wrapped bool) {
	hi := byte(last >> 8)
	if lo < byte(last) {
		hi++
		wrapped = true
	}
	return uint16(hi)<<8 | uint16(lo), wrapped
}

// Command is one half of a command exchange: a PV packet type plus its data.
type Command struct {
	PacketType byte
	Data       []byte
}

// CommandRequest is the fixed header of a command request payload.
type CommandRequest struct {
	Unknown    [3]byte
	PacketType byte
	Sequence   byte
}

const commandRequestSize = 5

// ParseCommandRequest splits a command request payload into its header and
// command data.
func ParseCommandRequest(payload []byte) (CommandRequest, []byte, error) {
	if len(payload) < commandRequestSize {
		return CommandRequest{}, nil, &TruncationError{Expected: commandRequestSize}
	}
	return CommandRequest{
		Unknown:    [3]byte{payload[0], payload[1], payload[2]},
		PacketType: payload[3],
		Sequence:   payload[4],
	}, payload[commandRequestSize:], nil
}

// CommandResponse is the fixed header of a command response payload.
type CommandResponse struct {
	Unknown1      byte
	TxBuffersFree byte
	Unknown2      byte
	PacketType    byte
	Sequence      byte
}

const commandResponseSize = 5

// ParseCommandResponse splits a command response payload into its header and
// command data.
func ParseCommandResponse(payload []byte) (CommandResponse, []byte, error) {
	if len(payload) < commandResponseSize {
		return CommandResponse{}, nil, &TruncationError{Expected: commandResponseSize}
	}
	return CommandResponse{
		Unknown1:      payload[0],
		TxBuffersFree: payload[1],
		Unknown2:      payload[2],
		PacketType:    payload[3],
		Sequence:      payload[4],
	}, payload[commandResponseSize:], nil
}

// EnumerationStartRequest is the payload of an enumeration start broadcast.
type EnumerationStartRequest struct {
	Unknown              [4]byte
	EnumerationAddress   uint16
	EnumerationGatewayID domain.GatewayID
}

const enumerationStartRequestSize = 6

// ParseEnumerationStartRequest interprets an enumeration start payload. The
// embedded address must be in the to-gateway form.
func ParseEnumerationStartRequest(payload []byte) (EnumerationStartRequest, error) {
	if len(payload) != enumerationStartRequestSize {
		return EnumerationStartRequest{}, &TruncationError{Expected: enumerationStartRequestSize}
	}
	addr := uint16(payload[4])<<8 | uint16(payload[5])
	if addr&0x8000 != 0 {
		return EnumerationStartRequest{}, fmt.Errorf("enumeration address %#06x is not a to-gateway address", addr)
	}
	return EnumerationStartRequest{
		Unknown:              [4]byte{payload[0], payload[1], payload[2], payload[3]},
		EnumerationAddress:   addr,
		EnumerationGatewayID: domain.GatewayID(addr),
	}, nil
}

// GatewayIdentity is the payload shape shared by enumeration responses,
// identify responses, and assign-gateway-ID requests: a hardware address
// followed by a gateway link address.
type GatewayIdentity struct {
	LongAddress    domain.LongAddress
	GatewayAddress uint16
}

const gatewayIdentitySize = 10

// ParseGatewayIdentity interprets a long address + gateway address payload.
func ParseGatewayIdentity(payload []byte) (GatewayIdentity, error) {
	if len(payload) != gatewayIdentitySize {
		return GatewayIdentity{}, &TruncationError{Expected: gatewayIdentitySize}
	}
	var identity GatewayIdentity
	copy(identity.LongAddress[:], payload[:8])
	identity.GatewayAddress = uint16(payload[8])<<8 | uint16(payload[9])
	return identity, nil
}

// GatewayID returns the gateway ID in the embedded address, reporting false
// when the address is in the from-gateway form.
func (i GatewayIdentity) GatewayID() (domain.GatewayID, bool) {
	if i.GatewayAddress&0x8000 != 0 {
		return 0, false
	}
	return domain.GatewayID(i.GatewayAddress), true
}
