package transport

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/willglynn/taptap/internal/domain"
	"github.com/willglynn/taptap/internal/link"
)

// Sink receives transport layer observations.
type Sink interface {
	// EnumerationStarted is called for each enumeration start broadcast,
	// carrying the temporary gateway ID the controller chose.
	EnumerationStarted(at time.Time, enumerationID domain.GatewayID)

	// EnumerationRequested is called when the controller addresses an
	// enumeration request to the temporary ID.
	EnumerationRequested(at time.Time, enumerationID domain.GatewayID)

	// GatewayIdentityObserved is called when a gateway reveals its hardware
	// address, via an enumeration or identify response.
	GatewayIdentityObserved(at time.Time, id domain.GatewayID, address domain.LongAddress)

	// GatewayIDAssignmentProposed is called when the controller proposes a
	// new gateway ID for a hardware address.
	GatewayIDAssignmentProposed(at time.Time, address domain.LongAddress, id domain.GatewayID)

	// GatewayIDAssignmentCommitted is called when a gateway acknowledges an
	// ID assignment.
	GatewayIDAssignmentCommitted(at time.Time, id domain.GatewayID)

	// GatewayVersionObserved is called when a gateway reports its version
	// string.
	GatewayVersionObserved(at time.Time, id domain.GatewayID, version string)

	// EnumerationFinalizing is called when the controller requests
	// enumeration end.
	EnumerationFinalizing(at time.Time)

	// EnumerationEnded is called when a gateway acknowledges enumeration end.
	EnumerationEnded(at time.Time, id domain.GatewayID)

	// SlotCounterCaptured is called while a gateway is processing a receive
	// request, the moment its slot counter is latched. The latched value
	// arrives in a subsequent ReceiveStatusObserved call.
	SlotCounterCaptured(at time.Time, id domain.GatewayID)

	// ReceiveStatusObserved delivers a decoded receive response status.
	ReceiveStatusObserved(at time.Time, id domain.GatewayID, status ReceiveResponse)

	// PacketsReceived delivers the raw embedded PV network packets from a
	// receive response, in bus order.
	PacketsReceived(at time.Time, id domain.GatewayID, packets []byte)

	// CommandExecuted delivers a paired command request and response.
	CommandExecuted(at time.Time, id domain.GatewayID, request, response Command, txBuffersFree uint8)
}

// Counters describe a Receiver's activity per frame kind, including every
// recoverable error class.
type Counters struct {
	UnhandledFrameType uint64 `json:"unhandled_frame_type"`

	ReceiveRequests        uint64 `json:"receive_requests"`
	InvalidReceiveRequests uint64 `json:"invalid_receive_requests"`

	ReceiveResponses                  uint64 `json:"receive_responses"`
	InvalidReceiveResponses           uint64 `json:"invalid_receive_responses"`
	ReceiveResponsesFromUnknown       uint64 `json:"receive_responses_from_unknown_gateway"`
	ReceivePacketNumberWraps          uint64 `json:"receive_packet_number_wraps"`
	ReceiveResponsesSeededFromUnknown uint64 `json:"receive_responses_seeded_from_unknown_gateway"`

	CommandRequests               uint64 `json:"command_requests"`
	RetransmittedCommandRequests  uint64 `json:"retransmitted_command_requests"`
	InvalidCommandRequests        uint64 `json:"invalid_command_requests"`
	CommandResponses              uint64 `json:"command_responses"`
	RetransmittedCommandResponses uint64 `json:"retransmitted_command_responses"`
	InvalidCommandResponses       uint64 `json:"invalid_command_responses"`

	PingRequests  uint64 `json:"ping_requests"`
	PingResponses uint64 `json:"ping_responses"`

	EnumerationStartRequests        uint64 `json:"enumeration_start_requests"`
	InvalidEnumerationStartRequests uint64 `json:"invalid_enumeration_start_requests"`
	EnumerationStartResponses       uint64 `json:"enumeration_start_responses"`
	EnumerationRequests             uint64 `json:"enumeration_requests"`
	EnumerationResponses            uint64 `json:"enumeration_responses"`
	InvalidEnumerationResponses     uint64 `json:"invalid_enumeration_responses"`
	AssignGatewayIDRequests         uint64 `json:"assign_gateway_id_requests"`
	InvalidAssignGatewayIDRequests  uint64 `json:"invalid_assign_gateway_id_requests"`
	AssignGatewayIDResponses        uint64 `json:"assign_gateway_id_responses"`
	IdentifyRequests                uint64 `json:"identify_requests"`
	IdentifyResponses               uint64 `json:"identify_responses"`
	InvalidIdentifyResponses        uint64 `json:"invalid_identify_responses"`
	VersionRequests                 uint64 `json:"version_requests"`
	VersionResponses                uint64 `json:"version_responses"`
	InvalidVersionResponses         uint64 `json:"invalid_version_responses"`
	EnumerationEndRequests          uint64 `json:"enumeration_end_requests"`
	EnumerationEndResponses         uint64 `json:"enumeration_end_responses"`
	InvalidEnumerationEndResponses  uint64 `json:"invalid_enumeration_end_responses"`
}

// commandKey pairs a command request with its response.
type commandKey struct {
	gateway  domain.GatewayID
	sequence byte
}

// Receiver demultiplexes link frames by kind, tracks per-gateway receive
// polling state, and pairs command requests with responses.
type Receiver struct {
	sink Sink

	rxPacketNumbers  map[domain.GatewayID]uint16
	commandSequences map[domain.GatewayID]byte
	awaitingResponse map[commandKey]Command

	counters Counters
	logger   zerolog.Logger
}

// NewReceiver creates a transport receiver delivering observations to sink.
func NewReceiver(sink Sink) *Receiver {
	return &Receiver{
		sink:             sink,
		rxPacketNumbers:  make(map[domain.GatewayID]uint16),
		commandSequences: make(map[domain.GatewayID]byte),
		awaitingResponse: make(map[commandKey]Command),
		logger:           log.With().Str("component", "transport").Logger(),
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

// Frame implements link.Sink.
func (r *Receiver) Frame(at time.Time, frame link.Frame) {
	switch frame.Type {
	case link.TypeReceiveRequest:
		r.receiveRequest(at, frame)
	case link.TypeReceiveResponse:
		r.receiveResponse(at, frame)
	case link.TypeCommandRequest:
		r.commandRequest(at, frame)
	case link.TypeCommandResponse:
		r.commandResponse(at, frame)
	case link.TypePingRequest:
		r.counters.PingRequests++
	case link.TypePingResponse:
		r.counters.PingResponses++
	case link.TypeEnumerationStartRequest:
		r.enumerationStartRequest(at, frame)
	case link.TypeEnumerationStartReply:
		r.counters.EnumerationStartResponses++
	case link.TypeEnumerationRequest:
		r.counters.EnumerationRequests++
		if !frame.FromGateway() {
			r.sink.EnumerationRequested(at, frame.GatewayID())
		}
	case link.TypeEnumerationResponse:
		r.enumerationResponse(at, frame)
	case link.TypeAssignGatewayIDRequest:
		r.assignGatewayIDRequest(at, frame)
	case link.TypeAssignGatewayIDResponse:
		r.counters.AssignGatewayIDResponses++
		if frame.FromGateway() {
			r.sink.GatewayIDAssignmentCommitted(at, frame.GatewayID())
		}
	case link.TypeIdentifyRequest:
		r.counters.IdentifyRequests++
	case link.TypeIdentifyResponse:
		r.identifyResponse(at, frame)
	case link.TypeVersionRequest:
		r.counters.VersionRequests++
	case link.TypeVersionResponse:
		r.versionResponse(at, frame)
	case link.TypeEnumerationEndRequest:
		r.counters.EnumerationEndRequests++
		r.sink.EnumerationFinalizing(at)
	case link.TypeEnumerationEndResponse:
		if frame.FromGateway() {
			r.counters.EnumerationEndResponses++
			r.sink.EnumerationEnded(at, frame.GatewayID())
		} else {
			r.counters.InvalidEnumerationEndResponses++
		}
	default:
		r.counters.UnhandledFrameType++
		r.logger.Debug().
			Stringer("type", frame.Type).
			Uint16("address", frame.Address).
			Msg("unhandled frame type")
	}
}

func (r *Receiver) receiveRequest(at time.Time, frame link.Frame) {
	if frame.FromGateway() {
		r.counters.InvalidReceiveRequests++
		return
	}

	request, err := ParseReceiveRequest(frame.Payload)
	if err != nil {
		r.counters.InvalidReceiveRequests++
		return
	}

	// The gateway latches its slot counter while handling this request.
	r.sink.SlotCounterCaptured(at, frame.GatewayID())

	r.counters.ReceiveRequests++
	r.rxPacketNumbers[frame.GatewayID()] = request.PacketNumber
}

func (r *Receiver) receiveResponse(at time.Time, frame link.Frame) {
	if !frame.FromGateway() {
		r.counters.InvalidReceiveResponses++
		return
	}
	gateway := frame.GatewayID()

	last, known := r.rxPacketNumbers[gateway]
	status, packets, err := ParseReceiveResponse(frame.Payload, last)
	if err != nil {
		r.counters.InvalidReceiveResponses++
		r.logger.Debug().Err(err).Stringer("gateway", gateway).Msg("invalid receive response")
		return
	}

	if !known {
		// Never saw a receive request for this gateway. A full packet
		// number disclosure lets us seed the inference; a bare low byte
		// does not.
		if !status.FullPacketNumber {
			r.counters.ReceiveResponsesFromUnknown++
			r.logger.Warn().Stringer("gateway", gateway).Msg("receive response from unknown gateway")
			return
		}
		r.counters.ReceiveResponsesSeededFromUnknown++
	}

	if status.PacketNumberWrapped {
		r.counters.ReceivePacketNumberWraps++
		r.logger.Warn().
			Stringer("gateway", gateway).
			Uint16("packet_number", status.PacketNumber).
			Msg("packet number low byte wrapped without high byte disclosure")
	}

	r.counters.ReceiveResponses++
	r.rxPacketNumbers[gateway] = status.PacketNumber

	r.sink.ReceiveStatusObserved(at, gateway, status)
	if len(packets) > 0 {
		r.sink.PacketsReceived(at, gateway, packets)
	}
}

func (r *Receiver) commandRequest(at time.Time, frame link.Frame) {
	if frame.FromGateway() {
		r.counters.InvalidCommandRequests++
		return
	}

	header, data, err := ParseCommandRequest(frame.Payload)
	if err != nil {
		r.counters.InvalidCommandRequests++
		return
	}
	gateway := frame.GatewayID()

	// The gateway may respond to this, so record it.
	r.awaitingResponse[commandKey{gateway, header.Sequence}] = Command{
		PacketType: header.PacketType,
		Data:       append([]byte(nil), data...),
	}

	// Retransmission from our vantage point?
	if seq, ok := r.commandSequences[gateway]; ok && seq == header.Sequence {
		r.counters.RetransmittedCommandRequests++
		return
	}
	r.commandSequences[gateway] = header.Sequence
	r.counters.CommandRequests++
}

func (r *Receiver) commandResponse(at time.Time, frame link.Frame) {
	if !frame.FromGateway() {
		r.counters.InvalidCommandResponses++
		return
	}

	header, data, err := ParseCommandResponse(frame.Payload)
	if err != nil {
		r.counters.InvalidCommandResponses++
		return
	}
	gateway := frame.GatewayID()

	key := commandKey{gateway, header.Sequence}
	request, ok := r.awaitingResponse[key]
	if !ok {
		// Already answered; a gateway retransmission.
		r.counters.RetransmittedCommandResponses++
		return
	}
	delete(r.awaitingResponse, key)

	r.counters.CommandResponses++
	r.sink.CommandExecuted(at, gateway, request, Command{
		PacketType: header.PacketType,
		Data:       append([]byte(nil), data...),
	}, header.TxBuffersFree)
}

func (r *Receiver) enumerationStartRequest(at time.Time, frame link.Frame) {
	if frame.FromGateway() || frame.GatewayID() != domain.GatewayBroadcast {
		r.counters.InvalidEnumerationStartRequests++
		return
	}

	request, err := ParseEnumerationStartRequest(frame.Payload)
	if err != nil {
		r.counters.InvalidEnumerationStartRequests++
		return
	}

	r.counters.EnumerationStartRequests++
	r.sink.EnumerationStarted(at, request.EnumerationGatewayID)
}

func (r *Receiver) enumerationResponse(at time.Time, frame link.Frame) {
	if !frame.FromGateway() {
		r.counters.InvalidEnumerationResponses++
		return
	}

	identity, err := ParseGatewayIdentity(frame.Payload)
	if err != nil {
		r.counters.InvalidEnumerationResponses++
		return
	}

	r.counters.EnumerationResponses++
	r.sink.GatewayIdentityObserved(at, frame.GatewayID(), identity.LongAddress)
}

func (r *Receiver) assignGatewayIDRequest(at time.Time, frame link.Frame) {
	if frame.FromGateway() {
		r.counters.InvalidAssignGatewayIDRequests++
		return
	}

	identity, err := ParseGatewayIdentity(frame.Payload)
	if err != nil {
		r.counters.InvalidAssignGatewayIDRequests++
		return
	}
	id, ok := identity.GatewayID()
	if !ok {
		r.counters.InvalidAssignGatewayIDRequests++
		return
	}

	r.counters.AssignGatewayIDRequests++
	r.sink.GatewayIDAssignmentProposed(at, identity.LongAddress, id)
}

func (r *Receiver) identifyResponse(at time.Time, frame link.Frame) {
	if !frame.FromGateway() {
		r.counters.InvalidIdentifyResponses++
		return
	}

	identity, err := ParseGatewayIdentity(frame.Payload)
	if err != nil {
		r.counters.InvalidIdentifyResponses++
		return
	}

	r.counters.IdentifyResponses++
	r.sink.GatewayIdentityObserved(at, frame.GatewayID(), identity.LongAddress)
}

func (r *Receiver) versionResponse(at time.Time, frame link.Frame) {
	if !frame.FromGateway() || len(frame.Payload) == 0 {
		r.counters.InvalidVersionResponses++
		return
	}

	r.counters.VersionResponses++
	r.sink.GatewayVersionObserved(at, frame.GatewayID(), string(frame.Payload))
}
