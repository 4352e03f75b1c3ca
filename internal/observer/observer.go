// Package observer implements the session tracker: the stateful component
// which binds gateway IDs to hardware addresses, PV node IDs to hardware
// addresses, and slot counters to the wall clock, and which emits the
// externally visible event stream.
package observer

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/willglynn/taptap/internal/barcode"
	"github.com/willglynn/taptap/internal/domain"
	"github.com/willglynn/taptap/internal/pv"
	"github.com/willglynn/taptap/internal/transport"
)

// EnumerationPhase is the state of the per-bus enumeration machine.
type EnumerationPhase int

const (
	PhaseIdle EnumerationPhase = iota
	PhaseStarting
	PhaseEnumerating
	PhaseFinalizing
)

func (p EnumerationPhase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseEnumerating:
		return "enumerating"
	case PhaseFinalizing:
		return "finalizing"
	default:
		return "idle"
	}
}

// Counters describe the observer's activity.
type Counters struct {
	EventsEmitted        uint64 `json:"events_emitted"`
	StateViolations      uint64 `json:"state_violations"`
	UnresolvedTimes      uint64 `json:"unresolved_timestamps"`
	UnexpectedFrames     uint64 `json:"unexpected_frames"`
	NodeTableConflicts   uint64 `json:"node_table_conflicts"`
	SlotCounterAnomalies uint64 `json:"slot_counter_anomalies"`
}

// gatewayState is everything the observer knows about one gateway.
type gatewayState struct {
	address       *domain.LongAddress
	version       string
	txBuffersFree *uint8

	lastSlotCounter *domain.SlotCounter
	slotClock       *SlotClock
	capturedAt      *time.Time

	nodes map[domain.NodeID]domain.LongAddress
}

// enumeration is the transient state of an in-progress enumeration dialogue.
type enumeration struct {
	phase         EnumerationPhase
	enumerationID domain.GatewayID

	// identities and versions observed during the dialogue; these replace
	// the registry when the dialogue completes.
	identities map[domain.GatewayID]domain.LongAddress
	versions   map[domain.GatewayID]string

	// proposals maps proposed gateway IDs to the hardware address each
	// would bind, pending the gateway's acknowledgement.
	proposals map[domain.GatewayID]domain.LongAddress

	// candidate is the hardware address revealed at the temporary
	// enumeration ID, awaiting a permanent assignment.
	candidate *domain.LongAddress
}

// Config carries the observer's options.
type Config struct {
	// RedactKeys strips AES keys from gateway radio configuration events.
	RedactKeys bool
}

// Observer is the session tracker. It implements pv.Sink (and therefore
// transport.Sink) and is driven strictly by bus observations, in arrival
// order. It is the sole owner of gateway and node state.
type Observer struct {
	mu sync.RWMutex

	config      Config
	gateways    map[domain.GatewayID]*gatewayState
	enumeration enumeration

	emit     func(domain.Event)
	counters Counters
	logger   zerolog.Logger
}

var _ pv.Sink = (*Observer)(nil)

// New creates an observer which passes each event to emit, synchronously and
// in order.
func New(config Config, emit func(domain.Event)) *Observer {
	return &Observer{
		config:   config,
		gateways: make(map[domain.GatewayID]*gatewayState),
		emit:     emit,
		logger:   log.With().Str("component", "observer").Logger(),
	}
}

// Counters returns a copy of the current activity counters.
func (o *Observer) Counters() Counters {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.counters
}

// Phase returns the enumeration machine's current phase.
func (o *Observer) Phase() EnumerationPhase {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.enumeration.phase
}

// gateway returns the state for a gateway, creating it on first observation.
func (o *Observer) gateway(id domain.GatewayID) *gatewayState {
	gw, ok := o.gateways[id]
	if !ok {
		gw = &gatewayState{nodes: make(map[domain.NodeID]domain.LongAddress)}
		o.gateways[id] = gw
	}
	return gw
}

func (o *Observer) publish(event domain.Event) {
	o.counters.EventsEmitted++
	o.emit(event)
}

// eventGateway builds the event-level identity for a gateway.
func (o *Observer) eventGateway(id domain.GatewayID) domain.Gateway {
	gateway := domain.Gateway{ID: id}
	if gw, ok := o.gateways[id]; ok && gw.address != nil {
		address := *gw.address
		gateway.Address = &address
	}
	return gateway
}

// eventNode builds the event-level identity for a node, resolving its
// hardware address through the gateway's node table when known.
func (o *Observer) eventNode(id domain.GatewayID, node domain.NodeID) domain.Node {
	result := domain.Node{ID: node}
	if gw, ok := o.gateways[id]; ok {
		if address, ok := gw.nodes[node]; ok {
			copied := address
			result.Address = &copied
			result.Barcode = barcode.Format(address)
		}
	}
	return result
}

// --- transport.Sink ---

// EnumerationStarted moves the machine to Starting. The controller repeats
// the broadcast, and may re-enter mid-stream after a power cycle; both leave
// the machine in Starting with fresh dialogue state for the new ID.
func (o *Observer) EnumerationStarted(at time.Time, enumerationID domain.GatewayID) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.enumeration.phase == PhaseStarting && o.enumeration.enumerationID == enumerationID {
		return
	}

	if o.enumeration.phase != PhaseIdle {
		o.logger.Info().
			Stringer("phase", o.enumeration.phase).
			Msg("enumeration restarted mid-dialogue")
	}

	o.enumeration = enumeration{
		phase:         PhaseStarting,
		enumerationID: enumerationID,
		identities:    make(map[domain.GatewayID]domain.LongAddress),
		versions:      make(map[domain.GatewayID]string),
		proposals:     make(map[domain.GatewayID]domain.LongAddress),
	}
}

// EnumerationRequested moves Starting to Enumerating when the controller
// addresses the temporary ID.
func (o *Observer) EnumerationRequested(at time.Time, enumerationID domain.GatewayID) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch {
	case o.enumeration.phase == PhaseStarting && enumerationID == o.enumeration.enumerationID:
		o.enumeration.phase = PhaseEnumerating
	case o.enumeration.phase == PhaseEnumerating && enumerationID == o.enumeration.enumerationID:
		// Repeated probe
	default:
		o.unexpected("enumeration request outside dialogue")
	}
}

// GatewayIdentityObserved records a gateway's hardware address. During an
// enumeration dialogue, an identity at the temporary ID is only a candidate;
// an identity at a persistent ID is bound in the live registry at once and
// also accumulates in the dialogue state, which replaces the registry when
// the dialogue ends.
func (o *Observer) GatewayIdentityObserved(at time.Time, id domain.GatewayID, address domain.LongAddress) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.enumeration.phase != PhaseIdle {
		if id == o.enumeration.enumerationID {
			copied := address
			o.enumeration.candidate = &copied
			return
		}
		o.enumeration.identities[id] = address
	}

	o.bindGateway(id, address)
}

// bindGateway stores an identity in the live registry, with o.mu held.
func (o *Observer) bindGateway(id domain.GatewayID, address domain.LongAddress) {
	gw := o.gateway(id)
	if gw.address != nil && *gw.address != address {
		o.counters.StateViolations++
		o.logger.Warn().
			Stringer("gateway", id).
			Stringer("old", *gw.address).
			Stringer("new", address).
			Msg("gateway hardware address changed")
	}
	copied := address
	gw.address = &copied

	o.publish(domain.GatewayEvent{
		Gateway: o.eventGateway(id),
		Change:  "identity",
	})
}

// GatewayIDAssignmentProposed records a proposed (hardware address → gateway
// ID) binding.
func (o *Observer) GatewayIDAssignmentProposed(at time.Time, address domain.LongAddress, id domain.GatewayID) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.enumeration.phase == PhaseIdle {
		o.unexpected("gateway ID assignment outside enumeration")
		return
	}
	o.enumeration.proposals[id] = address
}

// GatewayIDAssignmentCommitted commits a proposed binding once the gateway
// acknowledges it.
func (o *Observer) GatewayIDAssignmentCommitted(at time.Time, id domain.GatewayID) {
	o.mu.Lock()
	defer o.mu.Unlock()

	address, ok := o.enumeration.proposals[id]
	if !ok {
		o.unexpected("gateway ID assignment acknowledged without proposal")
		return
	}
	delete(o.enumeration.proposals, id)
	o.enumeration.identities[id] = address
	o.enumeration.candidate = nil

	o.bindGateway(id, address)
}

// GatewayVersionObserved records a gateway's version string.
func (o *Observer) GatewayVersionObserved(at time.Time, id domain.GatewayID, version string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.enumeration.phase != PhaseIdle {
		o.enumeration.versions[id] = version
	}
	o.gateway(id).version = version

	o.publish(domain.GatewayEvent{
		Gateway: o.eventGateway(id),
		Change:  "version",
		Version: version,
	})
}

// EnumerationFinalizing moves the machine to Finalizing.
func (o *Observer) EnumerationFinalizing(at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.enumeration.phase == PhaseIdle {
		o.unexpected("enumeration end requested outside dialogue")
		return
	}
	o.enumeration.phase = PhaseFinalizing
}

// EnumerationEnded completes the dialogue: the identities learned during
// enumeration replace the registry, and cached node tables for gateways no
// longer present are pruned.
func (o *Observer) EnumerationEnded(at time.Time, id domain.GatewayID) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.enumeration.phase == PhaseIdle {
		o.unexpected("enumeration end acknowledged outside dialogue")
		return
	}

	enumerated := o.enumeration
	o.enumeration = enumeration{phase: PhaseIdle}

	for gatewayID := range o.gateways {
		if _, present := enumerated.identities[gatewayID]; !present {
			o.logger.Info().
				Stringer("gateway", gatewayID).
				Msg("pruning gateway absent from enumeration")
			delete(o.gateways, gatewayID)
		}
	}
	for gatewayID, address := range enumerated.identities {
		gw := o.gateway(gatewayID)
		copied := address
		gw.address = &copied
		if version, ok := enumerated.versions[gatewayID]; ok {
			gw.version = version
		}
	}

	o.publish(domain.GatewayEvent{
		Gateway: o.eventGateway(id),
		Change:  "enumeration_ended",
	})
}

// SlotCounterCaptured records the moment a gateway latched its slot counter.
func (o *Observer) SlotCounterCaptured(at time.Time, id domain.GatewayID) {
	o.mu.Lock()
	defer o.mu.Unlock()

	copied := at
	o.gateway(id).capturedAt = &copied
}

// ReceiveStatusObserved folds a receive response status into the gateway's
// state: buffer gauges, slot counter validity, and the slot clock anchor.
// A counter whose within-epoch slot number is out of range is a state
// violation; because the counter is cyclic, any valid successor is accepted
// as a forward step.
func (o *Observer) ReceiveStatusObserved(at time.Time, id domain.GatewayID, status transport.ReceiveResponse) {
	o.mu.Lock()
	defer o.mu.Unlock()

	gw := o.gateway(id)
	if status.TxBuffersFree != nil {
		copied := *status.TxBuffersFree
		gw.txBuffersFree = &copied
	}

	counter := status.SlotCounter
	if _, err := counter.SlotNumber(); err != nil {
		o.counters.StateViolations++
		o.counters.SlotCounterAnomalies++
		o.logger.Warn().
			Stringer("gateway", id).
			Uint16("slot_counter", uint16(counter)).
			Msg("invalid slot counter, resetting clock")
		gw.lastSlotCounter = nil
		gw.slotClock = nil
		gw.capturedAt = nil
		return
	}

	if gw.lastSlotCounter != nil && *gw.lastSlotCounter != counter {
		if _, err := counter.SlotsSince(*gw.lastSlotCounter); err != nil {
			o.counters.StateViolations++
			o.counters.SlotCounterAnomalies++
		}
	}
	copied := counter
	gw.lastSlotCounter = &copied

	// The counter value corresponds to the moment the receive request was
	// processed, which we timestamped.
	if gw.capturedAt == nil {
		return
	}
	capturedAt := *gw.capturedAt
	gw.capturedAt = nil

	if gw.slotClock == nil {
		clock, err := NewSlotClock(counter, capturedAt)
		if err == nil {
			gw.slotClock = clock
		}
		return
	}
	if capturedAt.Before(gw.slotClock.at) {
		o.logger.Warn().Stringer("gateway", id).Msg("time went backwards, resetting slot clock")
	}
	_ = gw.slotClock.Set(counter, capturedAt)
}

// PacketsReceived is handled at the PV layer; the observer sees decoded
// packets.
func (o *Observer) PacketsReceived(at time.Time, id domain.GatewayID, packets []byte) {}

// CommandExecuted folds the response header's buffer gauge into the gateway
// state; decoded command bodies arrive via the PV callbacks.
func (o *Observer) CommandExecuted(at time.Time, id domain.GatewayID, request, response transport.Command, txBuffersFree uint8) {
	o.mu.Lock()
	defer o.mu.Unlock()

	copied := txBuffersFree
	o.gateway(id).txBuffersFree = &copied
}

func (o *Observer) unexpected(msg string) {
	o.counters.UnexpectedFrames++
	o.logger.Debug().Stringer("phase", o.enumeration.phase).Msg(msg)
}

// --- pv.Sink ---

// PacketObserved is a diagnostic tap; the observer acts on decoded packets.
func (o *Observer) PacketObserved(at time.Time, id domain.GatewayID, header pv.PacketHeader, data []byte) {
}

// StringRequest emits a string exchange event for a command sent to a node.
func (o *Observer) StringRequest(at time.Time, id domain.GatewayID, node domain.NodeID, request string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	command, argument := pv.ClassifyStringCommand(request)
	o.publish(domain.StringExchangeEvent{
		Gateway:  o.eventGateway(id),
		Node:     o.eventNode(id, node),
		Request:  true,
		Text:     request,
		Command:  command,
		Argument: argument,
	})
}

// StringResponse emits a string exchange event for a node's response.
func (o *Observer) StringResponse(at time.Time, id domain.GatewayID, node domain.NodeID, response string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.publish(domain.StringExchangeEvent{
		Gateway: o.eventGateway(id),
		Node:    o.eventNode(id, node),
		Text:    response,
	})
}

// NodeTablePage merges one node-table page into the gateway's cache. The
// cache is additive: an empty page marks end-of-table without evicting
// earlier entries, and a hole introduced by a non-contiguous iteration never
// erases a valid binding.
func (o *Observer) NodeTablePage(at time.Time, id domain.GatewayID, startAt domain.NodeAddress, entries []domain.NodeTableEntry) {
	o.mu.Lock()
	defer o.mu.Unlock()

	gw := o.gateway(id)
	for _, entry := range entries {
		if existing, ok := gw.nodes[entry.NodeID]; ok && existing != entry.LongAddress {
			o.counters.StateViolations++
			o.counters.NodeTableConflicts++
			o.logger.Warn().
				Stringer("gateway", id).
				Stringer("node", entry.NodeID).
				Stringer("old", existing).
				Stringer("new", entry.LongAddress).
				Msg("node table binding changed")
		}
		gw.nodes[entry.NodeID] = entry.LongAddress
	}

	o.publish(domain.NodeTableEvent{
		Gateway: o.eventGateway(id),
		StartAt: startAt,
		Entries: append([]domain.NodeTableEntry(nil), entries...),
	})
}

// TopologyReport emits a topology event.
func (o *Observer) TopologyReport(at time.Time, id domain.GatewayID, node domain.NodeID, report pv.TopologyReport) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.publish(domain.TopologyReportEvent{
		Gateway:      o.eventGateway(id),
		Node:         o.eventNode(id, node),
		ShortAddress: report.ShortAddress,
		NextHop:      report.NextHop,
		LongAddress:  report.LongAddress,
		RSSI:         report.RSSI,
	})
}

// PowerReport resolves the measurement's identity and timestamp and emits
// the primary observer event.
func (o *Observer) PowerReport(at time.Time, id domain.GatewayID, node domain.NodeID, report pv.PowerReport) {
	o.mu.Lock()
	defer o.mu.Unlock()

	event := domain.PowerReportEvent{
		Gateway:     o.eventGateway(id),
		Node:        o.eventNode(id, node),
		VoltageIn:   report.VoltageIn(),
		VoltageOut:  report.VoltageOut(),
		Current:     report.Current(),
		DutyCycle:   report.DutyCycle(),
		Temperature: report.Temperature(),
		RSSI:        report.RSSI,
	}

	gw := o.gateway(id)
	if gw.slotClock != nil {
		if timestamp, err := gw.slotClock.Resolve(report.SlotCounter, at); err == nil {
			event.Timestamp = &timestamp
		} else {
			o.counters.UnresolvedTimes++
		}
	} else {
		o.counters.UnresolvedTimes++
	}

	o.publish(event)
}

// GatewayRadioConfig emits a radio configuration event, redacting the AES
// key when configured to.
func (o *Observer) GatewayRadioConfig(at time.Time, id domain.GatewayID, config pv.GatewayRadioConfig) {
	o.mu.Lock()
	defer o.mu.Unlock()

	event := domain.GatewayRadioConfigEvent{
		Gateway:    o.eventGateway(id),
		Channel:    config.Channel,
		PANID:      config.PANID,
		SuperFrame: config.SuperFrame,
	}
	if !o.config.RedactKeys {
		event.Key = append([]byte(nil), config.Key[:]...)
	}
	o.publish(event)
}

// PVConfig emits a PV configuration event.
func (o *Observer) PVConfig(at time.Time, id domain.GatewayID, node domain.NodeID, config pv.PVConfig) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.publish(domain.PVConfigEvent{
		Gateway:      o.eventGateway(id),
		Node:         o.eventNode(id, node),
		PANID:        config.PANID,
		Channel:      config.Channel,
		ReportPeriod: config.ReportPeriod,
		ReportPhase:  config.ReportPhase,
	})
}

// NetworkStatus emits a network status event.
func (o *Observer) NetworkStatus(at time.Time, id domain.GatewayID, status pv.NetworkStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.publish(domain.NetworkStatusEvent{
		Gateway: o.eventGateway(id),
		Counts:  status.Counts,
		Raw:     append([]byte(nil), status.Raw...),
	})
}

// UnknownPacket emits a typed record for an unrecognized packet type.
func (o *Observer) UnknownPacket(at time.Time, id domain.GatewayID, node domain.NodeID, packetType pv.PacketType, data []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.publish(domain.UnknownPacketEvent{
		Gateway:    o.eventGateway(id),
		Node:       o.eventNode(id, node),
		PacketType: uint8(packetType),
		Raw:        append([]byte(nil), data...),
	})
}

// --- snapshots ---

// NodeSnapshot is a read-only view of one node-table binding.
type NodeSnapshot struct {
	NodeID      domain.NodeID      `json:"node_id"`
	LongAddress domain.LongAddress `json:"long_address"`
	Barcode     string             `json:"barcode"`
}

// GatewaySnapshot is a read-only view of one gateway's state.
type GatewaySnapshot struct {
	ID              domain.GatewayID    `json:"id"`
	Address         *domain.LongAddress `json:"address,omitempty"`
	Version         string              `json:"version,omitempty"`
	TxBuffersFree   *uint8              `json:"tx_buffers_free,omitempty"`
	LastSlotCounter *uint16             `json:"last_slot_counter,omitempty"`
	Nodes           []NodeSnapshot      `json:"nodes"`
}

// Snapshot returns a read-only copy of the gateway registry for diagnostics.
func (o *Observer) Snapshot() []GatewaySnapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()

	snapshots := make([]GatewaySnapshot, 0, len(o.gateways))
	for id, gw := range o.gateways {
		snapshot := GatewaySnapshot{
			ID:      id,
			Version: gw.version,
			Nodes:   make([]NodeSnapshot, 0, len(gw.nodes)),
		}
		if gw.address != nil {
			copied := *gw.address
			snapshot.Address = &copied
		}
		if gw.txBuffersFree != nil {
			copied := *gw.txBuffersFree
			snapshot.TxBuffersFree = &copied
		}
		if gw.lastSlotCounter != nil {
			copied := uint16(*gw.lastSlotCounter)
			snapshot.LastSlotCounter = &copied
		}
		for nodeID, address := range gw.nodes {
			snapshot.Nodes = append(snapshot.Nodes, NodeSnapshot{
				NodeID:      nodeID,
				LongAddress: address,
				Barcode:     barcode.Format(address),
			})
		}
		sort.Slice(snapshot.Nodes, func(i, j int) bool {
			return snapshot.Nodes[i].NodeID < snapshot.Nodes[j].NodeID
		})
		snapshots = append(snapshots, snapshot)
	}

	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].ID < snapshots[j].ID })
	return snapshots
}
