package observer

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willglynn/taptap/internal/domain"
	"github.com/willglynn/taptap/internal/link"
	"github.com/willglynn/taptap/internal/pv"
	"github.com/willglynn/taptap/internal/transport"
)

func collector() (*[]domain.Event, func(domain.Event)) {
	events := &[]domain.Event{}
	return events, func(event domain.Event) {
		*events = append(*events, event)
	}
}

// pipeline wires a full receive chain ending in the observer.
func pipeline(o *Observer) *link.Receiver {
	return link.NewReceiver(transport.NewReceiver(pv.NewReceiver(o)))
}

var gatewayLong = domain.LongAddress{0x04, 0xC0, 0x5B, 0x30, 0x00, 0x02, 0xBE, 0x16}

func encodeFrames(frames []link.Frame) []byte {
	var wire []byte
	for i := range frames {
		wire = append(wire, frames[i].Encode()...)
	}
	return wire
}

func TestEnumerationSequence(t *testing.T) {
	_, emit := collector()
	o := New(Config{}, emit)
	rx := pipeline(o)

	identity := append(append([]byte(nil), gatewayLong[:]...), 0x12, 0x35)
	assignment := append(append([]byte(nil), gatewayLong[:]...), 0x12, 0x01)

	var frames []link.Frame
	for i := 0; i < 5; i++ {
		frames = append(frames,
			link.Frame{
				Address: link.ToAddress(domain.GatewayBroadcast),
				Type:    link.TypeEnumerationStartRequest,
				Payload: []byte{0x00, 0x00, 0x00, 0x00, 0x12, 0x35},
			},
			link.Frame{
				Address: link.FromAddress(domain.GatewayBroadcast),
				Type:    link.TypeEnumerationStartReply,
			},
		)
	}
	frames = append(frames,
		link.Frame{
			Address: link.ToAddress(0x1235),
			Type:    link.TypeEnumerationRequest,
		},
		link.Frame{
			Address: link.FromAddress(0x1235),
			Type:    link.TypeEnumerationResponse,
			Payload: identity,
		},
		link.Frame{
			Address: link.ToAddress(0x1235),
			Type:    link.TypeAssignGatewayIDRequest,
			Payload: assignment,
		},
		link.Frame{
			Address: link.FromAddress(0x1201),
			Type:    link.TypeAssignGatewayIDResponse,
		},
	)

	rx.Feed(time.Now(), encodeFrames(frames))

	// Mid-dialogue: the permanent binding is committed, dialogue continues.
	require.Equal(t, PhaseEnumerating, o.Phase())
	snapshots := o.Snapshot()
	require.Len(t, snapshots, 1)
	assert.Equal(t, domain.GatewayID(0x1201), snapshots[0].ID)
	require.NotNil(t, snapshots[0].Address)
	assert.Equal(t, gatewayLong, *snapshots[0].Address)

	rx.Feed(time.Now(), encodeFrames([]link.Frame{
		{
			Address: link.ToAddress(0x1201),
			Type:    link.TypeVersionRequest,
		},
		{
			Address: link.FromAddress(0x1201),
			Type:    link.TypeVersionResponse,
			Payload: []byte("Mgate Version G8.59\r"),
		},
		{
			Address: link.ToAddress(domain.GatewayBroadcast),
			Type:    link.TypeEnumerationEndRequest,
		},
		{
			Address: link.FromAddress(0x1201),
			Type:    link.TypeEnumerationEndResponse,
		},
	}))

	require.Equal(t, PhaseIdle, o.Phase())
	snapshots = o.Snapshot()
	require.Len(t, snapshots, 1)
	assert.Equal(t, domain.GatewayID(0x1201), snapshots[0].ID)
	require.NotNil(t, snapshots[0].Address)
	assert.Equal(t, gatewayLong, *snapshots[0].Address)
	assert.Equal(t, "Mgate Version G8.59\r", snapshots[0].Version)
}

func TestEnumerationPrunesAbsentGateways(t *testing.T) {
	_, emit := collector()
	o := New(Config{}, emit)
	now := time.Now()

	// A gateway known from before, with a cached node table
	o.GatewayIdentityObserved(now, 0x1202, gatewayLong)
	o.NodeTablePage(now, 0x1202, 0x0002, []domain.NodeTableEntry{
		{LongAddress: domain.LongAddress{1, 2, 3, 4, 5, 6, 7, 8}, NodeID: 2},
	})

	// A fresh enumeration which only reveals gateway 0x1201
	o.EnumerationStarted(now, 0x1235)
	o.EnumerationRequested(now, 0x1235)
	o.GatewayIDAssignmentProposed(now, gatewayLong, 0x1201)
	o.GatewayIDAssignmentCommitted(now, 0x1201)
	o.EnumerationFinalizing(now)
	o.EnumerationEnded(now, 0x1201)

	snapshots := o.Snapshot()
	require.Len(t, snapshots, 1)
	assert.Equal(t, domain.GatewayID(0x1201), snapshots[0].ID)
}

func TestEnumerationRestartMidDialogue(t *testing.T) {
	_, emit := collector()
	o := New(Config{}, emit)
	now := time.Now()

	o.EnumerationStarted(now, 0x1235)
	o.EnumerationRequested(now, 0x1235)
	require.Equal(t, PhaseEnumerating, o.Phase())

	// The controller power cycles and starts over with a new temporary ID.
	o.EnumerationStarted(now, 0x1236)
	assert.Equal(t, PhaseStarting, o.Phase())
}

func TestNodeTableAccumulation(t *testing.T) {
	_, emit := collector()
	o := New(Config{}, emit)
	now := time.Now()

	entry := func(i int) domain.NodeTableEntry {
		return domain.NodeTableEntry{
			LongAddress: domain.LongAddress{0x04, 0xC0, 0x5B, 0x40, 0x00, 0xA2, 0x34, byte(i)},
			NodeID:      domain.NodeID(i),
		}
	}

	var first, second []domain.NodeTableEntry
	for i := 2; i < 14; i++ {
		first = append(first, entry(i))
	}
	for i := 14; i < 24; i++ {
		second = append(second, entry(i))
	}

	o.NodeTablePage(now, 0x1201, 0x0002, first)
	o.NodeTablePage(now, 0x1201, 0x000E, second)

	snapshots := o.Snapshot()
	require.Len(t, snapshots, 1)
	assert.Len(t, snapshots[0].Nodes, 22)

	// An end-of-table marker at an arbitrary index evicts nothing.
	o.NodeTablePage(now, 0x1201, 0x0032, nil)
	assert.Len(t, o.Snapshot()[0].Nodes, 22)

	// A conflicting binding is a state violation but updates the inference.
	conflicting := entry(2)
	conflicting.LongAddress[7] = 0xFF
	o.NodeTablePage(now, 0x1201, 0x0002, []domain.NodeTableEntry{conflicting})
	assert.Len(t, o.Snapshot()[0].Nodes, 22)
	assert.Equal(t, uint64(1), o.Counters().NodeTableConflicts)
}

func TestSlotCounterMonotonicity(t *testing.T) {
	tests := []struct {
		name      string
		counters  []domain.SlotCounter
		anomalies uint64
	}{
		{"epoch advance", []domain.SlotCounter{0x2EDE, 0x2EDF, 0x4000, 0x4001}, 0},
		{"invalid slot number", []domain.SlotCounter{0x2EDF, 0x2EE0}, 1},
		{"epoch wrap", []domain.SlotCounter{0xEEDE, 0xEEDF, 0x0000, 0x0001}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, emit := collector()
			o := New(Config{}, emit)
			now := time.Now()

			for _, counter := range tt.counters {
				o.ReceiveStatusObserved(now, 0x1201, transport.ReceiveResponse{
					PacketNumber: 1,
					SlotCounter:  counter,
				})
				now = now.Add(time.Second)
			}

			assert.Equal(t, tt.anomalies, o.Counters().SlotCounterAnomalies)
		})
	}
}

func TestPowerReportTimestamps(t *testing.T) {
	events, emit := collector()
	o := New(Config{}, emit)

	anchor := time.Date(2024, 8, 24, 9, 16, 41, 0, time.UTC)

	// Anchor: slot counter 0x8FA0 + 100 slots captured at anchor time
	o.SlotCounterCaptured(anchor, 0x1201)
	o.ReceiveStatusObserved(anchor.Add(10*time.Millisecond), 0x1201, transport.ReceiveResponse{
		SlotCounter: 0x8FA0 + 100,
	})

	report := pv.PowerReport{
		VoltageInRaw:   694,
		VoltageOutRaw:  344,
		DutyCycleRaw:   255,
		CurrentRaw:     50,
		TemperatureRaw: 344,
		SlotCounter:    0x8FA0,
		RSSI:           0x7E,
	}
	o.PowerReport(anchor.Add(20*time.Millisecond), 0x1201, 0x0074, report)

	require.Len(t, *events, 1)
	event, ok := (*events)[0].(domain.PowerReportEvent)
	require.True(t, ok)

	assert.Equal(t, domain.GatewayID(0x1201), event.Gateway.ID)
	assert.Equal(t, domain.NodeID(0x0074), event.Node.ID)
	assert.InDelta(t, 34.7, event.VoltageIn, 1e-9)
	assert.InDelta(t, 34.4, event.VoltageOut, 1e-9)
	assert.InDelta(t, 0.25, event.Current, 1e-9)
	assert.InDelta(t, 1.0, event.DutyCycle, 1e-9)
	assert.InDelta(t, 34.4, event.Temperature, 1e-9)
	assert.Equal(t, domain.RSSI(0x7E), event.RSSI)

	require.NotNil(t, event.Timestamp)
	assert.Equal(t, anchor.Add(-100*domain.SlotDuration), *event.Timestamp)

	// Without a usable anchor the event still flows, with a null timestamp.
	o.PowerReport(anchor.Add(time.Hour), 0x1201, 0x0074, report)
	require.Len(t, *events, 2)
	second := (*events)[1].(domain.PowerReportEvent)
	assert.Nil(t, second.Timestamp)
	assert.Equal(t, uint64(1), o.Counters().UnresolvedTimes)
}

func TestPowerReportIdentityResolution(t *testing.T) {
	events, emit := collector()
	o := New(Config{}, emit)
	now := time.Now()

	long := domain.LongAddress{0x04, 0xC0, 0x5B, 0x40, 0x00, 0x9A, 0x57, 0xA2}
	o.NodeTablePage(now, 0x1201, 0x0002, []domain.NodeTableEntry{
		{LongAddress: long, NodeID: 0x0074},
	})

	o.PowerReport(now, 0x1201, 0x0074, pv.PowerReport{SlotCounter: 0x0010})

	var report domain.PowerReportEvent
	for _, event := range *events {
		if e, ok := event.(domain.PowerReportEvent); ok {
			report = e
		}
	}
	require.NotNil(t, report.Node.Address)
	assert.Equal(t, long, *report.Node.Address)
	assert.Equal(t, "4-9A57A2L", report.Node.Barcode)
}

func TestPersistentStateRoundTrip(t *testing.T) {
	_, emit := collector()
	o := New(Config{}, emit)
	now := time.Now()

	o.GatewayIdentityObserved(now, 0x1201, gatewayLong)
	o.GatewayVersionObserved(now, 0x1201, "Mgate Version G8.59\r")
	o.NodeTablePage(now, 0x1201, 0x0002, []domain.NodeTableEntry{
		{LongAddress: domain.LongAddress{0x04, 0xC0, 0x5B, 0x40, 0x00, 0x9A, 0x57, 0xA2}, NodeID: 2},
	})

	path := filepath.Join(t.TempDir(), "state.yaml")
	require.NoError(t, o.SaveState(path))

	_, emit2 := collector()
	restored := New(Config{}, emit2)
	require.NoError(t, restored.LoadState(path))

	assert.Equal(t, o.Snapshot(), restored.Snapshot())

	// A missing file is fine
	require.NoError(t, restored.LoadState(filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestSlotClock(t *testing.T) {
	anchor := time.Date(2024, 8, 24, 9, 0, 0, 0, time.UTC)

	clock, err := NewSlotClock(0xC000, anchor)
	require.NoError(t, err)

	// One epoch ago
	ts, err := clock.Resolve(0x8000, anchor)
	require.NoError(t, err)
	assert.Equal(t, anchor.Add(-60*time.Second), ts)

	// Three epochs ago
	ts, err = clock.Resolve(0x0000, anchor)
	require.NoError(t, err)
	assert.Equal(t, anchor.Add(-180*time.Second), ts)

	// Equal counters resolve to the anchor itself
	ts, err = clock.Resolve(0xC000, anchor)
	require.NoError(t, err)
	assert.Equal(t, anchor, ts)

	// A stale anchor refuses to resolve
	_, err = clock.Resolve(0x8000, anchor.Add(5*time.Minute))
	assert.ErrorIs(t, err, ErrStaleAnchor)

	// Invalid slot numbers refuse to resolve
	_, err = clock.Resolve(0x2EE0, anchor)
	assert.Error(t, err)

	_, err = NewSlotClock(0x2EE0, anchor)
	assert.Error(t, err)
}
