package link

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Sink handles frames produced by a Receiver.
type Sink interface {
	Frame(at time.Time, frame Frame)
}

// maxFrameSize bounds the unescaped frame body. Frames on the bus stay well
// under this after unescaping.
const maxFrameSize = 256

type state int

const (
	stateIdle state = iota
	stateNoise
	stateStartOfFrame
	stateFrame
	stateFrameEscape
	stateGiant
	stateGiantEscape
)

// Counters describe a Receiver's activity, including every recoverable error
// class. They are exposed through the diagnostics API.
type Counters struct {
	Frames            uint64 `json:"frames"`
	Runts             uint64 `json:"runts"`
	Giants            uint64 `json:"giants"`
	Checksums         uint64 `json:"checksums"`
	Framing           uint64 `json:"framing"`
	Noise             uint64 `json:"noise"`
	DirectionMismatch uint64 `json:"direction_mismatch"`
}

// Receiver converts a half-duplex byte stream into a series of Frames,
// classifying each frame's direction from the preamble preceding it.
//
// The receiver tolerates line errors and resynchronizes on the next frame
// start. Errors are reported by incrementing counters; no error terminates
// the stream.
type Receiver struct {
	sink     Sink
	state    state
	buffer   []byte
	counters Counters
	logger   zerolog.Logger

	// preamble holds the last bytes seen between frames, oldest first.
	preamble  [3]byte
	preambleN int

	// direction of the frame currently being assembled.
	direction Direction

	// at is the arrival timestamp of the chunk currently being processed.
	at time.Time
}

// NewReceiver creates a receiver delivering frames to sink.
func NewReceiver(sink Sink) *Receiver {
	return &Receiver{
		sink:   sink,
		buffer: make([]byte, 0, maxFrameSize),
		logger: log.With().Str("component", "link").Logger(),
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

// Feed processes a chunk of bus bytes which arrived at the given time.
func (r *Receiver) Feed(at time.Time, data []byte) {
	r.at = at
	for _, b := range data {
		r.push(b)
	}
}

// pushPreamble records an inter-frame byte in the look-behind window.
func (r *Receiver) pushPreamble(b byte) {
	if r.preambleN < len(r.preamble) {
		r.preamble[r.preambleN] = b
		r.preambleN++
		return
	}
	r.preamble[0], r.preamble[1] = r.preamble[1], r.preamble[2]
	r.preamble[2] = b
}

// preambleDirection classifies the pending frame from the look-behind
// window: 00 FF FF means the controller is transmitting, a trailing FF means
// a gateway is. Anything else is unknown.
func (r *Receiver) preambleDirection() Direction {
	if r.preambleN == len(r.preamble) &&
		r.preamble[0] == 0x00 && r.preamble[1] == 0xFF && r.preamble[2] == 0xFF {
		return DirectionToGateway
	}
	if r.preambleN > 0 && r.preamble[r.preambleN-1] == 0xFF {
		return DirectionFromGateway
	}
	return DirectionUnknown
}

func (r *Receiver) resetPreamble() {
	r.preambleN = 0
}

func (r *Receiver) push(b byte) {
	var next state

	switch r.state {
	case stateIdle, stateNoise:
		switch b {
		case 0x00, 0xFF:
			// Preamble or idle line
			r.pushPreamble(b)
			next = stateIdle
		case escapeIntroducer:
			next = stateStartOfFrame
		default:
			r.pushPreamble(b)
			next = stateNoise
		}

	case stateStartOfFrame:
		if b == frameStart1 {
			r.direction = r.preambleDirection()
			r.resetPreamble()
			next = stateFrame
		} else {
			r.pushPreamble(escapeIntroducer)
			r.pushPreamble(b)
			next = stateNoise
		}

	case stateFrame:
		switch {
		case b == escapeIntroducer:
			next = stateFrameEscape
		case len(r.buffer) < maxFrameSize:
			r.buffer = append(r.buffer, b)
			next = stateFrame
		default:
			next = stateGiant
		}

	case stateFrameEscape:
		switch {
		case b == frameEnd1:
			r.finishFrame()
			r.buffer = r.buffer[:0]
			next = stateIdle
		case b == frameStart1:
			// Nested frame start: resync by treating it as a new frame
			r.counters.Framing++
			r.logger.Warn().Int("discarded", len(r.buffer)).Msg("nested frame start, resynchronizing")
			r.buffer = r.buffer[:0]
			r.direction = DirectionUnknown
			next = stateFrame
		default:
			raw, err := unescapeByte(b)
			switch {
			case err != nil:
				r.counters.Framing++
				r.buffer = r.buffer[:0]
				next = stateNoise
			case len(r.buffer) < maxFrameSize:
				r.buffer = append(r.buffer, raw)
				next = stateFrame
			default:
				r.buffer = r.buffer[:0]
				next = stateGiantEscape
			}
		}

	case stateGiant:
		if b == escapeIntroducer {
			next = stateGiantEscape
		} else {
			next = stateGiant
		}

	case stateGiantEscape:
		switch b {
		case frameStart1:
			r.direction = DirectionUnknown
			next = stateFrame
		case frameEnd1:
			next = stateIdle
		default:
			next = stateGiant
		}
	}

	switch {
	case next == stateNoise && r.state != stateNoise:
		r.counters.Noise++
	case next == stateGiant && r.state != stateGiant && r.state != stateGiantEscape:
		r.buffer = r.buffer[:0]
		r.counters.Giants++
	}

	r.state = next
}

// finishFrame validates and delivers the buffered frame body.
func (r *Receiver) finishFrame() {
	// address(2) + type(2) + crc(2)
	if len(r.buffer) < 6 {
		r.counters.Runts++
		return
	}

	body := r.buffer[:len(r.buffer)-2]
	expected := uint16(r.buffer[len(r.buffer)-2]) | uint16(r.buffer[len(r.buffer)-1])<<8
	if crc := Checksum(body); crc != expected {
		r.counters.Checksums++
		r.logger.Debug().
			Uint16("computed", crc).
			Uint16("expected", expected).
			Msg("frame checksum mismatch")
		return
	}

	frame := Frame{
		Direction: r.direction,
		Address:   uint16(body[0])<<8 | uint16(body[1]),
		Type:      Type(uint16(body[2])<<8 | uint16(body[3])),
		Payload:   append([]byte(nil), body[4:]...),
	}

	// The address high bit encodes direction redundantly; disagreement with
	// the preamble indicates line corruption that survived the CRC, or a
	// missed preamble.
	if frame.Direction != DirectionUnknown && frame.Direction != frame.AddressDirection() {
		r.counters.DirectionMismatch++
		r.logger.Warn().
			Stringer("preamble", frame.Direction).
			Stringer("address", frame.AddressDirection()).
			Uint16("raw_address", frame.Address).
			Msg("frame direction disagrees with address")
	}

	r.counters.Frames++
	r.sink.Frame(r.at, frame)
}
