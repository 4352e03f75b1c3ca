package observer

import (
	"errors"
	"time"

	"github.com/willglynn/taptap/internal/domain"
)

// maxAnchorAge bounds how old, in wall-clock time, an anchor may be and
// still resolve timestamps: four epochs, the slot counter's full cycle.
// Beyond that the counter value is ambiguous.
const maxAnchorAge = 4 * domain.SlotsPerEpoch * domain.SlotDuration

// ErrStaleAnchor reports that the slot clock's anchor is too old to resolve
// a timestamp.
var ErrStaleAnchor = errors.New("slot clock anchor is stale")

// SlotClock correlates a gateway's slot counter with the host wall clock.
// Anchors come from receive polls: the counter value a gateway reports was
// latched while it processed the receive request, whose arrival time the
// host observed.
type SlotClock struct {
	counter domain.SlotCounter
	at      time.Time
}

// NewSlotClock creates a clock from an initial anchor.
func NewSlotClock(counter domain.SlotCounter, at time.Time) (*SlotClock, error) {
	if _, err := counter.SlotNumber(); err != nil {
		return nil, err
	}
	return &SlotClock{counter: counter, at: at}, nil
}

// Set advances the clock to a fresh anchor.
func (c *SlotClock) Set(counter domain.SlotCounter, at time.Time) error {
	if _, err := counter.SlotNumber(); err != nil {
		return err
	}
	c.counter = counter
	c.at = at
	return nil
}

// Anchor returns the current anchor.
func (c *SlotClock) Anchor() (domain.SlotCounter, time.Time) {
	return c.counter, c.at
}

// Resolve converts a slot counter into a wall-clock timestamp: the anchor
// time minus the number of slots between the counter and the anchor. The
// caller's now guards against resolving with an anchor older than the slot
// counter's four-epoch cycle.
func (c *SlotClock) Resolve(counter domain.SlotCounter, now time.Time) (time.Time, error) {
	if now.Sub(c.at) > maxAnchorAge {
		return time.Time{}, ErrStaleAnchor
	}

	if counter == c.counter {
		return c.at, nil
	}

	slotsBehind, err := c.counter.SlotsSince(counter)
	if err != nil {
		return time.Time{}, err
	}
	return c.at.Add(-time.Duration(slotsBehind) * domain.SlotDuration), nil
}
