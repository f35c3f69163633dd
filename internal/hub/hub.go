// Package hub implements the Device-State Hub: the single
// shared observable state of the device, the feed-command inbox, and the
// event bus used for push-style delivery to external subscribers.
package hub

import (
	"errors"
	"time"

	"github.com/kibbled/firmware/internal/logger"
	"github.com/kibbled/firmware/internal/tank"
)

// lockTimeout is the hard acquisition bound on every hub-lock path. A
// failure to acquire is logged and surfaced as ErrLockTimeout — never a
// silent skip of a write.
const lockTimeout = 2000 * time.Millisecond

// ErrLockTimeout is surfaced to the API boundary as "service unavailable".
var ErrLockTimeout = errors.New("hub: state lock acquisition timed out")

// FeedingStatus values published through State.FeedingStatus.
const (
	StatusIdle       = "Idle"
	StatusProcessing = "Processing..."
	StatusError      = "Error"
)

// State is the shared observable device state. A snapshot taken under the
// hub lock is internally consistent for a single reader.
type State struct {
	ConnectedTanks  []tank.TankInfo
	CurrentWeightG  float64
	CurrentRaw      int64
	WeightStable    bool
	ScaleResponding bool

	FeedingStatus string
	FeedingActive bool

	SafetyEngaged bool
	LastEvent     string

	LastCommand FeedCommand
}

// Hub owns the shared state, the command inbox (a single mailbox slot),
// and the event bus. The source's recursive lock becomes a timed mutex
// plus a copy-out-then-act discipline: callers snapshot under the lock,
// release, act, then re-acquire to publish.
type Hub struct {
	lockCh chan struct{}

	state State
	inbox FeedCommand

	inboxNotify chan struct{}
	bus         *EventBus
}

// New builds a Hub with an empty state and an idle feeding status.
func New() *Hub {
	return &Hub{
		lockCh:      make(chan struct{}, 1),
		state:       State{FeedingStatus: StatusIdle},
		inboxNotify: make(chan struct{}, 1),
		bus:         NewEventBus(),
	}
}

// Events exposes the hub's event bus for subscription.
func (h *Hub) Events() *EventBus {
	return h.bus
}

func (h *Hub) acquire() error {
	select {
	case h.lockCh <- struct{}{}:
		return nil
	case <-time.After(lockTimeout):
		logger.Error("hub lock acquisition timed out", "timeout_ms", lockTimeout.Milliseconds())
		return ErrLockTimeout
	}
}

func (h *Hub) release() {
	<-h.lockCh
}

// Snapshot returns a value-copy of the current state.
func (h *Hub) Snapshot() (State, error) {
	if err := h.acquire(); err != nil {
		return State{}, err
	}
	defer h.release()
	s := h.state
	s.ConnectedTanks = append([]tank.TankInfo(nil), h.state.ConnectedTanks...)
	return s, nil
}

// Update runs fn with exclusive access to the state. fn must not block on
// I/O: tasks never hold the hub lock while initiating a bus-bridge or
// scale operation; the hub lock is always the outermost one.
func (h *Hub) Update(fn func(*State)) error {
	if err := h.acquire(); err != nil {
		return err
	}
	defer h.release()
	fn(&h.state)
	return nil
}

// PublishTanks replaces the connected-tanks mirror; the tank registry is
// the sole writer of the canonical list. A
// tanks_changed event fires only when the list actually differs from the
// previous snapshot, so a cold boot over an empty bus stays silent.
func (h *Hub) PublishTanks(tanks []tank.TankInfo) {
	if err := h.acquire(); err != nil {
		logger.Error("tank mirror update dropped", logger.Err(err))
		return
	}
	changed := !tankListsEqual(h.state.ConnectedTanks, tanks)
	h.state.ConnectedTanks = append([]tank.TankInfo(nil), tanks...)
	h.release()

	if changed {
		h.bus.Publish(TopicTanksChanged, nil)
	}
}

func tankListsEqual(a, b []tank.TankInfo) bool {
	if len(a) != len(b) {
		return false
	}
	byUID := make(map[uint64]tank.TankInfo, len(a))
	for _, t := range a {
		byUID[t.UID] = t
	}
	for _, t := range b {
		prev, ok := byUID[t.UID]
		if !ok || prev != t {
			return false
		}
	}
	return true
}

// PublishWeight updates the scale fields and fires a weight event; the
// scale sampler calls this once per published averaging window.
func (h *Hub) PublishWeight(weightG float64, raw int64, stable, responding bool) {
	if err := h.acquire(); err != nil {
		logger.Error("weight update dropped", logger.Err(err))
		return
	}
	h.state.CurrentWeightG = weightG
	h.state.CurrentRaw = raw
	h.state.WeightStable = stable
	h.state.ScaleResponding = responding
	h.release()

	h.bus.Publish(TopicWeight, WeightEvent{Weight: weightG, Raw: raw})
}

// SetFeedingStatus updates the feeding status and fires status_changed
// when it actually changed.
func (h *Hub) SetFeedingStatus(status string, active bool) error {
	if err := h.acquire(); err != nil {
		return err
	}
	changed := h.state.FeedingStatus != status
	h.state.FeedingStatus = status
	h.state.FeedingActive = active
	h.release()

	if changed {
		h.bus.Publish(TopicStatusChanged, StatusEvent{State: status})
	}
	return nil
}

// EngageSafety sets the sticky safety flag, records the triggering event,
// forces the feeding status to error, and publishes an error event. The
// flag is sticky: it stays set until ClearSafety.
func (h *Hub) EngageSafety(event, message string) error {
	if err := h.acquire(); err != nil {
		return err
	}
	h.state.SafetyEngaged = true
	h.state.LastEvent = event
	h.state.FeedingStatus = StatusError
	h.state.FeedingActive = false
	h.release()

	h.bus.Publish(TopicError, ErrorEvent{Code: event, Message: message})
	h.bus.Publish(TopicStatusChanged, StatusEvent{State: StatusError})
	logger.Warn("safety engaged", logger.Event(event), "message", message)
	return nil
}

// ClearSafety clears the safety flag; explicit user action is required to
// get here.
func (h *Hub) ClearSafety() error {
	return h.Update(func(s *State) {
		s.SafetyEngaged = false
		s.FeedingStatus = StatusIdle
	})
}

// SetLastEvent records the most recent noteworthy event without engaging
// safety (e.g. an empty-tank during dispensing).
func (h *Hub) SetLastEvent(event string) error {
	return h.Update(func(s *State) {
		s.LastEvent = event
	})
}
