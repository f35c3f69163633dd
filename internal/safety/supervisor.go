// Package safety implements the Safety Supervisor: an
// independent 10Hz monitor that forces servo shutdown on motor stall or
// bowl overfill, engaging a sticky safety flag the rest of the firmware
// must honor.
package safety

import (
	"context"
	"math"
	"time"

	"github.com/kibbled/firmware/internal/hub"
	"github.com/kibbled/firmware/internal/logger"
)

// Monitoring thresholds.
const (
	TickPeriod = 100 * time.Millisecond

	// stallResetDeltaG resets the stall watchdog: the weight moved.
	stallResetDeltaG = 0.2
	// stallWindow is how long the weight may flatline during a feed
	// before the stall rule trips.
	stallWindow = 5 * time.Second

	// overfillLimitG trips the overfill rule regardless of feeding state.
	overfillLimitG = 500.0
)

// Event codes recorded in Device-State and published on the error topic.
const (
	EventMotorStall   = "motor_stall"
	EventBowlOverfill = "bowl_overfill"
)

// Metrics counts safety trips. A nil Metrics is valid and costs nothing.
type Metrics interface {
	RecordTrip(event string)
}

// Stopper commands every servo to neutral and cuts power; the tank
// registry satisfies it.
type Stopper interface {
	StopAllServos(ctx context.Context, sleep func(time.Duration)) error
}

// Supervisor runs the two safety rules against Device-State snapshots.
// It copies state out under the hub lock, releases, then acts; it never
// holds the hub lock across a servo command.
type Supervisor struct {
	hub     *hub.Hub
	stopper Stopper

	metrics Metrics

	armed    bool
	anchorG  float64
	anchorAt time.Time
}

// NewSupervisor builds a Supervisor over the hub and the servo stopper.
func NewSupervisor(h *hub.Hub, stopper Stopper) *Supervisor {
	return &Supervisor{hub: h, stopper: stopper}
}

// SetMetrics attaches a metrics sink; call before Run.
func (s *Supervisor) SetMetrics(m Metrics) {
	s.metrics = m
}

// Run ticks the rules at 10Hz until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(TickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx, time.Now())
		}
	}
}

// Tick evaluates both rules once. Exported so tests can drive the
// supervisor with a synthetic clock.
func (s *Supervisor) Tick(ctx context.Context, now time.Time) {
	snap, err := s.hub.Snapshot()
	if err != nil {
		logger.Error("safety snapshot unavailable", logger.Err(err))
		return
	}
	if snap.SafetyEngaged {
		return
	}

	if snap.CurrentWeightG > overfillLimitG {
		s.trip(ctx, EventBowlOverfill, "bowl weight above limit")
		return
	}

	if !snap.FeedingActive {
		s.armed = false
		return
	}
	if !s.armed {
		s.armed = true
		s.anchorG = snap.CurrentWeightG
		s.anchorAt = now
		return
	}
	if math.Abs(snap.CurrentWeightG-s.anchorG) > stallResetDeltaG {
		s.anchorG = snap.CurrentWeightG
		s.anchorAt = now
		return
	}
	if now.Sub(s.anchorAt) >= stallWindow {
		s.trip(ctx, EventMotorStall, "weight flatlined during feed")
	}
}

// trip commands servo shutdown first, then engages the sticky flag.
func (s *Supervisor) trip(ctx context.Context, event, message string) {
	s.armed = false
	if s.metrics != nil {
		s.metrics.RecordTrip(event)
	}
	if err := s.stopper.StopAllServos(ctx, nil); err != nil {
		logger.Error("safety servo shutdown failed", logger.Event(event), logger.Err(err))
	}
	if err := s.hub.EngageSafety(event, message); err != nil {
		logger.Error("safety flag not engaged", logger.Event(event), logger.Err(err))
	}
}
