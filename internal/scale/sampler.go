package scale

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/kibbled/firmware/internal/logger"
)

// Timing of the cooperative state machine: a ~13ms tick paces
// the task; 19 sampling ticks form one ~247ms averaging window, followed
// by ~195ms powered down and ~52ms of conversion settling after repower.
const (
	TickPeriod = 13 * time.Millisecond

	samplingTicks = 19
	idleTicks     = 15 // ~195ms
	settleTicks   = 4  // ~52ms

	// stableDeltaG is the window-to-window delta under which the weight
	// is reported stable.
	stableDeltaG = 0.5
)

// Default blocking-average sample counts for calibration and tare.
const (
	DefaultCalibrationSamples = 10
	DefaultTareSamples        = 20
)

// blockingSlack bounds a blocking average beyond its per-sample budget
// (samples x 13ms + 150ms total).
const blockingSlack = 150 * time.Millisecond

// ErrUnresponsive means every conversion attempt in a window (or in a
// blocking average) failed; fatal to a dispensing cycle.
var ErrUnresponsive = errors.New("scale: chip unresponsive")

// samplerState is the sampler's position in its power cycle.
type samplerState int

const (
	stateSampling samplerState = iota
	stateIdle
	stateSettling
)

func (s samplerState) String() string {
	switch s {
	case stateSampling:
		return "SAMPLING"
	case stateIdle:
		return "IDLE"
	case stateSettling:
		return "SETTLING"
	default:
		return "UNKNOWN"
	}
}

// Publisher receives each published window average; the device-state hub
// satisfies it.
type Publisher interface {
	PublishWeight(weightG float64, raw int64, stable, responding bool)
}

// Settings is the external settings collaborator that persists the
// calibration pair; the concrete file I/O behind it is out of scope.
type Settings interface {
	PersistCalibration(factor float64, zeroOffset int64) error
}

// Observer is invoked once per published window average.
type Observer func(weightG float64, raw int64)

// Metrics observes sampler behavior. A nil Metrics is valid and costs
// nothing.
type Metrics interface {
	ObserveWindow(samples int, responding bool)
}

// Sampler is the single producer of weight readings. The chip and the
// calibration pair are guarded by the scale lock; calibration and tare
// contend with the sampling loop on it in short critical sections.
type Sampler struct {
	publisher Publisher
	settings  Settings

	mu     sync.Mutex // the scale lock
	chip   Chip
	factor float64 // calibration factor, raw counts per gram
	offset int64   // zero offset, raw counts

	state        samplerState
	ticksInState int
	sum          int64
	samples      int

	lastWeightG    float64
	lastRaw        int64
	lastStable     bool
	lastResponding bool

	observers []Observer
	metrics   Metrics
}

// NewSampler builds a Sampler with a persisted calibration pair. A zero
// factor is replaced with 1 so an uncalibrated scale still reports raw
// counts as grams instead of dividing by zero.
func NewSampler(chip Chip, publisher Publisher, settings Settings, factor float64, zeroOffset int64) *Sampler {
	if factor == 0 {
		factor = 1
	}
	s := &Sampler{
		publisher: publisher,
		settings:  settings,
		chip:      chip,
		factor:    factor,
		offset:    zeroOffset,
		state:     stateSettling,
	}
	chip.PowerUp()
	return s
}

// SetMetrics attaches a metrics sink; call before Run.
func (s *Sampler) SetMetrics(m Metrics) {
	s.metrics = m
}

// AddObserver registers a callback invoked once per published average.
func (s *Sampler) AddObserver(fn Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Current returns the last published weight and whether the chip
// responded during that window.
func (s *Sampler) Current() (weightG float64, responding bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastWeightG, s.lastResponding
}

// Run paces the state machine at the tick period until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(TickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.chip.PowerDown()
			s.mu.Unlock()
			return ctx.Err()
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick advances the state machine by one ~13ms step. Exported so tests
// can drive the machine without real time.
func (s *Sampler) Tick() {
	s.mu.Lock()
	switch s.state {
	case stateSampling:
		if s.chip.Ready() {
			v, err := s.chip.Read()
			if err == nil && v != 0 {
				s.sum += int64(v)
				s.samples++
			}
		}
		s.ticksInState++
		if s.ticksInState >= samplingTicks {
			pub := s.publishLocked()
			s.chip.PowerDown()
			s.state = stateIdle
			s.ticksInState = 0
			s.mu.Unlock()
			if pub != nil {
				pub()
			}
			return
		}
	case stateIdle:
		s.ticksInState++
		if s.ticksInState >= idleTicks {
			s.chip.PowerUp()
			s.state = stateSettling
			s.ticksInState = 0
		}
	case stateSettling:
		s.ticksInState++
		if s.ticksInState >= settleTicks {
			s.state = stateSampling
			s.ticksInState = 0
			s.sum = 0
			s.samples = 0
		}
	}
	s.mu.Unlock()
}

// publishLocked computes the window average and returns a closure that
// delivers it outside the scale lock (publication takes the hub lock;
// acquisition order is hub > scale, so the scale lock is dropped first).
func (s *Sampler) publishLocked() func() {
	responding := s.samples > 0
	raw := s.lastRaw
	weight := s.lastWeightG
	if responding {
		raw = s.sum / int64(s.samples)
		weight = float64(raw-s.offset) / s.factor
	}
	stable := responding && math.Abs(weight-s.lastWeightG) < stableDeltaG
	if s.metrics != nil {
		s.metrics.ObserveWindow(s.samples, responding)
	}

	s.lastRaw = raw
	s.lastWeightG = weight
	s.lastStable = stable
	s.lastResponding = responding
	observers := append([]Observer(nil), s.observers...)

	if !responding {
		logger.Warn("scale window had no successful samples")
	}

	return func() {
		if s.publisher != nil {
			s.publisher.PublishWeight(weight, raw, stable, responding)
		}
		for _, fn := range observers {
			fn(weight, raw)
		}
	}
}

// blockingAverage powers the chip up and takes a fixed-count average,
// bounded by samples x tick + slack. Caller holds the scale lock.
func (s *Sampler) blockingAverage(ctx context.Context, count int) (int64, error) {
	deadline := time.Now().Add(time.Duration(count)*TickPeriod + blockingSlack)
	s.chip.PowerUp()

	var sum int64
	got := 0
	for got < count {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("%w: %d/%d samples before deadline", ErrUnresponsive, got, count)
		}
		if !s.chip.Ready() {
			time.Sleep(time.Millisecond)
			continue
		}
		v, err := s.chip.Read()
		if err != nil || v == 0 {
			time.Sleep(time.Millisecond)
			continue
		}
		sum += int64(v)
		got++
	}
	return sum / int64(count), nil
}

// Tare measures a fixed-count average and stores it as the new zero
// offset, persisting through the settings collaborator. A caller reading
// the published weight sees a post-tare average only after the next
// sampling window completes.
func (s *Sampler) Tare(ctx context.Context) error {
	return s.TareN(ctx, DefaultTareSamples)
}

// TareN is Tare with an explicit sample count.
func (s *Sampler) TareN(ctx context.Context, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	avg, err := s.blockingAverage(ctx, count)
	if err != nil {
		return err
	}
	s.offset = avg

	if s.settings != nil {
		if err := s.settings.PersistCalibration(s.factor, s.offset); err != nil {
			logger.Warn("tare persisted only in memory", logger.Err(err))
		}
	}
	logger.Info("scale tared", "zero_offset", avg, "samples", count)
	return nil
}

// Calibrate places a known mass on the bowl, measures a fixed-count
// average, and derives the raw-counts-per-gram factor from the current
// zero offset.
func (s *Sampler) Calibrate(ctx context.Context, knownG float64) error {
	return s.CalibrateN(ctx, knownG, DefaultCalibrationSamples)
}

// CalibrateN is Calibrate with an explicit sample count.
func (s *Sampler) CalibrateN(ctx context.Context, knownG float64, count int) error {
	if knownG <= 0 {
		return fmt.Errorf("scale: calibration mass must be positive, got %g", knownG)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	avg, err := s.blockingAverage(ctx, count)
	if err != nil {
		return err
	}
	s.factor = float64(avg-s.offset) / knownG
	if s.factor == 0 {
		s.factor = 1
		return fmt.Errorf("%w: calibration read equals zero offset", ErrUnresponsive)
	}

	if s.settings != nil {
		if err := s.settings.PersistCalibration(s.factor, s.offset); err != nil {
			logger.Warn("calibration persisted only in memory", logger.Err(err))
		}
	}
	logger.Info("scale calibrated", "factor", s.factor, "known_g", knownG, "samples", count)
	return nil
}

// Calibration returns the current factor/offset pair.
func (s *Sampler) Calibration() (factor float64, zeroOffset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.factor, s.offset
}
