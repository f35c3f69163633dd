package tank

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/kibbled/firmware/internal/bridge"
	"github.com/kibbled/firmware/internal/logger"
	"github.com/kibbled/firmware/internal/pwmdrv"
)

// HopperChannel is the PWM channel dedicated to the hopper gate servo; the
// six bus indices map 1:1 to the six auger channels below it.
const HopperChannel = 6

// TankInfo is the in-memory view of a tank. A TankInfo with
// FullInfo == false is a presence witness only: UID and BusIndex are
// populated, everything else is zero.
type TankInfo struct {
	UID              uint64
	BusIndex         int // -1 when not currently on any bus
	Name             string
	CapacityL        float64
	DensityKgPerL    float64
	RemainingWeightG float64
	ServoIdleUs      int
	LastBaseMAC      [6]byte
	FullInfo         bool
}

// ScanMetrics observes scans and EEPROM decodes. A nil ScanMetrics is
// valid and costs nothing.
type ScanMetrics interface {
	ObserveScan(duration time.Duration, changed bool)
	ObserveDecode(corrected int, ok bool)
}

// StatePublisher receives the registry's authoritative tank list so a
// shared hub can mirror it; the registry is the sole writer of that list.
type StatePublisher interface {
	PublishTanks(tanks []TankInfo)
}

// noopPublisher is used when a Registry is built without a hub, e.g. in
// tests that only exercise reconciliation.
type noopPublisher struct{}

func (noopPublisher) PublishTanks([]TankInfo) {}

// Registry owns presence reconciliation, EEPROM integrity and
// repair, and the servo/hopper control surface that rides on top of the
// bus-bridge and PWM driver.
type Registry struct {
	bridgeClient *bridge.Client
	pwm          *pwmdrv.Driver
	publisher    StatePublisher
	hostMAC      [6]byte

	metrics ScanMetrics

	mu      sync.Mutex
	tanks   map[uint64]*TankInfo // owns the canonical list
	lastUID [bridge.BusCount]uint64
}

// NewRegistry builds a Registry. hostMAC is this host's 48-bit identifier,
// stamped into last_base_mac on every commit.
func NewRegistry(client *bridge.Client, pwm *pwmdrv.Driver, publisher StatePublisher, hostMAC [6]byte) *Registry {
	if publisher == nil {
		publisher = noopPublisher{}
	}
	return &Registry{
		bridgeClient: client,
		pwm:          pwm,
		publisher:    publisher,
		hostMAC:      hostMAC,
		tanks:        make(map[uint64]*TankInfo),
	}
}

// SetMetrics attaches a metrics sink; call before the scanner starts.
func (r *Registry) SetMetrics(m ScanMetrics) {
	r.metrics = m
}

// Snapshot returns a value-copy of every known tank, sorted by bus index
// (detached tanks, bus_index == -1, last).
func (r *Registry) Snapshot() []TankInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

const allBusesMask uint8 = (1 << bridge.BusCount) - 1

// Refresh reconciles the registry against the physical bus state. Must
// only be called while the PWM driver is in ModeBusPower: the tank
// EEPROMs have no pull-up power otherwise.
func (r *Registry) Refresh(ctx context.Context, busMask uint8, firedByScanner bool) error {
	if r.pwm.Mode() != pwmdrv.ModeBusPower {
		return fmt.Errorf("tank: refresh requires bus-power mode")
	}

	found, scanned, err := r.scan(ctx, busMask)
	if err != nil {
		return err
	}

	r.mu.Lock()
	changed := r.detach(found, scanned)
	r.mu.Unlock()

	for bus, uid := range found {
		if !scanned[bus] || uid == 0 {
			continue
		}
		if err := r.attachAndValidate(ctx, bus, uid); err != nil {
			logger.Warn("tank attach/validate failed", logger.BusIndex(bus), logger.Err(err))
		}
	}

	r.mu.Lock()
	removed := r.garbageCollect()
	changed = changed || removed
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.publisher.PublishTanks(snapshot)
	if changed && firedByScanner {
		logger.Info("tanks changed", logger.Event("tanks_changed"))
	}
	return nil
}

// scan is reconciliation phase A: roll-call (full mask) or per-bus UID
// reads (partial mask), normalizing the bridge's all-ones sentinel to 0.
func (r *Registry) scan(ctx context.Context, busMask uint8) (found [bridge.BusCount]uint64, scanned [bridge.BusCount]bool, err error) {
	err = r.bridgeClient.WithLock(func(l *bridge.Locked) error {
		if busMask == allBusesMask {
			uids, rcErr := l.RollCall(ctx)
			if rcErr != nil {
				return rcErr
			}
			for i := 0; i < bridge.BusCount; i++ {
				found[i] = uids[i]
				scanned[i] = true
			}
			return nil
		}
		for i := 0; i < bridge.BusCount; i++ {
			if busMask&(1<<uint(i)) == 0 {
				continue
			}
			uid, gErr := l.GetUID(ctx, i)
			if gErr != nil {
				return gErr
			}
			found[i] = uid
			scanned[i] = true
		}
		return nil
	})
	return
}

// detach is reconciliation phase B: logically detach any known tank whose
// last bus no longer reports its UID. Caller holds r.mu.
func (r *Registry) detach(found [bridge.BusCount]uint64, scanned [bridge.BusCount]bool) bool {
	changed := false
	for _, t := range r.tanks {
		if t.BusIndex < 0 || !scanned[t.BusIndex] {
			continue
		}
		if found[t.BusIndex] != t.UID {
			t.BusIndex = -1
			changed = true
		}
	}
	return changed
}

// attachAndValidate is reconciliation phase C for one bus: attach/create
// the TankInfo, and if it isn't yet FullInfo, read and validate its
// EEPROM record, repairing it with a default record on any integrity
// failure.
func (r *Registry) attachAndValidate(ctx context.Context, bus int, uid uint64) error {
	r.mu.Lock()
	t, known := r.tanks[uid]
	if known {
		t.BusIndex = bus
	} else {
		t = &TankInfo{UID: uid, BusIndex: bus, FullInfo: false}
		r.tanks[uid] = t
	}
	needsRead := !t.FullInfo
	r.mu.Unlock()

	if !needsRead {
		return nil
	}

	var raw [RecordSize]byte
	if err := r.bridgeClient.WithLock(func(l *bridge.Locked) error {
		_, rErr := l.Read(ctx, bus, 0, raw[:])
		return rErr
	}); err != nil {
		return fmt.Errorf("tank: eeprom read: %w", err)
	}

	rec, corrected, err := DecodeAndValidate(raw)
	if r.metrics != nil {
		r.metrics.ObserveDecode(corrected, err == nil)
	}
	if corrected > 0 {
		logger.Info("eeprom record corrected", logger.TankUID(uid), logger.BusIndex(bus), "corrected", corrected)
	}
	if err != nil {
		logger.Warn("eeprom record invalid, rewriting default", logger.TankUID(uid), logger.BusIndex(bus), logger.Err(err))
		rec = DefaultRecord()
		fresh, encErr := EncodeEEPROM(rec)
		if encErr != nil {
			return encErr
		}
		if wErr := r.bridgeClient.WithLock(func(l *bridge.Locked) error {
			return l.Write(ctx, bus, 0, fresh[:])
		}); wErr != nil {
			// Not fatal: keep the tank visible as a "New Tank" so the
			// user can intervene.
			logger.Warn("default record write failed, tank stays unrepaired", logger.TankUID(uid), logger.BusIndex(bus), logger.Err(wErr))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	t.Name = rec.NameString()
	t.CapacityL = float64(rec.CapacityML) / 1000.0
	t.DensityKgPerL = float64(rec.DensityGPerL) / 1000.0
	t.RemainingWeightG = float64(rec.RemainingGrams)
	t.ServoIdleUs = int(rec.ServoIdleUs)
	t.LastBaseMAC = rec.LastBaseMAC
	t.FullInfo = true
	return nil
}

// garbageCollect is reconciliation phase D: remove tanks left detached.
// Caller holds r.mu.
func (r *Registry) garbageCollect() bool {
	removed := false
	for uid, t := range r.tanks {
		if t.BusIndex < 0 {
			delete(r.tanks, uid)
			removed = true
		}
	}
	return removed
}

func (r *Registry) snapshotLocked() []TankInfo {
	out := make([]TankInfo, 0, len(r.tanks))
	for _, t := range r.tanks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		bi, bj := out[i].BusIndex, out[j].BusIndex
		if bi < 0 {
			bi = bridge.BusCount // detached last
		}
		if bj < 0 {
			bj = bridge.BusCount
		}
		if bi != bj {
			return bi < bj
		}
		return out[i].UID < out[j].UID
	})
	return out
}

// RefreshTankInfo re-reads one tank's EEPROM record by UID; it fails if
// the tank is not currently present on any bus.
func (r *Registry) RefreshTankInfo(ctx context.Context, uid uint64) error {
	bus, err := r.getBusOfTank(ctx, uid)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if t, ok := r.tanks[uid]; ok {
		t.FullInfo = false
	}
	r.mu.Unlock()

	return r.attachAndValidate(ctx, bus, uid)
}

// getBusOfTank refreshes presence and returns the bus a UID currently
// occupies, or an error if it isn't present.
func (r *Registry) getBusOfTank(ctx context.Context, uid uint64) (int, error) {
	found, scanned, err := r.scan(ctx, allBusesMask)
	if err != nil {
		return -1, err
	}
	for i := 0; i < bridge.BusCount; i++ {
		if scanned[i] && found[i] == uid {
			return i, nil
		}
	}
	return -1, fmt.Errorf("tank: uid %016x not present on any bus", uid)
}

// ChangeSet names which fields a Commit actually rewrote, for logging.
type ChangeSet []string

// Commit writes fields of t that differ from the current EEPROM content,
// including last_base_mac, and recomputes the ECC over the whole record.
// On success, updates the local registry and publishes the mirror.
func (r *Registry) Commit(ctx context.Context, t TankInfo) (ChangeSet, error) {
	bus, err := r.getBusOfTank(ctx, t.UID)
	if err != nil {
		return nil, err
	}

	var raw [RecordSize]byte
	if err := r.bridgeClient.WithLock(func(l *bridge.Locked) error {
		_, rErr := l.Read(ctx, bus, 0, raw[:])
		return rErr
	}); err != nil {
		return nil, fmt.Errorf("tank: commit read: %w", err)
	}

	current, _, err := DecodeAndValidate(raw)
	if err != nil {
		current = DefaultRecord()
	}

	updated := current
	var changes ChangeSet

	if name := t.Name; name != current.NameString() {
		if err := updated.SetName(name); err != nil {
			return nil, err
		}
		changes = append(changes, "name")
	}
	if capML := uint16(math.Round(t.CapacityL * 1000)); capML != current.CapacityML {
		updated.CapacityML = capML
		changes = append(changes, "capacity_ml")
	}
	if densGL := uint16(math.Round(t.DensityKgPerL * 1000)); densGL != current.DensityGPerL {
		updated.DensityGPerL = densGL
		changes = append(changes, "density_g_per_l")
	}
	if us := uint16(t.ServoIdleUs); us != current.ServoIdleUs {
		updated.ServoIdleUs = us
		changes = append(changes, "servo_idle_us")
	}
	if g := uint16(math.Round(t.RemainingWeightG)); g != current.RemainingGrams {
		updated.RemainingGrams = g
		changes = append(changes, "remaining_grams")
	}
	updated.LastBaseMAC = r.hostMAC
	if updated.LastBaseMAC != current.LastBaseMAC {
		changes = append(changes, "last_base_mac")
	}
	if byte(bus) != current.LastBusIndex {
		updated.LastBusIndex = byte(bus)
		changes = append(changes, "last_bus_index")
	}

	fresh, err := EncodeEEPROM(updated)
	if err != nil {
		return nil, err
	}
	if err := r.bridgeClient.WithLock(func(l *bridge.Locked) error {
		return l.Write(ctx, bus, 0, fresh[:])
	}); err != nil {
		return nil, fmt.Errorf("tank: commit write: %w", err)
	}

	r.mu.Lock()
	info, ok := r.tanks[t.UID]
	if !ok {
		info = &TankInfo{UID: t.UID}
		r.tanks[t.UID] = info
	}
	info.BusIndex = bus
	info.Name = updated.NameString()
	info.CapacityL = float64(updated.CapacityML) / 1000.0
	info.DensityKgPerL = float64(updated.DensityGPerL) / 1000.0
	info.RemainingWeightG = float64(updated.RemainingGrams)
	info.ServoIdleUs = int(updated.ServoIdleUs)
	info.LastBaseMAC = updated.LastBaseMAC
	info.FullInfo = true
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.publisher.PublishTanks(snapshot)
	logger.Info("tank committed", logger.TankUID(t.UID), logger.BusIndex(bus), "changed", changes)
	return changes, nil
}

// UpdateRemainingGrams is a narrow transactional update of one field: it
// still reads, recomputes ECC over, and rewrites the full record. A
// field-only write would leave the parity stale.
func (r *Registry) UpdateRemainingGrams(ctx context.Context, uid uint64, grams float64) error {
	r.mu.Lock()
	t, ok := r.tanks[uid]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("tank: uid %016x unknown", uid)
	}
	updated := *t
	updated.RemainingWeightG = grams
	r.mu.Unlock()

	_, err := r.Commit(ctx, updated)
	return err
}

// SetServoPower transitions the PWM driver between servo and bus-power
// mode.
func (r *Registry) SetServoPower(on bool) error {
	if on {
		return r.pwm.EnterServoMode()
	}
	return r.pwm.EnterBusPowerMode()
}

// SetContinuousServo maps a speed in [-1,1] to a pulse width within
// [stopUs-500, stopUs+500], clamped to the dead zone for |speed| < 0.01;
// stopUs is the tank's own calibrated servo_idle_us rather than a single
// global constant.
func (r *Registry) SetContinuousServo(channel int, speed float64, stopUs int) error {
	if speed > -0.01 && speed < 0.01 {
		return r.pwm.SetMicroseconds(channel, stopUs)
	}
	if speed > 1 {
		speed = 1
	}
	if speed < -1 {
		speed = -1
	}
	us := stopUs + int(speed*500)
	return r.pwm.SetMicroseconds(channel, us)
}

// SetServoUs drives a channel's pulse width directly.
func (r *Registry) SetServoUs(channel int, us int) error {
	return r.pwm.SetMicroseconds(channel, us)
}

// SetHopperUs drives the hopper gate's pulse width directly; the
// dispensing engine steps it during close detection.
func (r *Registry) SetHopperUs(us int) error {
	return r.pwm.SetMicroseconds(HopperChannel, us)
}

// OpenHopper/CloseHopper use the caller-provided calibrated pulses; the
// Dispensing Engine owns the actual open/closed microsecond values learned
// during close detection.
func (r *Registry) OpenHopper(openUs int) error {
	return r.pwm.SetMicroseconds(HopperChannel, openUs)
}

func (r *Registry) CloseHopper(closedUs int) error {
	return r.pwm.SetMicroseconds(HopperChannel, closedUs)
}

// StopAllServos commands every known auger channel plus the hopper to
// neutral, waits 100ms, then cuts servo power.
func (r *Registry) StopAllServos(ctx context.Context, sleep func(time.Duration)) error {
	r.mu.Lock()
	tanks := r.snapshotLocked()
	r.mu.Unlock()

	for _, t := range tanks {
		if t.BusIndex < 0 {
			continue
		}
		if err := r.pwm.SetMicroseconds(t.BusIndex, t.ServoIdleUs); err != nil {
			return err
		}
	}
	if err := r.pwm.SetMicroseconds(HopperChannel, r.hopperIdleUs()); err != nil {
		return err
	}
	if sleep == nil {
		sleep = time.Sleep
	}
	sleep(100 * time.Millisecond)
	return r.pwm.CutPower()
}

// hopperIdleUs is a placeholder neutral for the hopper channel; callers
// that have learned a closed pulse should drive it explicitly via
// CloseHopper before relying on this default.
func (r *Registry) hopperIdleUs() int {
	us, err := r.pwm.NeutralMicroseconds(HopperChannel)
	if err != nil {
		return 1500
	}
	return us
}
