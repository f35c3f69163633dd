package dispense

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rig simulates the servo/scale hardware: augers pour kibble into the
// bowl while they spin (bounded by each tank's remaining capacity), the
// hopper gate can pinch a kibble at a chosen pulse width, and tare
// re-zeros the bowl.
type rig struct {
	clock time.Time

	weightG    float64
	responding bool

	hopperUs    int
	augerSpeed  map[int]float64
	flowGPerSec map[int]float64 // per channel, at full speed
	capacityG   map[int]float64 // kibble left per channel

	spikeAtUs int // hopper pulse that pinches a kibble; 0 disables

	stopRequested  bool
	stopAfterSleep int // request stop after this many sleeps; 0 disables
	sleeps         int

	powerOn      bool
	stopAllCalls int
	tareCalls    int
}

func newRig() *rig {
	return &rig{
		clock:       time.Unix(0, 0),
		responding:  true,
		augerSpeed:  make(map[int]float64),
		flowGPerSec: make(map[int]float64),
		capacityG:   make(map[int]float64),
	}
}

// sleep advances simulated time and pours kibble for every running auger.
func (r *rig) sleep(ctx context.Context, d time.Duration) error {
	r.clock = r.clock.Add(d)
	r.sleeps++
	if r.stopAfterSleep > 0 && r.sleeps >= r.stopAfterSleep {
		r.stopRequested = true
	}
	for ch, speed := range r.augerSpeed {
		if speed == 0 {
			continue
		}
		poured := r.flowGPerSec[ch] * speed * d.Seconds()
		if left := r.capacityG[ch]; poured > left {
			poured = left
		}
		r.capacityG[ch] -= poured
		r.weightG += poured
	}
	return ctx.Err()
}

func (r *rig) now() time.Time { return r.clock }

func (r *rig) SetServoPower(on bool) error { r.powerOn = on; return nil }

func (r *rig) OpenHopper(openUs int) error { r.hopperUs = openUs; return nil }

func (r *rig) CloseHopper(closedUs int) error { r.hopperUs = closedUs; return nil }

func (r *rig) SetHopperUs(us int) error {
	if r.spikeAtUs != 0 && r.hopperUs > r.spikeAtUs && us <= r.spikeAtUs {
		r.weightG += 3.5 // pinched kibble
	}
	r.hopperUs = us
	return nil
}

func (r *rig) SetContinuousServo(channel int, speed float64, stopUs int) error {
	r.augerSpeed[channel] = speed
	return nil
}

func (r *rig) StopAllServos(ctx context.Context, sleep func(time.Duration)) error {
	for ch := range r.augerSpeed {
		r.augerSpeed[ch] = 0
	}
	r.powerOn = false
	r.stopAllCalls++
	return nil
}

func (r *rig) Current() (float64, bool) { return r.weightG, r.responding }

func (r *rig) Tare(ctx context.Context) error {
	r.weightG = 0
	r.tareCalls++
	return nil
}

func (r *rig) StopRequested() bool { return r.stopRequested }

func newTestEngine(r *rig) *Engine {
	e := NewEngine(r, r, r, DefaultTuning(), nil)
	e.sleep = r.sleep
	e.now = r.now
	return e
}

func twoIngredientJob() Job {
	return Job{
		RecipeUID:    1,
		Servings:     1,
		TotalTargetG: 100,
		Ingredients: []Ingredient{
			{TankUID: 0xA, Channel: 0, Fraction: 0.7, DensityKgPerL: 0.5, ServoIdleUs: 1500},
			{TankUID: 0xB, Channel: 1, Fraction: 0.3, DensityKgPerL: 0.6, ServoIdleUs: 1520},
		},
	}
}

func TestTwoIngredientRecipe(t *testing.T) {
	r := newRig()
	r.flowGPerSec[0] = 4
	r.flowGPerSec[1] = 4
	r.capacityG[0] = 1000
	r.capacityG[1] = 1000

	e := newTestEngine(r)
	res, err := e.Run(context.Background(), twoIngredientJob())
	require.NoError(t, err)

	// Target 100g; the 5g hopper bound forces at least 20 batches.
	assert.InDelta(t, 100, res.DispensedG, 2.5)
	assert.InDelta(t, 70, res.PerIngredient[0].DispensedG, 3)
	assert.InDelta(t, 30, res.PerIngredient[1].DispensedG, 3)
	assert.False(t, res.PerIngredient[0].Stalled)
	assert.False(t, res.PerIngredient[1].Stalled)

	assert.Equal(t, PhaseComplete, e.LastContext().Phase)
	assert.False(t, r.powerOn, "servo power must be cut after the feed")
	assert.GreaterOrEqual(t, e.LastContext().CloseAttempts, 20)
}

func TestBatchBoundedByHopperVolume(t *testing.T) {
	remaining := []float64{70, 30}
	stalled := []bool{false, false}
	job := twoIngredientJob()

	// Least dense ingredient (0.5 kg/L) bounds the batch: 0.01L * 500g/L.
	got := batchTarget(100, job.Ingredients, remaining, stalled)
	assert.InDelta(t, 5.0, got, 1e-9)

	// Unknown density falls back to the 0.5 default.
	job.Ingredients[0].DensityKgPerL = 0
	got = batchTarget(100, job.Ingredients, remaining, stalled)
	assert.InDelta(t, 5.0, got, 1e-9)

	// Near the end the remaining mass is the bound.
	got = batchTarget(1.2, job.Ingredients, []float64{0.9, 0.3}, stalled)
	assert.InDelta(t, 1.2, got, 1e-9)
}

func TestCloseDetectionMissFallsBack(t *testing.T) {
	r := newRig()
	r.flowGPerSec[0] = 8
	r.capacityG[0] = 100

	e := newTestEngine(r)
	job := Job{
		TotalTargetG: 4, // single batch
		Ingredients:  []Ingredient{{TankUID: 0xA, Channel: 0, Fraction: 1, DensityKgPerL: 0.5, ServoIdleUs: 1500}},
	}
	res, err := e.Run(context.Background(), job)
	require.NoError(t, err)

	// No spike ever fires: the engine fell back to the configured pulse
	// and the cycle still succeeded.
	assert.False(t, res.CloseCalibrated)
	assert.InDelta(t, 4, res.DispensedG, 1.5)
	assert.Equal(t, DefaultTuning().HopperClosedUs, r.hopperUs)
}

func TestCloseSpikeLearnsPosition(t *testing.T) {
	r := newRig()
	r.flowGPerSec[0] = 8
	r.capacityG[0] = 100
	r.spikeAtUs = 1700 // kibble pinched as the gate passes 1700us

	e := newTestEngine(r)
	job := Job{
		TotalTargetG: 12, // several batches, so the learned close is reused
		Ingredients:  []Ingredient{{TankUID: 0xA, Channel: 0, Fraction: 1, DensityKgPerL: 0.5, ServoIdleUs: 1500}},
	}
	res, err := e.Run(context.Background(), job)
	require.NoError(t, err)

	require.True(t, res.CloseCalibrated)
	// Backed off 50us away from closed (direction aware: closed < open).
	assert.Equal(t, 1700+closeBackoffUs, res.LearnedCloseUs)
}

func TestStallIsContainedToOneIngredient(t *testing.T) {
	r := newRig()
	r.flowGPerSec[0] = 4
	r.flowGPerSec[1] = 4
	r.capacityG[0] = 1.0 // runs dry almost immediately
	r.capacityG[1] = 1000

	e := newTestEngine(r)
	job := Job{
		TotalTargetG: 20,
		Ingredients: []Ingredient{
			{TankUID: 0xA, Channel: 0, Fraction: 0.5, DensityKgPerL: 0.5, ServoIdleUs: 1500},
			{TankUID: 0xB, Channel: 1, Fraction: 0.5, DensityKgPerL: 0.5, ServoIdleUs: 1500},
		},
	}
	res, err := e.Run(context.Background(), job)
	require.ErrorIs(t, err, ErrTankEmpty)

	// The empty tank stalled; the other still dispensed its full share.
	assert.True(t, res.PerIngredient[0].Stalled)
	assert.False(t, res.PerIngredient[1].Stalled)
	assert.InDelta(t, 10, res.PerIngredient[1].DispensedG, 2)
	assert.Less(t, res.PerIngredient[0].DispensedG, 2.0)
}

func TestAllStalledFromStartIsTimeout(t *testing.T) {
	r := newRig()
	r.flowGPerSec[0] = 4
	r.capacityG[0] = 0 // bone dry

	e := newTestEngine(r)
	job := Job{
		TotalTargetG: 10,
		Ingredients:  []Ingredient{{TankUID: 0xA, Channel: 0, Fraction: 1, DensityKgPerL: 0.5, ServoIdleUs: 1500}},
	}
	_, err := e.Run(context.Background(), job)
	assert.ErrorIs(t, err, ErrDispenseTimeout)
	assert.Equal(t, PhaseError, e.LastContext().Phase)
}

func TestEmergencyStopShutsDownServos(t *testing.T) {
	r := newRig()
	r.flowGPerSec[0] = 4
	r.capacityG[0] = 1000
	r.stopAfterSleep = 30 // trip mid-cycle

	e := newTestEngine(r)
	job := Job{
		TotalTargetG: 50,
		Ingredients:  []Ingredient{{TankUID: 0xA, Channel: 0, Fraction: 1, DensityKgPerL: 0.5, ServoIdleUs: 1500}},
	}
	_, err := e.Run(context.Background(), job)
	require.ErrorIs(t, err, ErrEmergencyStop)
	assert.GreaterOrEqual(t, r.stopAllCalls, 1)
	assert.False(t, r.powerOn)
	for ch, speed := range r.augerSpeed {
		assert.Zerof(t, speed, "channel %d still spinning", ch)
	}
}

func TestScaleUnresponsiveIsFatal(t *testing.T) {
	r := newRig()
	r.responding = false

	e := newTestEngine(r)
	job := Job{
		TotalTargetG: 10,
		Ingredients:  []Ingredient{{TankUID: 0xA, Channel: 0, Fraction: 1, DensityKgPerL: 0.5, ServoIdleUs: 1500}},
	}
	_, err := e.Run(context.Background(), job)
	assert.ErrorIs(t, err, ErrScaleUnresponsive)
}
