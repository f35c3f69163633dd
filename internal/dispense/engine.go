package dispense

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/kibbled/firmware/internal/logger"
)

// Hopper-volume bound and mixing parameters.
const (
	// MaxHopperVolumeL is the holding volume between the tanks and the
	// bowl; no batch may exceed what it can hold at the least dense
	// ingredient.
	MaxHopperVolumeL = 0.01

	// DefaultDensityKgPerL substitutes for an unknown ingredient density.
	DefaultDensityKgPerL = 0.5

	// minBatchG, minIngredientG, completionToleranceG bound when a batch,
	// an ingredient run, or the whole feed is considered too small to
	// pursue.
	minBatchG            = 0.5
	minIngredientG       = 0.5
	completionToleranceG = 0.5
)

// Purge-phase timing.
const (
	purgeOpenWait     = 100 * time.Millisecond
	wiggleCycles      = 4
	wiggleAmplitudeUs = 150
	wiggleHalfPeriod  = 200 * time.Millisecond
	purgeSettleWait   = 2000 * time.Millisecond
)

// Close-phase stepping and spike detection.
const (
	closeStepUs     = 25
	closeStepWait   = 100 * time.Millisecond
	maxCloseSteps   = 60
	spikeThresholdG = 3.0
	closeBackoffUs  = 50
	postCloseWait   = 300 * time.Millisecond
	postTareWait    = 300 * time.Millisecond
)

// Dispense-loop pacing.
const (
	dispensePeriod  = 250 * time.Millisecond
	slowRemainingG  = 2.0
	slowSpeed       = 0.2
	batchSettleWait = 500 * time.Millisecond
)

// Servos is the servo control surface the engine drives; the tank
// registry satisfies it.
type Servos interface {
	SetServoPower(on bool) error
	OpenHopper(openUs int) error
	CloseHopper(closedUs int) error
	SetHopperUs(us int) error
	SetContinuousServo(channel int, speed float64, stopUs int) error
	StopAllServos(ctx context.Context, sleep func(time.Duration)) error
}

// Scale is the weight source: the last published window average and
// whether the chip responded during it, plus synchronous tare.
type Scale interface {
	Current() (weightG float64, responding bool)
	Tare(ctx context.Context) error
}

// Guard reports whether the engine must halt: an emergency stop sits in
// the inbox or the safety flag is set. Checked at the start of every loop
// iteration.
type Guard interface {
	StopRequested() bool
}

// ProgressFunc receives feeding progress once per dispensing loop pass.
type ProgressFunc func(dispensedG, targetG float64)

// Metrics observes feed outcomes. A nil Metrics is valid and costs
// nothing.
type Metrics interface {
	ObserveFeed(success bool, dispensedG float64)
}

// Tuning holds the configured knobs the engine consumes.
type Tuning struct {
	HopperOpenUs           int
	HopperClosedUs         int
	WeightChangeThresholdG float64
	NoChangeTimeout        time.Duration
}

// DefaultTuning matches the configuration defaults.
func DefaultTuning() Tuning {
	return Tuning{
		HopperOpenUs:           1900,
		HopperClosedUs:         1100,
		WeightChangeThresholdG: 3.0,
		NoChangeTimeout:        10 * time.Second,
	}
}

// Ingredient is one tank's share of a feed, flattened by the dispatcher
// from the recipe and the registry.
type Ingredient struct {
	TankUID       uint64
	Channel       int     // auger PWM channel == bus index
	Fraction      float64 // 0..1 share of the total target
	DensityKgPerL float64 // 0 when unknown
	ServoIdleUs   int     // calibrated neutral for this tank's auger
}

// Job is one feed: a recipe serving or an immediate single-tank amount.
type Job struct {
	RecipeUID    uint32
	Servings     uint16
	TotalTargetG float64
	Ingredients  []Ingredient
}

// IngredientResult reports one ingredient's outcome.
type IngredientResult struct {
	TankUID    uint64
	DispensedG float64
	Stalled    bool
}

// Result is the outcome of a whole feed.
type Result struct {
	DispensedG      float64
	PerIngredient   []IngredientResult
	CloseCalibrated bool
	LearnedCloseUs  int
}

// Engine executes feeds. One feed runs at a time; the dispatcher is its
// only caller.
type Engine struct {
	servos   Servos
	scale    Scale
	guard    Guard
	progress ProgressFunc

	tuningMu sync.Mutex
	tuning   Tuning

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	metrics Metrics
	last    Context
}

// NewEngine builds an Engine. progress may be nil.
func NewEngine(servos Servos, scale Scale, guard Guard, tuning Tuning, progress ProgressFunc) *Engine {
	return &Engine{
		servos:   servos,
		scale:    scale,
		guard:    guard,
		tuning:   tuning,
		progress: progress,
		sleep:    timedSleep,
		now:      time.Now,
	}
}

func timedSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SetMetrics attaches a metrics sink; call before the first feed.
func (e *Engine) SetMetrics(m Metrics) {
	e.metrics = m
}

// SetTuning replaces the live-reloadable knobs (thresholds and timeouts);
// safe to call while a feed is running.
func (e *Engine) SetTuning(t Tuning) {
	e.tuningMu.Lock()
	e.tuning = t
	e.tuningMu.Unlock()
}

// Tuning returns the live knobs.
func (e *Engine) Tuning() Tuning {
	e.tuningMu.Lock()
	defer e.tuningMu.Unlock()
	return e.tuning
}

// LastContext returns the context of the most recently finished feed.
func (e *Engine) LastContext() Context {
	return e.last
}

// Run executes one feed as one or more three-phase cycles until the
// cumulative dispensed mass meets the target or an error is raised.
func (e *Engine) Run(ctx context.Context, job Job) (Result, error) {
	dctx := &Context{
		RecipeUID:               job.RecipeUID,
		TotalTargetG:            job.TotalTargetG,
		Servings:                job.Servings,
		PerIngredientRemainingG: make([]float64, len(job.Ingredients)),
		Phase:                   PhaseIdle,
	}
	res := Result{PerIngredient: make([]IngredientResult, len(job.Ingredients))}
	for i, ing := range job.Ingredients {
		dctx.PerIngredientRemainingG[i] = job.TotalTargetG * ing.Fraction
		res.PerIngredient[i].TankUID = ing.TankUID
	}
	stalled := make([]bool, len(job.Ingredients))

	if err := e.servos.SetServoPower(true); err != nil {
		return res, e.fail(dctx, ErrServoTimeout)
	}

	for {
		remaining := activeRemaining(dctx.PerIngredientRemainingG, stalled)
		if remaining <= completionToleranceG {
			break
		}
		if err := e.checkStop(ctx, dctx); err != nil {
			return res, e.fail(dctx, err)
		}

		if err := e.purge(ctx, dctx); err != nil {
			return res, e.fail(dctx, err)
		}
		if err := e.closeAndTare(ctx, dctx); err != nil {
			return res, e.fail(dctx, err)
		}
		res.CloseCalibrated = dctx.CloseCalibrated
		res.LearnedCloseUs = dctx.LearnedCloseUs

		batch := batchTarget(remaining, job.Ingredients, dctx.PerIngredientRemainingG, stalled)
		dctx.BatchTargetG = batch
		if batch < minBatchG {
			break
		}

		progressed, err := e.dispenseBatch(ctx, dctx, &res, job, batch, stalled)
		if err != nil {
			return res, e.fail(dctx, err)
		}
		if !progressed {
			// Every attempted ingredient stalled this cycle.
			if res.DispensedG <= 0 {
				return res, e.fail(dctx, ErrDispenseTimeout)
			}
			break
		}
	}

	// Release the last batch, then leave the hopper at its closed pulse.
	if err := e.purge(ctx, dctx); err != nil {
		return res, e.fail(dctx, err)
	}
	if err := e.servos.CloseHopper(e.closedPulse(dctx)); err != nil {
		return res, e.fail(dctx, ErrServoTimeout)
	}
	if err := e.servos.StopAllServos(ctx, nil); err != nil {
		logger.Warn("servo shutdown after feed failed", logger.Err(err))
	}

	if anyStalled(stalled) && job.TotalTargetG-res.DispensedG > completionToleranceG {
		return res, e.fail(dctx, ErrTankEmpty)
	}

	e.setPhase(dctx, PhaseComplete)
	e.last = *dctx
	if e.metrics != nil {
		e.metrics.ObserveFeed(true, res.DispensedG)
	}
	logger.Info("feed complete",
		logger.RecipeUID(job.RecipeUID),
		"target_g", job.TotalTargetG,
		"dispensed_g", res.DispensedG,
	)
	return res, nil
}

// fail stops every servo, records the error, and snapshots the context.
func (e *Engine) fail(dctx *Context, err error) error {
	if sErr := e.servos.StopAllServos(context.Background(), nil); sErr != nil {
		logger.Error("servo shutdown on failure also failed", logger.Err(sErr))
	}
	dctx.Err = err
	e.setPhase(dctx, PhaseError)
	e.last = *dctx
	if e.metrics != nil {
		e.metrics.ObserveFeed(false, dctx.DispensedG)
	}
	logger.Warn("feed failed", logger.RecipeUID(dctx.RecipeUID), logger.Err(err),
		"dispensed_g", dctx.DispensedG)
	return err
}

func (e *Engine) setPhase(dctx *Context, p Phase) {
	dctx.Phase = p
	dctx.PhaseStartedAt = e.now()
	logger.Debug("phase", logger.Phase(p.String()))
}

// checkStop consults the context and the guard and returns ErrEmergencyStop
// when a stop is requested; stopping the servos is left to the caller's
// failure path.
func (e *Engine) checkStop(ctx context.Context, dctx *Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.guard != nil && e.guard.StopRequested() {
		return ErrEmergencyStop
	}
	return nil
}

// purge opens the hopper, wiggles it to unjam kibble, and settles.
func (e *Engine) purge(ctx context.Context, dctx *Context) error {
	e.setPhase(dctx, PhasePurgeOpen)
	openUs := e.Tuning().HopperOpenUs
	if err := e.servos.OpenHopper(openUs); err != nil {
		return ErrServoTimeout
	}
	if err := e.sleep(ctx, purgeOpenWait); err != nil {
		return err
	}

	e.setPhase(dctx, PhasePurgeWiggle)
	for i := 0; i < wiggleCycles; i++ {
		if err := e.checkStop(ctx, dctx); err != nil {
			return err
		}
		if err := e.servos.SetHopperUs(openUs + wiggleAmplitudeUs); err != nil {
			return ErrServoTimeout
		}
		if err := e.sleep(ctx, wiggleHalfPeriod); err != nil {
			return err
		}
		if err := e.servos.SetHopperUs(openUs - wiggleAmplitudeUs); err != nil {
			return ErrServoTimeout
		}
		if err := e.sleep(ctx, wiggleHalfPeriod); err != nil {
			return err
		}
		dctx.WiggleCount++
	}
	if err := e.servos.SetHopperUs(openUs); err != nil {
		return ErrServoTimeout
	}

	e.setPhase(dctx, PhasePurgeSettle)
	return e.sleep(ctx, purgeSettleWait)
}

// closedPulse is the learned close position when calibrated, else the
// configured one.
func (e *Engine) closedPulse(dctx *Context) int {
	if dctx.CloseCalibrated {
		return dctx.LearnedCloseUs
	}
	return e.Tuning().HopperClosedUs
}

// closeAndTare closes the hopper gate, learning the closed position from
// the weight spike of a pinched kibble when one occurs, then tares the
// scale. A missed spike is not fatal: the configured closed pulse is used
// instead.
func (e *Engine) closeAndTare(ctx context.Context, dctx *Context) error {
	w, responding := e.scale.Current()
	if !responding {
		return ErrScaleUnresponsive
	}
	dctx.PreCloseWeight = w
	dctx.CloseAttempts++

	if dctx.CloseCalibrated {
		// A learned position from an earlier cycle closes in one move.
		e.setPhase(dctx, PhaseCloseMoving)
		if err := e.servos.SetHopperUs(dctx.LearnedCloseUs); err != nil {
			return ErrServoTimeout
		}
	} else if err := e.closeWithSpikeDetection(ctx, dctx); err != nil {
		return err
	}

	if err := e.sleep(ctx, postCloseWait); err != nil {
		return err
	}

	e.setPhase(dctx, PhaseTare)
	if err := e.scale.Tare(ctx); err != nil {
		return ErrScaleUnresponsive
	}
	if err := e.sleep(ctx, postTareWait); err != nil {
		return err
	}

	w, responding = e.scale.Current()
	if !responding {
		return ErrScaleUnresponsive
	}
	if math.IsNaN(w) {
		return ErrScaleNaN
	}
	return nil
}

func (e *Engine) closeWithSpikeDetection(ctx context.Context, dctx *Context) error {
	e.setPhase(dctx, PhaseCloseMoving)
	tun := e.Tuning()
	openUs := tun.HopperOpenUs
	closedUs := tun.HopperClosedUs
	dir := 1
	if closedUs < openUs {
		dir = -1
	}

	us := openUs
	e.setPhase(dctx, PhaseCloseDetectSpike)
	for step := 0; step < maxCloseSteps; step++ {
		if err := e.checkStop(ctx, dctx); err != nil {
			return err
		}
		us += dir * closeStepUs
		if err := e.servos.SetHopperUs(us); err != nil {
			return ErrServoTimeout
		}
		if err := e.sleep(ctx, closeStepWait); err != nil {
			return err
		}

		w, responding := e.scale.Current()
		if !responding {
			return ErrScaleUnresponsive
		}
		if math.IsNaN(w) {
			return ErrScaleNaN
		}
		if w-dctx.PreCloseWeight >= spikeThresholdG {
			// A kibble is pinched: back off and learn this position.
			e.setPhase(dctx, PhaseCloseBackoff)
			us -= dir * closeBackoffUs
			if err := e.servos.SetHopperUs(us); err != nil {
				return ErrServoTimeout
			}
			dctx.LearnedCloseUs = us
			dctx.CloseCalibrated = true
			logger.Info("hopper close position learned", "close_us", us, "steps", step+1)
			return nil
		}
	}

	// Close-detection miss: recoverable, fall back to the configured
	// pulse.
	dctx.CloseCalibrated = false
	logger.Warn("close detection missed, using configured pulse", "closed_us", closedUs)
	if err := e.servos.CloseHopper(closedUs); err != nil {
		return ErrServoTimeout
	}
	return nil
}

// batchTarget bounds one batch by the hopper volume at the least dense
// ingredient still in play.
func batchTarget(totalRemaining float64, ingredients []Ingredient, remaining []float64, stalled []bool) float64 {
	minDensity := math.MaxFloat64
	for i, ing := range ingredients {
		if stalled[i] || remaining[i] <= 0 {
			continue
		}
		d := ing.DensityKgPerL
		if d <= 0 {
			d = DefaultDensityKgPerL
		}
		if d < minDensity {
			minDensity = d
		}
	}
	if minDensity == math.MaxFloat64 {
		return 0
	}
	return math.Min(totalRemaining, MaxHopperVolumeL*minDensity*1000)
}

// dispenseBatch spins each eligible auger in recipe order until its share
// of the batch lands in the hopper. A stalled ingredient is contained:
// the rest still attempt their share.
func (e *Engine) dispenseBatch(ctx context.Context, dctx *Context, res *Result, job Job, batch float64, stalled []bool) (bool, error) {
	e.setPhase(dctx, PhaseDispenseAuger)
	dctx.BatchDispensedG = 0
	progressed := false

	for i, ing := range job.Ingredients {
		if stalled[i] || dctx.PerIngredientRemainingG[i] <= minIngredientG {
			continue
		}
		target := math.Min(batch*ing.Fraction, dctx.PerIngredientRemainingG[i])
		if target < minIngredientG {
			continue
		}

		dispensed, ok, err := e.runAuger(ctx, dctx, ing, target)
		dctx.PerIngredientRemainingG[i] -= dispensed
		dctx.DispensedG += dispensed
		dctx.BatchDispensedG += dispensed
		res.DispensedG += dispensed
		res.PerIngredient[i].DispensedG += dispensed
		if dispensed > 0 {
			progressed = true
		}
		if err != nil {
			return progressed, err
		}
		if !ok {
			stalled[i] = true
			res.PerIngredient[i].Stalled = true
			logger.Warn("ingredient stalled, likely empty tank",
				logger.TankUID(ing.TankUID), "dispensed_g", dispensed, "target_g", target)
		}
	}

	e.setPhase(dctx, PhaseDispenseSettle)
	if err := e.sleep(ctx, batchSettleWait); err != nil {
		return progressed, err
	}
	return progressed, nil
}

// runAuger spins one tank's auger until its target mass lands, slowing
// near the end and stopping on stall. Returns the mass dispensed in this
// run and whether the run completed (false means stall).
func (e *Engine) runAuger(ctx context.Context, dctx *Context, ing Ingredient, target float64) (float64, bool, error) {
	startW, responding := e.scale.Current()
	if !responding {
		return 0, false, ErrScaleUnresponsive
	}

	stop := func() {
		if err := e.servos.SetContinuousServo(ing.Channel, 0, ing.ServoIdleUs); err != nil {
			logger.Error("auger stop failed", logger.TankUID(ing.TankUID), logger.Err(err))
		}
	}

	if err := e.servos.SetContinuousServo(ing.Channel, 1.0, ing.ServoIdleUs); err != nil {
		return 0, false, ErrServoTimeout
	}

	tun := e.Tuning()
	threshold := tun.WeightChangeThresholdG
	timeout := tun.NoChangeTimeout
	anchor := startW
	anchorAt := e.now()
	slowed := false

	for {
		if err := e.checkStop(ctx, dctx); err != nil {
			stop()
			return dispensedSince(e.scale, startW), false, err
		}
		if err := e.sleep(ctx, dispensePeriod); err != nil {
			stop()
			return dispensedSince(e.scale, startW), false, err
		}

		w, responding := e.scale.Current()
		if !responding {
			stop()
			return dispensedSince(e.scale, startW), false, ErrScaleUnresponsive
		}
		if math.IsNaN(w) {
			stop()
			return 0, false, ErrScaleNaN
		}
		run := w - startW

		if e.progress != nil {
			e.progress(dctx.DispensedG+run, dctx.TotalTargetG)
		}

		if run >= target {
			stop()
			return run, true, nil
		}
		if !slowed && target-run < slowRemainingG {
			slowed = true
			if err := e.servos.SetContinuousServo(ing.Channel, slowSpeed, ing.ServoIdleUs); err != nil {
				stop()
				return run, false, ErrServoTimeout
			}
		}

		if math.Abs(w-anchor) >= threshold {
			anchor = w
			anchorAt = e.now()
		} else if e.now().Sub(anchorAt) >= timeout {
			stop()
			return run, false, nil
		}
	}
}

func dispensedSince(s Scale, startW float64) float64 {
	w, responding := s.Current()
	if !responding || math.IsNaN(w) || w < startW {
		return 0
	}
	return w - startW
}

func activeRemaining(remaining []float64, stalled []bool) float64 {
	sum := 0.0
	for i, r := range remaining {
		if stalled[i] || r <= 0 {
			continue
		}
		sum += r
	}
	return sum
}

func anyStalled(stalled []bool) bool {
	for _, s := range stalled {
		if s {
			return true
		}
	}
	return false
}
