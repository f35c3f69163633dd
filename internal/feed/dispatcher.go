// Package feed implements the Feed Dispatcher: the single
// consumer of the command inbox, routing feeds to the dispensing engine
// and publishing outcomes.
package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kibbled/firmware/internal/dispense"
	"github.com/kibbled/firmware/internal/hub"
	"github.com/kibbled/firmware/internal/logger"
	"github.com/kibbled/firmware/internal/recipe"
	"github.com/kibbled/firmware/internal/tank"
)

// Event codes published on the error topic by the dispatcher.
const (
	EventUserStopped   = "user_stopped"
	EventSafetyEngaged = "safety_engaged"
	EventTankMissing   = "tank_missing"
)

// Engine runs one feed; the dispensing engine satisfies it.
type Engine interface {
	Run(ctx context.Context, job dispense.Job) (dispense.Result, error)
}

// Tanks is the registry surface the dispatcher needs: the current tank
// list, post-feed bookkeeping, and mode/shutdown control.
type Tanks interface {
	Snapshot() []tank.TankInfo
	UpdateRemainingGrams(ctx context.Context, uid uint64, grams float64) error
	SetServoPower(on bool) error
	StopAllServos(ctx context.Context, sleep func(time.Duration)) error
}

// Recipes is the recipe-store surface the dispatcher needs.
type Recipes interface {
	Get(uid uint32) (recipe.Recipe, error)
	TouchLastUsed(uid uint32) error
}

// Tarer tares the scale on request.
type Tarer interface {
	Tare(ctx context.Context) error
}

// Dispatcher consumes the inbox and routes commands.
type Dispatcher struct {
	hub     *hub.Hub
	engine  Engine
	tanks   Tanks
	recipes Recipes
	scale   Tarer
}

// NewDispatcher wires the dispatcher to its collaborators.
func NewDispatcher(h *hub.Hub, engine Engine, tanks Tanks, recipes Recipes, scale Tarer) *Dispatcher {
	return &Dispatcher{hub: h, engine: engine, tanks: tanks, recipes: recipes, scale: scale}
}

// Run consumes commands until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.hub.CommandNotify():
			d.drain(ctx)
		}
	}
}

// drain processes every pending command; commands are observed in the
// order they were placed.
func (d *Dispatcher) drain(ctx context.Context) {
	for {
		cmd, ok, err := d.hub.TakeCommand()
		if err != nil {
			logger.Error("inbox unavailable", logger.Err(err))
			return
		}
		if !ok {
			return
		}
		d.Process(ctx, cmd)
	}
}

// Process routes one command. Exported so tests (and a synchronous boot
// path) can drive the dispatcher without its task loop.
func (d *Dispatcher) Process(ctx context.Context, cmd hub.FeedCommand) {
	lc := logger.NewLogContext("feed").WithTrace(cmd.TraceID, "")
	ctx = logger.WithContext(ctx, lc)
	logger.InfoCtx(ctx, "command accepted", "type", cmd.Type.String())

	switch cmd.Type {
	case hub.CmdEmergencyStop:
		d.emergencyStop(ctx)
	case hub.CmdTareScale:
		if err := d.scale.Tare(ctx); err != nil {
			logger.ErrorCtx(ctx, "tare failed", logger.Err(err))
			d.hub.Events().Publish(hub.TopicError, hub.ErrorEvent{Code: "tare_failed", Message: err.Error()})
		}
	case hub.CmdImmediate, hub.CmdRecipe:
		d.feed(ctx, cmd)
	default:
		logger.WarnCtx(ctx, "unroutable command", "type", cmd.Type.String())
	}
}

func (d *Dispatcher) emergencyStop(ctx context.Context) {
	if err := d.tanks.StopAllServos(ctx, nil); err != nil {
		logger.ErrorCtx(ctx, "emergency servo shutdown failed", logger.Err(err))
	}
	if err := d.hub.SetLastEvent(EventUserStopped); err != nil {
		logger.ErrorCtx(ctx, "last event not recorded", logger.Err(err))
	}
	d.hub.Events().Publish(hub.TopicError, hub.ErrorEvent{Code: EventUserStopped, Message: "stopped by user"})
}

// feed builds the job, runs the engine, and publishes the outcome.
func (d *Dispatcher) feed(ctx context.Context, cmd hub.FeedCommand) {
	snap, err := d.hub.Snapshot()
	if err != nil {
		d.reject(ctx, "service_unavailable", err.Error())
		return
	}
	if snap.SafetyEngaged {
		d.reject(ctx, EventSafetyEngaged, "safety engaged, clear it before feeding")
		return
	}

	job, recipeUID, err := d.buildJob(cmd)
	if err != nil {
		d.reject(ctx, EventTankMissing, err.Error())
		return
	}

	if err := d.hub.SetFeedingStatus(hub.StatusProcessing, true); err != nil {
		d.reject(ctx, "service_unavailable", err.Error())
		return
	}

	res, runErr := d.engine.Run(ctx, job)

	d.settle(ctx, job, res)

	if runErr != nil {
		code := errorCode(runErr)
		logger.WarnCtx(ctx, "feed ended with error", logger.Err(runErr), "dispensed_g", res.DispensedG)
		if setErr := d.hub.SetLastEvent(code); setErr != nil {
			logger.ErrorCtx(ctx, "last event not recorded", logger.Err(setErr))
		}
		status := hub.StatusError
		if errors.Is(runErr, dispense.ErrEmergencyStop) {
			status = hub.StatusIdle
		}
		if err := d.hub.SetFeedingStatus(status, false); err != nil {
			logger.ErrorCtx(ctx, "status not updated", logger.Err(err))
		}
		d.hub.Events().Publish(hub.TopicError, hub.ErrorEvent{Code: code, Message: runErr.Error()})
		d.hub.Events().Publish(hub.TopicFeedingComplete, hub.CompleteEvent{Success: false, Dispensed: res.DispensedG})
		return
	}

	if cmd.Type == hub.CmdRecipe {
		if err := d.recipes.TouchLastUsed(recipeUID); err != nil {
			logger.WarnCtx(ctx, "lastUsed not stamped", logger.RecipeUID(recipeUID), logger.Err(err))
		}
	}
	if err := d.hub.SetFeedingStatus(hub.StatusIdle, false); err != nil {
		logger.ErrorCtx(ctx, "status not updated", logger.Err(err))
	}
	d.hub.Events().Publish(hub.TopicFeedingComplete, hub.CompleteEvent{Success: true, Dispensed: res.DispensedG})
	logger.InfoCtx(ctx, "feed dispatched", "dispensed_g", res.DispensedG)
}

func (d *Dispatcher) reject(ctx context.Context, code, message string) {
	logger.WarnCtx(ctx, "command rejected", logger.KeyErrorCode, code, "message", message)
	d.hub.Events().Publish(hub.TopicError, hub.ErrorEvent{Code: code, Message: message})
	d.hub.Events().Publish(hub.TopicFeedingComplete, hub.CompleteEvent{Success: false, Dispensed: 0})
}

// buildJob flattens a command into the engine's job shape using the
// current tank list.
func (d *Dispatcher) buildJob(cmd hub.FeedCommand) (dispense.Job, uint32, error) {
	byUID := make(map[uint64]tank.TankInfo)
	for _, t := range d.tanks.Snapshot() {
		if t.BusIndex >= 0 {
			byUID[t.UID] = t
		}
	}

	switch cmd.Type {
	case hub.CmdImmediate:
		t, ok := byUID[cmd.TankUID]
		if !ok {
			return dispense.Job{}, 0, fmt.Errorf("feed: tank %016x not connected", cmd.TankUID)
		}
		return dispense.Job{
			Servings:     1,
			TotalTargetG: cmd.AmountGrams,
			Ingredients: []dispense.Ingredient{{
				TankUID:       t.UID,
				Channel:       t.BusIndex,
				Fraction:      1,
				DensityKgPerL: t.DensityKgPerL,
				ServoIdleUs:   t.ServoIdleUs,
			}},
		}, 0, nil

	case hub.CmdRecipe:
		rec, err := d.recipes.Get(cmd.RecipeUID)
		if err != nil {
			return dispense.Job{}, 0, err
		}
		if !rec.Enabled {
			return dispense.Job{}, 0, fmt.Errorf("feed: recipe %d is disabled", rec.UID)
		}
		servings := cmd.Servings
		if servings == 0 {
			servings = 1
		}

		job := dispense.Job{
			RecipeUID:    rec.UID,
			Servings:     servings,
			TotalTargetG: rec.GramsPerServing() * float64(servings),
		}
		for _, ing := range rec.Ingredients {
			t, ok := byUID[ing.TankUID]
			if !ok {
				return dispense.Job{}, 0, fmt.Errorf("feed: recipe %d needs tank %016x, not connected", rec.UID, ing.TankUID)
			}
			job.Ingredients = append(job.Ingredients, dispense.Ingredient{
				TankUID:       t.UID,
				Channel:       t.BusIndex,
				Fraction:      ing.Percentage / 100,
				DensityKgPerL: t.DensityKgPerL,
				ServoIdleUs:   t.ServoIdleUs,
			})
		}
		return job, rec.UID, nil
	}
	return dispense.Job{}, 0, fmt.Errorf("feed: command %s carries no feed", cmd.Type)
}

// settle performs post-feed bookkeeping: switch to bus-power mode and
// write each tank's new remaining mass back to its EEPROM.
func (d *Dispatcher) settle(ctx context.Context, job dispense.Job, res dispense.Result) {
	dispensedBy := make(map[uint64]float64)
	for _, ir := range res.PerIngredient {
		if ir.DispensedG > 0 {
			dispensedBy[ir.TankUID] = ir.DispensedG
		}
	}
	if len(dispensedBy) == 0 {
		return
	}

	if err := d.tanks.SetServoPower(false); err != nil {
		logger.WarnCtx(ctx, "bus-power transition failed, remaining grams not persisted", logger.Err(err))
		return
	}
	for _, t := range d.tanks.Snapshot() {
		g, ok := dispensedBy[t.UID]
		if !ok {
			continue
		}
		left := t.RemainingWeightG - g
		if left < 0 {
			left = 0
		}
		if err := d.tanks.UpdateRemainingGrams(ctx, t.UID, left); err != nil {
			logger.WarnCtx(ctx, "remaining grams not persisted", logger.TankUID(t.UID), logger.Err(err))
		}
	}
}

// errorCode maps an engine error to the event taxonomy.
func errorCode(err error) string {
	switch {
	case errors.Is(err, dispense.ErrEmergencyStop):
		return EventUserStopped
	case errors.Is(err, dispense.ErrTankEmpty):
		return "tank_empty"
	case errors.Is(err, dispense.ErrDispenseTimeout):
		return "dispense_timeout"
	case errors.Is(err, dispense.ErrScaleUnresponsive):
		return "scale_unresponsive"
	case errors.Is(err, dispense.ErrScaleNaN):
		return "scale_nan"
	case errors.Is(err, dispense.ErrServoTimeout):
		return "servo_timeout"
	default:
		return "dispense_failed"
	}
}
