package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging across every component of the
// firmware core. Use these keys consistently so log lines from the bridge,
// the registry, the scale, the dispensing engine, and the safety supervisor
// can be correlated and queried uniformly.
const (
	// ========================================================================
	// Distributed Tracing / Correlation
	// ========================================================================
	KeyTraceID = "trace_id" // correlation ID attached to a feed command / cycle
	KeySpanID  = "span_id"  // sub-operation ID within a cycle

	// ========================================================================
	// Component & Task
	// ========================================================================
	KeyComponent = "component" // bridge, tank, scale, dispense, safety, hub, recipe, feed
	KeyTask      = "task"      // cooperating task name (§5): scanner, sampler, safety, dispatcher...

	// ========================================================================
	// Tank / Bus
	// ========================================================================
	KeyTankUID   = "tank_uid"   // 64-bit tank UID, hex
	KeyBusIndex  = "bus_index"  // 0..5, or -1
	KeyBusMask   = "bus_mask"   // bitmask of buses scanned
	KeyOpcode    = "opcode"     // bus-bridge opcode name
	KeyOffset    = "offset"     // EEPROM byte offset
	KeyLength    = "length"     // byte length of a read/write
	KeyCorrected = "corrected"  // bytes corrected by the RS decoder
	KeyTankName  = "tank_name"  // human-assigned tank name

	// ========================================================================
	// Recipe / Feed
	// ========================================================================
	KeyRecipeUID = "recipe_uid"
	KeyServings  = "servings"
	KeyTargetG   = "target_g"
	KeyDispensedG = "dispensed_g"
	KeyPhase     = "phase" // dispensing-engine phase name

	// ========================================================================
	// Scale
	// ========================================================================
	KeyWeightG = "weight_g"
	KeyRawADC  = "raw_adc"
	KeyStable  = "stable"

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyErrorCode  = "error_code"
	KeyAttempt    = "attempt"
	KeyMaxRetries = "max_retries"
	KeyEvent      = "event" // event-bus topic name
)

// Component returns a slog.Attr tagging the emitting subsystem.
func Component(name string) slog.Attr {
	return slog.String(KeyComponent, name)
}

// Task returns a slog.Attr tagging the emitting cooperating task.
func Task(name string) slog.Attr {
	return slog.String(KeyTask, name)
}

// TankUID returns a slog.Attr for a tank UID, formatted as hex.
func TankUID(uid uint64) slog.Attr {
	return slog.String(KeyTankUID, fmt.Sprintf("0x%016X", uid))
}

// BusIndex returns a slog.Attr for a bus index.
func BusIndex(idx int) slog.Attr {
	return slog.Int(KeyBusIndex, idx)
}

// RecipeUID returns a slog.Attr for a recipe UID.
func RecipeUID(uid uint32) slog.Attr {
	return slog.Uint64(KeyRecipeUID, uint64(uid))
}

// Phase returns a slog.Attr for a dispensing-engine phase name.
func Phase(name string) slog.Attr {
	return slog.String(KeyPhase, name)
}

// WeightG returns a slog.Attr for a weight in grams.
func WeightG(g float64) slog.Attr {
	return slog.Float64(KeyWeightG, g)
}

// Err returns a slog.Attr for an error value, nil-safe.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}

// Event returns a slog.Attr for an event-bus topic name.
func Event(topic string) slog.Attr {
	return slog.String(KeyEvent, topic)
}
