// Package dispense implements the Dispensing Engine: the
// three-phase feed cycle (purge, close with spike detection, proportional
// batched dispense) that mixes multiple ingredients within the bounded
// hopper volume, with closed-loop stall and timeout handling.
package dispense

import "errors"

var (
	// ErrEmergencyStop means an emergency stop was observed between
	// phases or inside an inner loop; terminal, publishes user_stopped.
	ErrEmergencyStop = errors.New("dispense: emergency stop")

	// ErrScaleUnresponsive means the scale produced no successful samples
	// when the cycle needed a reading; fatal to the cycle.
	ErrScaleUnresponsive = errors.New("dispense: scale unresponsive")

	// ErrScaleNaN means the post-tare check read a NaN weight; fatal to
	// the cycle.
	ErrScaleNaN = errors.New("dispense: scale read NaN")

	// ErrTankEmpty means at least one ingredient stalled out while others
	// completed; the feed finished partially.
	ErrTankEmpty = errors.New("dispense: tank ran empty")

	// ErrDispenseTimeout means every remaining ingredient stalled and the
	// cycle could make no further progress.
	ErrDispenseTimeout = errors.New("dispense: no ingredient can make progress")

	// ErrServoTimeout means a servo command failed outright; terminal.
	ErrServoTimeout = errors.New("dispense: servo command failed")
)
