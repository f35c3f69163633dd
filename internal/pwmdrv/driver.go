package pwmdrv

import (
	"errors"
	"sync"
	"time"

	"periph.io/x/periph/conn/physic"

	"github.com/kibbled/firmware/internal/logger"
)

// NumChannels is the channel count of a 16-channel PWM board; six are wired
// to auger/hopper servos, the rest are reserved.
const NumChannels = 16

// pwmFrequency is the fixed servo frame rate used in both driver modes.
const pwmFrequency = 50 * physic.Hertz

const (
	muteFrame      = 20 * time.Millisecond
	modeSettleWait = 100 * time.Millisecond
)

// Mode is the PWM board's current purpose: driving servos, or repurposed as
// a bus-power source for the tank EEPROM pull-ups.
type Mode int

const (
	ModeServo Mode = iota
	ModeBusPower
)

var ErrInvalidChannel = errors.New("pwmdrv: channel out of range")

// Driver provides microsecond-addressed channel PWM, a global
// power gate, and the servo/bus-power mode switch with its mandated mute
// and settle windows.
type Driver struct {
	host Host
	mu   sync.Mutex

	mode     Mode
	neutrals [NumChannels]int // calibrated idle pulse per channel, microseconds

	sleep func(time.Duration)
}

// NewDriver builds a Driver. neutralUs seeds the per-channel idle pulse
// (e.g. from each tank's servo_idle_us); channels beyond len(neutralUs)
// default to 1500us (dead center for a typical continuous-rotation servo).
func NewDriver(host Host, neutralUs []int) (*Driver, error) {
	d := &Driver{host: host, sleep: time.Sleep}
	for i := range d.neutrals {
		d.neutrals[i] = 1500
	}
	for i, us := range neutralUs {
		if i >= NumChannels {
			break
		}
		d.neutrals[i] = us
	}
	if err := d.host.SetFrequency(pwmFrequency); err != nil {
		return nil, err
	}
	return d, nil
}

// usToTicks converts a microsecond pulse width to a 12-bit PCA9685 tick
// count at the fixed 50Hz frame rate (20000us period, 4096 ticks).
func usToTicks(us int) uint16 {
	if us < 0 {
		us = 0
	}
	ticks := (us * 4096) / 20000
	if ticks > 4095 {
		ticks = 4095
	}
	return uint16(ticks)
}

// SetMicroseconds commands one channel's pulse width directly.
func (d *Driver) SetMicroseconds(channel int, us int) error {
	if channel < 0 || channel >= NumChannels {
		return ErrInvalidChannel
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.host.SetPWM(channel, 0, usToTicks(us))
}

// SetFull drives a channel fully on or fully off, bypassing the normal
// pulse-width path (used for the bus-power channels in ModeBusPower).
func (d *Driver) SetFull(channel int, on bool) error {
	if channel < 0 || channel >= NumChannels {
		return ErrInvalidChannel
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if on {
		return d.host.SetPWM(channel, 0, 4095)
	}
	return d.host.SetPWM(channel, 0, 0)
}

// SetFrequency reprograms the board's PWM frame rate.
func (d *Driver) SetFrequency(hz float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.host.SetFrequency(physic.Frequency(hz) * physic.Hertz)
}

// Mode reports the driver's current mode.
func (d *Driver) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// EnterServoMode mutes every channel for one full PWM frame, energizes
// servo power, restores calibrated neutrals, then waits the mandated
// settling period before returning.
func (d *Driver) EnterServoMode() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.muteAllLocked(); err != nil {
		return err
	}
	d.sleep(muteFrame)

	if err := d.host.SetPowerGate(true); err != nil {
		return err
	}
	for ch := 0; ch < NumChannels; ch++ {
		if err := d.host.SetPWM(ch, 0, usToTicks(d.neutrals[ch])); err != nil {
			return err
		}
	}
	d.mode = ModeServo
	d.sleep(modeSettleWait)
	logger.Debug("pwm driver entered servo mode")
	return nil
}

// EnterBusPowerMode mutes every channel for one full PWM frame, de-energizes
// servo power (not needed while reading EEPROMs), then holds every channel
// fully on to supply pull-ups to the tank EEPROMs; the mandated settle wait
// follows before bus traffic may begin.
func (d *Driver) EnterBusPowerMode() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.muteAllLocked(); err != nil {
		return err
	}
	d.sleep(muteFrame)

	if err := d.host.SetPowerGate(false); err != nil {
		return err
	}
	for ch := 0; ch < NumChannels; ch++ {
		if err := d.host.SetPWM(ch, 0, 4095); err != nil {
			return err
		}
	}
	d.mode = ModeBusPower
	d.sleep(modeSettleWait)
	logger.Debug("pwm driver entered bus-power mode")
	return nil
}

// CutPower de-energizes servo power immediately without touching mode or
// channel pulse state; used by StopAllServos after driving every channel
// to neutral.
func (d *Driver) CutPower() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.host.SetPowerGate(false)
}

func (d *Driver) muteAllLocked() error {
	for ch := 0; ch < NumChannels; ch++ {
		if err := d.host.SetPWM(ch, 0, 0); err != nil {
			return err
		}
	}
	return nil
}

// NeutralMicroseconds returns the calibrated idle pulse for a channel.
func (d *Driver) NeutralMicroseconds(channel int) (int, error) {
	if channel < 0 || channel >= NumChannels {
		return 0, ErrInvalidChannel
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.neutrals[channel], nil
}

// SetNeutralMicroseconds updates a channel's calibrated idle pulse, used
// when the tank registry learns a new servo_idle_us for a tank.
func (d *Driver) SetNeutralMicroseconds(channel int, us int) error {
	if channel < 0 || channel >= NumChannels {
		return ErrInvalidChannel
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.neutrals[channel] = us
	return nil
}
