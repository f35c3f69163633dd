// Package pwmdrv abstracts the 16-channel PWM board (a pca9685-class I2C
// driver) and its companion bus-power gate pin: channel PWM
// expressed in microseconds, global enable/disable, and the mode switch
// between driving servos and powering the tank EEPROM pull-ups.
package pwmdrv

import (
	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/experimental/devices/pca9685"
)

// Host is the hardware seam: a real pca9685.Dev plus the bus-power gate
// pin, or a deterministic fake for tests. Ticks run 0..4095 over one PWM
// period; channels are addressed 0-indexed.
type Host interface {
	SetFrequency(freq physic.Frequency) error
	SetPWM(channel int, onTick, offTick uint16) error
	SetPowerGate(on bool) error
}

// periphHost is the production Host backed by a real I2C pca9685 and a GPIO
// pin gating external servo power. The gate is active-low: driving it low
// enables power.
type periphHost struct {
	dev  *pca9685.Dev
	gate gpio.PinIO
}

// NewPeriphHost builds a Host from an opened I2C bus and a GPIO pin for the
// power gate.
func NewPeriphHost(bus i2c.Bus, gate gpio.PinIO) (Host, error) {
	dev, err := pca9685.NewI2C(bus, pca9685.I2CAddr)
	if err != nil {
		return nil, err
	}
	if err := gate.Out(gpio.High); err != nil { // active-low: High means servo power off
		return nil, err
	}
	return &periphHost{dev: dev, gate: gate}, nil
}

func (h *periphHost) SetFrequency(freq physic.Frequency) error {
	return h.dev.SetPwmFreq(freq)
}

func (h *periphHost) SetPWM(channel int, onTick, offTick uint16) error {
	return h.dev.SetPwm(channel, gpio.Duty(onTick), gpio.Duty(offTick))
}

func (h *periphHost) SetPowerGate(on bool) error {
	if on {
		return h.gate.Out(gpio.Low)
	}
	return h.gate.Out(gpio.High)
}
