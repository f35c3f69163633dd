package pwmdrv

import "periph.io/x/periph/conn/physic"

// FakeHost is an in-memory Host for tests; it records every call rather
// than talking to real I2C/GPIO hardware.
type FakeHost struct {
	Frequency physic.Frequency
	OnTicks   [NumChannels]uint16
	OffTicks  [NumChannels]uint16
	GateOn    bool

	SetFrequencyCalls int
	SetPWMCalls       int
	SetGateCalls      int
}

func NewFakeHost() *FakeHost {
	return &FakeHost{}
}

func (f *FakeHost) SetFrequency(freq physic.Frequency) error {
	f.Frequency = freq
	f.SetFrequencyCalls++
	return nil
}

func (f *FakeHost) SetPWM(channel int, onTick, offTick uint16) error {
	f.OnTicks[channel] = onTick
	f.OffTicks[channel] = offTick
	f.SetPWMCalls++
	return nil
}

func (f *FakeHost) SetPowerGate(on bool) error {
	f.GateOn = on
	f.SetGateCalls++
	return nil
}
