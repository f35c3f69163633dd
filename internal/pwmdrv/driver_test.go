package pwmdrv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDriver(t *testing.T) (*Driver, *FakeHost) {
	host := NewFakeHost()
	d, err := NewDriver(host, []int{1500, 1450, 1600})
	require.NoError(t, err)
	d.sleep = func(time.Duration) {} // skip real waits in tests
	return d, host
}

func TestNewDriverSetsFrequency(t *testing.T) {
	_, host := newTestDriver(t)
	assert.Equal(t, 1, host.SetFrequencyCalls)
}

func TestSetMicrosecondsRejectsBadChannel(t *testing.T) {
	d, _ := newTestDriver(t)
	assert.ErrorIs(t, d.SetMicroseconds(-1, 1500), ErrInvalidChannel)
	assert.ErrorIs(t, d.SetMicroseconds(NumChannels, 1500), ErrInvalidChannel)
}

func TestSetMicrosecondsTickConversion(t *testing.T) {
	d, host := newTestDriver(t)
	require.NoError(t, d.SetMicroseconds(0, 1500))
	// 1500us at 20000us period, 4096 ticks: 1500*4096/20000 = 307
	assert.Equal(t, uint16(307), host.OffTicks[0])
}

func TestSetFull(t *testing.T) {
	d, host := newTestDriver(t)
	require.NoError(t, d.SetFull(2, true))
	assert.Equal(t, uint16(4095), host.OffTicks[2])

	require.NoError(t, d.SetFull(2, false))
	assert.Equal(t, uint16(0), host.OffTicks[2])
}

func TestEnterBusPowerModeThenServoMode(t *testing.T) {
	d, host := newTestDriver(t)

	require.NoError(t, d.EnterBusPowerMode())
	assert.Equal(t, ModeBusPower, d.Mode())
	assert.False(t, host.GateOn)
	for ch := 0; ch < NumChannels; ch++ {
		assert.Equal(t, uint16(4095), host.OffTicks[ch])
	}

	require.NoError(t, d.EnterServoMode())
	assert.Equal(t, ModeServo, d.Mode())
	assert.True(t, host.GateOn)
	// Channel 0's neutral (1500us) should be restored.
	assert.Equal(t, uint16(307), host.OffTicks[0])
}

func TestNeutralMicroseconds(t *testing.T) {
	d, _ := newTestDriver(t)
	us, err := d.NeutralMicroseconds(1)
	require.NoError(t, err)
	assert.Equal(t, 1450, us)

	require.NoError(t, d.SetNeutralMicroseconds(1, 1475))
	us, err = d.NeutralMicroseconds(1)
	require.NoError(t, err)
	assert.Equal(t, 1475, us)

	_, err = d.NeutralMicroseconds(NumChannels)
	assert.ErrorIs(t, err, ErrInvalidChannel)
}

func TestDefaultNeutralForUnseededChannel(t *testing.T) {
	d, _ := newTestDriver(t)
	us, err := d.NeutralMicroseconds(10)
	require.NoError(t, err)
	assert.Equal(t, 1500, us)
}
