package tank

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var r Record
	r.LastBaseMAC = [6]byte{1, 2, 3, 4, 5, 6}
	r.LastBusIndex = 2
	r.CapacityML = 3000
	r.DensityGPerL = 650
	r.ServoIdleUs = 1500
	r.RemainingGrams = 1200
	require.NoError(t, r.SetName("Chicken Kibble"))

	raw, err := EncodeEEPROM(r)
	require.NoError(t, err)

	got, corrected, err := DecodeAndValidate(raw)
	require.NoError(t, err)
	assert.Equal(t, 0, corrected)
	assert.Equal(t, r, got)
	assert.Equal(t, "Chicken Kibble", got.NameString())
}

func TestDecodeCorrectsBitFlips(t *testing.T) {
	var r Record
	r.ServoIdleUs = 1600
	require.NoError(t, r.SetName("Salmon"))

	raw, err := EncodeEEPROM(r)
	require.NoError(t, err)

	raw[10] ^= 0xFF
	raw[50] ^= 0x01

	got, corrected, err := DecodeAndValidate(raw)
	require.NoError(t, err)
	assert.Equal(t, 2, corrected)
	assert.Equal(t, r, got)
}

func TestDecodeRejectsOutOfBoundsNameLength(t *testing.T) {
	var r Record
	r.ServoIdleUs = 1500
	r.NameLength = 0xFF
	raw, err := EncodeEEPROM(r)
	require.NoError(t, err)

	_, _, err = DecodeAndValidate(raw)
	require.ErrorIs(t, err, ErrOutOfBounds)
}

func TestDecodeRejectsOutOfBoundsServoIdle(t *testing.T) {
	var r Record
	r.ServoIdleUs = 50 // below 500us floor
	raw, err := EncodeEEPROM(r)
	require.NoError(t, err)

	_, _, err = DecodeAndValidate(raw)
	require.ErrorIs(t, err, ErrOutOfBounds)
}

func TestDefaultRecordIsValid(t *testing.T) {
	r := DefaultRecord()
	raw, err := EncodeEEPROM(r)
	require.NoError(t, err)

	got, corrected, err := DecodeAndValidate(raw)
	require.NoError(t, err)
	assert.Equal(t, 0, corrected)
	assert.Equal(t, "New Tank", got.NameString())
	assert.Equal(t, uint16(1500), got.ServoIdleUs)
	assert.Equal(t, uint8(NoBusIndex), got.LastBusIndex)
}

func TestSetNameTruncatesAndTerminates(t *testing.T) {
	var r Record
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}
	require.NoError(t, r.SetName(string(long)))
	assert.LessOrEqual(t, int(r.NameLength), lenName)
	assert.Equal(t, byte(0), r.Name[r.NameLength-1])
}
