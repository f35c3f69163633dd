package rs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fillPattern(n int, seed byte) []byte {
	b := make([]byte, n)
	x := seed
	for i := range b {
		x = x*37 + 11
		b[i] = x
	}
	return b
}

func TestCodecRoundTrip(t *testing.T) {
	data := fillPattern(DefaultCodec.DataSize, 1)
	parity, err := DefaultCodec.Encode(data)
	require.NoError(t, err)
	require.Len(t, parity, DefaultCodec.ParitySize)

	gotData := make([]byte, len(data))
	copy(gotData, data)
	gotParity := make([]byte, len(parity))
	copy(gotParity, parity)

	corrected, err := DefaultCodec.Decode(gotData, gotParity)
	require.NoError(t, err)
	assert.Equal(t, 0, corrected)
	assert.Equal(t, data, gotData)
	assert.Equal(t, parity, gotParity)
}

func TestCodecCorrectsUpToHalfParity(t *testing.T) {
	maxErrors := DefaultCodec.ParitySize / 2

	for _, seed := range []byte{2, 7, 19, 42} {
		data := fillPattern(DefaultCodec.DataSize, seed)
		parity, err := DefaultCodec.Encode(data)
		require.NoError(t, err)

		corruptData := make([]byte, len(data))
		copy(corruptData, data)
		corruptParity := make([]byte, len(parity))
		copy(corruptParity, parity)

		// Flip maxErrors bytes spread across the data region.
		for i := 0; i < maxErrors; i++ {
			pos := (i * 7) % len(corruptData)
			corruptData[pos] ^= byte(0x55 + i)
		}

		corrected, err := DefaultCodec.Decode(corruptData, corruptParity)
		require.NoError(t, err, "seed %d", seed)
		assert.Equal(t, maxErrors, corrected)
		assert.Equal(t, data, corruptData)
		assert.Equal(t, parity, corruptParity)
	}
}

func TestCodecSingleByteFlipInParity(t *testing.T) {
	data := fillPattern(DefaultCodec.DataSize, 5)
	parity, err := DefaultCodec.Encode(data)
	require.NoError(t, err)

	corruptParity := make([]byte, len(parity))
	copy(corruptParity, parity)
	corruptParity[3] ^= 0xFF

	gotData := make([]byte, len(data))
	copy(gotData, data)

	corrected, err := DefaultCodec.Decode(gotData, corruptParity)
	require.NoError(t, err)
	assert.Equal(t, 1, corrected)
	assert.Equal(t, data, gotData)
	assert.Equal(t, parity, corruptParity)
}

func TestCodecUncorrectableLeavesBuffersUntouched(t *testing.T) {
	data := fillPattern(DefaultCodec.DataSize, 9)
	parity, err := DefaultCodec.Encode(data)
	require.NoError(t, err)

	corruptData := make([]byte, len(data))
	copy(corruptData, data)
	corruptParity := make([]byte, len(parity))
	copy(corruptParity, parity)

	// Flood every data byte: far beyond correction capacity.
	for i := range corruptData {
		corruptData[i] ^= 0xAA
	}

	wantData := make([]byte, len(data))
	copy(wantData, corruptData)
	wantParity := make([]byte, len(parity))
	copy(wantParity, corruptParity)

	_, err = DefaultCodec.Decode(corruptData, corruptParity)
	if err == nil {
		// A pathological case landed on a different, still-valid codeword;
		// this is astronomically unlikely for a full-block flip but is not
		// itself a violation of the no-mutation guarantee.
		return
	}
	assert.ErrorIs(t, err, ErrUncorrectable)
	assert.Equal(t, wantData, corruptData)
	assert.Equal(t, wantParity, corruptParity)
}

func TestCodecRejectsBadLengths(t *testing.T) {
	_, err := DefaultCodec.Encode(make([]byte, DefaultCodec.DataSize+1))
	assert.Error(t, err)

	_, err = DefaultCodec.Decode(make([]byte, DefaultCodec.DataSize+1), make([]byte, DefaultCodec.ParitySize))
	assert.Error(t, err)

	_, err = DefaultCodec.Decode(make([]byte, DefaultCodec.DataSize), make([]byte, DefaultCodec.ParitySize-1))
	assert.Error(t, err)
}

func TestNewCodecValidatesSizes(t *testing.T) {
	_, err := NewCodec(0, 10)
	assert.Error(t, err)

	_, err = NewCodec(10, 0)
	assert.Error(t, err)

	_, err = NewCodec(200, 100)
	assert.Error(t, err)

	c, err := NewCodec(10, 4)
	require.NoError(t, err)
	assert.Equal(t, 10, c.DataSize)
	assert.Equal(t, 4, c.ParitySize)
}

func TestCodecSmallBlock(t *testing.T) {
	c, err := NewCodec(4, 4)
	require.NoError(t, err)

	data := []byte{0x11, 0x22, 0x33, 0x44}
	parity, err := c.Encode(data)
	require.NoError(t, err)

	corrupt := make([]byte, len(data))
	copy(corrupt, data)
	corrupt[0] ^= 0xFF
	corrupt[2] ^= 0x01

	corruptParity := make([]byte, len(parity))
	copy(corruptParity, parity)

	corrected, err := c.Decode(corrupt, corruptParity)
	require.NoError(t, err)
	assert.Equal(t, 2, corrected)
	assert.Equal(t, data, corrupt)
}

func TestGF256ArithmeticInverse(t *testing.T) {
	for a := 1; a < 256; a++ {
		inv := ginv(byte(a))
		assert.Equal(t, byte(1), gmul(byte(a), inv), "a=%d", a)
	}
}

func TestGF256AlphaPowCycle(t *testing.T) {
	assert.Equal(t, byte(1), alphaPow(0))
	assert.Equal(t, byte(1), alphaPow(255))
	assert.Equal(t, alphaPow(1), alphaPow(256))
}
