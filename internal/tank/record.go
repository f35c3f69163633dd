// Package tank implements the Tank Registry: reconciling
// physical 1-Wire presences with the logical set of known tanks, and the
// 128-byte on-EEPROM record codec (encoding, structural validation, and
// repair) that backs it.
package tank

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kibbled/firmware/internal/rs"
)

// RecordSize is the fixed on-EEPROM layout width.
const RecordSize = 128

const (
	offLastBaseMAC  = 0
	lenLastBaseMAC  = 6
	offLastBusIndex = 6
	offNameLength   = 7
	offCapacityML   = 8
	offDensityGL    = 10
	offServoIdleUs  = 12
	offRemainingG   = 14
	offName         = 16
	lenName         = 80
	offECC          = 96
	lenECC          = 32
	lenData         = 96 // bytes 0..95, covered by ECC
)

// NoBusIndex marks a record that has never been placed on a bus.
const NoBusIndex = 0xFF

// ErrOutOfBounds indicates a structurally invalid record: a field violates
// its declared bound even though the RS decode itself succeeded.
var ErrOutOfBounds = errors.New("tank: record field out of bounds")

// Record is the decoded, still-wire-shaped form of a 128-byte EEPROM
// record: little-endian integers, a fixed-width name buffer. Unit
// conversion into TankInfo happens one layer up.
type Record struct {
	LastBaseMAC    [6]byte
	LastBusIndex   uint8
	NameLength     uint8
	CapacityML     uint16
	DensityGPerL   uint16
	ServoIdleUs    uint16
	RemainingGrams uint16
	Name           [lenName]byte
}

// DefaultRecord is written over an EEPROM whose contents fail integrity
// checks: "New Tank", neutral servo pulse, zeroed quantities.
func DefaultRecord() Record {
	var r Record
	name := "New Tank\x00"
	copy(r.Name[:], name)
	r.NameLength = uint8(len(name))
	r.LastBusIndex = NoBusIndex
	r.ServoIdleUs = 1500
	return r
}

// marshalData encodes the record to its 96-byte data layout (offsets 0..95),
// explicit little-endian, no struct packing.
func (r Record) marshalData() []byte {
	buf := make([]byte, lenData)
	copy(buf[offLastBaseMAC:offLastBaseMAC+lenLastBaseMAC], r.LastBaseMAC[:])
	buf[offLastBusIndex] = r.LastBusIndex
	buf[offNameLength] = r.NameLength
	binary.LittleEndian.PutUint16(buf[offCapacityML:], r.CapacityML)
	binary.LittleEndian.PutUint16(buf[offDensityGL:], r.DensityGPerL)
	binary.LittleEndian.PutUint16(buf[offServoIdleUs:], r.ServoIdleUs)
	binary.LittleEndian.PutUint16(buf[offRemainingG:], r.RemainingGrams)
	copy(buf[offName:offName+lenName], r.Name[:])
	return buf
}

func unmarshalData(buf []byte) Record {
	var r Record
	copy(r.LastBaseMAC[:], buf[offLastBaseMAC:offLastBaseMAC+lenLastBaseMAC])
	r.LastBusIndex = buf[offLastBusIndex]
	r.NameLength = buf[offNameLength]
	r.CapacityML = binary.LittleEndian.Uint16(buf[offCapacityML:])
	r.DensityGPerL = binary.LittleEndian.Uint16(buf[offDensityGL:])
	r.ServoIdleUs = binary.LittleEndian.Uint16(buf[offServoIdleUs:])
	r.RemainingGrams = binary.LittleEndian.Uint16(buf[offRemainingG:])
	copy(r.Name[:], buf[offName:offName+lenName])
	return r
}

// EncodeEEPROM produces the full 128-byte record, including a freshly
// computed RS-ECC parity over bytes 0..95.
func EncodeEEPROM(r Record) ([RecordSize]byte, error) {
	var out [RecordSize]byte
	data := r.marshalData()
	ecc, err := rs.DefaultCodec.Encode(data)
	if err != nil {
		return out, fmt.Errorf("tank: encode ecc: %w", err)
	}
	copy(out[:lenData], data)
	copy(out[offECC:], ecc)
	return out, nil
}

// NameString returns the record's name as a Go string, trimmed at its declared
// length (including any null terminator) and at the first NUL byte,
// whichever comes first.
func (r Record) NameString() string {
	n := int(r.NameLength)
	if n > lenName {
		n = lenName
	}
	raw := r.Name[:n]
	for i, b := range raw {
		if b == 0 {
			return string(raw[:i])
		}
	}
	return string(raw)
}

// SetName stores name (UTF-8) into the fixed 80-byte field, truncating if
// necessary and always null-terminating.
func (r *Record) SetName(name string) error {
	b := []byte(name)
	if len(b) > lenName-1 {
		b = b[:lenName-1]
	}
	var buf [lenName]byte
	copy(buf[:], b)
	buf[len(b)] = 0
	r.Name = buf
	r.NameLength = uint8(len(b) + 1)
	return nil
}

// DecodeAndValidate decodes the RS-ECC over a 128-byte EEPROM dump and
// checks the structural field bounds. It returns the
// decoded record, the number of bytes the RS decoder corrected, and an
// error if either the decode or a structural bound failed — in which case
// the caller must treat the record as invalid and rewrite a default one.
func DecodeAndValidate(raw [RecordSize]byte) (Record, int, error) {
	data := make([]byte, lenData)
	copy(data, raw[:lenData])
	ecc := make([]byte, lenECC)
	copy(ecc, raw[offECC:])

	corrected, err := rs.DefaultCodec.Decode(data, ecc)
	if err != nil {
		return Record{}, 0, fmt.Errorf("tank: ecc decode: %w", err)
	}

	r := unmarshalData(data)
	if err := validateBounds(r); err != nil {
		return Record{}, corrected, err
	}
	return r, corrected, nil
}

func validateBounds(r Record) error {
	if r.NameLength > lenName {
		return fmt.Errorf("%w: name_length %d > %d", ErrOutOfBounds, r.NameLength, lenName)
	}
	if r.LastBusIndex > 6 && r.LastBusIndex != NoBusIndex {
		return fmt.Errorf("%w: last_bus_index %d", ErrOutOfBounds, r.LastBusIndex)
	}
	if r.ServoIdleUs < 500 || r.ServoIdleUs > 2500 {
		return fmt.Errorf("%w: servo_idle_us %d", ErrOutOfBounds, r.ServoIdleUs)
	}
	return nil
}
